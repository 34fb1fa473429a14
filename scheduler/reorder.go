package scheduler

import "sort"

// reorder walks the program from sink and, at each node, relocates its
// inputs to the current front of the program in ascending order of
// (w[input], fan-in). Because each relocation moves an input to position 0,
// processing inputs lightest-first means the heaviest (critical-path) input
// is the last one moved and lands frontmost of its siblings, while the
// lightest input ends up nearest the consumer. Each input is relocated
// before the walk descends into it, so its own inputs are then moved in
// front of it.
//
// Every path through a shared node re-descends into its own inputs: there is
// deliberately no visited-node memoization here. A node can be reached
// through more than one consumer at different depths, and each such
// encounter must independently relocate (and recurse into) that node's own
// inputs, or an ancestor reachable only through one of those paths can be
// left behind an instruction that depends on it.
func reorder(p Program, w map[IRef]uint64) error {
	sink := p.Sink()

	type frame struct {
		ir   IRef
		args []IRef
		idx  int
	}

	stack := []*frame{{ir: sink}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]

		if top.args == nil {
			args := append([]IRef(nil), p.Inputs(top.ir)...)
			sort.SliceStable(args, func(i, j int) bool {
				wi, wj := w[args[i]], w[args[j]]
				if wi != wj {
					return wi < wj
				}
				return len(p.Inputs(args[i])) < len(p.Inputs(args[j]))
			})
			top.args = args
			if len(args) == 0 {
				top.args = []IRef{}
			}
		}

		if top.idx >= len(top.args) {
			stack = stack[:len(stack)-1]
			continue
		}

		in := top.args[top.idx]
		top.idx++

		if err := p.MoveInstruction(in, 0); err != nil {
			return err
		}
		stack = append(stack, &frame{ir: in})
	}

	return nil
}
