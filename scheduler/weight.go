package scheduler

// accumulateWeights computes, for every instruction reachable from sink,
// the instantaneous weight iw[n] (model.Weight(op(n)), or 0 for a
// context-free or structural operator) and the accumulated subgraph weight
// w[n] = iw[n] + sum(w[p] for p in Inputs(n)). An ancestor reachable via
// multiple paths contributes its weight once per path, by design: it lets
// the partitioner that follows treat highly fanned-in nodes as heavier.
//
// Traversal uses an explicit work stack rather than native recursion so
// that graphs with long dependency chains (beyond what a default goroutine
// stack comfortably holds) don't risk stack exhaustion.
func accumulateWeights(p Program, m Model, sink IRef) (iw, w map[IRef]uint64, err error) {
	iw = make(map[IRef]uint64)
	w = make(map[IRef]uint64)

	type frame struct {
		ir       IRef
		inputs   []IRef
		childIdx int
	}

	stack := []*frame{{ir: sink}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]

		if _, done := w[top.ir]; done {
			stack = stack[:len(stack)-1]
			continue
		}

		if top.inputs == nil {
			top.inputs = p.Inputs(top.ir)
		}

		if top.childIdx < len(top.inputs) {
			child := top.inputs[top.childIdx]
			top.childIdx++
			if _, done := w[child]; !done {
				stack = append(stack, &frame{ir: child})
			}
			continue
		}

		op := p.Operator(top.ir)
		var weight uint64
		if !m.IsContextFree(op) && !IsStructural(op) {
			weight, err = m.Weight(op)
			if err != nil {
				return nil, nil, modelf("weight", top.ir, err)
			}
		}

		sum := weight
		for _, in := range top.inputs {
			sum += w[in]
		}

		iw[top.ir] = weight
		w[top.ir] = sum
		stack = stack[:len(stack)-1]
	}

	return iw, w, nil
}
