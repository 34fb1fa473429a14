package scheduler

import "sort"

// partition is one chain of work destined for a single stream: the
// critical partition, or one side partition rooted at a branching node.
type partition struct {
	weight       uint64
	instructions []IRef
}

func (pt *partition) add(ir IRef, w uint64) {
	pt.weight += w
	pt.instructions = append(pt.instructions, ir)
}

// assignStreams walks the program from sink, partitions it into the
// critical chain (always the heaviest input at each branch) plus a forest
// of side partitions, then bin-packs the side partitions across the
// remaining K-1 streams by longest-processing-time. It returns the final
// stream assignment for every weighted instruction.
func assignStreams(p Program, m Model, iw, w map[IRef]uint64, sink IRef, k int, minThreshold uint64) (map[IRef]StreamID, error) {
	critical, secondary := buildPartitions(p, iw, w, sink, minThreshold)

	stream := make(map[IRef]StreamID)
	setStream(critical, iw, stream, 0)

	if k == 1 {
		// With a single stream there is nothing to bin-pack: every side
		// partition also runs on stream 0.
		for _, parts := range secondary {
			for _, pt := range parts {
				setStream(pt, iw, stream, 0)
			}
		}
		return stream, nil
	}

	// Process branch points in a deterministic (position-based) order: map
	// iteration order is not meaningful and must never leak into output.
	roots := make([]IRef, 0, len(secondary))
	for root := range secondary {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool { return p.Position(roots[i]) < p.Position(roots[j]) })

	load := make([]uint64, k-1)
	for _, root := range roots {
		parts := secondary[root]
		sort.SliceStable(parts, func(i, j int) bool {
			if parts[i].weight != parts[j].weight {
				return parts[i].weight > parts[j].weight
			}
			return len(parts[i].instructions) > len(parts[j].instructions)
		})

		for _, pt := range parts {
			if len(pt.instructions) == 0 {
				continue
			}
			best := 0
			for s := 1; s < len(load); s++ {
				if load[s] < load[best] {
					best = s
				}
			}
			setStream(pt, iw, stream, StreamID(best+1))
			load[best] += pt.weight
		}
	}

	return stream, nil
}

// buildPartitions performs the recursive descent: at each node, the
// heaviest input (first on ties) stays in the current partition; every
// other input whose accumulated weight exceeds minThreshold spawns a new
// side partition rooted at the branching node. Each node joins only the
// first partition that reaches it, and the heaviest input is descended
// first, so an ancestor shared by the critical chain and a side branch
// stays on the critical chain; a side partition whose root was already
// claimed stays empty and assignStreams skips it.
func buildPartitions(p Program, iw, w map[IRef]uint64, sink IRef, minThreshold uint64) (*partition, map[IRef][]*partition) {
	critical := &partition{}
	secondary := make(map[IRef][]*partition)

	type work struct {
		ir   IRef
		part *partition
	}

	visited := make(map[IRef]bool)
	stack := []work{{sink, critical}}
	for len(stack) > 0 {
		n := len(stack) - 1
		item := stack[n]
		stack = stack[:n]

		if w[item.ir] == 0 || visited[item.ir] {
			continue
		}
		visited[item.ir] = true
		item.part.add(item.ir, iw[item.ir])

		inputs := p.Inputs(item.ir)
		if len(inputs) == 0 {
			continue
		}

		maxIdx := 0
		for i := 1; i < len(inputs); i++ {
			if w[inputs[i]] > w[inputs[maxIdx]] {
				maxIdx = i
			}
		}
		maxInput := inputs[maxIdx]

		for _, in := range inputs {
			if in == maxInput {
				continue
			}
			if w[in] <= minThreshold {
				stack = append(stack, work{in, item.part})
				continue
			}
			np := &partition{}
			secondary[item.ir] = append(secondary[item.ir], np)
			stack = append(stack, work{in, np})
		}
		// Pushed last so it is popped next: the heaviest input claims shared
		// ancestors for the current partition before any sibling does.
		stack = append(stack, work{maxInput, item.part})
	}

	return critical, secondary
}

// setStream assigns stream s to every weighted instruction in pt. Zero-weight
// instructions accumulated into a partition (nodes whose own iw is 0 but
// whose accumulated w is nonzero because of their ancestors) remain
// unassigned, per invariant 1.
func setStream(pt *partition, iw map[IRef]uint64, stream map[IRef]StreamID, s StreamID) {
	for _, ir := range pt.instructions {
		if iw[ir] > 0 {
			stream[ir] = s
		}
	}
}
