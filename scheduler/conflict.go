package scheduler

import "sort"

// insertMemoryConflicts walks the program in reverse, maintaining the set
// of downstream merge points reachable from each instruction, and for every
// merge point records which instructions are live on each upstream stream.
// It then inserts, immediately before each merge, an identity instruction
// linking every instruction live on one stream to every instruction live on
// each other stream — a conservative over-approximation the downstream
// memory planner relies on to never reuse a buffer still owned by a
// concurrently executing sibling branch.
func insertMemoryConflicts(st *state) error {
	order := st.p.Order()

	mergeFrom := make(map[IRef]map[IRef]bool)
	// result[merge][stream] = live instructions on that stream reaching merge.
	result := make(map[IRef]map[StreamID][]IRef)

	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]

		from := mergeFrom[n]
		for _, out := range st.p.Outputs(n) {
			if isMergePoint(st, out) {
				if from == nil {
					from = make(map[IRef]bool)
					mergeFrom[n] = from
				}
				from[out] = true
			}
			for m := range mergeFrom[out] {
				if from == nil {
					from = make(map[IRef]bool)
					mergeFrom[n] = from
				}
				from[m] = true
			}
		}

		if len(from) == 0 {
			continue
		}

		ns := streams(st, n)

		for merge := range from {
			bucket := result[merge]
			if bucket == nil {
				bucket = make(map[StreamID][]IRef)
				result[merge] = bucket
			}
			for s := range ns {
				bucket[s] = append(bucket[s], n)
				for _, in := range st.p.Inputs(n) {
					if st.hasStream(in) {
						continue
					}
					op := st.p.Operator(in)
					if st.m.IsContextFree(op) || IsStructural(op) {
						continue
					}
					bucket[s] = append(bucket[s], in)
				}
			}
		}
	}

	merges := make([]IRef, 0, len(result))
	for merge := range result {
		merges = append(merges, merge)
	}
	sort.Slice(merges, func(i, j int) bool { return st.p.Position(merges[i]) < st.p.Position(merges[j]) })

	for _, merge := range merges {
		bucket := result[merge]
		streamIDs := make([]StreamID, 0, len(bucket))
		for s := range bucket {
			streamIDs = append(streamIDs, s)
		}
		sort.Slice(streamIDs, func(i, j int) bool { return streamIDs[i] < streamIDs[j] })

		pos := st.p.Position(merge)
		var insertErr error
		orderedPairs(len(streamIDs), func(i, j int) {
			if insertErr != nil {
				return
			}
			si, sj := streamIDs[i], streamIDs[j]
			for _, ins1 := range bucket[si] {
				for _, ins2 := range bucket[sj] {
					if insertErr != nil {
						return
					}
					// Two inputs per conflict node: Program implementations
					// (schedprog's in particular) may cap an instruction's
					// dependency list, so the conflict graph is expressed as
					// pairwise edges rather than one wide fan-in node.
					if _, err := st.p.InsertInstruction(pos, memConflictOp{}, []IRef{ins1, ins2}); err != nil {
						insertErr = err
						return
					}
				}
			}
		})
		if insertErr != nil {
			return insertErr
		}
	}

	return nil
}

// orderedPairs iterates every ordered pair (i, j) in [0, n) x [0, n) with
// i != j: a plain nested loop over ordered pairs, no special semantics
// beyond skipping the diagonal.
func orderedPairs(n int, f func(i, j int)) {
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			f(i, j)
		}
	}
}

// memConflictOp is the structural identity operator the conflict pass
// inserts. Its name carries the "@" convention so the pass never treats it
// as a source of weight or stream assignment on a later run.
type memConflictOp struct{}

func (memConflictOp) Name() string { return "@memconflict" }
