package scheduler

// neighborsFunc selects either Inputs or Outputs for a frontier walk.
type neighborsFunc func(Program, IRef) []IRef

func inputsOf(p Program, ir IRef) []IRef  { return p.Inputs(ir) }
func outputsOf(p Program, ir IRef) []IRef { return p.Outputs(ir) }

// walkStreams steps transparently through zero-weight neighbors in the
// given direction, invoking visit once per weighted neighbor encountered on
// each path. It stops early (returns false) the moment visit returns false,
// so callers that only need to know "do two distinct streams appear" never
// pay for more of the frontier than necessary.
func walkStreams(st *state, start IRef, neighbors neighborsFunc, visit func(StreamID) bool) bool {
	var walk func(ir IRef) bool
	walk = func(ir IRef) bool {
		for _, n := range neighbors(st.p, ir) {
			if st.iw[n] == 0 {
				if !walk(n) {
					return false
				}
				continue
			}
			if !visit(st.streamOf(n)) {
				return false
			}
		}
		return true
	}
	return walk(start)
}

// streams returns the set of streams reachable through n's inputs: {n's own
// stream} if n is assigned, else the transitive set seen through zero-weight
// inputs.
func streams(st *state, n IRef) map[StreamID]bool {
	result := make(map[StreamID]bool)
	if st.hasStream(n) {
		result[st.streamOf(n)] = true
		return result
	}
	walkStreams(st, n, inputsOf, func(s StreamID) bool {
		result[s] = true
		return true
	})
	return result
}

// isDifferentFrom reports whether the frontier visited by walk ever departs
// from the seed stream. seeded=false means the first stream encountered
// becomes the seed.
func isDifferentFrom(walk func(visit func(StreamID) bool) bool, seed StreamID, seeded bool) bool {
	different := false
	walk(func(s StreamID) bool {
		if !seeded {
			seed = s
			seeded = true
			return true
		}
		if s != seed {
			different = true
			return false
		}
		return true
	})
	return different
}

// isMergePoint reports whether n's inputs (seen transparently through
// zero-weight nodes) reach at least two distinct streams.
func isMergePoint(st *state, n IRef) bool {
	return isDifferentFrom(func(visit func(StreamID) bool) bool {
		return walkStreams(st, n, inputsOf, visit)
	}, 0, false)
}

// isMergePointAgainst reports whether n's inputs reach any stream other
// than s — the variant used once n itself has been assigned to s.
func isMergePointAgainst(st *state, n IRef, s StreamID) bool {
	return isDifferentFrom(func(visit func(StreamID) bool) bool {
		return walkStreams(st, n, inputsOf, visit)
	}, s, true)
}

// isSplitPoint reports whether n's outputs (seen transparently through
// zero-weight nodes) reach at least two distinct streams.
func isSplitPoint(st *state, n IRef) bool {
	return isDifferentFrom(func(visit func(StreamID) bool) bool {
		return walkStreams(st, n, outputsOf, visit)
	}, 0, false)
}

// isSplitPointAgainst mirrors isMergePointAgainst for the output direction.
func isSplitPointAgainst(st *state, n IRef, s StreamID) bool {
	return isDifferentFrom(func(visit func(StreamID) bool) bool {
		return walkStreams(st, n, outputsOf, visit)
	}, s, true)
}
