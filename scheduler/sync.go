package scheduler

import "sort"

// getRecordedInstructions finds, for each upstream stream reachable from n
// through its inputs (stepping transparently through zero-weight nodes),
// the single ancestor on that stream positioned nearest to n — the
// representative whose event n should wait on. Ties never arise from
// distance alone (positions are unique); walk order decides the rare case
// of two candidates landing on the exact same position, which cannot
// happen for a valid, already-reordered program.
func getRecordedInstructions(st *state, n IRef) []IRef {
	nPos := st.p.Position(n)

	best := make(map[StreamID]IRef)
	bestDist := make(map[StreamID]int)

	var walk func(ir IRef)
	walk = func(ir IRef) {
		for _, in := range st.p.Inputs(ir) {
			if st.iw[in] == 0 {
				walk(in)
				continue
			}
			s := st.streamOf(in)
			dist := nPos - st.p.Position(in)
			if cur, ok := best[s]; !ok || dist < bestDist[s] {
				best[s] = in
				bestDist[s] = dist
				_ = cur
			}
		}
	}
	walk(n)

	streamsSeen := make([]StreamID, 0, len(best))
	for s := range best {
		streamsSeen = append(streamsSeen, s)
	}
	sort.Slice(streamsSeen, func(i, j int) bool { return streamsSeen[i] < streamsSeen[j] })

	result := make([]IRef, 0, len(streamsSeen))
	for _, s := range streamsSeen {
		result = append(result, best[s])
	}
	return result
}

// synchronize walks the reordered program front-to-back, scheduling every
// weighted instruction onto its stream and emitting record/wait pairs at
// merge points, with split points snapshotted for downstream fan-in
// deduplication.
func synchronize(st *state) error {
	st.insToWait = make(map[IRef]EventID)
	st.waitedFor = make(map[StreamID]map[EventID]bool)
	st.insWaited = make(map[IRef]map[EventID]bool)

	for _, n := range st.p.Order() {
		if !st.hasStream(n) {
			continue
		}
		if st.iw[n] == 0 {
			return invariantf("node %d has a stream but zero instantaneous weight", n)
		}
		stream := st.streamOf(n)

		if err := st.m.Sched(st.p, n, stream); err != nil {
			return modelf("sched", n, err)
		}

		if isMergePointAgainst(st, n, stream) {
			if err := mergeSync(st, n, stream); err != nil {
				return err
			}
		}

		if isSplitPointAgainst(st, n, stream) {
			snapshot := make(map[EventID]bool, len(st.waitedFor[stream]))
			for e := range st.waitedFor[stream] {
				snapshot[e] = true
			}
			st.insWaited[n] = snapshot
		}
	}

	return nil
}

func mergeSync(st *state, n IRef, stream StreamID) error {
	if st.waitedFor[stream] == nil {
		st.waitedFor[stream] = make(map[EventID]bool)
	}

	for _, i := range getRecordedInstructions(st, n) {
		if !st.hasStream(i) {
			continue
		}
		iStream := st.streamOf(i)
		if iStream == stream {
			continue
		}

		e, recorded := st.insToWait[i]
		if !recorded {
			e = st.nextEvent
			st.nextEvent++
			st.insToWait[i] = e
			if err := st.m.Record(st.p, i, e); err != nil {
				return modelf("record", i, err)
			}
		}

		if !st.waitedFor[stream][e] {
			if err := st.m.Wait(st.p, n, e); err != nil {
				return modelf("wait", n, err)
			}
		}
		st.waitedFor[stream][e] = true

		for prior := range st.insWaited[i] {
			st.waitedFor[stream][prior] = true
		}
	}
	return nil
}
