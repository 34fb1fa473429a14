package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// --- Invariant 1: iw[n] > 0 iff n is assigned a stream -----------------

func TestInvariantWeightedNodesGetExactlyOneStream(t *testing.T) {
	p := newTestProgram()
	x := p.add("op")
	l := p.add("light", x)
	r := p.add("heavy", x)
	q := p.add("@noop", l)
	p.add("op", q, r)

	m := newTestModel(3)
	m.weights["light"] = 2
	m.weights["heavy"] = 9

	require.NoError(t, Apply(p, m))

	scheduled := make(map[IRef]int)
	for _, c := range m.scheds {
		scheduled[c.ir]++
	}

	iw, _, err := accumulateWeights(p, m, p.Sink())
	require.NoError(t, err)

	for n, weight := range iw {
		if weight > 0 {
			require.Equal(t, 1, scheduled[n], "node %d has positive weight but was not scheduled exactly once", n)
		} else {
			require.Equal(t, 0, scheduled[n], "node %d is zero-weight but received a stream", n)
		}
	}
}

// --- Invariant 4: the critical chain (heaviest input at every branch) is
// entirely assigned to stream 0 ---------------------------------------

func TestInvariantCriticalChainIsStreamZero(t *testing.T) {
	p := newTestProgram()
	a := p.add("op")
	b1 := p.add("light", a)
	b2 := p.add("heavy", a)
	c1 := p.add("light", b2)
	c2 := p.add("heavy", b2)
	sink := p.add("op", b1, c1, c2)
	_ = sink

	m := newTestModel(3)
	m.weights["light"] = 1
	m.weights["heavy"] = 20

	require.NoError(t, Apply(p, m))

	streamOf := map[IRef]StreamID{}
	for _, c := range m.scheds {
		streamOf[c.ir] = c.s
	}

	// Walk the critical chain from the sink by following the heaviest
	// input at each branch, exactly as buildPartitions does.
	_, w, err := accumulateWeights(p, m, p.Sink())
	require.NoError(t, err)

	n := p.Sink()
	for {
		require.Equal(t, StreamID(0), streamOf[n], "critical chain node %d must be on stream 0", n)
		inputs := p.Inputs(n)
		if len(inputs) == 0 {
			break
		}
		best := inputs[0]
		for _, in := range inputs[1:] {
			if w[in] > w[best] {
				best = in
			}
		}
		if w[best] == 0 {
			break
		}
		n = best
	}
}

// --- Invariant 5: LPT balance is bounded by the largest side partition --

func TestInvariantLPTBalanceBoundedByLargestPartition(t *testing.T) {
	// Five side branches of varying weight hanging off a shared ancestor,
	// each lighter than the "critical" input so all five become side
	// partitions bin-packed across K-1 = 2 streams.
	weights := []uint64{5, 3, 3, 2, 1}
	names := []string{"b0", "b1", "b2", "b3", "b4"}

	p := newTestProgram()
	a := p.add("op")
	var branches []IRef
	for _, n := range names {
		branches = append(branches, p.add(n, a))
	}
	critical := p.add("critical", a)
	args := append([]IRef{critical}, branches...)
	p.add("op", args...)

	m := newTestModel(3) // K-1 = 2 bins
	m.weights["critical"] = 100
	for i, n := range names {
		m.weights[n] = weights[i]
	}

	require.NoError(t, Apply(p, m))

	load := make(map[StreamID]uint64)
	for _, c := range m.scheds {
		w, ok := m.weights[p.Operator(c.ir).Name()]
		if !ok {
			w = 1
		}
		if c.s != 0 {
			load[c.s] += w
		}
	}

	var maxLoad, minLoad uint64
	first := true
	for _, l := range load {
		if first || l > maxLoad {
			maxLoad = l
		}
		if first || l < minLoad {
			minLoad = l
		}
		first = false
	}

	var maxBranch uint64
	for _, w := range weights {
		if w > maxBranch {
			maxBranch = w
		}
	}

	require.LessOrEqual(t, maxLoad-minLoad, maxBranch,
		"LPT imbalance must never exceed the single largest side partition's weight")
}

// --- Invariant 6: determinism -------------------------------------------

func TestInvariantDeterministic(t *testing.T) {
	build := func() (*testProgram, *testModel) {
		p := newTestProgram()
		a := p.add("op")
		l := p.add("light", a)
		r := p.add("heavy", a)
		q := p.add("@noop", l)
		p.add("op", q, r)
		m := newTestModel(2)
		m.weights["light"] = 2
		m.weights["heavy"] = 7
		return p, m
	}

	p1, m1 := build()
	p2, m2 := build()

	require.NoError(t, Apply(p1, m1))
	require.NoError(t, Apply(p2, m2))

	require.Equal(t, p1.Order(), p2.Order())
	require.Equal(t, m1.scheds, m2.scheds)
	require.Equal(t, m1.records, m2.records)
	require.Equal(t, m1.waits, m2.waits)
}

// --- Invariant 7: every ancestor of n appears before n in the reordered
// program --------------------------------------------------------------

func TestInvariantReorderingPreservesAncestryOrder(t *testing.T) {
	p := newTestProgram()
	a := p.add("op")
	b := p.add("light", a)
	c := p.add("heavy", a)
	p.add("op", b, c)

	m := newTestModel(2)
	m.weights["light"] = 2
	m.weights["heavy"] = 9

	require.NoError(t, Apply(p, m))

	order := p.Order()
	pos := make(map[IRef]int, len(order))
	for i, ir := range order {
		pos[ir] = i
	}

	for _, ir := range order {
		for _, in := range p.nodes[ir].inputs {
			require.Less(t, pos[in], pos[ir], "ancestor %d must precede descendant %d", in, ir)
		}
	}
}

// TestInvariantReorderingRevisitsSharedNodeThroughEveryPath guards against a
// memoized reorder walk: with y -> x -> {a, b} -> sink, x is reached twice
// (once via a, once via b), and each encounter must independently relocate
// x's own input y. A walk that only descends into x's inputs on the first
// encounter leaves y behind x on the second, breaking ancestry order even
// though the shallower depth-2 diamond above cannot detect it.
func TestInvariantReorderingRevisitsSharedNodeThroughEveryPath(t *testing.T) {
	p := newTestProgram()
	y := p.add("y")
	x := p.add("x", y)
	a := p.add("a", x)
	b := p.add("b", x)
	p.add("sink", a, b)

	m := newTestModel(2)
	m.weights["y"] = 1
	m.weights["x"] = 1
	m.weights["a"] = 1
	m.weights["b"] = 1

	require.NoError(t, Apply(p, m))

	order := p.Order()
	pos := make(map[IRef]int, len(order))
	for i, ir := range order {
		pos[ir] = i
	}

	for _, ir := range order {
		for _, in := range p.nodes[ir].inputs {
			require.Less(t, pos[in], pos[ir], "ancestor %d must precede descendant %d", in, ir)
		}
	}
	require.Less(t, pos[y], pos[x], "y must precede x on every path x is reached through")
}

// --- S3: split point detection ------------------------------------------

func TestSplitPointSnapshotsWaitedForEvents(t *testing.T) {
	p := newTestProgram()
	a := p.add("a")
	b := p.add("b", a)
	c := p.add("c", a)
	p.add("sink", b, c)

	m := newTestModel(2)
	m.weights["a"] = 2
	m.weights["b"] = 1
	m.weights["c"] = 1

	iw, w, err := accumulateWeights(p, m, p.Sink())
	require.NoError(t, err)
	stream, err := assignStreams(p, m, iw, w, p.Sink(), m.k, MinPartitionThreshold)
	require.NoError(t, err)
	require.NoError(t, reorder(p, w))

	st := &state{p: p, m: m, iw: iw, w: w, stream: stream}
	require.NoError(t, synchronize(st))

	require.True(t, isSplitPoint(st, a), "a feeds both b and c on (potentially) different streams and must be a split point")
	_, ok := st.insWaited[a]
	require.True(t, ok, "a split point must have its waited-for set snapshotted")
}
