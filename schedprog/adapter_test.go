package schedprog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sbl8/sublation/kernels"
	"github.com/sbl8/sublation/model"
	"github.com/sbl8/sublation/scheduler"
)

// diamond builds a four-node graph (x -> l, x -> r, {l,r} -> sink) with a
// payload large enough to satisfy Graph.Validate's bounds check, using real
// kernel opcodes so OpName/OpForName round-trip through the adapter exactly
// as they would for a compiled model.
func diamond() *model.Graph {
	return &model.Graph{
		Payload: make([]byte, 256),
		Nodes: []model.Node{
			{ID: 0, Kernel: kernels.OpAdd, Out: 0},
			{ID: 1, Kernel: kernels.OpReLU, Out: 16, Topo: []uint16{0}},
			{ID: 2, Kernel: kernels.OpMatMul, Out: 32, Topo: []uint16{0}},
			{ID: 3, Kernel: kernels.OpAdd, Out: 48, Topo: []uint16{1, 2}},
		},
	}
}

func TestNewRejectsInvalidGraph(t *testing.T) {
	g := &model.Graph{}
	_, err := New(g)
	require.Error(t, err)
}

func TestNewBindsSinkAndOrder(t *testing.T) {
	g := diamond()
	a, err := New(g)
	require.NoError(t, err)

	require.Equal(t, scheduler.IRef(3), a.Sink())
	require.Equal(t, []scheduler.IRef{0, 1, 2, 3}, a.Order())
	require.ElementsMatch(t, []scheduler.IRef{1, 2}, a.Inputs(3))
	require.ElementsMatch(t, []scheduler.IRef{3}, a.Outputs(1))
	require.Equal(t, "matmul", a.Operator(2).Name())
}

func TestMoveInstructionPreservesIdentityAndReindexes(t *testing.T) {
	g := diamond()
	a, err := New(g)
	require.NoError(t, err)

	require.NoError(t, a.MoveInstruction(2, 0))
	require.Equal(t, 0, a.Position(2))
	require.Equal(t, []scheduler.IRef{2, 0, 1, 3}, a.Order())

	// Identity survives: node 2 is still the matmul, regardless of position.
	require.Equal(t, "matmul", a.Operator(2).Name())
}

func TestInsertInstructionMaterializesStructuralNode(t *testing.T) {
	g := diamond()
	a, err := New(g)
	require.NoError(t, err)

	ir, err := a.InsertInstruction(a.Position(3), recordOp{}, []scheduler.IRef{1})
	require.NoError(t, err)
	require.Equal(t, "@record", a.Operator(ir).Name())
	require.Contains(t, a.Outputs(1), ir)
	require.Less(t, a.Position(ir), a.Position(3))
}

func TestInsertInstructionRejectsTooManyArgs(t *testing.T) {
	g := diamond()
	a, err := New(g)
	require.NoError(t, err)

	_, err = a.InsertInstruction(0, memConflictOp{}, []scheduler.IRef{0, 1, 2})
	require.Error(t, err)
}

func TestFlushWritesBackOrderAndNewNodes(t *testing.T) {
	g := diamond()
	a, err := New(g)
	require.NoError(t, err)

	_, err = a.InsertInstruction(a.Position(3), recordOp{}, []scheduler.IRef{1})
	require.NoError(t, err)
	require.NoError(t, a.MoveInstruction(2, 0))

	a.Flush()

	require.Len(t, g.Nodes, 5)
	ids := make([]uint16, len(g.Nodes))
	for i, n := range g.Nodes {
		ids[i] = n.ID
	}
	require.Equal(t, uint16(2), ids[0], "flushed order must reflect the adapter's final order")
}

type recordOp struct{}

func (recordOp) Name() string { return "@record" }

type waitOp struct{}

func (waitOp) Name() string { return "@wait" }

type memConflictOp struct{}

func (memConflictOp) Name() string { return "@memconflict" }

// TestApplyThroughAdapter exercises scheduler.Apply end to end against a
// real *model.Graph via the adapter, mirroring scheduler package's S2
// diamond scenario but through the production Program binding instead of
// the scheduler package's in-memory test harness.
func TestApplyThroughAdapter(t *testing.T) {
	g := diamond()
	a, err := New(g)
	require.NoError(t, err)

	m := &fakeModel{
		k: 2,
		weights: map[string]uint64{
			"add":    1,
			"relu":   2,
			"matmul": 20,
		},
	}

	consumer := scheduler.IRef(3)

	require.NoError(t, scheduler.Apply(a, m))

	require.Len(t, m.records, 1)
	require.Len(t, m.waits, 1)
	require.Equal(t, consumer, m.waits[0], "the merge node waits on its own consumer position")

	waitPos := -1
	for _, ir := range a.Order() {
		if ir != consumer && a.Operator(ir).Name() == "@wait" {
			waitPos = a.Position(ir)
		}
	}
	require.GreaterOrEqual(t, waitPos, 0, "a real @wait instruction must have been inserted")
	require.Less(t, waitPos, a.Position(consumer), "the @wait instruction must land before its consumer in final program order")

	a.Flush()

	streamOf := make(map[scheduler.IRef]scheduler.StreamID)
	for _, c := range m.scheds {
		streamOf[c.ir] = c.s
	}
	require.Equal(t, scheduler.StreamID(0), streamOf[2], "matmul is the heavier input and stays on the critical stream")
	require.Equal(t, scheduler.StreamID(1), streamOf[1], "relu is the lighter side branch")
}

type fakeModel struct {
	k       int
	weights map[string]uint64
	scheds  []struct {
		ir scheduler.IRef
		s  scheduler.StreamID
	}
	records []scheduler.IRef
	waits   []scheduler.IRef
}

func (m *fakeModel) Concurrency() int { return m.k }

func (m *fakeModel) Weight(op scheduler.Operator) (uint64, error) {
	if w, ok := m.weights[op.Name()]; ok {
		return w, nil
	}
	return 1, nil
}

func (m *fakeModel) IsContextFree(op scheduler.Operator) bool {
	return kernels.IsContextFree(op.Name())
}

func (m *fakeModel) Sched(_ scheduler.Program, ir scheduler.IRef, s scheduler.StreamID) error {
	m.scheds = append(m.scheds, struct {
		ir scheduler.IRef
		s  scheduler.StreamID
	}{ir, s})
	return nil
}

func (m *fakeModel) Record(p scheduler.Program, producer scheduler.IRef, e scheduler.EventID) error {
	m.records = append(m.records, producer)
	_, err := p.InsertInstruction(p.Position(producer)+1, recordOp{}, []scheduler.IRef{producer})
	return err
}

func (m *fakeModel) Wait(p scheduler.Program, consumer scheduler.IRef, e scheduler.EventID) error {
	m.waits = append(m.waits, consumer)
	_, err := p.InsertInstruction(p.Position(consumer), waitOp{}, []scheduler.IRef{consumer})
	return err
}
