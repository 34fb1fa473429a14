package compiler

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sbl8/sublation/kernels"
	"github.com/sbl8/sublation/model"
	"github.com/sbl8/sublation/schedprog"
	"github.com/sbl8/sublation/scheduler"
)

// staticModel is the ahead-of-time binding of scheduler.Model used by the
// compiler: it weighs every operator from the fixed opcode-cost table below
// (the same values as runtime.StreamModel's default table; StreamModel
// alone also accepts a caller-supplied table) and realizes Record/Wait as
// real structural nodes the same way schedprog.Adapter materializes any
// other inserted instruction.
type staticModel struct {
	concurrency int
	logger      *zap.Logger
	stream      map[scheduler.IRef]scheduler.StreamID
}

func newStaticModel(concurrency int, logger *zap.Logger) *staticModel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &staticModel{concurrency: concurrency, logger: logger, stream: make(map[scheduler.IRef]scheduler.StreamID)}
}

// staticCosts assigns a fixed instruction cost per named operator, used when
// no runtime profiling data is available (the compiler's ahead-of-time
// path never executes the model it schedules).
var staticCosts = map[string]uint64{
	"matmul":     64,
	"softmax":    12,
	"sigmoid":    4,
	"tanh":       4,
	"relu":       1,
	"add":        2,
	"mul":        2,
	"sum":        3,
	"max":        3,
	"sqr_plus_x": 1,
	"identity":   0,
}

func (m *staticModel) Concurrency() int { return m.concurrency }

func (m *staticModel) Weight(op scheduler.Operator) (uint64, error) {
	if w, ok := staticCosts[op.Name()]; ok {
		return w, nil
	}
	return 1, nil
}

func (m *staticModel) IsContextFree(op scheduler.Operator) bool {
	return kernels.IsContextFree(op.Name())
}

func (m *staticModel) Sched(_ scheduler.Program, ir scheduler.IRef, s scheduler.StreamID) error {
	m.stream[ir] = s
	m.logger.Debug("sched", zap.Uint16("node", uint16(ir)), zap.Int("stream", int(s)))
	return nil
}

func (m *staticModel) Record(p scheduler.Program, producer scheduler.IRef, e scheduler.EventID) error {
	_, err := p.InsertInstruction(p.Position(producer)+1, recordOp{}, []scheduler.IRef{producer})
	return err
}

func (m *staticModel) Wait(p scheduler.Program, consumer scheduler.IRef, e scheduler.EventID) error {
	recNode, ok := m.recordNodeBefore(p, consumer)
	if !ok {
		return fmt.Errorf("compiler: wait: no record instruction found for event %d before node %d", e, consumer)
	}
	_, err := p.InsertInstruction(p.Position(consumer), waitOp{}, []scheduler.IRef{recNode})
	return err
}

// recordNodeBefore finds the closest preceding "@record" instruction in
// program order, the same scan runtime.StreamModel uses: Apply's synchronize
// phase always calls Record immediately before the matching Wait within one
// merge, so the nearest record node by position is always the right one.
func (m *staticModel) recordNodeBefore(p scheduler.Program, consumer scheduler.IRef) (scheduler.IRef, bool) {
	consumerPos := p.Position(consumer)
	var best scheduler.IRef
	bestPos := -1
	for _, ir := range p.Order() {
		if p.Operator(ir).Name() != "@record" {
			continue
		}
		pos := p.Position(ir)
		if pos < consumerPos && pos > bestPos {
			best = ir
			bestPos = pos
		}
	}
	return best, bestPos >= 0
}

type recordOp struct{}

func (recordOp) Name() string { return "@record" }

type waitOp struct{}

func (waitOp) Name() string { return "@wait" }

// applySchedule runs the multi-stream scheduler over g in place when
// streams calls for more than one concurrent stream, mutating g's node
// order and Flags (stream assignment) and, if trace is set, emitting the
// diagnostic channel through logger.
func applySchedule(g *model.Graph, streams int, trace bool, logger *zap.Logger) error {
	if streams <= 1 {
		return nil
	}
	adapter, err := schedprog.New(g)
	if err != nil {
		return fmt.Errorf("compiler: schedule: %w", err)
	}

	sm := newStaticModel(streams, logger)

	var opts []scheduler.Option
	if trace {
		opts = append(opts, scheduler.WithTrace(logger))
	}

	if err := scheduler.Apply(adapter, sm, opts...); err != nil {
		return fmt.Errorf("compiler: schedule: %w", err)
	}
	adapter.Flush()

	for i := range g.Nodes {
		if s, ok := sm.stream[scheduler.IRef(g.Nodes[i].ID)]; ok {
			g.Nodes[i].SetStream(int(s))
		}
	}
	return nil
}
