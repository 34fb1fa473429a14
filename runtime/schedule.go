package runtime

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sbl8/sublation/kernels"
	"github.com/sbl8/sublation/model"
	"github.com/sbl8/sublation/schedprog"
	"github.com/sbl8/sublation/scheduler"
)

// recordOp and waitOp are the structural operators StreamModel inserts into
// the program to materialize cross-stream synchronization as real,
// executable instructions rather than side-table metadata. Their Name()
// matches the "@record"/"@wait" entries kernels.OpForName resolves back to
// opcodes, so the scheduled graph serializes like any other.
type recordOp struct{}

func (recordOp) Name() string { return "@record" }

type waitOp struct{}

func (waitOp) Name() string { return "@wait" }

// StreamModel is the live-runtime binding of scheduler.Model: it costs
// operators from a static per-kernel table, and realizes Record/Wait by
// inserting actual @record/@wait nodes into the program, keyed by the
// record node's own IRef rather than a separate event numbering — the
// runtime's executor (RunScheduled) later treats "wait on the node named by
// my single input" as the synchronization primitive, so no event space
// needs to survive serialization.
type StreamModel struct {
	concurrency int
	costs       map[string]uint64
	logger      *zap.Logger

	stream map[scheduler.IRef]scheduler.StreamID
}

// NewStreamModel builds a StreamModel targeting concurrency streams, using
// costs to weigh named operators (missing names default to weight 1, the
// assumed cost when no profiling data exists).
func NewStreamModel(concurrency int, costs map[string]uint64, logger *zap.Logger) *StreamModel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if costs == nil {
		costs = defaultKernelCosts()
	}
	return &StreamModel{
		concurrency: concurrency,
		costs:       costs,
		logger:      logger,
		stream:      make(map[scheduler.IRef]scheduler.StreamID),
	}
}

func defaultKernelCosts() map[string]uint64 {
	return map[string]uint64{
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
}

func (m *StreamModel) Concurrency() int { return m.concurrency }

func (m *StreamModel) Weight(op scheduler.Operator) (uint64, error) {
	if w, ok := m.costs[op.Name()]; ok {
		return w, nil
	}
	return 1, nil
}

func (m *StreamModel) IsContextFree(op scheduler.Operator) bool {
	return kernels.IsContextFree(op.Name())
}

func (m *StreamModel) Sched(_ scheduler.Program, ir scheduler.IRef, s scheduler.StreamID) error {
	m.stream[ir] = s
	return nil
}

func (m *StreamModel) Record(p scheduler.Program, producer scheduler.IRef, event scheduler.EventID) error {
	s, ok := m.stream[producer]
	if !ok {
		return fmt.Errorf("runtime: record: producer %d has no stream", producer)
	}
	ir, err := p.InsertInstruction(p.Position(producer)+1, recordOp{}, []scheduler.IRef{producer})
	if err != nil {
		return err
	}
	m.stream[ir] = s
	m.logger.Debug("record inserted", zap.Uint16("producer", uint16(producer)), zap.Uint16("node", uint16(ir)), zap.Uint64("event", uint64(event)))
	return nil
}

func (m *StreamModel) Wait(p scheduler.Program, consumer scheduler.IRef, event scheduler.EventID) error {
	s, ok := m.stream[consumer]
	if !ok {
		return fmt.Errorf("runtime: wait: consumer %d has no stream", consumer)
	}
	recNode, ok := m.recordNodeBefore(p, consumer)
	if !ok {
		return fmt.Errorf("runtime: wait: no record instruction found for event %d before node %d", event, consumer)
	}
	ir, err := p.InsertInstruction(p.Position(consumer), waitOp{}, []scheduler.IRef{recNode})
	if err != nil {
		return err
	}
	m.stream[ir] = s
	m.logger.Debug("wait inserted", zap.Uint16("consumer", uint16(consumer)), zap.Uint16("node", uint16(ir)), zap.Uint64("event", uint64(event)))
	return nil
}

// recordNodeBefore finds the most recently inserted @record instruction
// that precedes consumer in program order — the one Record just created.
// Apply's synchronize phase always calls Record immediately before the
// matching Wait within the same merge, so this is always the last @record
// node in the order scan, not a full search keyed by event id.
func (m *StreamModel) recordNodeBefore(p scheduler.Program, consumer scheduler.IRef) (scheduler.IRef, bool) {
	order := p.Order()
	consumerPos := p.Position(consumer)
	var best scheduler.IRef
	bestPos := -1
	for _, ir := range order {
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

// CompileSchedule runs the multi-stream scheduler over g in place: it binds
// g through a schedprog.Adapter, applies scheduler.Apply with a fresh
// StreamModel, flushes the adapter's final order back into g, and bakes
// each node's stream assignment into its Flags (model.Node.SetStream) so
// the result round-trips through Graph.Serialize unchanged.
func CompileSchedule(g *model.Graph, concurrency int, logger *zap.Logger) error {
	if concurrency <= 1 {
		return nil
	}
	adapter, err := schedprog.New(g)
	if err != nil {
		return fmt.Errorf("runtime: schedule: %w", err)
	}
	sm := NewStreamModel(concurrency, nil, logger)
	if err := scheduler.Apply(adapter, sm); err != nil {
		return fmt.Errorf("runtime: schedule: %w", err)
	}
	adapter.Flush()

	for i := range g.Nodes {
		if s, ok := sm.stream[scheduler.IRef(g.Nodes[i].ID)]; ok {
			g.Nodes[i].SetStream(int(s))
		}
	}
	return nil
}

// RunScheduled executes a pre-scheduled graph (Stream()-annotated Nodes,
// real @record/@wait structural instructions) by first running every
// unscheduled (context-free/structural) node sequentially, then running one
// goroutine per stream, each iterating its assigned nodes in program order;
// @wait blocks on a channel keyed by the @record node it names, @record
// closes it. Event identity is the record node's own graph ID — no separate
// event table survives scheduling into execution.
func (e *Engine) RunScheduled(ctx context.Context) error {
	if e.arena == nil {
		return fmt.Errorf("runtime: scheduled execution requires an arena")
	}

	runID := uuid.New().String()
	e.mu.Lock()
	e.stats.RunID = runID
	e.mu.Unlock()
	e.logger.Debug("scheduled execution started", zap.String("run_id", runID))

	byStream := make(map[int][]int)
	var unscheduled []int
	nodeIndex := make(map[uint16]int, len(e.graph.Nodes))
	events := make(map[uint16]chan struct{})

	for i, n := range e.graph.Nodes {
		nodeIndex[n.ID] = i
		if s, ok := n.Stream(); ok {
			byStream[s] = append(byStream[s], i)
		} else {
			unscheduled = append(unscheduled, i)
		}
		if n.Kernel == kernels.OpRecord {
			events[n.ID] = make(chan struct{})
		}
	}

	// Context-free/structural nodes scheduler.Apply left unscheduled carry no
	// record/wait of their own — program order is the only happens-before
	// guarantee they come with. Run them here, in program order, before any
	// stream worker starts, so every later consumer (on any stream) observes
	// their output regardless of which stream it was assigned to.
	for _, idx := range unscheduled {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		sublate := e.sublates[idx]
		if sublate == nil {
			continue
		}
		kernelFn := kernels.GetKernel(sublate.KernelID)
		if kernelFn == nil {
			return fmt.Errorf("runtime: unknown kernel ID %d for node %d", sublate.KernelID, e.graph.Nodes[idx].ID)
		}
		kernelFn(sublate.PayloadProp)
		if e.opts.EnableStats {
			e.updateKernelStats(sublate.KernelID)
		}
		sublate.SwapBuffers()
	}

	g, gctx := errgroup.WithContext(ctx)
	for stream, indices := range byStream {
		stream, indices := stream, indices
		g.Go(func() error {
			e.logger.Debug("stream worker started", zap.Int("stream", stream), zap.Int("nodes", len(indices)))
			defer e.logger.Debug("stream worker finished", zap.Int("stream", stream))
			for _, idx := range indices {
				node := e.graph.Nodes[idx]
				switch node.Kernel {
				case kernels.OpWait:
					if len(node.Topo) == 0 {
						continue
					}
					ch, ok := events[node.Topo[0]]
					if !ok {
						return fmt.Errorf("runtime: wait node %d references unknown record %d", node.ID, node.Topo[0])
					}
					select {
					case <-ch:
					case <-gctx.Done():
						return gctx.Err()
					}
				case kernels.OpRecord:
					if ch, ok := events[node.ID]; ok {
						close(ch)
					}
				default:
					sublate := e.sublates[idx]
					if sublate == nil {
						continue
					}
					kernelFn := kernels.GetKernel(sublate.KernelID)
					if kernelFn == nil {
						return fmt.Errorf("runtime: unknown kernel ID %d for node %d", sublate.KernelID, node.ID)
					}
					kernelFn(sublate.PayloadProp)
					if e.opts.EnableStats {
						e.updateKernelStats(sublate.KernelID)
					}
					sublate.SwapBuffers()
				}

				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
			}
			return nil
		})
	}

	return g.Wait()
}
