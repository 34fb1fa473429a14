// Package scheduler implements the multi-stream scheduler for Sublation's
// static compute graph: the pass that assigns instructions to one of K
// concurrent execution streams, reorders the instruction list toward the
// critical path, and inserts cross-stream record/wait synchronization plus
// conservative memory-conflict dependencies between concurrently live
// branches.
//
// The pass is expressed entirely against two small interfaces, Program and
// Model, so it has no dependency on any particular graph representation or
// backend. schedprog.Adapter binds Program to *model.Graph; runtime.StreamModel
// and compiler's static model bind Model to the Sublation runtime and
// ahead-of-time compiler respectively.
//
// Apply is single-threaded, deterministic for a fixed (Program, Model) pair,
// and mutates the Program in place. It assumes the input is a valid DAG
// terminating in one sink; behavior on a malformed graph is undefined.
package scheduler

import (
	"strings"

	"github.com/google/uuid"
)

// IRef is a stable, comparable reference to one instruction in a Program.
// Ordering (Position) is meaningful: it reflects the instruction's place in
// the current linear execution order, not creation order.
type IRef uint16

// StreamID identifies one of a Model's K concurrent execution streams,
// 0 <= StreamID < Model.Concurrency(). Stream 0 always carries the critical
// partition.
type StreamID int

// EventID correlates one Model.Record call to one or more Model.Wait calls
// across streams. Ids are allocated monotonically within a single Apply call.
type EventID uint64

// Operator is the minimal capability Apply needs from an instruction's
// operator: its name, used for the "@"-prefix structural convention.
type Operator interface {
	Name() string
}

// IsStructural reports whether op's name carries the "@" prefix convention
// for built-in / structural nodes (no-ops, phi nodes, synchronization
// instructions the scheduler itself inserts). Structural nodes never carry
// runtime weight and never receive a stream.
func IsStructural(op Operator) bool {
	return strings.HasPrefix(op.Name(), "@")
}

// Program is the mutable graph container the scheduler operates over: an
// ordered instruction list with stable identity, dependency edges, and
// relocation/insertion primitives. Implementations need not be thread-safe;
// Apply never calls Program concurrently.
type Program interface {
	// Sink returns the unique terminal instruction of the program.
	Sink() IRef
	// Inputs returns ir's direct predecessors (operands).
	Inputs(ir IRef) []IRef
	// Outputs returns ir's direct successors (consumers).
	Outputs(ir IRef) []IRef
	// Operator returns ir's operator.
	Operator(ir IRef) Operator
	// Order returns the current front-to-back instruction order.
	Order() []IRef
	// Position returns ir's index in the current order.
	Position(ir IRef) int
	// MoveInstruction relocates ir to position pos, preserving its identity.
	MoveInstruction(ir IRef, pos int) error
	// InsertInstruction inserts a new instruction with the given operator and
	// argument list immediately before pos, returning its IRef.
	InsertInstruction(pos int, op Operator, args []IRef) (IRef, error)
}

// Model is the target-specific capability set that parameterizes cost and
// receives the scheduler's synchronization emissions.
type Model interface {
	// Concurrency returns the number of concurrent execution streams K > 0.
	Concurrency() int
	// Weight returns the nonnegative runtime cost of op.
	Weight(op Operator) (uint64, error)
	// IsContextFree reports whether op carries no runtime cost regardless of
	// its name (e.g. a reshape/view operator).
	IsContextFree(op Operator) bool
	// Sched attaches stream assignment s to ir.
	Sched(p Program, ir IRef, s StreamID) error
	// Record emits a record of event e on producer's stream.
	Record(p Program, producer IRef, e EventID) error
	// Wait emits a wait on event e before consumer executes.
	Wait(p Program, consumer IRef, e EventID) error
}

// MinPartitionThreshold is the accumulated-weight cutoff below which a
// branch input is folded into its parent's partition instead of spawning a
// side partition of its own. Fixed at 2 per the scheduling model this pass
// was ported from; exposed as a field on Options only so tests can probe
// the boundary, never as public API surface.
const MinPartitionThreshold = 2

// Options configures one Apply call. Apply starts from the default
// configuration built by newOptions: no trace output, partition threshold
// MinPartitionThreshold.
type Options struct {
	trace                 traceFunc
	minPartitionThreshold uint64
	traceID               string
}

// Option mutates Options.
type Option func(*Options)

// WithTraceID tags every line the diagnostic channel emits for this
// Apply call with id, so one scheduling pass's log lines can be correlated
// across a wider structured trace. Has no effect unless WithTrace is also
// passed. If WithTrace is passed without WithTraceID, Apply generates one.
func WithTraceID(id string) Option {
	return func(o *Options) { o.traceID = id }
}

func newOptions(opts []Option) *Options {
	o := &Options{minPartitionThreshold: MinPartitionThreshold}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Apply runs the four-phase scheduling pass over p using m, mutating p in
// place: weight accumulation, stream assignment, topological reordering, and
// synchronization insertion (including the memory-conflict pass). It
// returns no value on success; on failure the Program may be partially
// mutated, since the transform is not transactional.
func Apply(p Program, m Model, opts ...Option) error {
	o := newOptions(opts)

	k := m.Concurrency()
	if k <= 0 {
		return invariantf("concurrency must be positive, got %d", k)
	}

	sink := p.Sink()

	iw, w, err := accumulateWeights(p, m, sink)
	if err != nil {
		return err
	}

	stream, err := assignStreams(p, m, iw, w, sink, k, o.minPartitionThreshold)
	if err != nil {
		return err
	}

	if err := reorder(p, w); err != nil {
		return err
	}

	st := &state{
		p:      p,
		m:      m,
		iw:     iw,
		w:      w,
		stream: stream,
	}

	if o.trace != nil {
		if o.traceID == "" {
			o.traceID = uuid.New().String()
		}
		o.trace(st, o.traceID)
	}

	if err := synchronize(st); err != nil {
		return err
	}

	return insertMemoryConflicts(st)
}

// state carries the side tables threaded through phases 4-6 of a single
// Apply call. It never escapes the scheduler package and holds no
// persistent state between calls.
type state struct {
	p      Program
	m      Model
	iw     map[IRef]uint64
	w      map[IRef]uint64
	stream map[IRef]StreamID

	insToWait  map[IRef]EventID
	waitedFor  map[StreamID]map[EventID]bool
	insWaited  map[IRef]map[EventID]bool
	nextEvent  EventID
}

func (s *state) hasStream(ir IRef) bool {
	_, ok := s.stream[ir]
	return ok
}

func (s *state) streamOf(ir IRef) StreamID {
	return s.stream[ir]
}
