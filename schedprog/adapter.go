// Package schedprog binds the Sublation model.Graph representation to the
// scheduler package's Program interface, so scheduler.Apply can reorder and
// annotate a compiled graph without the scheduler package ever importing
// model directly.
package schedprog

import (
	"fmt"

	"github.com/sbl8/sublation/kernels"
	"github.com/sbl8/sublation/model"
	"github.com/sbl8/sublation/scheduler"
)

// kernelOperator adapts a Node's opcode to scheduler.Operator.
type kernelOperator struct {
	name string
}

func (o kernelOperator) Name() string { return o.name }

// Adapter implements scheduler.Program over a *model.Graph. It copies each
// Node into its own heap allocation at construction so that reordering and
// insertion never invalidate outstanding IRefs, then writes the final order
// back into the Graph on Flush.
type Adapter struct {
	g *model.Graph

	nodes   map[scheduler.IRef]*model.Node
	order   []scheduler.IRef
	pos     map[scheduler.IRef]int
	outputs map[scheduler.IRef][]scheduler.IRef

	sink   scheduler.IRef
	nextID uint16
}

// New builds an Adapter over g. g must already validate (no duplicate IDs,
// no dangling topology references) and carry exactly one terminal node.
func New(g *model.Graph) (*Adapter, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("schedprog: %w", err)
	}
	sinkID, err := g.Sink()
	if err != nil {
		return nil, fmt.Errorf("schedprog: %w", err)
	}

	a := &Adapter{
		g:       g,
		nodes:   make(map[scheduler.IRef]*model.Node, len(g.Nodes)),
		pos:     make(map[scheduler.IRef]int, len(g.Nodes)),
		outputs: make(map[scheduler.IRef][]scheduler.IRef, len(g.Nodes)),
		sink:    scheduler.IRef(sinkID),
	}

	for i, n := range g.Nodes {
		nc := n
		ir := scheduler.IRef(n.ID)
		a.nodes[ir] = &nc
		a.order = append(a.order, ir)
		a.pos[ir] = i
		if uint16(ir) >= a.nextID {
			a.nextID = uint16(ir) + 1
		}
	}
	for ir, n := range a.nodes {
		for _, dep := range n.Topo {
			d := scheduler.IRef(dep)
			a.outputs[d] = append(a.outputs[d], ir)
		}
	}

	return a, nil
}

func (a *Adapter) Sink() scheduler.IRef { return a.sink }

func (a *Adapter) Inputs(ir scheduler.IRef) []scheduler.IRef {
	n := a.nodes[ir]
	out := make([]scheduler.IRef, len(n.Topo))
	for i, dep := range n.Topo {
		out[i] = scheduler.IRef(dep)
	}
	return out
}

func (a *Adapter) Outputs(ir scheduler.IRef) []scheduler.IRef {
	return append([]scheduler.IRef(nil), a.outputs[ir]...)
}

func (a *Adapter) Operator(ir scheduler.IRef) scheduler.Operator {
	return kernelOperator{name: kernels.OpName(a.nodes[ir].Kernel)}
}

func (a *Adapter) Order() []scheduler.IRef {
	return append([]scheduler.IRef(nil), a.order...)
}

func (a *Adapter) Position(ir scheduler.IRef) int {
	return a.pos[ir]
}

func (a *Adapter) MoveInstruction(ir scheduler.IRef, pos int) error {
	cur, ok := a.pos[ir]
	if !ok {
		return fmt.Errorf("schedprog: move: unknown instruction %d", ir)
	}
	a.order = append(a.order[:cur], a.order[cur+1:]...)
	if pos > len(a.order) {
		pos = len(a.order)
	}
	a.order = append(a.order[:pos], append([]scheduler.IRef{ir}, a.order[pos:]...)...)
	a.reindex()
	return nil
}

// InsertInstruction materializes a new Node for a structural operator the
// scheduler itself introduces (record, wait, memory-conflict identity). args
// becomes the new node's Topo; the wire format caps a node at two topology
// entries, so args longer than that is rejected rather than silently
// truncated.
func (a *Adapter) InsertInstruction(pos int, op scheduler.Operator, args []scheduler.IRef) (scheduler.IRef, error) {
	if len(args) > 2 {
		return 0, fmt.Errorf("schedprog: insert %s: %d args exceeds the 2-input topology limit", op.Name(), len(args))
	}
	opcode, ok := kernels.OpForName(op.Name())
	if !ok {
		return 0, fmt.Errorf("schedprog: insert: unknown structural operator %q", op.Name())
	}

	id := a.nextID
	a.nextID++
	ir := scheduler.IRef(id)

	topo := make([]uint16, len(args))
	for i, arg := range args {
		topo[i] = uint16(arg)
	}

	a.nodes[ir] = &model.Node{ID: id, Kernel: opcode, Topo: topo}
	for _, arg := range args {
		a.outputs[arg] = append(a.outputs[arg], ir)
	}

	if pos > len(a.order) {
		pos = len(a.order)
	}
	a.order = append(a.order[:pos], append([]scheduler.IRef{ir}, a.order[pos:]...)...)
	a.reindex()

	return ir, nil
}

func (a *Adapter) reindex() {
	for i, ir := range a.order {
		a.pos[ir] = i
	}
}

// Flush writes the adapter's current order and node set back into the
// wrapped Graph, in place. Call it once scheduler.Apply returns successfully;
// the Graph is left untouched on error.
func (a *Adapter) Flush() {
	nodes := make([]model.Node, len(a.order))
	for i, ir := range a.order {
		nodes[i] = *a.nodes[ir]
	}
	a.g.Nodes = nodes
}
