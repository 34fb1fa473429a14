package model

// Stream assignment rides in the top byte of Node.Flags so a scheduled
// graph round-trips through Serialize/Deserialize without a wire format
// change. The low bits of Flags are already spoken for elsewhere (copied
// verbatim into core.Sublate.Flags, whose low nibble carries lineage/fused/
// dirty/read-only bits), so the stream id lives in bits 24-31: up to 255
// concurrent streams, far past any real device's stream count.
//
// The stored value is streamID+1, not streamID: 0 is reserved to mean
// "never assigned," and must stay distinguishable from a genuine stream 0
// assignment (the critical partition, per scheduler.Apply, always lands on
// stream 0). A context-free/structural node scheduler.Apply skips entirely
// carries no stream of its own; collapsing that into stream 0 would route
// it into stream 0's worker regardless of which stream its real consumer
// runs on.
const (
	streamShift = 24
	streamMask  = 0xFF << streamShift
)

// Stream returns the node's assigned execution stream and whether the node
// was assigned one at all. ok is false for a node scheduler.Apply left
// unscheduled (zero instantaneous weight): such a node emits no sched,
// record, or wait of its own, so callers must route it explicitly rather
// than default it onto any one stream's queue.
func (n *Node) Stream() (stream int, ok bool) {
	raw := (n.Flags & streamMask) >> streamShift
	if raw == 0 {
		return 0, false
	}
	return int(raw - 1), true
}

// SetStream encodes s into the node's Flags, preserving the lower bits.
func (n *Node) SetStream(s int) {
	n.Flags = (n.Flags &^ streamMask) | (((uint32(s) + 1) << streamShift) & streamMask)
}
