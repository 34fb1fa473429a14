package model

import "errors"

// ErrDuplicateID marks a graph with two nodes sharing the same ID.
var ErrDuplicateID = errors.New("model: duplicate node id")

// ErrDanglingRef marks a graph where a node's topology references an ID
// that does not exist in the graph.
var ErrDanglingRef = errors.New("model: dangling topology reference")

// ErrNoSink marks a graph with zero or more than one terminal node (a node
// with no consumers) — the scheduler and compiler both require exactly one.
var ErrNoSink = errors.New("model: graph has no unique sink")
