// Package models defines the wire models shared by the Flow Studio server and
// its clients.
package models

import (
	"time"
)

// FlowGraph is the shared, editable graph document for one flow.
type FlowGraph struct {
	ID          string         `json:"id" yaml:"id"`
	Title       string         `json:"title" yaml:"title"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []Node         `json:"nodes" yaml:"nodes"`
	Edges       []Edge         `json:"edges" yaml:"edges"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"-"`
}

// Node is a step, agent or artifact in a flow graph.
type Node struct {
	ID    string         `json:"id" yaml:"id"`
	Kind  string         `json:"kind" yaml:"kind"`
	Label string         `json:"label" yaml:"label"`
	Data  map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// Edge connects two nodes.
type Edge struct {
	ID   string `json:"id" yaml:"id"`
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// FlowSummary is a row in the flow listing.
type FlowSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	ETag      string    `json:"etag"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LifecycleFlows lists the seven delivery stages in execution order.
var LifecycleFlows = []string{"signal", "plan", "build", "review", "gate", "deploy", "wisdom"}
