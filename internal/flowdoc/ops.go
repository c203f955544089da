package flowdoc

import (
	"fmt"

	"flow-studio/backend/internal/patch"
	"flow-studio/backend/pkg/models"
)

// nodeIndex finds the position of a node so ops can address it by index.
func nodeIndex(g models.FlowGraph, nodeID string) (int, error) {
	for i, n := range g.Nodes {
		if n.ID == nodeID {
			return i, nil
		}
	}
	return -1, fmt.Errorf("flow %s has no node %q", g.ID, nodeID)
}

// SetNodeLabel renames a node.
func SetNodeLabel(g models.FlowGraph, nodeID, label string) ([]patch.Op, error) {
	i, err := nodeIndex(g, nodeID)
	if err != nil {
		return nil, err
	}
	return []patch.Op{patch.ReplaceOp(fmt.Sprintf("/nodes/%d/label", i), label)}, nil
}

// AddNode appends a node.
func AddNode(g models.FlowGraph, n models.Node) ([]patch.Op, error) {
	if _, err := nodeIndex(g, n.ID); err == nil {
		return nil, fmt.Errorf("flow %s already has node %q", g.ID, n.ID)
	}
	return []patch.Op{patch.AddOp("/nodes/-", n)}, nil
}

// RemoveNode deletes a node and every edge touching it. Edge removals are
// emitted from the highest index down so earlier removals do not shift later
// paths.
func RemoveNode(g models.FlowGraph, nodeID string) ([]patch.Op, error) {
	i, err := nodeIndex(g, nodeID)
	if err != nil {
		return nil, err
	}
	var ops []patch.Op
	for j := len(g.Edges) - 1; j >= 0; j-- {
		e := g.Edges[j]
		if e.From == nodeID || e.To == nodeID {
			ops = append(ops, patch.RemoveOp(fmt.Sprintf("/edges/%d", j)))
		}
	}
	return append(ops, patch.RemoveOp(fmt.Sprintf("/nodes/%d", i))), nil
}

// AddEdge connects two existing nodes.
func AddEdge(g models.FlowGraph, e models.Edge) ([]patch.Op, error) {
	if _, err := nodeIndex(g, e.From); err != nil {
		return nil, err
	}
	if _, err := nodeIndex(g, e.To); err != nil {
		return nil, err
	}
	if e.ID == "" {
		e.ID = e.From + "->" + e.To
	}
	return []patch.Op{patch.AddOp("/edges/-", e)}, nil
}
