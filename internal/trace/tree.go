package trace

import "sort"

// SpanNode is one node of the reconstructed span hierarchy. Children own
// their subtrees and are ordered by ascending start time.
type SpanNode struct {
	Span
	DurationMS *float64    `json:"duration_ms"`
	Children   []*SpanNode `json:"children"`
}

// BuildTree reconstructs the parent→children forest for the spans of one
// trace. A span whose declared parent id is absent from the set becomes a
// root rather than an error; acyclicity is guaranteed by creation order
// (a span is only created after its parent exists), so no cycle detection
// is performed.
func BuildTree(spans []Span) []*SpanNode {
	nodes := make(map[string]*SpanNode, len(spans))
	ordered := make([]*SpanNode, 0, len(spans))
	for _, span := range spans {
		node := &SpanNode{
			Span:     span,
			Children: []*SpanNode{},
		}
		if ms, ok := span.DurationMS(); ok {
			node.DurationMS = &ms
		}
		nodes[span.ID] = node
		ordered = append(ordered, node)
	}

	roots := make([]*SpanNode, 0, len(ordered))
	for _, node := range ordered {
		if node.ParentID != "" {
			if parent, ok := nodes[node.ParentID]; ok && parent != node {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}

	sortNodes(roots)
	for _, node := range ordered {
		sortNodes(node.Children)
	}

	return roots
}

func sortNodes(nodes []*SpanNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].StartedAt.Before(nodes[j].StartedAt)
	})
}
