package main

// resolveActivePath computes the single active root-to-leaf sequence for a
// tree. At each fork it follows the researcher's branch selection when one
// exists and still names a real child; otherwise it follows the most
// recently created child. The visited set bounds the walk so corrupted
// parent pointers cannot loop it.
func resolveActivePath(nodes map[string]*conversationNode, selections branchSelections) []*conversationNode {
	if len(nodes) == 0 {
		return nil
	}
	children := buildChildIndex(nodes)
	roots := children[""]
	if len(roots) == 0 {
		return nil
	}

	path := make([]*conversationNode, 0, len(nodes))
	visited := make(map[string]bool, len(nodes))

	currentID := pickBranch(roots, selections[rootSelectionKey])
	for currentID != "" && !visited[currentID] {
		node := nodes[currentID]
		if node == nil {
			break
		}
		visited[currentID] = true
		path = append(path, node)
		siblings := children[currentID]
		if len(siblings) == 0 {
			break
		}
		currentID = pickBranch(siblings, selections[currentID])
	}
	return path
}

// pickBranch returns the selected child when it is still among the actual
// children, otherwise the last child in creation order. A stale selection
// (the child was pruned or belongs to another tree state) falls through to
// the most recently explored branch rather than failing.
func pickBranch(ordered []string, selected string) string {
	if len(ordered) == 0 {
		return ""
	}
	if selected != "" {
		for _, id := range ordered {
			if id == selected {
				return id
			}
		}
	}
	return ordered[len(ordered)-1]
}

// pathIndexOf returns the position of a node id in a resolved path, or -1.
func pathIndexOf(path []*conversationNode, nodeID string) int {
	for i, node := range path {
		if node.id == nodeID {
			return i
		}
	}
	return -1
}
