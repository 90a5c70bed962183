package main

import "sort"

// layoutPoint is the computed position of one display node: x in abstract
// width units, depth in levels from the root.
type layoutPoint struct {
	x     float64
	depth int
}

const layoutGap = 0.5

// layoutTree assigns positions with the classic two-pass algorithm: a
// bottom-up pass accumulates subtree widths (leaf width 1, internal width =
// sum of children plus a gap per adjacent pair), then a top-down pass
// centers each node over its children. Multiple roots are laid out side by
// side. Recursion is bounded by a visiting set so corrupted parent pointers
// degrade instead of looping.
func layoutTree(display map[string]*displayNode) map[string]layoutPoint {
	children := buildDisplayChildIndex(display)
	widths := make(map[string]float64, len(display))

	var measure func(id string, visiting map[string]bool) float64
	measure = func(id string, visiting map[string]bool) float64 {
		if width, ok := widths[id]; ok {
			return width
		}
		if visiting[id] {
			return 1
		}
		visiting[id] = true
		kids := children[id]
		width := 1.0
		if len(kids) > 0 {
			width = layoutGap * float64(len(kids)-1)
			for _, kid := range kids {
				width += measure(kid, visiting)
			}
		}
		delete(visiting, id)
		widths[id] = width
		return width
	}

	points := make(map[string]layoutPoint, len(display))
	var place func(id string, left float64, depth int)
	place = func(id string, left float64, depth int) {
		if _, done := points[id]; done {
			return
		}
		width := widths[id]
		points[id] = layoutPoint{x: left + width/2, depth: depth}
		childLeft := left
		for _, kid := range children[id] {
			place(kid, childLeft, depth+1)
			childLeft += widths[kid] + layoutGap
		}
	}

	offset := 0.0
	for _, root := range children[""] {
		measure(root, make(map[string]bool))
		place(root, offset, 0)
		offset += widths[root] + layoutGap
	}
	return points
}

func buildDisplayChildIndex(display map[string]*displayNode) map[string][]string {
	children := make(map[string][]string, len(display))
	for id, node := range display {
		parentID := node.parentID
		if parentID != "" && display[parentID] == nil {
			continue // orphaned subtree; nothing to hang it from
		}
		children[parentID] = append(children[parentID], id)
	}
	for parentID := range children {
		sortDisplayIDs(children[parentID], display)
	}
	return children
}

func sortDisplayIDs(ids []string, display map[string]*displayNode) {
	sort.Slice(ids, func(i, j int) bool {
		left := display[ids[i]]
		right := display[ids[j]]
		if left == nil || right == nil {
			return ids[i] < ids[j]
		}
		if cmp := compareStoredTimes(left.createdAt, right.createdAt); cmp != 0 {
			return cmp < 0
		}
		return left.id < right.id
	})
}
