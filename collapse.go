package main

import (
	"fmt"

	"github.com/google/uuid"
)

// displayNode is one entry in the renderable tree: either a real
// conversation node or a synthetic stand-in for a collapsed run. Exactly one
// of node and run is set, so consumers can switch on which.
type displayNode struct {
	id        string
	parentID  string
	createdAt string

	node *conversationNode
	run  *collapsedRun
}

// collapsedRun records the members of a collapsed chain, in chain order.
type collapsedRun struct {
	nodeIDs []string
}

func (d *displayNode) label() string {
	if d.run != nil {
		return fmt.Sprintf("⋯ %d steps", len(d.run.nodeIDs))
	}
	return fmt.Sprintf("%s %s", d.node.role, truncateString(oneLine(d.node.content), 32))
}

// displayNodeSet converts a raw node set 1:1, with no collapsing.
func displayNodeSet(nodes map[string]*conversationNode) map[string]*displayNode {
	display := make(map[string]*displayNode, len(nodes))
	for id, node := range nodes {
		display[id] = &displayNode{id: id, parentID: node.parentID, createdAt: node.createdAt, node: node}
	}
	return display
}

// collapseChains replaces each maximal run of three or more boring nodes
// with a single synthetic node, re-pointing the run's eventual single child
// at the synthetic node. Everything a researcher might want to see stays a
// real node: forks, anchors, bookmarks, annotations, exclusions, and
// digression boundaries all break runs.
func collapseChains(nodes map[string]*conversationNode) map[string]*displayNode {
	children := buildChildIndex(nodes)

	type chainRun struct {
		id      string
		members []string
	}
	var runs []chainRun
	memberOf := make(map[string]string)

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sortNodeIDs(ids, nodes)

	for _, id := range ids {
		node := nodes[id]
		if memberOf[id] != "" || !isBoringNode(node, children, nodes) {
			continue
		}
		if parent := nodes[node.parentID]; parent != nil && isBoringNode(parent, children, nodes) {
			continue // not the start of a maximal run
		}
		members := []string{id}
		current := node
		for {
			kids := children[current.id]
			if len(kids) != 1 {
				break
			}
			next := nodes[kids[0]]
			if next == nil || !isBoringNode(next, children, nodes) {
				break
			}
			members = append(members, next.id)
			current = next
		}
		if len(members) < 3 {
			continue
		}
		run := chainRun{id: "collapsed-" + uuid.NewString(), members: members}
		runs = append(runs, run)
		for _, member := range members {
			memberOf[member] = run.id
		}
	}

	display := make(map[string]*displayNode, len(nodes))
	for _, run := range runs {
		first := nodes[run.members[0]]
		display[run.id] = &displayNode{
			id:        run.id,
			parentID:  first.parentID,
			createdAt: first.createdAt,
			run:       &collapsedRun{nodeIDs: run.members},
		}
	}
	for id, node := range nodes {
		if memberOf[id] != "" {
			continue
		}
		parentID := node.parentID
		if synthetic := memberOf[parentID]; synthetic != "" {
			parentID = synthetic
		}
		display[id] = &displayNode{id: id, parentID: parentID, createdAt: node.createdAt, node: node}
	}
	return display
}

// isBoringNode reports whether a node can be absorbed into a collapsed run:
// it sits on an unbranched chain (one child, and its parent has one child)
// and carries nothing a researcher flagged for attention.
func isBoringNode(node *conversationNode, children map[string][]string, nodes map[string]*conversationNode) bool {
	if node == nil || node.parentID == "" {
		return false
	}
	if nodes[node.parentID] == nil {
		return false
	}
	if len(children[node.id]) != 1 || len(children[node.parentID]) != 1 {
		return false
	}
	if node.anchored || node.bookmarked || node.markedExcluded {
		return false
	}
	if node.annotation != "" || node.digressionBoundary {
		return false
	}
	return true
}
