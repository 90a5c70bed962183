package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// eraCell is one grid cell: a row's effective content during one era.
// present is false for rows whose node did not exist yet as of the era.
type eraCell struct {
	content  string
	present  bool
	excluded bool
	changed  bool
}

// eraColumn is the replayed state between two consecutive interventions.
type eraColumn struct {
	label         string
	timestamp     string // timestamp of the intervention that opened the era
	lastActiveRow int
	cells         []eraCell
}

// eraGrid is the temporal view of one conversation path: row 0 is the
// system prompt, rows 1..N follow the path; each column is an era bounded
// by structural interventions.
type eraGrid struct {
	rowLabels []string
	eras      []eraColumn
}

// buildEraGrid replays the intervention log in timestamp order against the
// active path. Era 0 is the original state with no edits applied; each
// subsequent era folds one more intervention into the cumulative state
// (content overrides, the live system prompt, the current excluded set).
func buildEraGrid(pathNodes []*conversationNode, interventions []intervention, defaults treeDefaults) eraGrid {
	rowCount := len(pathNodes) + 1

	grid := eraGrid{rowLabels: make([]string, 0, rowCount)}
	grid.rowLabels = append(grid.rowLabels, "system prompt")
	for _, node := range pathNodes {
		grid.rowLabels = append(grid.rowLabels, gridRowLabel(node))
	}

	ordered := append([]intervention(nil), interventions...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if cmp := compareStoredTimes(ordered[i].timestamp, ordered[j].timestamp); cmp != 0 {
			return cmp < 0
		}
		return ordered[i].sequenceNum < ordered[j].sequenceNum
	})

	edits := make(map[string]string)
	systemPrompt := defaults.systemPrompt
	excludedSet := make(map[string]bool)

	// lastSeen tracks, per row, the last era in which the row was present,
	// so change detection skips absent gaps entirely.
	lastSeen := make([]int, rowCount)
	for i := range lastSeen {
		lastSeen[i] = -1
	}

	previousExtent := 0
	for era := 0; era <= len(ordered); era++ {
		column := eraColumn{label: "Original"}
		if era > 0 {
			applied := ordered[era-1]
			column.label = eraLabel(applied, era)
			column.timestamp = applied.timestamp
			applyIntervention(applied, edits, &systemPrompt, excludedSet)
		}

		column.lastActiveRow = eraExtent(pathNodes, ordered, era, previousExtent)
		previousExtent = column.lastActiveRow

		column.cells = make([]eraCell, rowCount)
		column.cells[0] = eraCell{content: systemPrompt, present: true}
		for row := 1; row < rowCount; row++ {
			if row > column.lastActiveRow {
				continue // absent: the message did not exist yet
			}
			node := pathNodes[row-1]
			cell := eraCell{content: node.content, present: true}
			if override, ok := edits[node.id]; ok {
				cell.content = override
			}
			cell.excluded = excludedSet[node.id]
			column.cells[row] = cell
		}

		for row := 0; row < rowCount; row++ {
			cell := &column.cells[row]
			if !cell.present {
				continue
			}
			if lastSeen[row] >= 0 {
				prev := grid.eras[lastSeen[row]].cells[row]
				cell.changed = prev.content != cell.content || prev.excluded != cell.excluded
			}
			lastSeen[row] = era
		}

		grid.eras = append(grid.eras, column)
	}
	return grid
}

// applyIntervention folds one log entry into the cumulative replay state.
// A node_edited entry with a nil new content restores the original; a
// malformed exclusion payload keeps the prior excluded set.
func applyIntervention(entry intervention, edits map[string]string, systemPrompt *string, excludedSet map[string]bool) {
	switch entry.kind {
	case interventionNodeEdited:
		if entry.newContent == nil {
			delete(edits, entry.nodeID)
			return
		}
		edits[entry.nodeID] = *entry.newContent
	case interventionSystemPromptChanged:
		*systemPrompt = entry.newPrompt
	case interventionExclusionChanged:
		parsed := parseExcludedPayload(entry.excludedJSON)
		if parsed == nil {
			return
		}
		for id := range excludedSet {
			delete(excludedSet, id)
		}
		for id := range parsed {
			excludedSet[id] = true
		}
	}
}

// parseExcludedPayload decodes an exclusion_changed payload. Unlike the
// loader's parseIDList, malformed JSON here must be distinguishable from an
// empty list: the replay keeps the previous state rather than clearing it,
// so a decode failure returns nil.
func parseExcludedPayload(raw string) map[string]bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(trimmed), &ids); err != nil {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = true
		}
	}
	return set
}

// eraExtent computes the highest row index whose node existed before the
// next intervention, with the monotonic non-shrinking rule: an era never
// shows fewer rows than the one before it.
func eraExtent(pathNodes []*conversationNode, ordered []intervention, era, previousExtent int) int {
	if era >= len(ordered) {
		return len(pathNodes) // final era: everything exists
	}
	boundary := ordered[era].timestamp
	extent := 0
	for i, node := range pathNodes {
		if storedTimeBefore(node.createdAt, boundary) {
			extent = i + 1
		}
	}
	if extent < previousExtent {
		return previousExtent
	}
	if extent == 0 {
		return previousExtent
	}
	return extent
}

// eraLabel names an era after the intervention that opened it, numbered by
// position in the log.
func eraLabel(entry intervention, position int) string {
	if entry.kind == interventionExclusionChanged {
		return fmt.Sprintf("Exclusion %d", position)
	}
	return fmt.Sprintf("Edit %d", position)
}

func gridRowLabel(node *conversationNode) string {
	preview := oneLine(node.content)
	return fmt.Sprintf("%s %s", node.role, truncateString(preview, 32))
}

// runGridCommand prints the era grid for a tree's active path.
func runGridCommand(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: loomlens grid <tree-id>")
	}
	treeID := args[0]

	paths, err := resolveDataPaths()
	if err != nil {
		return err
	}
	db, err := openTreeDB(paths.dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	nodes, err := loadTreeNodes(db, treeID)
	if err != nil {
		return err
	}
	defaults, err := loadTreeDefaults(db, treeID)
	if err != nil {
		return err
	}
	interventions, err := loadInterventions(db, treeID)
	if err != nil {
		return err
	}

	path := resolveActivePath(nodes, branchSelections{})
	if len(path) == 0 {
		return fmt.Errorf("tree %q has no resolvable path", treeID)
	}

	grid := buildEraGrid(path, interventions, defaults)
	fmt.Print(renderGridTable(grid))
	return nil
}

// renderGridTable formats the grid as fixed-width text. Changed cells are
// marked with *, excluded cells with x, absent cells with a dash.
func renderGridTable(grid eraGrid) string {
	const labelWidth = 40
	const cellWidth = 14

	var b strings.Builder
	b.WriteString(strings.Repeat(" ", labelWidth))
	for _, era := range grid.eras {
		b.WriteString(fmt.Sprintf(" %-*s", cellWidth, truncateString(era.label, cellWidth)))
	}
	b.WriteByte('\n')

	for row, label := range grid.rowLabels {
		b.WriteString(fmt.Sprintf("%-*s", labelWidth, truncateString(label, labelWidth)))
		for _, era := range grid.eras {
			cell := era.cells[row]
			b.WriteString(" ")
			b.WriteString(fmt.Sprintf("%-*s", cellWidth, gridCellMarker(cell)))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func gridCellMarker(cell eraCell) string {
	if !cell.present {
		return "—"
	}
	marker := truncateString(oneLine(cell.content), 10)
	if cell.excluded {
		marker += " x"
	}
	if cell.changed {
		marker += " *"
	}
	return marker
}
