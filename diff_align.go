package main

import (
	"fmt"
	"strings"
	"time"
)

type diffRowKind int

const (
	rowSystemPrompt diffRowKind = iota
	rowNonAPIRole
	rowEvicted
	rowExcluded
	rowEdited
	rowPrefill
	rowAugmented
	rowMatch
	rowMetadata
)

func (k diffRowKind) String() string {
	switch k {
	case rowSystemPrompt:
		return "system-prompt"
	case rowNonAPIRole:
		return "non-api-role"
	case rowEvicted:
		return "evicted"
	case rowExcluded:
		return "excluded"
	case rowEdited:
		return "edited"
	case rowPrefill:
		return "prefill"
	case rowAugmented:
		return "augmented"
	case rowMatch:
		return "match"
	case rowMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// diffRow is one row in the side-by-side comparison: the left cell is the
// researcher's naive reading of the tree, the right cell is what the model
// actually saw. An absent side means the divergence is one of presence; an
// elided left means there is no divergence to show.
type diffRow struct {
	kind   diffRowKind
	nodeID string
	role   string

	left        string
	leftPresent bool
	leftTag     string

	right        string
	rightPresent bool
	rightTag     string
}

// alignContextDiff produces one row per ancestor of target, plus a leading
// system-prompt row and, when generation metadata diverges from the tree
// defaults, a trailing metadata row. Row order matches chronological
// ancestor order.
//
// Eviction and exclusion marking is id-set based: a row is absent on the
// right exactly when the reconstructor flagged its node id in the target's
// recorded sets.
func alignContextDiff(target *conversationNode, nodes map[string]*conversationNode, defaults treeDefaults, loc *time.Location) []diffRow {
	recon := reconstructContext(target, nodes, loc)
	byID := make(map[string]contextMessage, len(recon.messages))
	for _, msg := range recon.messages {
		byID[msg.nodeID] = msg
	}

	chain, _ := ancestorChain(target, nodes)
	rows := make([]diffRow, 0, len(chain)+2)

	if recon.systemPrompt != defaults.systemPrompt {
		rows = append(rows, diffRow{
			kind:         rowSystemPrompt,
			left:         defaults.systemPrompt,
			leftPresent:  true,
			leftTag:      "tree default",
			right:        recon.systemPrompt,
			rightPresent: true,
			rightTag:     "actual",
		})
	} else if recon.systemPrompt != "" {
		rows = append(rows, diffRow{
			kind:         rowSystemPrompt,
			right:        recon.systemPrompt,
			rightPresent: true,
		})
	}

	for _, node := range chain {
		rows = append(rows, classifyAncestorRow(node, byID))
	}

	metaDiffers := recon.model != defaults.model ||
		recon.provider != defaults.provider ||
		!recon.sampling.equal(defaults.sampling)
	if metaDiffers {
		rows = append(rows, diffRow{
			kind:         rowMetadata,
			left:         formatGenerationConfig(defaults.model, defaults.provider, defaults.sampling),
			leftPresent:  true,
			leftTag:      "tree configuration",
			right:        formatGenerationConfig(recon.model, recon.provider, recon.sampling),
			rightPresent: true,
			rightTag:     "node configuration",
		})
	}
	return rows
}

// classifyAncestorRow applies the row taxonomy in priority order: a role the
// API never sees beats everything, then absence by eviction or exclusion,
// then the edit overlay, then researcher-authored prefill, then pure
// augmentation, and finally a match with an elided left cell.
func classifyAncestorRow(node *conversationNode, byID map[string]contextMessage) diffRow {
	row := diffRow{
		nodeID:      node.id,
		role:        node.role,
		left:        node.content,
		leftPresent: true,
	}

	if !apiRole(node.role) {
		row.kind = rowNonAPIRole
		row.leftTag = node.role
		return row
	}

	msg, inRecon := byID[node.id]
	if !inRecon {
		// No reconstructed counterpart. Fall back to an unaugmented
		// match so the row still renders.
		row.kind = rowMatch
		row.right = node.content
		row.rightPresent = true
		return row
	}

	switch {
	case msg.evicted:
		row.kind = rowEvicted
		row.rightTag = "evicted"
	case msg.excluded:
		row.kind = rowExcluded
		row.rightTag = "excluded"
	case msg.edited:
		row.kind = rowEdited
		row.right = msg.content
		row.rightPresent = true
		row.rightTag = "edited"
	case msg.manual:
		row.kind = rowPrefill
		row.leftTag = "researcher authored"
		row.right = msg.content
		row.rightPresent = true
		row.rightTag = "manual"
	case msg.timestamped || msg.thinkingAdded:
		row.kind = rowAugmented
		row.left = ""
		row.leftPresent = false
		row.right = msg.content
		row.rightPresent = true
	default:
		row.kind = rowMatch
		row.left = ""
		row.leftPresent = false
		row.right = msg.content
		row.rightPresent = true
	}
	return row
}

func formatGenerationConfig(model, provider string, sampling samplingParams) string {
	thinking := "off"
	if sampling.extendedThinking {
		thinking = "on"
	}
	lines := []string{
		"model: " + model,
		"provider: " + provider,
		fmt.Sprintf("temperature: %g", sampling.temperature),
		fmt.Sprintf("max tokens: %d", sampling.maxTokens),
		fmt.Sprintf("top p: %g", sampling.topP),
		"extended thinking: " + thinking,
	}
	return strings.Join(lines, "\n")
}

// runDiffCommand prints the divergence summary and the aligned rows for one
// node, with a unified diff for edited rows.
func runDiffCommand(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: loomlens diff <tree-id> <node-id>")
	}
	treeID, nodeID := args[0], args[1]

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
	target := nodes[nodeID]
	if target == nil {
		return fmt.Errorf("no node %q in tree %q", nodeID, treeID)
	}
	defaults, err := loadTreeDefaults(db, treeID)
	if err != nil {
		return err
	}

	chain, _ := ancestorChain(target, nodes)
	path := append(append([]*conversationNode{}, chain...), target)
	summary := summarizeDivergence(target, path, defaults)
	fmt.Printf("Divergences for %s: %d total (%d edited upstream, %d manual upstream, %d excluded)\n\n",
		nodeID, summary.totalDivergences, summary.editedUpstream, summary.manualUpstream, summary.excludedCount)

	rows := alignContextDiff(target, nodes, defaults, nil)
	for _, row := range rows {
		printDiffRow(row, nodes)
	}
	return nil
}

func printDiffRow(row diffRow, nodes map[string]*conversationNode) {
	header := row.kind.String()
	if row.nodeID != "" {
		header = fmt.Sprintf("%s  %s (%s)", row.kind, row.nodeID, row.role)
	}
	fmt.Printf("━━━ %s ━━━\n", header)

	if row.kind == rowEdited {
		// Edited rows are the interesting ones; show the overlay as a
		// line diff against the original.
		node := nodes[row.nodeID]
		if node != nil {
			diff := buildUnifiedDiff("original", "edited", node.content, node.effectiveContent())
			for _, line := range strings.Split(strings.TrimRight(diff, "\n"), "\n") {
				fmt.Println(colorizeDiffLineCLI(line))
			}
			fmt.Println()
			return
		}
	}

	if row.leftPresent {
		label := "tree"
		if row.leftTag != "" {
			label += " (" + row.leftTag + ")"
		}
		fmt.Printf("%s:\n%s\n", label, indentLines(row.left, "  "))
	}
	if row.rightPresent {
		label := "sent"
		if row.rightTag != "" {
			label += " (" + row.rightTag + ")"
		}
		fmt.Printf("%s:\n%s\n", label, indentLines(row.right, "  "))
	} else if row.rightTag != "" {
		fmt.Printf("sent: (absent — %s)\n", row.rightTag)
	} else if !row.leftPresent {
		fmt.Println("(no divergence)")
	}
	fmt.Println()
}

func colorizeDiffLineCLI(line string) string {
	switch {
	case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		return "\033[1m" + line + "\033[0m" // bold
	case strings.HasPrefix(line, "@@"):
		return "\033[36m" + line + "\033[0m" // cyan
	case strings.HasPrefix(line, "+"):
		return "\033[32m" + line + "\033[0m" // green
	case strings.HasPrefix(line, "-"):
		return "\033[31m" + line + "\033[0m" // red
	default:
		return line
	}
}

type diffOp struct {
	kind byte
	line string
}

func buildUnifiedDiff(oldName, newName, oldContent, newContent string) string {
	if oldContent == newContent {
		return fmt.Sprintf("--- %s\n+++ %s\n(no differences)\n", oldName, newName)
	}

	oldLines := strings.Split(oldContent, "\n")
	newLines := strings.Split(newContent, "\n")
	ops := lineDiff(oldLines, newLines)

	var b strings.Builder
	b.WriteString("--- ")
	b.WriteString(oldName)
	b.WriteByte('\n')
	b.WriteString("+++ ")
	b.WriteString(newName)
	b.WriteByte('\n')
	b.WriteString(fmt.Sprintf("@@ -1,%d +1,%d @@\n", len(oldLines), len(newLines)))
	for _, op := range ops {
		b.WriteByte(op.kind)
		b.WriteString(op.line)
		b.WriteByte('\n')
	}
	return b.String()
}

// lineDiff computes a stable line-level edit script using LCS.
func lineDiff(oldLines, newLines []string) []diffOp {
	n := len(oldLines)
	m := len(newLines)
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if oldLines[i] == newLines[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	ops := make([]diffOp, 0, n+m)
	i := 0
	j := 0
	for i < n && j < m {
		switch {
		case oldLines[i] == newLines[j]:
			ops = append(ops, diffOp{kind: ' ', line: oldLines[i]})
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			ops = append(ops, diffOp{kind: '-', line: oldLines[i]})
			i++
		default:
			ops = append(ops, diffOp{kind: '+', line: newLines[j]})
			j++
		}
	}
	for i < n {
		ops = append(ops, diffOp{kind: '-', line: oldLines[i]})
		i++
	}
	for j < m {
		ops = append(ops, diffOp{kind: '+', line: newLines[j]})
		j++
	}
	return ops
}
