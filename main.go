package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
)

type screen int

const (
	screenTrees screen = iota
	screenTree
	screenContext
	screenDiff
	screenGrid
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Padding(0, 1)
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62"))

	roleUserStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	roleAssistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	roleSystemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	roleToolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	divergenceStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	absentStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	removedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	changedStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	elidedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "trees" {
		if err := runTreesCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "loomlens trees failed: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "context" {
		if err := runContextCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "loomlens context failed: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "diff" {
		if err := runDiffCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "loomlens diff failed: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "grid" {
		if err := runGridCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "loomlens grid failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	m := newModel()
	program := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "loomlens failed: %v\n", err)
		os.Exit(1)
	}
}

type model struct {
	width  int
	height int
	screen screen
	status string
	paths  appDataPaths

	trees      []treeEntry
	treeCursor int

	treeID        string
	treeTitle     string
	nodes         map[string]*conversationNode
	defaults      treeDefaults
	interventions []intervention
	selections    branchSelections
	path          []*conversationNode
	pathCursor    int
	overview      bool

	viewport      viewport.Model
	viewportReady bool
}

func newModel() model {
	m := model{screen: screenTrees, selections: branchSelections{}}

	paths, err := resolveDataPaths()
	if err != nil {
		m.status = "Error: " + err.Error()
		return m
	}
	m.paths = paths

	db, err := openTreeDB(paths.dbPath)
	if err != nil {
		m.status = "Error: " + err.Error()
		return m
	}
	defer db.Close()

	trees, err := loadTreeList(db)
	if err != nil {
		m.status = "Error: " + err.Error()
		return m
	}
	m.trees = trees
	m.status = fmt.Sprintf("Loaded %d trees from %s", len(trees), paths.dbPath)
	return m
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.screen {
	case screenTrees:
		return m.handleTreesKey(msg)
	case screenTree:
		return m.handleTreeKey(msg)
	case screenContext, screenDiff, screenGrid:
		return m.handleViewerKey(msg)
	default:
		return m, nil
	}
}

func (m model) handleTreesKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		m.treeCursor = clamp(m.treeCursor-1, 0, max(0, len(m.trees)-1))
	case "down", "j":
		m.treeCursor = clamp(m.treeCursor+1, 0, max(0, len(m.trees)-1))
	case "enter":
		if tree, ok := m.currentTree(); ok {
			if err := m.loadTree(tree); err != nil {
				m.status = "Error: " + err.Error()
				return m, nil
			}
			m.screen = screenTree
		}
	}
	return m, nil
}

func (m model) handleTreeKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.screen = screenTrees
	case "up", "k":
		m.pathCursor = clamp(m.pathCursor-1, 0, max(0, len(m.path)-1))
	case "down", "j":
		m.pathCursor = clamp(m.pathCursor+1, 0, max(0, len(m.path)-1))
	case "left", "h":
		m.cycleBranch(-1)
	case "right", "l":
		m.cycleBranch(1)
	case "o":
		m.overview = !m.overview
	case "enter":
		if node, ok := m.currentPathNode(); ok {
			m.openViewer(screenContext, m.buildContextView(node))
		}
	case "d":
		if node, ok := m.currentPathNode(); ok {
			m.openViewer(screenDiff, m.buildDiffView(node))
		}
	case "g":
		m.openViewer(screenGrid, m.buildGridView())
	}
	return m, nil
}

func (m model) handleViewerKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "esc" {
		m.screen = screenTree
		return m, nil
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *model) loadTree(tree treeEntry) error {
	db, err := openTreeDB(m.paths.dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	nodes, err := loadTreeNodes(db, tree.id)
	if err != nil {
		return err
	}
	defaults, err := loadTreeDefaults(db, tree.id)
	if err != nil {
		return err
	}
	interventions, err := loadInterventions(db, tree.id)
	if err != nil {
		return err
	}

	m.treeID = tree.id
	m.treeTitle = tree.title
	m.nodes = nodes
	m.defaults = defaults
	m.interventions = interventions
	m.selections = branchSelections{}
	m.path = resolveActivePath(nodes, m.selections)
	m.pathCursor = max(0, len(m.path)-1)
	m.status = fmt.Sprintf("Loaded %d nodes, %d interventions", len(nodes), len(interventions))
	return nil
}

// cycleBranch moves the branch selection at the selected node's fork by
// delta and re-resolves the active path.
func (m *model) cycleBranch(delta int) {
	node, ok := m.currentPathNode()
	if !ok {
		return
	}
	children := buildChildIndex(m.nodes)
	key := node.parentID
	if key == "" {
		key = rootSelectionKey
	}
	siblings := children[node.parentID]
	if len(siblings) < 2 {
		m.status = "No sibling branches here"
		return
	}
	current := 0
	for i, id := range siblings {
		if id == node.id {
			current = i
			break
		}
	}
	next := (current + delta + len(siblings)) % len(siblings)
	m.selections[key] = siblings[next]
	m.path = resolveActivePath(m.nodes, m.selections)
	if idx := pathIndexOf(m.path, siblings[next]); idx >= 0 {
		m.pathCursor = idx
	} else {
		m.pathCursor = clamp(m.pathCursor, 0, max(0, len(m.path)-1))
	}
	m.status = fmt.Sprintf("Branch %d/%d at %s", next+1, len(siblings), node.parentID)
}

func (m *model) openViewer(target screen, content string) {
	m.screen = target
	m.resizeViewport()
	m.viewport.SetContent(content)
	m.viewport.GotoTop()
}

func (m *model) resizeViewport() {
	headerHeight := 3
	footerHeight := 2
	width := max(20, m.width)
	height := max(5, m.height-headerHeight-footerHeight)
	if !m.viewportReady {
		m.viewport = viewport.New(width, height)
		m.viewportReady = true
		return
	}
	m.viewport.Width = width
	m.viewport.Height = height
}

func (m model) View() string {
	var body string
	switch m.screen {
	case screenTrees:
		body = m.renderTrees()
	case screenTree:
		body = m.renderTree()
	default:
		body = m.viewport.View()
	}
	return m.renderHeader() + "\n" + body + "\n" + m.renderFooter()
}

func (m model) renderHeader() string {
	switch m.screen {
	case screenTrees:
		return headerStyle.Render("loomlens — trees")
	case screenTree:
		title := m.treeTitle
		if title == "" {
			title = m.treeID
		}
		return headerStyle.Render("loomlens — " + title)
	case screenContext:
		return headerStyle.Render("loomlens — reconstructed context")
	case screenDiff:
		return headerStyle.Render("loomlens — context diff")
	case screenGrid:
		return headerStyle.Render("loomlens — era grid")
	default:
		return headerStyle.Render("loomlens")
	}
}

func (m model) renderFooter() string {
	var help string
	switch m.screen {
	case screenTrees:
		help = "↑/↓ select · enter open · q quit"
	case screenTree:
		help = "↑/↓ move · ←/→ branch · enter context · d diff · g grid · o overview · esc back · q quit"
	default:
		help = "↑/↓ scroll · esc back · q quit"
	}
	return helpStyle.Render(help) + "\n" + statusStyle.Render(m.status)
}

func (m model) renderTrees() string {
	if len(m.trees) == 0 {
		return "No trees found."
	}
	visible := max(1, m.height-5)
	offset := listOffset(m.treeCursor, len(m.trees), visible)
	var b strings.Builder
	for i := offset; i < len(m.trees) && i < offset+visible; i++ {
		tree := m.trees[i]
		title := tree.title
		if title == "" {
			title = "(untitled)"
		}
		line := fmt.Sprintf("%-36s %4d nodes %3d interventions  %s",
			truncateString(tree.id, 36), tree.nodeCount, tree.interventionCount, formatTimeForList(tree.createdAt))
		line += "  " + truncateString(title, 40)
		if i == m.treeCursor {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m model) renderTree() string {
	if m.overview {
		return m.renderTreeOverview()
	}
	if len(m.path) == 0 {
		return "Empty tree."
	}
	children := buildChildIndex(m.nodes)
	visible := max(1, m.height-5)
	offset := listOffset(m.pathCursor, len(m.path), visible)

	var b strings.Builder
	for i := offset; i < len(m.path) && i < offset+visible; i++ {
		node := m.path[i]
		siblings := children[node.parentID]
		branch := "     "
		if len(siblings) > 1 {
			position := 0
			for idx, id := range siblings {
				if id == node.id {
					position = idx + 1
					break
				}
			}
			branch = fmt.Sprintf("◀%d/%d▶", position, len(siblings))
		}
		preview := truncateString(oneLine(node.effectiveContent()), max(20, m.width-40))
		line := fmt.Sprintf("%s %s %s", branch, roleStyle(node.role).Render(fmt.Sprintf("%-10s", node.role)), preview)
		if node.role == roleAssistant {
			summary := summarizeDivergence(node, m.path, m.defaults)
			if summary.totalDivergences > 0 {
				line += divergenceStyle.Render(fmt.Sprintf("  Δ%d", summary.totalDivergences))
			}
		}
		if i == m.pathCursor {
			line = selectedStyle.Render(fmt.Sprintf("%s %-10s %s", branch, node.role, preview))
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderTreeOverview draws the whole tree spatially: collapsed chains become
// single markers, and layout x positions map to terminal columns.
func (m model) renderTreeOverview() string {
	display := collapseChains(m.nodes)
	points := layoutTree(display)
	if len(points) == 0 {
		return "Empty tree."
	}

	const columnScale = 6
	maxDepth := 0
	for _, point := range points {
		maxDepth = max(maxDepth, point.depth)
	}

	byDepth := make(map[int][]string)
	for id, point := range points {
		byDepth[point.depth] = append(byDepth[point.depth], id)
	}
	for depth := range byDepth {
		sort.Slice(byDepth[depth], func(i, j int) bool {
			return points[byDepth[depth][i]].x < points[byDepth[depth][j]].x
		})
	}

	onPath := make(map[string]bool, len(m.path))
	for _, node := range m.path {
		onPath[node.id] = true
	}

	var b strings.Builder
	for depth := 0; depth <= maxDepth; depth++ {
		line := make([]rune, 0, m.width)
		for _, id := range byDepth[depth] {
			node := display[id]
			column := int(points[id].x * columnScale)
			for len(line) < column {
				line = append(line, ' ')
			}
			marker := "•"
			if node.run != nil {
				marker = fmt.Sprintf("⋯%d", len(node.run.nodeIDs))
			} else if onPath[id] {
				marker = "●"
			}
			line = append(line, []rune(marker)...)
		}
		b.WriteString(string(line))
		b.WriteByte('\n')
	}
	b.WriteString("\n● active path · • branch · ⋯N collapsed run\n")
	return strings.TrimRight(b.String(), "\n")
}

func (m model) buildContextView(node *conversationNode) string {
	recon := reconstructContext(node, m.nodes, nil)
	width := max(40, m.width-4)

	var b strings.Builder
	fmt.Fprintf(&b, "Context for %s (%s/%s)\n", recon.targetID, recon.provider, recon.model)
	if recon.truncated {
		b.WriteString(divergenceStyle.Render("Ancestor chain truncated at a missing parent; context is partial.") + "\n")
	}
	if recon.systemPrompt != "" {
		b.WriteString("\n" + roleSystemStyle.Render("system") + "\n")
		b.WriteString(wrapText(recon.systemPrompt, width) + "\n")
	}
	fmt.Fprintf(&b, "\n%d messages sent, %d excluded, %d evicted\n", len(recon.sentMessages()), recon.excludedCount, recon.evictedCount)
	for _, msg := range recon.messages {
		header := roleStyle(msg.role).Render(msg.role) + " " + absentStyle.Render(msg.nodeID)
		if markers := messageFlagMarkers(msg); markers != "" {
			header += changedStyle.Render(markers)
		}
		b.WriteString("\n" + header + "\n")
		body := wrapText(msg.content, width)
		if !msg.sent() {
			body = absentStyle.Render(body)
		}
		b.WriteString(body + "\n")
	}
	return b.String()
}

func (m model) buildDiffView(node *conversationNode) string {
	rows := alignContextDiff(node, m.nodes, m.defaults, nil)
	summary := summarizeDivergence(node, m.path, m.defaults)
	half := max(24, (m.width-8)/2)

	var b strings.Builder
	fmt.Fprintf(&b, "Divergences for %s: %d total\n", node.id, summary.totalDivergences)
	for _, row := range rows {
		b.WriteString("\n" + renderDiffRow(row, half) + "\n")
	}
	return b.String()
}

// renderDiffRow draws one alignment row as a two-column block.
func renderDiffRow(row diffRow, half int) string {
	title := row.kind.String()
	if row.nodeID != "" {
		title = fmt.Sprintf("%s · %s (%s)", row.kind, row.nodeID, row.role)
	}

	left := elidedStyle.Render("·")
	if row.leftPresent {
		left = wrapText(row.left, half)
		if row.leftTag != "" {
			left = absentStyle.Render("("+row.leftTag+")") + "\n" + left
		}
	}
	right := absentStyle.Render("(absent)")
	if row.rightPresent {
		right = wrapText(row.right, half)
		if row.rightTag != "" {
			right = changedStyle.Render("("+row.rightTag+")") + "\n" + right
		}
	} else if row.rightTag != "" {
		right = removedStyle.Render("(absent — " + row.rightTag + ")")
	}

	block := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.NewStyle().Width(half+2).Render(left),
		lipgloss.NewStyle().Width(half+2).Render(right),
	)
	return headerStyle.Render(title) + "\n" + block
}

func (m model) buildGridView() string {
	grid := buildEraGrid(m.path, m.interventions, m.defaults)
	var b strings.Builder
	fmt.Fprintf(&b, "%d rows × %d eras\n\n", len(grid.rowLabels), len(grid.eras))
	for _, line := range strings.Split(renderGridTable(grid), "\n") {
		b.WriteString(line + "\n")
	}
	b.WriteString("\nx excluded · * changed · — absent\n")
	return b.String()
}

func (m model) currentTree() (treeEntry, bool) {
	if len(m.trees) == 0 || m.treeCursor < 0 || m.treeCursor >= len(m.trees) {
		return treeEntry{}, false
	}
	return m.trees[m.treeCursor], true
}

func (m model) currentPathNode() (*conversationNode, bool) {
	if len(m.path) == 0 || m.pathCursor < 0 || m.pathCursor >= len(m.path) {
		return nil, false
	}
	return m.path[m.pathCursor], true
}

func roleStyle(role string) lipgloss.Style {
	switch strings.ToLower(role) {
	case roleUser:
		return roleUserStyle
	case roleAssistant:
		return roleAssistantStyle
	case roleSystem, roleResearcherNote:
		return roleSystemStyle
	default:
		return roleToolStyle
	}
}

func wrapText(text string, width int) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	wrapped := wordwrap.String(trimmed, width)
	return strings.ReplaceAll(wrapped, "\r", "")
}

func indentLines(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for idx := range lines {
		lines[idx] = prefix + lines[idx]
	}
	return strings.Join(lines, "\n")
}

func listOffset(cursor, total, visible int) int {
	if total <= visible {
		return 0
	}
	offset := cursor - visible/2
	maxOffset := total - visible
	return clamp(offset, 0, maxOffset)
}

func oneLine(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	fields := strings.Fields(trimmed)
	return strings.Join(fields, " ")
}

func truncateString(text string, width int) string {
	if width <= 0 {
		return ""
	}
	if len(text) <= width {
		return text
	}
	if width <= 3 {
		return text[:width]
	}
	return text[:width-3] + "..."
}

func clamp(value, low, high int) int {
	if high < low {
		return low
	}
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
