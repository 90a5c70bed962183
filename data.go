package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// appDataPaths stores the resolved location of the tree store.
type appDataPaths struct {
	dbPath string
}

const (
	roleSystem         = "system"
	roleUser           = "user"
	roleAssistant      = "assistant"
	roleTool           = "tool"
	roleResearcherNote = "researcher_note"
)

const (
	modeChat       = "chat"
	modeCompletion = "completion"
	modeManual     = "manual"
)

// rootSelectionKey is the branch-selection key for the root level, where
// there is no parent node id to key on.
const rootSelectionKey = "__root__"

// branchSelections maps a parent node id (or rootSelectionKey) to the chosen
// child id. Ephemeral UI state; absence means "most recently created child."
type branchSelections map[string]string

// samplingParams is the generation configuration snapshotted on a node.
type samplingParams struct {
	temperature      float64
	maxTokens        int
	topP             float64
	extendedThinking bool
}

func (p samplingParams) equal(other samplingParams) bool {
	return p.temperature == other.temperature &&
		p.maxTokens == other.maxTokens &&
		p.topP == other.topP &&
		p.extendedThinking == other.extendedThinking
}

// contextUsage is the server-recorded accounting for one generation: which
// ancestor ids were manually excluded, which were evicted for window space,
// and the token breakdown. These sets are authoritative; nothing in this
// tool recomputes eviction decisions.
type contextUsage struct {
	excludedNodeIDs map[string]bool
	evictedNodeIDs  map[string]bool
	inputTokens     int
	outputTokens    int
	cacheReadTokens int
}

// conversationNode is one persisted message in a branching conversation
// tree. content is immutable; editedContent is the overlay the model sees
// when present.
type conversationNode struct {
	id       string
	parentID string // empty for roots
	role     string
	content  string
	mode     string

	editedContent *string

	model           string
	provider        string
	systemPrompt    string
	sampling        samplingParams
	thinkingContent string

	// Augmentation flags snapshotted at generation time. The tree's
	// current defaults may have changed since; these are what was used.
	includeTimestamps bool
	includeThinking   bool

	usage *contextUsage

	// Researcher affordances consulted by the chain collapser.
	anchored           bool
	bookmarked         bool
	annotation         string
	markedExcluded     bool
	digressionBoundary bool

	createdAt string
}

// effectiveContent returns the overlay when present, the original otherwise.
func (n *conversationNode) effectiveContent() string {
	if n.editedContent != nil {
		return *n.editedContent
	}
	return n.content
}

func (n *conversationNode) excludedIDs() map[string]bool {
	if n.usage == nil {
		return nil
	}
	return n.usage.excludedNodeIDs
}

func (n *conversationNode) evictedIDs() map[string]bool {
	if n.usage == nil {
		return nil
	}
	return n.usage.evictedNodeIDs
}

// apiRole reports whether a role is sent to providers as an ordinary
// message. System prompts travel out of band; researcher notes never leave
// the tool.
func apiRole(role string) bool {
	switch role {
	case roleUser, roleAssistant, roleTool:
		return true
	default:
		return false
	}
}

// treeDefaults is the tree's baseline configuration, against which per-node
// divergence is measured.
type treeDefaults struct {
	systemPrompt string
	model        string
	provider     string
	sampling     samplingParams
}

// treeEntry is one row in the tree list.
type treeEntry struct {
	id                string
	title             string
	nodeCount         int
	interventionCount int
	createdAt         string
}

const (
	interventionNodeEdited          = "node_edited"
	interventionSystemPromptChanged = "system_prompt_changed"
	interventionExclusionChanged    = "exclusion_changed"
)

// intervention is one entry in a tree's ordered structural-change log.
// newContent is nil for a node_edited entry that restores the original.
type intervention struct {
	sequenceNum int64
	timestamp   string
	kind        string
	nodeID      string
	oldContent  *string
	newContent  *string
	oldPrompt   string
	newPrompt   string
	// Raw JSON array of excluded node ids for exclusion_changed entries.
	excludedJSON string
}

// buildChildIndex groups node ids by parent id, each group in creation
// order. Roots are keyed by the empty string.
func buildChildIndex(nodes map[string]*conversationNode) map[string][]string {
	children := make(map[string][]string, len(nodes))
	for id, node := range nodes {
		children[node.parentID] = append(children[node.parentID], id)
	}
	for parentID := range children {
		sortNodeIDs(children[parentID], nodes)
	}
	return children
}

// sortNodeIDs orders ids by creation time, falling back to id for stable
// output when timestamps tie.
func sortNodeIDs(ids []string, nodes map[string]*conversationNode) {
	sort.Slice(ids, func(i, j int) bool {
		left := nodes[ids[i]]
		right := nodes[ids[j]]
		if left == nil || right == nil {
			return ids[i] < ids[j]
		}
		if cmp := compareStoredTimes(left.createdAt, right.createdAt); cmp != 0 {
			return cmp < 0
		}
		return left.id < right.id
	})
}

func resolveDataPaths() (appDataPaths, error) {
	if custom := strings.TrimSpace(os.Getenv("LOOMLENS_DB")); custom != "" {
		return appDataPaths{dbPath: expandHomePath(custom)}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return appDataPaths{}, fmt.Errorf("resolve home directory: %w", err)
	}
	return appDataPaths{dbPath: filepath.Join(home, ".loomlens", "trees.db")}, nil
}

func expandHomePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return trimmed
		}
		if trimmed == "~" {
			return home
		}
		return filepath.Join(home, strings.TrimPrefix(trimmed, "~/"))
	}
	return trimmed
}

func openTreeDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db %q: %w", path, err)
	}
	return db, nil
}

func loadTreeList(db *sql.DB) ([]treeEntry, error) {
	rows, err := db.Query(`
		SELECT t.tree_id,
		       COALESCE(t.title, ''),
		       COALESCE(t.created_at, ''),
		       (SELECT COUNT(*) FROM nodes n WHERE n.tree_id = t.tree_id),
		       (SELECT COUNT(*) FROM interventions i WHERE i.tree_id = t.tree_id)
		FROM trees t
		ORDER BY t.created_at DESC, t.tree_id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query trees: %w", err)
	}
	defer rows.Close()

	entries := make([]treeEntry, 0, 16)
	for rows.Next() {
		var entry treeEntry
		if err := rows.Scan(&entry.id, &entry.title, &entry.createdAt, &entry.nodeCount, &entry.interventionCount); err != nil {
			return nil, fmt.Errorf("scan tree row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tree rows: %w", err)
	}
	return entries, nil
}

func loadTreeDefaults(db *sql.DB, treeID string) (treeDefaults, error) {
	var defaults treeDefaults
	var extendedThinking int64
	err := db.QueryRow(`
		SELECT COALESCE(system_prompt, ''),
		       COALESCE(model, ''),
		       COALESCE(provider, ''),
		       COALESCE(temperature, 0),
		       COALESCE(max_tokens, 0),
		       COALESCE(top_p, 0),
		       COALESCE(extended_thinking, 0)
		FROM trees
		WHERE tree_id = ?
	`, treeID).Scan(
		&defaults.systemPrompt,
		&defaults.model,
		&defaults.provider,
		&defaults.sampling.temperature,
		&defaults.sampling.maxTokens,
		&defaults.sampling.topP,
		&extendedThinking,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return treeDefaults{}, fmt.Errorf("no tree found with id %q", treeID)
		}
		return treeDefaults{}, fmt.Errorf("load defaults for tree %q: %w", treeID, err)
	}
	defaults.sampling.extendedThinking = extendedThinking != 0
	return defaults, nil
}

func loadTreeNodes(db *sql.DB, treeID string) (map[string]*conversationNode, error) {
	rows, err := db.Query(`
		SELECT node_id,
		       COALESCE(parent_id, ''),
		       COALESCE(role, ''),
		       COALESCE(content, ''),
		       edited_content,
		       COALESCE(mode, 'chat'),
		       COALESCE(model, ''),
		       COALESCE(provider, ''),
		       COALESCE(system_prompt, ''),
		       COALESCE(temperature, 0),
		       COALESCE(max_tokens, 0),
		       COALESCE(top_p, 0),
		       COALESCE(extended_thinking, 0),
		       COALESCE(thinking_content, ''),
		       COALESCE(include_timestamps, 0),
		       COALESCE(include_thinking, 0),
		       excluded_node_ids,
		       evicted_node_ids,
		       COALESCE(input_tokens, 0),
		       COALESCE(output_tokens, 0),
		       COALESCE(cache_read_tokens, 0),
		       COALESCE(anchored, 0),
		       COALESCE(bookmarked, 0),
		       COALESCE(annotation, ''),
		       COALESCE(excluded, 0),
		       COALESCE(digression_boundary, 0),
		       COALESCE(created_at, '')
		FROM nodes
		WHERE tree_id = ?
	`, treeID)
	if err != nil {
		return nil, fmt.Errorf("query nodes for tree %q: %w", treeID, err)
	}
	defer rows.Close()

	nodes := make(map[string]*conversationNode)
	for rows.Next() {
		var node conversationNode
		var edited sql.NullString
		var excludedRaw, evictedRaw sql.NullString
		var extendedThinking, includeTimestamps, includeThinking int64
		var anchored, bookmarked, markedExcluded, digression int64
		var usage contextUsage
		if err := rows.Scan(
			&node.id,
			&node.parentID,
			&node.role,
			&node.content,
			&edited,
			&node.mode,
			&node.model,
			&node.provider,
			&node.systemPrompt,
			&node.sampling.temperature,
			&node.sampling.maxTokens,
			&node.sampling.topP,
			&extendedThinking,
			&node.thinkingContent,
			&includeTimestamps,
			&includeThinking,
			&excludedRaw,
			&evictedRaw,
			&usage.inputTokens,
			&usage.outputTokens,
			&usage.cacheReadTokens,
			&anchored,
			&bookmarked,
			&node.annotation,
			&markedExcluded,
			&digression,
			&node.createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		if edited.Valid {
			value := edited.String
			node.editedContent = &value
		}
		node.sampling.extendedThinking = extendedThinking != 0
		node.includeTimestamps = includeTimestamps != 0
		node.includeThinking = includeThinking != 0
		node.anchored = anchored != 0
		node.bookmarked = bookmarked != 0
		node.markedExcluded = markedExcluded != 0
		node.digressionBoundary = digression != 0
		if excludedRaw.Valid || evictedRaw.Valid {
			usage.excludedNodeIDs = parseIDList(excludedRaw.String)
			usage.evictedNodeIDs = parseIDList(evictedRaw.String)
			node.usage = &usage
		}
		nodes[node.id] = &node
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node rows: %w", err)
	}
	return nodes, nil
}

// parseIDList decodes a stored JSON array of node ids. Malformed input
// degrades to an empty set; an unreadable list must not block inspection.
func parseIDList(raw string) map[string]bool {
	set := make(map[string]bool)
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return set
	}
	var ids []string
	if err := json.Unmarshal([]byte(trimmed), &ids); err != nil {
		return set
	}
	for _, id := range ids {
		if id != "" {
			set[id] = true
		}
	}
	return set
}

func loadInterventions(db *sql.DB, treeID string) ([]intervention, error) {
	rows, err := db.Query(`
		SELECT sequence_num,
		       COALESCE(timestamp, ''),
		       COALESCE(kind, ''),
		       COALESCE(node_id, ''),
		       old_content,
		       new_content,
		       COALESCE(old_prompt, ''),
		       COALESCE(new_prompt, ''),
		       COALESCE(excluded_ids, '')
		FROM interventions
		WHERE tree_id = ?
		ORDER BY timestamp ASC, sequence_num ASC
	`, treeID)
	if err != nil {
		return nil, fmt.Errorf("query interventions for tree %q: %w", treeID, err)
	}
	defer rows.Close()

	entries := make([]intervention, 0, 16)
	for rows.Next() {
		var entry intervention
		var oldContent, newContent sql.NullString
		if err := rows.Scan(
			&entry.sequenceNum,
			&entry.timestamp,
			&entry.kind,
			&entry.nodeID,
			&oldContent,
			&newContent,
			&entry.oldPrompt,
			&entry.newPrompt,
			&entry.excludedJSON,
		); err != nil {
			return nil, fmt.Errorf("scan intervention row: %w", err)
		}
		if oldContent.Valid {
			value := oldContent.String
			entry.oldContent = &value
		}
		if newContent.Valid {
			value := newContent.String
			entry.newContent = &value
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intervention rows: %w", err)
	}
	return entries, nil
}

// runTreesCommand lists the trees in the store.
func runTreesCommand(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("usage: loomlens trees")
	}
	paths, err := resolveDataPaths()
	if err != nil {
		return err
	}
	db, err := openTreeDB(paths.dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	trees, err := loadTreeList(db)
	if err != nil {
		return err
	}
	if len(trees) == 0 {
		fmt.Printf("No trees in %s\n", paths.dbPath)
		return nil
	}
	for _, tree := range trees {
		title := tree.title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%-36s %4d nodes %4d interventions  %s\n", tree.id, tree.nodeCount, tree.interventionCount, title)
	}
	return nil
}
