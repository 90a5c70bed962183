package main

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "trees.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mustExec(t, db, `
		CREATE TABLE trees (
			tree_id TEXT PRIMARY KEY,
			title TEXT,
			system_prompt TEXT,
			model TEXT,
			provider TEXT,
			temperature REAL,
			max_tokens INTEGER,
			top_p REAL,
			extended_thinking INTEGER,
			created_at TEXT
		);
		CREATE TABLE nodes (
			node_id TEXT PRIMARY KEY,
			tree_id TEXT NOT NULL,
			parent_id TEXT,
			role TEXT,
			content TEXT,
			edited_content TEXT,
			mode TEXT,
			model TEXT,
			provider TEXT,
			system_prompt TEXT,
			temperature REAL,
			max_tokens INTEGER,
			top_p REAL,
			extended_thinking INTEGER,
			thinking_content TEXT,
			include_timestamps INTEGER,
			include_thinking INTEGER,
			excluded_node_ids TEXT,
			evicted_node_ids TEXT,
			input_tokens INTEGER,
			output_tokens INTEGER,
			cache_read_tokens INTEGER,
			anchored INTEGER,
			bookmarked INTEGER,
			annotation TEXT,
			excluded INTEGER,
			digression_boundary INTEGER,
			created_at TEXT
		);
		CREATE TABLE interventions (
			sequence_num INTEGER PRIMARY KEY AUTOINCREMENT,
			tree_id TEXT NOT NULL,
			timestamp TEXT,
			kind TEXT,
			node_id TEXT,
			old_content TEXT,
			new_content TEXT,
			old_prompt TEXT,
			new_prompt TEXT,
			excluded_ids TEXT
		);
	`)
	return db
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func seedTree(t *testing.T, db *sql.DB, treeID string) {
	t.Helper()
	mustExec(t, db, `
		INSERT INTO trees (tree_id, title, system_prompt, model, provider, temperature, max_tokens, top_p, extended_thinking, created_at)
		VALUES (?, 'Probe run', 'Base prompt.', 'sonnet-large', 'acme', 0.7, 4096, 1.0, 0, '2026-03-01T09:00:00Z')
	`, treeID)
}

func TestLoadTreeDefaults(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	seedTree(t, db, "t1")

	defaults, err := loadTreeDefaults(db, "t1")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if defaults.systemPrompt != "Base prompt." || defaults.model != "sonnet-large" {
		t.Fatalf("defaults: %+v", defaults)
	}
	if defaults.sampling.temperature != 0.7 || defaults.sampling.maxTokens != 4096 {
		t.Fatalf("sampling: %+v", defaults.sampling)
	}

	if _, err := loadTreeDefaults(db, "absent"); err == nil {
		t.Fatalf("expected error for missing tree")
	}
}

func TestLoadTreeNodes(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	seedTree(t, db, "t1")
	mustExec(t, db, `
		INSERT INTO nodes (node_id, tree_id, parent_id, role, content, edited_content, mode,
			model, provider, system_prompt, temperature, max_tokens, top_p, extended_thinking,
			thinking_content, include_timestamps, include_thinking,
			excluded_node_ids, evicted_node_ids, input_tokens, output_tokens, cache_read_tokens,
			anchored, bookmarked, annotation, excluded, digression_boundary, created_at)
		VALUES
		('n1', 't1', NULL, 'user', 'hello', NULL, 'chat',
			'', '', '', 0, 0, 0, 0, '', 0, 0,
			NULL, NULL, 0, 0, 0, 0, 0, '', 0, 0, '2026-03-01T10:00:00Z'),
		('n2', 't1', 'n1', 'assistant', 'first answer', 'revised answer', 'chat',
			'sonnet-large', 'acme', 'Base prompt.', 0.7, 4096, 1.0, 1,
			'working it out', 1, 1,
			'["n1"]', '[]', 120, 40, 16, 1, 0, 'keep an eye on this', 0, 0, '2026-03-01T10:01:00Z'),
		('n3', 't1', 'n2', 'user', 'followup', NULL, 'manual',
			'', '', '', 0, 0, 0, 0, '', 0, 0,
			'not json', NULL, 0, 0, 0, 0, 1, '', 1, 1, '2026-03-01T10:02:00Z')
	`)

	nodes, err := loadTreeNodes(db, "t1")
	if err != nil {
		t.Fatalf("load nodes: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("node count: got=%d want=3", len(nodes))
	}

	n1 := nodes["n1"]
	if n1.parentID != "" || n1.editedContent != nil || n1.usage != nil {
		t.Fatalf("n1: %+v", n1)
	}

	n2 := nodes["n2"]
	if n2.editedContent == nil || *n2.editedContent != "revised answer" {
		t.Fatalf("n2 edited content: %+v", n2.editedContent)
	}
	if !n2.sampling.extendedThinking || !n2.includeTimestamps || !n2.includeThinking || !n2.anchored {
		t.Fatalf("n2 flags: %+v", n2)
	}
	if n2.usage == nil {
		t.Fatalf("n2 usage missing")
	}
	if !n2.usage.excludedNodeIDs["n1"] || len(n2.usage.evictedNodeIDs) != 0 {
		t.Fatalf("n2 usage sets: %+v", n2.usage)
	}
	if n2.usage.inputTokens != 120 || n2.usage.cacheReadTokens != 16 {
		t.Fatalf("n2 tokens: %+v", n2.usage)
	}

	// Malformed id list degrades to an empty set, not an error.
	n3 := nodes["n3"]
	if n3.usage == nil || len(n3.usage.excludedNodeIDs) != 0 {
		t.Fatalf("n3 usage: %+v", n3.usage)
	}
	if n3.mode != modeManual || !n3.bookmarked || !n3.markedExcluded || !n3.digressionBoundary {
		t.Fatalf("n3 flags: %+v", n3)
	}
}

func TestLoadInterventionsOrdering(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	seedTree(t, db, "t1")
	mustExec(t, db, `
		INSERT INTO interventions (tree_id, timestamp, kind, node_id, old_content, new_content, old_prompt, new_prompt, excluded_ids)
		VALUES
		('t1', '2026-03-01T11:00:00Z', 'exclusion_changed', '', NULL, NULL, '', '', '["n2"]'),
		('t1', '2026-03-01T10:30:00Z', 'node_edited', 'n2', 'first answer', 'revised answer', '', '', ''),
		('t1', '2026-03-01T12:00:00Z', 'node_edited', 'n2', 'revised answer', NULL, '', '', '')
	`)

	entries, err := loadInterventions(db, "t1")
	if err != nil {
		t.Fatalf("load interventions: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("count: got=%d want=3", len(entries))
	}
	wantKinds := []string{interventionNodeEdited, interventionExclusionChanged, interventionNodeEdited}
	for i, want := range wantKinds {
		if entries[i].kind != want {
			t.Fatalf("entry %d kind: got=%q want=%q", i, entries[i].kind, want)
		}
	}
	if entries[0].newContent == nil || *entries[0].newContent != "revised answer" {
		t.Fatalf("entry 0 new content: %+v", entries[0].newContent)
	}
	// A restoring edit carries NULL new content.
	if entries[2].newContent != nil {
		t.Fatalf("entry 2 should restore: %+v", entries[2].newContent)
	}
	if entries[1].excludedJSON != `["n2"]` {
		t.Fatalf("entry 1 payload: %q", entries[1].excludedJSON)
	}
}

func TestLoadTreeList(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	seedTree(t, db, "t1")
	mustExec(t, db, `
		INSERT INTO trees (tree_id, title, created_at) VALUES ('t2', NULL, '2026-03-02T09:00:00Z')
	`)
	mustExec(t, db, `
		INSERT INTO nodes (node_id, tree_id, role, content, created_at)
		VALUES ('n1', 't1', 'user', 'hello', '2026-03-01T10:00:00Z')
	`)
	mustExec(t, db, `
		INSERT INTO interventions (tree_id, timestamp, kind) VALUES ('t1', '2026-03-01T11:00:00Z', 'node_edited')
	`)

	trees, err := loadTreeList(db)
	if err != nil {
		t.Fatalf("load tree list: %v", err)
	}
	if len(trees) != 2 {
		t.Fatalf("tree count: got=%d want=2", len(trees))
	}
	// Newest first.
	if trees[0].id != "t2" || trees[0].title != "" {
		t.Fatalf("first entry: %+v", trees[0])
	}
	if trees[1].nodeCount != 1 || trees[1].interventionCount != 1 {
		t.Fatalf("t1 counts: %+v", trees[1])
	}
}

func TestParseIDList(t *testing.T) {
	t.Parallel()

	if got := parseIDList(`["a", "b", ""]`); len(got) != 2 || !got["a"] || !got["b"] {
		t.Fatalf("parseIDList: %v", got)
	}
	if got := parseIDList(""); len(got) != 0 {
		t.Fatalf("empty input: %v", got)
	}
	if got := parseIDList("not json"); len(got) != 0 {
		t.Fatalf("malformed input: %v", got)
	}
}

func TestBuildChildIndexOrdersByCreation(t *testing.T) {
	t.Parallel()

	nodes := nodeSet(
		makeNode("root", "", roleUser, "ask", 0),
		makeNode("late", "root", roleAssistant, "second", 5),
		makeNode("early", "root", roleAssistant, "first", 1),
	)
	children := buildChildIndex(nodes)
	kids := children["root"]
	if len(kids) != 2 || kids[0] != "early" || kids[1] != "late" {
		t.Fatalf("children of root: %v", kids)
	}
	if roots := children[""]; len(roots) != 1 || roots[0] != "root" {
		t.Fatalf("roots: %v", roots)
	}
}

func TestResolveDataPathsEnvOverride(t *testing.T) {
	t.Setenv("LOOMLENS_DB", "/tmp/custom.db")
	paths, err := resolveDataPaths()
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}
	if paths.dbPath != "/tmp/custom.db" {
		t.Fatalf("db path: got=%q", paths.dbPath)
	}
}

func TestExpandHomePath(t *testing.T) {
	t.Parallel()

	if got := expandHomePath("/absolute/path.db"); got != "/absolute/path.db" {
		t.Fatalf("absolute path changed: %q", got)
	}
	got := expandHomePath("~/store.db")
	if got == "~/store.db" || got == "" {
		t.Fatalf("tilde not expanded: %q", got)
	}
}

func TestEffectiveContent(t *testing.T) {
	t.Parallel()

	node := makeNode("n1", "", roleAssistant, "original", 0)
	if got := node.effectiveContent(); got != "original" {
		t.Fatalf("without overlay: %q", got)
	}
	edited := makeNode("n2", "", roleAssistant, "original", 1, withEdited("overlay"))
	if got := edited.effectiveContent(); got != "overlay" {
		t.Fatalf("with overlay: %q", got)
	}
}

func TestAPIRole(t *testing.T) {
	t.Parallel()

	for _, role := range []string{roleUser, roleAssistant, roleTool} {
		if !apiRole(role) {
			t.Fatalf("%q should be an api role", role)
		}
	}
	for _, role := range []string{roleSystem, roleResearcherNote, ""} {
		if apiRole(role) {
			t.Fatalf("%q should not be an api role", role)
		}
	}
}
