package main

import "testing"

func summaryTestDefaults() treeDefaults {
	return treeDefaults{
		systemPrompt: "You are helpful.",
		model:        "sonnet-large",
		provider:     "acme",
		sampling:     samplingParams{temperature: 0.7, maxTokens: 4096, topP: 1},
	}
}

func conformingNode(id, parentID, role, content string, minute int) *conversationNode {
	defaults := summaryTestDefaults()
	node := makeNode(id, parentID, role, content, minute)
	node.systemPrompt = defaults.systemPrompt
	node.model = defaults.model
	node.provider = defaults.provider
	node.sampling = defaults.sampling
	return node
}

func TestSummarizeZeroDivergences(t *testing.T) {
	t.Parallel()

	target := conformingNode("n3", "n2", roleAssistant, "reply", 2)
	path := []*conversationNode{
		conformingNode("n1", "", roleUser, "hello", 0),
		conformingNode("n2", "n1", roleAssistant, "earlier", 1),
		target,
	}

	summary := summarizeDivergence(target, path, summaryTestDefaults())
	if summary.totalDivergences != 0 {
		t.Fatalf("expected zero divergences, got %d (%+v)", summary.totalDivergences, summary)
	}
}

func TestSummarizeCountsUpstreamState(t *testing.T) {
	t.Parallel()

	target := conformingNode("n4", "n3", roleAssistant, "reply", 3)
	target.usage = &contextUsage{excludedNodeIDs: map[string]bool{"n1": true, "n2": true}}
	path := []*conversationNode{
		conformingNode("n1", "", roleUser, "hello", 0),
		makeNode("n2", "n1", roleAssistant, "tweaked", 1, withEdited("tweaked again")),
		makeNode("n3", "n2", roleAssistant, "handwritten", 2, withMode(modeManual)),
		target,
	}
	// Keep the edited/manual nodes conforming on metadata so only the
	// upstream counts contribute.
	for _, node := range path[1:3] {
		node.systemPrompt = summaryTestDefaults().systemPrompt
	}

	summary := summarizeDivergence(target, path, summaryTestDefaults())
	if summary.editedUpstream != 1 {
		t.Fatalf("editedUpstream: got=%d want=1", summary.editedUpstream)
	}
	if summary.manualUpstream != 1 {
		t.Fatalf("manualUpstream: got=%d want=1", summary.manualUpstream)
	}
	if summary.excludedCount != 2 {
		t.Fatalf("excludedCount: got=%d want=2", summary.excludedCount)
	}
	if summary.totalDivergences != 4 {
		t.Fatalf("totalDivergences: got=%d want=4", summary.totalDivergences)
	}
}

func TestSummarizeMetadataDivergence(t *testing.T) {
	t.Parallel()

	target := conformingNode("n2", "n1", roleAssistant, "reply", 1)
	target.model = "opus-huge"
	target.sampling.extendedThinking = true
	target.includeTimestamps = true
	path := []*conversationNode{conformingNode("n1", "", roleUser, "hello", 0), target}

	summary := summarizeDivergence(target, path, summaryTestDefaults())
	if !summary.modelDiffers || !summary.samplingDiffers {
		t.Fatalf("expected model and sampling divergence: %+v", summary)
	}
	if summary.systemPromptDiffers || summary.providerDiffers {
		t.Fatalf("unexpected divergence flags: %+v", summary)
	}
	// model + sampling + timestamps flag
	if summary.totalDivergences != 3 {
		t.Fatalf("totalDivergences: got=%d want=3", summary.totalDivergences)
	}
}

func TestSummarizeStopsAtTarget(t *testing.T) {
	t.Parallel()

	target := conformingNode("n2", "n1", roleAssistant, "reply", 1)
	later := makeNode("n3", "n2", roleUser, "after", 2, withEdited("edited later"))
	path := []*conversationNode{
		conformingNode("n1", "", roleUser, "hello", 0),
		target,
		later,
	}

	summary := summarizeDivergence(target, path, summaryTestDefaults())
	if summary.editedUpstream != 0 {
		t.Fatalf("edits after the target must not count, got %d", summary.editedUpstream)
	}
}
