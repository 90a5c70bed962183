package main

// divergenceSummary is a cheap count of everything about a node's generation
// that a casual reader of the tree would not see. It exists so a rendered
// node list can answer "is anything here worth a closer look" without
// reconstructing full messages; alignContextDiff is the closer look.
type divergenceSummary struct {
	editedUpstream int
	manualUpstream int
	excludedCount  int

	systemPromptDiffers bool
	modelDiffers        bool
	providerDiffers     bool
	samplingDiffers     bool

	timestampsEnabled bool
	thinkingEnabled   bool

	totalDivergences int
}

// summarizeDivergence scans the ancestors of target within path (nodes
// strictly before the target's position) and compares the target's
// snapshotted generation metadata against the tree defaults. O(path length).
func summarizeDivergence(target *conversationNode, path []*conversationNode, defaults treeDefaults) divergenceSummary {
	var summary divergenceSummary

	for _, node := range path {
		if node.id == target.id {
			break
		}
		if node.editedContent != nil {
			summary.editedUpstream++
		}
		if node.mode == modeManual {
			summary.manualUpstream++
		}
	}

	summary.excludedCount = len(target.excludedIDs())
	summary.systemPromptDiffers = target.systemPrompt != defaults.systemPrompt
	summary.modelDiffers = target.model != defaults.model
	summary.providerDiffers = target.provider != defaults.provider
	summary.samplingDiffers = !target.sampling.equal(defaults.sampling)
	summary.timestampsEnabled = target.includeTimestamps
	summary.thinkingEnabled = target.includeThinking

	total := summary.editedUpstream + summary.manualUpstream + summary.excludedCount
	for _, flag := range []bool{
		summary.systemPromptDiffers,
		summary.modelDiffers,
		summary.providerDiffers,
		summary.samplingDiffers,
		summary.timestampsEnabled,
		summary.thinkingEnabled,
	} {
		if flag {
			total++
		}
	}
	summary.totalDivergences = total
	return summary
}
