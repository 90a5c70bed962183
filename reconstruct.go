package main

import (
	"fmt"
	"strings"
	"time"
)

// contextMessage is one reconstructed message, flagged with everything that
// made it differ from the naive reading of the tree.
type contextMessage struct {
	nodeID  string
	role    string
	content string

	edited        bool
	manual        bool
	timestamped   bool
	thinkingAdded bool
	excluded      bool
	evicted       bool
}

// sent reports whether the message was actually part of the provider
// payload. Excluded and evicted messages are reconstructed for display but
// were not sent.
func (m contextMessage) sent() bool {
	return !m.excluded && !m.evicted
}

// reconstructedContext is the point-in-time view of what a generation
// actually used: the system prompt, generation metadata, and the ordered
// message list, all replayed from metadata stored on the target node and
// its ancestors.
type reconstructedContext struct {
	targetID     string
	systemPrompt string
	model        string
	provider     string
	sampling     samplingParams

	messages []contextMessage

	excludedCount int
	evictedCount  int

	// truncated is set when the ancestor walk hit a parent id that is not
	// in the node set. The reconstruction is partial but still honest.
	truncated bool
}

// sentMessages returns only the messages that were in the provider payload.
func (c reconstructedContext) sentMessages() []contextMessage {
	sent := make([]contextMessage, 0, len(c.messages))
	for _, msg := range c.messages {
		if msg.sent() {
			sent = append(sent, msg)
		}
	}
	return sent
}

// ancestorChain returns the target's ancestors in chronological order,
// walking parent pointers from the target's parent up to the root. The
// second result is true when the walk stopped at a dangling parent id.
// The target itself is never included: its content is the response, not
// part of its own context.
func ancestorChain(target *conversationNode, nodes map[string]*conversationNode) ([]*conversationNode, bool) {
	var reversed []*conversationNode
	seen := map[string]bool{target.id: true}
	parentID := target.parentID
	truncated := false
	for parentID != "" {
		if seen[parentID] {
			break
		}
		node := nodes[parentID]
		if node == nil {
			// Unknown upstream. Partial context beats a crash here.
			truncated = true
			break
		}
		seen[node.id] = true
		reversed = append(reversed, node)
		parentID = node.parentID
	}
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	return reversed, truncated
}

// reconstructContext rebuilds the exact message list sent to the provider
// when the target node was generated. Augmentation is driven by the flags
// snapshotted on the target, not the tree's current defaults, and the
// recorded exclusion and eviction sets are replayed, never recomputed.
func reconstructContext(target *conversationNode, nodes map[string]*conversationNode, loc *time.Location) reconstructedContext {
	out := reconstructedContext{
		targetID:     target.id,
		systemPrompt: target.systemPrompt,
		model:        target.model,
		provider:     target.provider,
		sampling:     target.sampling,
	}

	excluded := target.excludedIDs()
	evicted := target.evictedIDs()
	out.excludedCount = len(excluded)
	out.evictedCount = len(evicted)

	chain, truncated := ancestorChain(target, nodes)
	out.truncated = truncated
	out.messages = make([]contextMessage, 0, len(chain))

	for _, node := range chain {
		if !apiRole(node.role) {
			continue
		}
		msg := contextMessage{
			nodeID:  node.id,
			role:    node.role,
			content: node.content,
			manual:  node.mode == modeManual,
		}
		if node.editedContent != nil {
			msg.content = *node.editedContent
			// A manual node is researcher-authored throughout; an overlay
			// on it is more authorship, not an edit of model output.
			msg.edited = !msg.manual
		}
		if target.includeTimestamps && node.role != roleAssistant {
			if prefix := timestampPrefix(node.createdAt, loc); prefix != "" {
				msg.content = prefix + msg.content
				msg.timestamped = true
			}
		}
		if target.includeThinking && node.role == roleAssistant && strings.TrimSpace(node.thinkingContent) != "" {
			msg.content = "[Model thinking: " + node.thinkingContent + "]\n\n" + msg.content
			msg.thinkingAdded = true
		}
		msg.excluded = excluded[node.id]
		msg.evicted = evicted[node.id]
		out.messages = append(out.messages, msg)
	}
	return out
}

func messageFlagMarkers(msg contextMessage) string {
	markers := make([]string, 0, 4)
	if msg.edited {
		markers = append(markers, "edited")
	}
	if msg.manual {
		markers = append(markers, "manual")
	}
	if msg.timestamped {
		markers = append(markers, "timestamped")
	}
	if msg.thinkingAdded {
		markers = append(markers, "thinking")
	}
	if msg.excluded {
		markers = append(markers, "excluded")
	}
	if msg.evicted {
		markers = append(markers, "evicted")
	}
	if len(markers) == 0 {
		return ""
	}
	return " [" + strings.Join(markers, ", ") + "]"
}

// runContextCommand prints the reconstructed context for one node.
func runContextCommand(args []string) error {
	opts, err := parseContextArgs(args)
	if err != nil {
		return err
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

	nodes, err := loadTreeNodes(db, opts.treeID)
	if err != nil {
		return err
	}
	target := nodes[opts.nodeID]
	if target == nil {
		return fmt.Errorf("no node %q in tree %q", opts.nodeID, opts.treeID)
	}

	recon := reconstructContext(target, nodes, opts.loc)

	fmt.Printf("Context for %s (%s, %s/%s)\n", recon.targetID, target.role, recon.provider, recon.model)
	if recon.truncated {
		fmt.Println("Warning: ancestor chain truncated at a missing parent; context is partial.")
	}
	if recon.systemPrompt != "" {
		fmt.Printf("\nSystem prompt:\n%s\n", indentLines(recon.systemPrompt, "  "))
	}
	fmt.Printf("\nMessages (%d sent, %d excluded, %d evicted):\n",
		len(recon.sentMessages()), recon.excludedCount, recon.evictedCount)
	for i, msg := range recon.messages {
		fmt.Printf("\n[%d] %s (%s)%s\n", i+1, msg.nodeID, msg.role, messageFlagMarkers(msg))
		fmt.Println(indentLines(msg.content, "  "))
	}
	return nil
}

type contextOptions struct {
	treeID string
	nodeID string
	loc    *time.Location
}

func parseContextArgs(args []string) (contextOptions, error) {
	opts := contextOptions{}
	positional := make([]string, 0, 2)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--timestamps-tz":
			if i+1 >= len(args) {
				return contextOptions{}, fmt.Errorf("--timestamps-tz requires a value")
			}
			i++
			loc, err := time.LoadLocation(args[i])
			if err != nil {
				return contextOptions{}, fmt.Errorf("load location %q: %w", args[i], err)
			}
			opts.loc = loc
		case strings.HasPrefix(arg, "--"):
			return contextOptions{}, fmt.Errorf("unknown flag %q\n\n%s", arg, contextUsageText())
		default:
			positional = append(positional, arg)
		}
	}
	if len(positional) != 2 {
		return contextOptions{}, fmt.Errorf("expected <tree-id> <node-id>\n\n%s", contextUsageText())
	}
	opts.treeID = positional[0]
	opts.nodeID = positional[1]
	return opts, nil
}

func contextUsageText() string {
	return strings.TrimSpace(`
Usage: loomlens context <tree-id> <node-id> [--timestamps-tz ZONE]

Prints the exact message payload reconstructed for the node's generation:
system prompt, ordered messages with divergence markers, and the recorded
exclusion/eviction counts.
`)
}
