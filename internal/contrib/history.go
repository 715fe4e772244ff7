package contrib

import (
	"context"
	"fmt"
	"strings"

	"github.com/samhotchkiss/prompt-loom/internal/assembly"
	"github.com/samhotchkiss/prompt-loom/internal/tokenizer"
)

// ContributorConversationHistory is the id the history contributor
// registers under.
const ContributorConversationHistory = "workflow_history"

const defaultHistoryFetchLimit = 200

// Message is one conversation turn, newest-relevant fields only.
type Message struct {
	Role    string
	Content string
}

// MessageSource supplies recent conversation turns, newest first.
type MessageSource interface {
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// SessionIDField is the assembly context field naming the conversation to
// load history for.
const SessionIDField = "session_id"

// ConversationHistory fills the budget with recent turns, newest first, and
// emits them in chronological order. Condensation drops the oldest turns.
type ConversationHistory struct {
	Estimator  tokenizer.Estimator
	Messages   MessageSource
	FetchLimit int
}

// NewConversationHistory builds the contributor with the default heuristic
// estimator.
func NewConversationHistory(messages MessageSource) *ConversationHistory {
	return &ConversationHistory{
		Estimator:  tokenizer.HeuristicEstimator{},
		Messages:   messages,
		FetchLimit: defaultHistoryFetchLimit,
	}
}

// ID implements assembly.Contributor.
func (h *ConversationHistory) ID() string { return ContributorConversationHistory }

// AppliesTo implements assembly.Contributor.
func (h *ConversationHistory) AppliesTo(kind string) bool {
	return kind == KindChat || kind == KindWorkflow
}

// Contribute implements assembly.Contributor.
func (h *ConversationHistory) Contribute(ctx context.Context, budget int, actx *assembly.Context) (assembly.Contribution, error) {
	if h.Messages == nil {
		return assembly.Contribution{}, fmt.Errorf("message source is not configured")
	}

	sessionID, _ := actx.Fields[SessionIDField].(string)
	limit := h.FetchLimit
	if limit <= 0 {
		limit = defaultHistoryFetchLimit
	}
	messages, err := h.Messages.RecentMessages(ctx, sessionID, limit)
	if err != nil {
		return assembly.Contribution{}, fmt.Errorf("load history: %w", err)
	}

	return h.fill(messages, budget), nil
}

// Condense implements assembly.Condenser. The current content already
// holds formatted turns, oldest first; dropping from the top loses the
// least recent context first.
func (h *ConversationHistory) Condense(ctx context.Context, current assembly.Contribution, target int, actx *assembly.Context) (assembly.Contribution, error) {
	turns := strings.Split(current.Content, "\n")
	est := h.estimator()
	for len(turns) > 0 {
		candidate := strings.Join(turns, "\n")
		if est.Estimate(candidate) <= target {
			return assembly.Contribution{
				Content:    candidate,
				TokensUsed: est.Estimate(candidate),
				Truncated:  true,
			}, nil
		}
		turns = turns[1:]
	}
	return assembly.Contribution{Truncated: true}, nil
}

// fill packs messages newest-first until the budget runs out, then renders
// the kept turns oldest-first.
func (h *ConversationHistory) fill(messages []Message, budget int) assembly.Contribution {
	est := h.estimator()
	var kept []string
	total := 0
	truncated := false

	for _, m := range messages {
		line := m.Role + ": " + strings.ReplaceAll(m.Content, "\n", " ")
		cost := est.Estimate(line)
		if total+cost > budget {
			truncated = true
			break
		}
		kept = append(kept, line)
		total += cost
	}

	// Reverse: fetched newest first, rendered oldest first.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	content := strings.Join(kept, "\n")
	return assembly.Contribution{
		Content:    content,
		TokensUsed: est.Estimate(content),
		Truncated:  truncated,
	}
}

func (h *ConversationHistory) estimator() tokenizer.Estimator {
	if h.Estimator == nil {
		return tokenizer.HeuristicEstimator{}
	}
	return h.Estimator
}
