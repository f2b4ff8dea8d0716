// Package composer assembles the prompts for drafted outreach: the
// first introduction after a detection, and replies within an ongoing
// conversation. It owns the prompt text so the orchestrator only deals
// in profiles and history.
package composer

import (
	"context"
	"fmt"
	"strings"

	"github.com/kindling-ai/kindred/internal/llm"
	"github.com/kindling-ai/kindred/internal/profile"
	"github.com/kindling-ai/kindred/internal/storage"
)

const defaultMaxHistoryTokens = 4000

const introSystemPrompt = `You draft short, warm networking messages on behalf of a user.
Write in the first person as the user. Two to four sentences. Mention the
specific common ground you are given. No emojis, no hashtags, no signature.`

const replySystemPrompt = `You draft replies in an ongoing networking conversation on behalf
of a user. Match the tone of the conversation. Keep it brief and move the
exchange forward. No emojis, no signature.`

// Composer drafts messages through a chat model.
type Composer struct {
	chatter          llm.Chatter
	MaxHistoryTokens int
}

// New creates a Composer. If maxHistoryTokens <= 0, the default (4000)
// is used.
func New(chatter llm.Chatter, maxHistoryTokens int) *Composer {
	if maxHistoryTokens <= 0 {
		maxHistoryTokens = defaultMaxHistoryTokens
	}
	return &Composer{chatter: chatter, MaxHistoryTokens: maxHistoryTokens}
}

// DraftIntroduction drafts the first message from sender to target.
// matchReason is the human-readable explanation of why they match;
// eventContext (optional) names where the target was encountered.
func (c *Composer) DraftIntroduction(ctx context.Context, sender, target profile.Profile, matchReason, eventContext string) (string, error) {
	var sb strings.Builder
	sb.WriteString("[Sender]\n")
	sb.WriteString(summarize(sender))
	sb.WriteString("\n\n[Recipient]\n")
	sb.WriteString(summarize(target))
	sb.WriteString("\n\n[Common ground]\n")
	sb.WriteString(matchReason)
	if eventContext != "" {
		sb.WriteString("\n\n[Context]\nThey were encountered at: ")
		sb.WriteString(eventContext)
	}
	sb.WriteString("\n\nDraft the introduction message.")

	draft, err := c.chatter.Chat(ctx, []llm.Message{
		{Role: "system", Content: introSystemPrompt},
		{Role: "user", Content: sb.String()},
	})
	if err != nil {
		return "", fmt.Errorf("drafting introduction: %w", err)
	}
	return strings.TrimSpace(draft), nil
}

// DraftReply drafts a response to the latest inbound message, given the
// conversation history (oldest first). History beyond the token budget
// is dropped from the oldest end.
func (c *Composer) DraftReply(ctx context.Context, sender, target profile.Profile, history []storage.ConversationMessage) (string, error) {
	var sb strings.Builder
	sb.WriteString("[Sender]\n")
	sb.WriteString(summarize(sender))
	sb.WriteString("\n\n[Recipient]\n")
	sb.WriteString(summarize(target))
	sb.WriteString("\n\n[Conversation]\n")
	sb.WriteString(formatHistory(history, c.MaxHistoryTokens))
	sb.WriteString("\nDraft the next reply from the sender.")

	draft, err := c.chatter.Chat(ctx, []llm.Message{
		{Role: "system", Content: replySystemPrompt},
		{Role: "user", Content: sb.String()},
	})
	if err != nil {
		return "", fmt.Errorf("drafting reply: %w", err)
	}
	return strings.TrimSpace(draft), nil
}

// summarize renders a profile as prompt-friendly lines, skipping empty
// fields.
func summarize(p profile.Profile) string {
	var lines []string
	if p.Name != "" {
		lines = append(lines, "Name: "+p.Name)
	}
	if p.Role != "" {
		lines = append(lines, "Role: "+p.Role)
	}
	if p.Industry != "" {
		lines = append(lines, "Industry: "+p.Industry)
	}
	if p.Seniority != "" {
		lines = append(lines, "Seniority: "+p.Seniority)
	}
	if len(p.Interests) > 0 {
		lines = append(lines, "Interests: "+strings.Join(p.Interests, ", "))
	}
	if len(p.Goals) > 0 {
		lines = append(lines, "Goals: "+strings.Join(p.Goals, ", "))
	}
	if len(lines) == 0 {
		return "(no details)"
	}
	return strings.Join(lines, "\n")
}

// formatHistory renders the conversation oldest first, trimming the
// oldest messages when the budget is exceeded. The newest message is
// always kept.
func formatHistory(history []storage.ConversationMessage, maxTokens int) string {
	entries := make([]string, len(history))
	for i, msg := range history {
		entries[i] = fmt.Sprintf("%s: %s\n", msg.SenderID, msg.Content)
	}

	total := 0
	start := len(entries)
	for i := len(entries) - 1; i >= 0; i-- {
		tokens := EstimateTokens(entries[i])
		if total+tokens > maxTokens && start < len(entries) {
			break
		}
		total += tokens
		start = i
	}

	var sb strings.Builder
	for _, entry := range entries[start:] {
		sb.WriteString(entry)
	}
	return sb.String()
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
