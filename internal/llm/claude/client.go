// Package claude implements a reasoning backend on top of the Anthropic API.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/warden/internal/router"
)

const defaultMaxTokens = 2048

// sender is the slice of the Anthropic SDK the backend uses.
type sender interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Backend is one Claude model instance registered with the task router.
// Several backends can share an API key while differing in model and class.
type Backend struct {
	name   string
	class  router.Class
	model  anthropic.Model
	sender sender
}

// NewBackend creates a backend for the given model. Class tells the router
// which complexity tier this instance serves.
func NewBackend(apiKey, name string, class router.Class, model string) *Backend {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Backend{
		name:   name,
		class:  class,
		model:  anthropic.Model(model),
		sender: &client.Messages,
	}
}

func (b *Backend) Name() string        { return b.name }
func (b *Backend) Class() router.Class { return b.class }

// Complete sends the task content to the model and converts the reply.
func (b *Backend) Complete(ctx context.Context, req *router.Request) (*router.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	msg, err := b.sender.New(ctx, anthropic.MessageNewParams{
		Model:     b.model,
		MaxTokens: int64(maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt(req.TaskType)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Content)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude %s: %w", b.name, err)
	}

	return fromMessage(msg), nil
}

// systemPrompt returns per-task instructions. Every prompt states that the
// reply is advisory and asks for the structured trailer the parser extracts.
func systemPrompt(task router.TaskType) string {
	var role string
	switch task {
	case router.TaskSummarize:
		role = "Summarize the security alert in two or three sentences for an on-call analyst."
	case router.TaskClassify:
		role = "Classify the security alert: likely attack category and whether it looks like a false positive."
	case router.TaskNarrative:
		role = "Write an incident narrative for the security alert: what likely happened, in what order, and what the attacker's goal appears to be."
	case router.TaskRootCause:
		role = "Analyze the probable root cause of the security alert, including the initial access vector if one can be inferred."
	case router.TaskCorrelation:
		role = "Assess how the entities in this alert might relate to each other and to common attack campaigns."
	case router.TaskRecommendation:
		role = "Recommend concrete response actions for this security alert, ordered by urgency."
	default:
		role = "Analyze the security alert."
	}
	return role + " You are assisting a triage pipeline; your output is advisory and never replaces the computed risk score. " +
		"End your reply with a fenced json block of the form " +
		"{\"risk_hints\": [...], \"recommended_actions\": [...]} summarizing your findings."
}

// advisory is the structured trailer the model is asked to emit.
type advisory struct {
	RiskHints          []string `json:"risk_hints"`
	RecommendedActions []string `json:"recommended_actions"`
}

// fromMessage flattens the reply into text plus the optional advisory
// trailer. A malformed trailer is left in the text rather than failing the
// task.
func fromMessage(msg *anthropic.Message) *router.Response {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	resp := &router.Response{
		TokensIn:  int(msg.Usage.InputTokens),
		TokensOut: int(msg.Usage.OutputTokens),
	}

	text, adv := extractAdvisory(sb.String())
	resp.Text = text
	if adv != nil {
		resp.RiskHints = adv.RiskHints
		resp.RecommendedActions = adv.RecommendedActions
	}
	return resp
}

// extractAdvisory strips a trailing ```json fenced block and decodes it.
func extractAdvisory(text string) (string, *advisory) {
	const opener, closer = "```json", "```"

	start := strings.LastIndex(text, opener)
	if start < 0 {
		return text, nil
	}
	rest := text[start+len(opener):]
	end := strings.Index(rest, closer)
	if end < 0 {
		return text, nil
	}

	var adv advisory
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &adv); err != nil {
		return text, nil
	}

	stripped := text[:start] + rest[end+len(closer):]
	return strings.TrimSpace(stripped), &adv
}
