// Package decompose turns a goal into ordered micro-actions with the
// Anthropic API.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/firefly/internal/models"
)

// MaxSteps bounds how many actions one decomposition may produce.
const MaxSteps = 12

// Step is one proposed micro-action.
type Step struct {
	Text             string            `json:"text"`
	EstimatedMinutes int               `json:"estimated_minutes"`
	Confidence       models.Confidence `json:"confidence"`
}

// Decomposer breaks a goal into steps.
type Decomposer interface {
	Decompose(ctx context.Context, goal string) ([]Step, error)
}

// Client wraps the Anthropic API for goal decomposition.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates a decomposition client with the given API key and model.
// Extra request options are passed to the SDK.
func NewClient(apiKey, model string, extra ...option.RequestOption) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	opts = append(opts, extra...)
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildPrompt constructs the system and user prompts for decomposition.
func buildPrompt(goal string) (system string, user string) {
	system = fmt.Sprintf(`You help people with ADHD start and finish tasks by breaking a goal into tiny, concrete micro-actions. Return ONLY a JSON array of objects with these fields:
- "text": one physical, specific action starting with a verb
- "estimated_minutes": whole minutes the action takes, between 1 and 25
- "confidence": one of "low", "medium", "high", how sure you are of the estimate

Rules:
- The first action must take under 5 minutes so starting is easy
- Order actions in the sequence they should be done
- Return at most %d actions
- Never include breaks, rewards or meta steps like "plan the task"
- Return valid JSON only, no markdown fencing or explanation`, MaxSteps)

	user = "Break this goal into micro-actions:\n\n" + goal
	return
}

// Decompose sends goal to the LLM and returns its micro-actions in order.
func (c *Client) Decompose(ctx context.Context, goal string) ([]Step, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("goal is required")
	}
	systemPrompt, userPrompt := buildPrompt(goal)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}
	return parseSteps(text)
}

// parseSteps decodes the model's reply and normalizes it: blank steps are
// dropped, estimates clamped to [1, 25], unknown confidence becomes medium.
func parseSteps(text string) ([]Step, error) {
	text = stripFence(text)

	var raw []Step
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}

	steps := make([]Step, 0, len(raw))
	for _, s := range raw {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		s.EstimatedMinutes = min(max(s.EstimatedMinutes, 1), 25)
		if !s.Confidence.Valid() {
			s.Confidence = models.ConfidenceMedium
		}
		steps = append(steps, s)
		if len(steps) == MaxSteps {
			break
		}
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("LLM returned no usable actions")
	}
	return steps, nil
}

// stripFence removes markdown code fencing around a reply.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
