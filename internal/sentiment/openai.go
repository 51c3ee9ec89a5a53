package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hyperengineering/pipesync/internal/types"
)

// DefaultModel is used when no chat model is configured.
const DefaultModel = openai.ChatModelGPT4oMini

// Reply bodies are clipped before prompting so a pasted email chain
// cannot blow the token budget.
const maxBodyChars = 4000

// ChatService captures the subset of the OpenAI chat completions API used by
// the qualifier. It allows injecting mocks in tests.
type ChatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAI implements Qualifier backed by the OpenAI chat completions API.
type OpenAI struct {
	service ChatService
	model   openai.ChatModel
}

var _ Qualifier = (*OpenAI)(nil)

// NewOpenAI constructs an OpenAI qualifier with the given API key and model.
func NewOpenAI(apiKey string, model openai.ChatModel) *OpenAI {
	if model == "" {
		model = DefaultModel
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAI{service: client.Chat.Completions, model: model}
}

// Qualify classifies a single reply. Temperature is pinned to zero so the
// same reply qualifies the same way on retry.
func (o *OpenAI) Qualify(ctx context.Context, reply types.ReplyEvent) (*Qualification, error) {
	params := openai.ChatCompletionNewParams{
		Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildPrompt(reply)),
		}),
		Model:       openai.F(o.model),
		Temperature: openai.F(0.0),
	}

	resp, err := o.service.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("qualification request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	raw := cleanJSONResponse(resp.Choices[0].Message.Content)
	var q Qualification
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return nil, fmt.Errorf("parse qualification: %w", err)
	}
	normalize(&q)
	return &q, nil
}

const systemPrompt = "You classify email replies received by an outbound sales campaign. " +
	"You respond with a single JSON object and nothing else."

func buildPrompt(reply types.ReplyEvent) string {
	body := reply.Body
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars] + "\n[truncated]"
	}

	var b strings.Builder
	b.WriteString("Classify the following email reply from a prospect.\n\n")
	b.WriteString("### REPLY\n")
	fmt.Fprintf(&b, "From: %s\n", reply.From)
	fmt.Fprintf(&b, "Subject: %s\n", reply.Subject)
	fmt.Fprintf(&b, "Body:\n%s\n\n", body)
	b.WriteString(`### OUTPUT FORMAT (STRICT JSON ONLY)
{
  "sentiment": "<positive|neutral|negative>",
  "intent": "<interested|question|objection|unsubscribe|other>",
  "urgency": "<high|medium|low>",
  "confidence": <0.0-1.0>,
  "score": <0-100>,
  "summary": "<one sentence>"
}

### FIELD DEFINITIONS
- sentiment: overall tone of the reply toward the sender's offer
- intent: what the prospect is trying to do with this reply
- urgency: how quickly the prospect expects a response
- confidence: how certain you are of sentiment and intent combined
- score: lead quality where 100 is ready to buy and 0 is do not contact
- summary: one sentence a salesperson can read at a glance

### CRITICAL RULES
- Output ONLY the JSON object, no explanations and no markdown fences
- Every field is mandatory except summary
- An unsubscribe request always scores below 10
`)
	return b.String()
}

// cleanJSONResponse strips markdown fences or prose the model may wrap
// around the JSON object despite instructions.
func cleanJSONResponse(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
