// ABOUTME: OpenAI-compatible chat completion provider with streaming
// ABOUTME: Classifies HTTP failures into retryable/fatal for the chain

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

// OpenAIProvider speaks the OpenAI chat completions API, which also covers
// OpenRouter, Groq, and local servers via a custom base URL.
type OpenAIProvider struct {
	id     string
	name   string
	model  string
	caps   Capabilities
	client openai.Client
	logger *slog.Logger
}

// OpenAIConfig configures one OpenAI-compatible backend.
type OpenAIConfig struct {
	ID      string
	Name    string
	Model   string
	APIKey  string
	BaseURL string // empty for api.openai.com
	Vision  bool
	Tools   bool
}

// NewOpenAI creates a provider for an OpenAI-compatible endpoint.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) *OpenAIProvider {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		id:     cfg.ID,
		name:   cfg.Name,
		model:  cfg.Model,
		caps:   Capabilities{Vision: cfg.Vision, Tools: cfg.Tools},
		client: openai.NewClient(opts...),
		logger: logger.With("component", "provider", "provider", cfg.ID),
	}
}

func (p *OpenAIProvider) ID() string                 { return p.id }
func (p *OpenAIProvider) Name() string               { return p.name }
func (p *OpenAIProvider) Capabilities() Capabilities { return p.caps }

// Complete streams one chat completion, emitting delta events as text
// arrives and returning the accumulated terminal result.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request, onEvent func(StreamEvent)) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: p.buildMessages(req.Messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" && onEvent != nil {
			onEvent(StreamEvent{Kind: EventDelta, Text: delta})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, p.classify(err)
	}

	resp := &Response{
		Usage: Usage{
			InputTokens:  acc.Usage.PromptTokens,
			OutputTokens: acc.Usage.CompletionTokens,
		},
	}
	if len(acc.Choices) > 0 {
		msg := acc.Choices[0].Message
		resp.Text = msg.Content
		for _, tc := range msg.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
	}
	return resp, nil
}

func (p *OpenAIProvider) buildMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Text()))
		case "assistant":
			if len(m.ToolCalls) > 0 {
				out = append(out, assistantToolCallMessage(m))
			} else {
				out = append(out, openai.AssistantMessage(m.Text()))
			}
		case "tool":
			out = append(out, openai.ToolMessage(m.Text(), m.ToolCallID))
		default:
			out = append(out, userMessage(m))
		}
	}
	return out
}

func userMessage(m Message) openai.ChatCompletionMessageParamUnion {
	hasImage := false
	for _, part := range m.Parts {
		if part.IsImage() {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return openai.UserMessage(m.Text())
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
	for _, part := range m.Parts {
		if part.IsImage() {
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: part.ImageURL,
			}))
		} else {
			parts = append(parts, openai.TextContentPart(part.Text))
		}
	}
	return openai.UserMessage(parts)
}

func assistantToolCallMessage(m Message) openai.ChatCompletionMessageParamUnion {
	calls := make([]openai.ChatCompletionMessageToolCallUnionParam, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		calls = append(calls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			},
		})
	}
	msg := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
	if text := m.Text(); text != "" {
		msg.Content.OfString = openai.String(text)
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}

func buildTools(schemas []ToolSchema) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		var params shared.FunctionParameters
		if len(s.Parameters) > 0 {
			if err := json.Unmarshal(s.Parameters, &params); err != nil {
				params = shared.FunctionParameters{"type": "object"}
			}
		}
		out = append(out, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        s.Name,
			Description: openai.String(s.Description),
			Parameters:  params,
		}))
	}
	return out
}

// classify maps an SDK error onto the chain's retryable/fatal split. Rate
// limits and server errors are retryable; auth and malformed requests are
// not worth retrying anywhere.
func (p *OpenAIProvider) classify(err error) error {
	var apierr *openai.Error
	if !errors.As(err, &apierr) {
		return NewRetryable(p.id, ClassUpstream, err)
	}

	switch {
	case apierr.StatusCode == http.StatusTooManyRequests:
		e := NewRetryable(p.id, ClassRateLimited, err)
		if reset := parseRetryAfter(apierr.Response); reset != nil {
			e.ResetAt = reset
		}
		return e
	case apierr.StatusCode == http.StatusUnauthorized || apierr.StatusCode == http.StatusForbidden:
		return NewFatal(p.id, ClassAuth, err)
	case apierr.StatusCode == http.StatusBadRequest || apierr.StatusCode == http.StatusUnprocessableEntity:
		return NewFatal(p.id, ClassBadRequest, err)
	case apierr.StatusCode >= 500:
		return NewRetryable(p.id, ClassUpstream, err)
	default:
		return NewRetryable(p.id, ClassGeneric, fmt.Errorf("unexpected status %d: %w", apierr.StatusCode, err))
	}
}

func parseRetryAfter(resp *http.Response) *time.Time {
	if resp == nil {
		return nil
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		t := time.Now().Add(time.Duration(secs)*time.Second + clockSkew)
		return &t
	}
	if t, err := http.ParseTime(v); err == nil {
		t = t.Add(clockSkew)
		return &t
	}
	return nil
}

var _ Provider = (*OpenAIProvider)(nil)
