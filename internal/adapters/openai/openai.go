// Package openai adapts the OpenAI chat completion client to the
// recorder: every call records one trace with one generation span,
// including token usage, truncated response text, and errors. The
// adapter owns nothing but the recorder's four operations; recording
// failures never surface to the caller.
package openai

import (
	"context"
	"errors"

	gopenai "github.com/sashabaranov/go-openai"

	"github.com/traceboard/traceboard/internal/recorder"
	"github.com/traceboard/traceboard/internal/trace"
)

const defaultWorkflowName = "LLM Call"

// Options configures a traced client.
type Options struct {
	// WorkflowName labels the traces this client records. Defaults to
	// "LLM Call".
	WorkflowName string
	// TruncateLimit bounds captured response text. Defaults to the
	// recorder's limit.
	TruncateLimit int
}

// Client wraps an OpenAI API client so each chat completion call is
// recorded as a trace with a single generation span.
type Client struct {
	api           *gopenai.Client
	rec           *recorder.Recorder
	workflowName  string
	truncateLimit int
}

// NewClient returns a traced wrapper around api.
func NewClient(api *gopenai.Client, rec *recorder.Recorder, opts Options) *Client {
	workflowName := opts.WorkflowName
	if workflowName == "" {
		workflowName = defaultWorkflowName
	}
	limit := opts.TruncateLimit
	if limit <= 0 {
		limit = recorder.TruncateLimit
	}
	return &Client{
		api:           api,
		rec:           rec,
		workflowName:  workflowName,
		truncateLimit: limit,
	}
}

// CreateChatCompletion performs the API call and records it. The
// response and error pass through unchanged.
func (c *Client) CreateChatCompletion(ctx context.Context, req gopenai.ChatCompletionRequest) (gopenai.ChatCompletionResponse, error) {
	traceID := c.rec.StartTrace(ctx, c.workflowName, recorder.TraceStart{
		Metadata: map[string]any{"model": req.Model},
	})
	spanID := c.rec.StartSpan(ctx, traceID, trace.SpanTypeGeneration, req.Model, recorder.SpanStart{})

	resp, err := c.api.CreateChatCompletion(ctx, req)

	gen := &trace.GenerationPayload{Model: req.Model}
	end := recorder.SpanEnd{
		Payload: trace.SpanPayload{Type: trace.SpanTypeGeneration, Generation: gen},
	}
	if err != nil {
		end.Error = &trace.SpanError{Kind: errorKind(err), Message: err.Error()}
	} else {
		if resp.Model != "" {
			gen.Model = resp.Model
		}
		gen.InputTokens = resp.Usage.PromptTokens
		gen.OutputTokens = resp.Usage.CompletionTokens
		if len(resp.Choices) > 0 {
			gen.Output = recorder.Truncate(resp.Choices[0].Message.Content, c.truncateLimit)
		}
	}
	c.rec.EndSpan(ctx, spanID, end)
	c.rec.EndTrace(ctx, traceID)

	return resp, err
}

func errorKind(err error) string {
	var apiErr *gopenai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Type != "" {
			return apiErr.Type
		}
		return "api_error"
	}
	var reqErr *gopenai.RequestError
	if errors.As(err, &reqErr) {
		return "request_error"
	}
	return "error"
}
