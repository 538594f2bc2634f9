package andrzej

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const httpRefererHeader = "HTTP-Referer"

// ChatMessage is one role/content entry sent to the chat model
type ChatMessage struct {
	Role    Role
	Content string
}

// ChatCompleter generates the next assistant message for a conversation.
//
// Errors match ErrRemote when the endpoint returns a non-2xx status, and
// ErrMalformedResponse when the response can't be used.
type ChatCompleter interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
}

// OpenAIClient is the subset of the go-openai client used here
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// OpenAI is a ChatCompleter for OpenAI-compatible chat completion
// endpoints (OpenRouter, by default).
//
// Requests are rate limited by requestLimiter, and each carries the
// configured HTTP-Referer header.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
}

// headerTransport sets static headers on every outgoing request
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

// statusTransport turns non-2xx responses into *RemoteError, using the
// error message from the body when there is one
type statusTransport struct {
	base http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp, nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return nil, &RemoteError{
		StatusCode: resp.StatusCode,
		Message:    remoteErrorBodyMessage(body),
	}
}

// remoteErrorBodyMessage returns error.message from an OpenAI-style
// error body, or else the (truncated) body itself
func remoteErrorBodyMessage(body []byte) string {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return truncate(strings.TrimSpace(string(body)), 200)
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	o := &OpenAI{
		config: config,
		logger: newComponentLogger("openai", config.LogLevel),
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		),
	}

	client := &http.Client{}
	if httpClient != nil {
		c := *httpClient
		client = &c
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	var transport http.RoundTripper = &statusTransport{base: base}
	if config.Referer != "" {
		transport = &headerTransport{
			base:    transport,
			headers: map[string]string{httpRefererHeader: config.Referer},
		}
	}
	client.Transport = transport
	if config.RequestTimeout > 0 {
		client.Timeout = config.RequestTimeout
	}

	clientCfg := openai.DefaultConfig(config.Token)
	clientCfg.BaseURL = strings.TrimRight(config.BaseURL, "/")
	clientCfg.HTTPClient = client
	o.client = openai.NewClientWithConfig(clientCfg)

	return o
}

func toOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	rv := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		rv = append(
			rv, openai.ChatCompletionMessage{
				Role:    string(m.Role),
				Content: m.Content,
			},
		)
	}
	return rv
}

// Complete sends messages to the chat completion endpoint and returns
// the content of the first choice.
func (o *OpenAI) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	logger := contextLoggerOr(ctx, o.logger)

	if err := o.requestLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting on request limiter: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model:       o.config.Model,
		Messages:    toOpenAIMessages(messages),
		MaxTokens:   o.config.MaxTokens,
		Temperature: o.config.Temperature,
	}

	started := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	elapsed := time.Since(started)
	if err != nil {
		err = classifyCompletionError(err)
		logger.ErrorContext(
			ctx,
			"chat completion failed",
			"model", req.Model,
			"messages", len(req.Messages),
			"elapsed", elapsed,
			tint.Err(err),
		)
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", malformedError("response has no choices", nil)
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", malformedError("response message is empty", nil)
	}

	logger.InfoContext(
		ctx,
		"chat completion finished",
		"id", resp.ID,
		"model", resp.Model,
		"elapsed", elapsed,
		slog.Group(
			"usage",
			"prompt_tokens", resp.Usage.PromptTokens,
			"completion_tokens", resp.Usage.CompletionTokens,
		),
	)
	return content, nil
}

// classifyCompletionError maps go-openai errors onto RemoteError and
// ErrMalformedResponse. Anything else (transport failures, cancellation)
// is wrapped as-is.
func classifyCompletionError(err error) error {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &RemoteError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &RemoteError{StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return malformedError("decoding chat completion", err)
	}

	return fmt.Errorf("chat completion request failed: %w", err)
}
