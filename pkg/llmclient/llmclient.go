// Package llmclient issues the streamed chat-completion requests described
// in spec section 6: an OpenAI-compatible POST to <baseUrl>/v1/chat/completions,
// decoding the server-sent-event frames it returns into content deltas.
// No SSE-client library appears anywhere in the example pack, so this is a
// small hand-rolled net/http + bufio.Scanner reader, the idiomatic minimal
// choice given the corpus offers no ecosystem alternative to prefer.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// ErrTransport is returned (wrapped) when the HTTP request itself fails or
// the endpoint answers with a non-2xx status.
var ErrTransport = errors.New("llmclient: transport error")

// Message is one chat-completion message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationConfig carries the per-instrument sampling parameters from
// original_source/llm_interface.py's GenerationConfig: BASS typically runs
// tightest (lowest temperature) and SAX loosest.
type GenerationConfig struct {
	Temperature float64
	TopP        float64
	Stop        []string
}

// Request is the body of a chat-completion call.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	TopP        float64
	Stop        []string
}

type wireRequest struct {
	Model       string    `json:"model"`
	Stream      bool      `json:"stream"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Delta is one unit of streamed content, or a terminal transport error.
// The channel StreamChatCompletion returns is closed after the last Delta.
type Delta struct {
	Content string
	Err     error
}

// Client issues chat-completion requests against one OpenAI-compatible
// endpoint.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New constructs a Client. If httpClient is nil, a client with no request
// timeout of any kind is used, since streams are long-lived.
func New(baseURL, apiKey string, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 0}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey, HTTPClient: httpClient, Logger: log}
}

// StreamChatCompletion opens a streaming chat completion and returns a
// channel of content deltas. The call blocks only long enough to receive
// response headers and check the status code; everything else happens on
// a background goroutine that is torn down when ctx is cancelled (the
// caller's abort path).
func (c *Client) StreamChatCompletion(ctx context.Context, req Request) (<-chan Delta, error) {
	body := wireRequest{
		Model:       req.Model,
		Stream:      true,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llmclient: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llmclient: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, string(b))
	}

	ch := make(chan Delta)
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		go c.readSSE(ctx, resp.Body, ch)
	} else {
		go c.readNonStreaming(ctx, resp.Body, ch)
	}
	return ch, nil
}

type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// readSSE scans frames separated by blank lines; each "data: ..." line
// carries one JSON chunk. Non-JSON payloads are logged and skipped, per
// spec section 4.7 step 2; the terminal "data: [DONE]" frame ends the
// stream cleanly.
func (c *Client) readSSE(ctx context.Context, body io.ReadCloser, ch chan Delta) {
	defer close(ch)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return
		}
		var chunk sseChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.Logger.Warn("llmclient: skipping non-JSON SSE frame", "err", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		content := chunk.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		select {
		case ch <- Delta{Content: content}:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		select {
		case ch <- Delta{Err: fmt.Errorf("%w: %v", ErrTransport, err)}:
		case <-ctx.Done():
		}
	}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// readNonStreaming accepts the non-streaming response shape spec section 6
// requires every client to fall back to: {choices: [{message: {content}}]}.
func (c *Client) readNonStreaming(ctx context.Context, body io.ReadCloser, ch chan Delta) {
	defer close(ch)
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		select {
		case ch <- Delta{Err: fmt.Errorf("%w: %v", ErrTransport, err)}:
		case <-ctx.Done():
		}
		return
	}
	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		select {
		case ch <- Delta{Err: fmt.Errorf("%w: decoding non-streaming response: %v", ErrTransport, err)}:
		case <-ctx.Done():
		}
		return
	}
	if len(resp.Choices) == 0 {
		return
	}
	select {
	case ch <- Delta{Content: resp.Choices[0].Message.Content}:
	case <-ctx.Done():
	}
}
