package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Message is a chat message in the Ollama API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OllamaClient talks to an Ollama server over HTTP.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaClient creates a client for baseURL. timeout bounds every call.
func NewOllamaClient(baseURL string, timeout time.Duration) *OllamaClient {
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// IsRunning reports whether GET /api/tags answers 200.
func (c *OllamaClient) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatResponse struct {
	Message Message `json:"message"`
}

// Chat sends messages to model and returns the assistant content.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	var result chatResponse
	if err := c.post(ctx, "/api/chat", chatRequest{Model: model, Messages: messages}, &result); err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	return result.Message.Content, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the embedding of text under model.
func (c *OllamaClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	var result embedResponse
	if err := c.post(ctx, "/api/embed", embedRequest{Model: model, Input: text}, &result); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		return nil, errors.New("embed: empty embeddings array")
	}
	return result.Embeddings[0], nil
}

// post encodes in, posts it and decodes the answer into out. Transport
// failures, 429 and 5xx are reported as ErrUnavailable.
func (c *OllamaClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Unavailable("request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Unavailable(fmt.Sprintf("status %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// OllamaEmbedder adapts OllamaClient to EmbeddingProvider.
type OllamaEmbedder struct {
	client *OllamaClient
	model  string
}

// NewOllamaEmbedder embeds with model.
func NewOllamaEmbedder(client *OllamaClient, model string) *OllamaEmbedder {
	return &OllamaEmbedder{client: client, model: model}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.client.Embed(ctx, e.model, text)
}

// OllamaCompleter adapts OllamaClient to CompletionProvider.
type OllamaCompleter struct {
	client *OllamaClient
	model  string
	system string
}

// NewOllamaCompleter completes with model under the given system prompt.
func NewOllamaCompleter(client *OllamaClient, model, system string) *OllamaCompleter {
	if system == "" {
		system = DefaultSystemPrompt
	}
	return &OllamaCompleter{client: client, model: model, system: system}
}

// DefaultSystemPrompt frames the completion as a tour-booking assistant.
const DefaultSystemPrompt = "You are Aurora, the assistant of a tour-booking company. " +
	"Answer briefly and only with facts from the reference material. " +
	"If the material does not answer the question, say a colleague will follow up."

func (c *OllamaCompleter) Complete(ctx context.Context, prompt string, grounding []string) (string, error) {
	var sb strings.Builder
	if len(grounding) > 0 {
		sb.WriteString("Reference material:\n")
		for i, g := range grounding {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, g)
		}
		sb.WriteString("\n")
	}
	sb.WriteString(prompt)

	out, err := c.client.Chat(ctx, c.model, []Message{
		{Role: "system", Content: c.system},
		{Role: "user", Content: sb.String()},
	})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", Unavailable("chat", errors.New("empty completion"))
	}
	return out, nil
}
