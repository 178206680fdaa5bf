package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Arashiailing/CQLLM/internal/logging"
	"github.com/Arashiailing/CQLLM/internal/qlsource"
	"github.com/Arashiailing/CQLLM/internal/usage"
)

// RAGFlowConfig configures a RAGFlow chat assistant client.
type RAGFlowConfig struct {
	APIKey    string
	BaseURL   string
	Assistant string // chat assistant name
	Timeout   time.Duration

	// SessionName labels the sessions this client opens.
	SessionName string
}

// RAGFlowClient implements LLMClient against a RAGFlow chat assistant.
// The assistant owns the knowledge base and the model; each completion
// runs in a fresh session so earlier answers never leak into later ones.
type RAGFlowClient struct {
	cfg        RAGFlowConfig
	httpClient *http.Client

	mu     sync.Mutex
	chatID string
}

// NewRAGFlowClient creates a RAGFlow client. The assistant is resolved
// lazily on first use.
func NewRAGFlowClient(cfg RAGFlowConfig) *RAGFlowClient {
	cfg.BaseURL = trimBaseURL(cfg.BaseURL)
	if cfg.SessionName == "" {
		cfg.SessionName = "cqllm"
	}
	return &RAGFlowClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type ragflowEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Complete sends a prompt and returns the assistant's answer.
func (c *RAGFlowClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem prefixes the system prompt to the question. The
// assistant's own configured prompt still applies.
func (c *RAGFlowClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", fmt.Errorf("ragflow: %w", ErrNoAPIKey)
	}
	question := userPrompt
	if strings.TrimSpace(systemPrompt) != "" {
		question = systemPrompt + "\n\n" + userPrompt
	}

	chatID, err := c.resolveChat(ctx)
	if err != nil {
		return "", err
	}
	sessionID, err := c.createSession(ctx, chatID)
	if err != nil {
		return "", err
	}

	start := time.Now()
	var answer struct {
		Answer    string `json:"answer"`
		SessionID string `json:"session_id"`
	}
	err = c.call(ctx, http.MethodPost, "/api/v1/chats/"+chatID+"/completions", map[string]any{
		"question":   question,
		"stream":     false,
		"session_id": sessionID,
	}, &answer)
	if err != nil {
		logging.APIError("[ragflow] completion failed: %v", err)
		return "", err
	}

	text := strings.TrimSpace(qlsource.StripThink(answer.Answer))
	if text == "" {
		return "", ErrEmptyResponse
	}
	if tracker := usage.FromContext(ctx); tracker != nil {
		// RAGFlow does not report token counts; count the call.
		tracker.Track(ctx, c.cfg.Assistant, string(ProviderRAGFlow), 0, 0, "rag")
	}
	logging.API("[ragflow] completion: assistant=%s duration=%v len=%d", c.cfg.Assistant, time.Since(start), len(text))
	return text, nil
}

func (c *RAGFlowClient) resolveChat(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chatID != "" {
		return c.chatID, nil
	}

	var chats []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	path := "/api/v1/chats?name=" + url.QueryEscape(c.cfg.Assistant)
	if err := c.call(ctx, http.MethodGet, path, nil, &chats); err != nil {
		return "", err
	}
	for _, chat := range chats {
		if chat.Name == c.cfg.Assistant {
			c.chatID = chat.ID
			logging.APIDebug("[ragflow] resolved assistant %q to %s", c.cfg.Assistant, chat.ID)
			return c.chatID, nil
		}
	}
	return "", fmt.Errorf("ragflow: chat assistant %q not found", c.cfg.Assistant)
}

func (c *RAGFlowClient) createSession(ctx context.Context, chatID string) (string, error) {
	var session struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/chats/"+chatID+"/sessions",
		map[string]string{"name": c.cfg.SessionName}, &session); err != nil {
		return "", err
	}
	if session.ID == "" {
		return "", fmt.Errorf("ragflow: session created without id")
	}
	return session.ID, nil
}

func (c *RAGFlowClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ragflow request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ragflow %s %s failed with status %d: %s", method, path, resp.StatusCode, string(data))
	}

	var env ragflowEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if env.Code != 0 {
		return fmt.Errorf("ragflow error %d: %s", env.Code, env.Message)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}
