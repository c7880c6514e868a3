package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSummarizer posts chunks to a JSON summarization endpoint.
type HTTPSummarizer struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPSummarizer creates a summarizer for the given endpoint. An empty
// endpoint yields an unavailable summarizer.
func NewHTTPSummarizer(endpoint, apiKey string, timeout time.Duration) *HTTPSummarizer {
	return &HTTPSummarizer{
		endpoint: endpoint,
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (h *HTTPSummarizer) Name() string { return "http" }

func (h *HTTPSummarizer) Available() bool { return h.endpoint != "" }

type summarizeReqJSON struct {
	Model     string           `json:"model"`
	Prompt    string           `json:"prompt_version"`
	Locale    string           `json:"locale"`
	MaxTokens int              `json:"max_tokens"`
	Messages  []summaryMsgJSON `json:"messages"`
}

type summaryMsgJSON struct {
	ID     int64  `json:"id"`
	TS     int64  `json:"ts"`
	Sender int64  `json:"sender_id"`
	Text   string `json:"text"`
}

type summarizeRespJSON struct {
	Summary          string   `json:"summary"`
	Bullets          []string `json:"bullets"`
	Links            []string `json:"links"`
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
}

// Summarize posts the chunk and decodes the generated summary.
func (h *HTTPSummarizer) Summarize(ctx context.Context, req Request) (Result, error) {
	if !h.Available() {
		return Result{}, fmt.Errorf("summarizer not configured")
	}

	payload := summarizeReqJSON{
		Model:     req.ModelVersion,
		Prompt:    req.PromptVersion,
		Locale:    req.Locale,
		MaxTokens: req.MaxTokens,
	}
	for _, m := range req.Messages {
		if m.Deleted {
			continue
		}
		payload.Messages = append(payload.Messages, summaryMsgJSON{
			ID:     m.MessageID,
			TS:     m.Timestamp.Unix(),
			Sender: m.SenderID,
			Text:   m.Text,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var decoded summarizeRespJSON
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	return Result{
		Summary:          decoded.Summary,
		Bullets:          decoded.Bullets,
		Links:            decoded.Links,
		PromptTokens:     decoded.PromptTokens,
		CompletionTokens: decoded.CompletionTokens,
	}, nil
}
