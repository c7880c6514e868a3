package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/abelbrown/digest/internal/logging"
)

// HTTPClient talks to the chat service over its JSON HTTP API.
type HTTPClient struct {
	base   string
	token  string
	client *http.Client
	events chan Event
}

// NewHTTPClient creates a client for the given base URL.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		base:  baseURL,
		token: token,
		client: &http.Client{
			Timeout: timeout,
		},
		events: make(chan Event, 64),
	}
}

type chatMetaJSON struct {
	ID              int64  `json:"id"`
	NewestMessageID int64  `json:"newest_message_id"`
	Title           string `json:"title"`
}

type messageJSON struct {
	ID       int64    `json:"id"`
	ChatID   int64    `json:"chat_id"`
	TS       int64    `json:"ts"` // unix seconds
	SenderID int64    `json:"sender_id"`
	Text     string   `json:"text"`
	Media    []string `json:"media,omitempty"`
}

type eventJSON struct {
	Kind            string `json:"kind"`
	ChatID          int64  `json:"chat_id"`
	NewestMessageID int64  `json:"newest_message_id"`
}

// ChatMetadata fetches the chat header.
func (c *HTTPClient) ChatMetadata(ctx context.Context, sourceID int64) (Metadata, error) {
	var meta chatMetaJSON
	path := fmt.Sprintf("/chats/%d", sourceID)
	if err := c.getJSON(ctx, path, nil, &meta); err != nil {
		return Metadata{}, fmt.Errorf("chat metadata %d: %w", sourceID, err)
	}
	return Metadata{SourceID: meta.ID, NewestMessageID: meta.NewestMessageID, Title: meta.Title}, nil
}

// MessagePage fetches one page of messages with id < beforeID, newest first.
func (c *HTTPClient) MessagePage(ctx context.Context, sourceID, beforeID int64, pageSize int) ([]Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize))
	if beforeID > 0 {
		q.Set("before_id", strconv.FormatInt(beforeID, 10))
	}

	var raw []messageJSON
	path := fmt.Sprintf("/chats/%d/messages", sourceID)
	if err := c.getJSON(ctx, path, q, &raw); err != nil {
		return nil, fmt.Errorf("message page %d before %d: %w", sourceID, beforeID, err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, m := range raw {
		msgs = append(msgs, Message{
			ID:        m.ID,
			ChatID:    m.ChatID,
			Timestamp: time.Unix(m.TS, 0).UTC(),
			SenderID:  m.SenderID,
			Text:      m.Text,
			MediaRefs: m.Media,
		})
	}
	return msgs, nil
}

// Events returns the push-event stream. Start must be running for events to
// flow.
func (c *HTTPClient) Events() <-chan Event {
	return c.events
}

// Start long-polls the event endpoint until ctx is cancelled, then closes the
// event channel. Poll errors are logged and retried after a short backoff.
func (c *HTTPClient) Start(ctx context.Context) {
	defer close(c.events)
	for {
		if ctx.Err() != nil {
			return
		}
		var raw []eventJSON
		q := url.Values{}
		q.Set("timeout", "25")
		if err := c.getJSON(ctx, "/events", q, &raw); err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn("event poll failed", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, e := range raw {
			ev := Event{SourceID: e.ChatID, NewestMessageID: e.NewestMessageID}
			switch e.Kind {
			case "newest_changed":
				ev.Kind = EventNewestChanged
			case "new_message":
				ev.Kind = EventNewMessage
			case "metadata":
				ev.Kind = EventMetadata
			default:
				logging.Debug("unknown event kind", "kind", e.Kind)
				continue
			}
			select {
			case c.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
