// Package remote defines the client contract for the upstream chat service:
// chat metadata, backward-paginated message pages, and a push-event stream.
//
// The transport assumes an already-authenticated endpoint. Token refresh and
// the auth handshake happen outside this process.
package remote

import (
	"context"
	"time"
)

// Metadata is the cheap per-chat header used for the pre-fetch check.
type Metadata struct {
	SourceID        int64
	NewestMessageID int64 // 0 means the chat is empty
	Title           string
}

// Message is one remote message as delivered by the service.
type Message struct {
	ID        int64
	ChatID    int64
	Timestamp time.Time
	SenderID  int64
	Text      string
	MediaRefs []string
}

// EventKind classifies push notifications from the service.
type EventKind int

const (
	// EventNewestChanged signals that a chat's newest message id moved.
	EventNewestChanged EventKind = iota
	// EventNewMessage carries a single freshly delivered message.
	EventNewMessage
	// EventMetadata signals a chat metadata change (title, membership).
	EventMetadata
)

// Event is one push notification.
type Event struct {
	Kind            EventKind
	SourceID        int64
	NewestMessageID int64
}

// Client is the remote chat service seam. Implementations must be safe for
// concurrent use; MessagePage with beforeID 0 returns the newest page.
type Client interface {
	// ChatMetadata fetches the chat header, including the newest message id.
	ChatMetadata(ctx context.Context, sourceID int64) (Metadata, error)

	// MessagePage fetches up to pageSize messages with id < beforeID,
	// newest first. beforeID 0 means "from the newest".
	MessagePage(ctx context.Context, sourceID, beforeID int64, pageSize int) ([]Message, error)

	// Events returns the push-event stream. The channel is closed when the
	// client shuts down.
	Events() <-chan Event
}
