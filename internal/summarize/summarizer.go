// Package summarize generates and caches chunk summaries. The model call
// itself lives behind the Summarizer interface; this package owns the
// cache-first orchestration around it.
package summarize

import (
	"context"

	"github.com/abelbrown/digest/internal/store"
)

// Request carries everything a summarizer needs for one chunk.
type Request struct {
	SourceID  int64
	BucketKey string
	Messages  []store.Message // live members, chronological

	ModelVersion  string
	PromptVersion string
	Locale        string
	MaxTokens     int
}

// Result is one generated summary.
type Result struct {
	Summary string
	Bullets []string
	Links   []string

	PromptTokens     int
	CompletionTokens int
}

// Summarizer produces summaries of message chunks.
type Summarizer interface {
	// Name returns a short identifier for logging.
	Name() string

	// Available reports whether the summarizer can serve requests
	// (configured, reachable).
	Available() bool

	// Summarize generates a summary for one chunk.
	Summarize(ctx context.Context, req Request) (Result, error)
}
