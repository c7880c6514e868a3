package summarize

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/abelbrown/digest/internal/cache"
	"github.com/abelbrown/digest/internal/logging"
	"github.com/abelbrown/digest/internal/store"
)

// chunkCache is the slice of the cache manager the service needs.
type chunkCache interface {
	GetCachedSummary(sourceID int64, bucketKey, modelVersion, promptVersion, lang string) (*store.Summary, error)
	SaveSummary(sum store.Summary, members []store.Message) error
}

// memberReader loads a chunk's member messages.
type memberReader interface {
	GetChunkMessages(sourceID int64, bucketKey string) ([]store.Message, error)
}

// Params pin the summary generation identity. Two summaries with different
// params never substitute for each other.
type Params struct {
	ModelVersion  string
	PromptVersion string
	Locale        string
	MaxTokens     int
}

// Service answers "summary for this chunk" cache-first.
type Service struct {
	cache      chunkCache
	members    memberReader
	summarizer Summarizer
	params     Params
}

// NewService creates a Service around a summarizer.
func NewService(c chunkCache, members memberReader, s Summarizer, params Params) *Service {
	return &Service{cache: c, members: members, summarizer: s, params: params}
}

// SummarizeChunk returns the summary for one chunk, generating and caching
// it on a miss. chunkHash must be the chunk's current content hash; it
// becomes the freshness witness stored with the summary.
func (s *Service) SummarizeChunk(ctx context.Context, sourceID int64, bucketKey, chunkHash string) (*store.Summary, error) {
	cached, err := s.cache.GetCachedSummary(sourceID, bucketKey, s.params.ModelVersion, s.params.PromptVersion, s.params.Locale)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	if s.summarizer == nil || !s.summarizer.Available() {
		return nil, fmt.Errorf("no summarizer available")
	}

	members, err := s.members.GetChunkMessages(sourceID, bucketKey)
	if err != nil {
		return nil, err
	}
	live := make([]store.Message, 0, len(members))
	for _, m := range members {
		if !m.Deleted {
			live = append(live, m)
		}
	}
	if len(live) == 0 {
		return nil, nil // nothing to summarize
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Timestamp.Before(live[j].Timestamp) })

	result, err := s.summarizer.Summarize(ctx, Request{
		SourceID:      sourceID,
		BucketKey:     bucketKey,
		Messages:      live,
		ModelVersion:  s.params.ModelVersion,
		PromptVersion: s.params.PromptVersion,
		Locale:        s.params.Locale,
		MaxTokens:     s.params.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("summarize %d/%s: %w", sourceID, bucketKey, err)
	}

	sum := store.Summary{
		Key:              cache.SummaryKey(sourceID, bucketKey, s.params.ModelVersion, s.params.PromptVersion, s.params.Locale),
		SourceID:         sourceID,
		BucketKey:        bucketKey,
		ModelVersion:     s.params.ModelVersion,
		PromptVersion:    s.params.PromptVersion,
		Lang:             s.params.Locale,
		Text:             result.Summary,
		Bullets:          result.Bullets,
		Links:            result.Links,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		ChunkHash:        chunkHash,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.cache.SaveSummary(sum, live); err != nil {
		return nil, err
	}
	logging.Info("summarized chunk", "source", sourceID, "bucket", bucketKey,
		"provider", s.summarizer.Name(), "tokens", result.CompletionTokens)
	return &sum, nil
}
