package news

import (
	"errors"
	"unicode/utf8"
)

var (
	// ErrNotFound is returned when a queue item, blob or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidURL is returned for URLs that cannot be normalized.
	ErrInvalidURL = errors.New("invalid url")
	// ErrBadStatus is returned when a fetch completes with a non-200 status.
	ErrBadStatus = errors.New("unexpected http status")
	// ErrEmptyTitle marks content that yields no article title.
	ErrEmptyTitle = errors.New("empty title after parsing")
	// ErrQueueClosed is returned by queues and buses used after Close.
	ErrQueueClosed = errors.New("queue closed")
	// ErrLeaseLost is returned when an item is no longer processing under the
	// caller's lease (reclaimed, rejected downstream, or settled already).
	ErrLeaseLost = errors.New("lease lost")
	// ErrEmbeddingUnavailable means no vector could be produced for a text.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
)

// MaxErrorLength bounds lastError as stored in the queue.
const MaxErrorLength = 2000

// TruncateError shortens s to MaxErrorLength bytes without splitting a rune.
func TruncateError(s string) string {
	if len(s) <= MaxErrorLength {
		return s
	}
	cut := MaxErrorLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
