package rag

import (
	"errors"
	"fmt"
)

// Kind classifies failures at component boundaries so the router can
// decide between retry, fallback, and surfacing.
type Kind string

const (
	KindEmbeddingUnavailable Kind = "EMBEDDING_UNAVAILABLE"
	KindRerankUnavailable    Kind = "RERANK_UNAVAILABLE"
	KindIndexUnavailable     Kind = "INDEX_UNAVAILABLE"
	KindLLMUnavailable       Kind = "LLM_UNAVAILABLE"
	KindLLMRateLimited       Kind = "LLM_RATE_LIMITED"
	KindUpstreamUnavailable  Kind = "UPSTREAM_UNAVAILABLE"
	KindStrategyFailed       Kind = "STRATEGY_FAILED"
	KindNoEvidence           Kind = "NO_EVIDENCE"
	KindDeadlineExceeded     Kind = "DEADLINE_EXCEEDED"
	KindQueryIDNotFound      Kind = "QUERY_ID_NOT_FOUND"
	KindInvalidInput         Kind = "INVALID_INPUT"
)

// Error carries a kind plus the operation that failed. User-visible
// messages stay short; the wrapped cause goes to structured logs only.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a typed error.
func E(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from an error chain, or "" if untyped.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool { return KindOf(err) == k }
