package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate signals a unique-index rejection; callers treat it as "already done".
	ErrDuplicate = errors.New("duplicate record")
	// ErrNoExtractedText signals that enrichment was asked to run on an article without text.
	ErrNoExtractedText = errors.New("raw article has no extracted text")
	// ErrFetchDisallowed signals that robots.txt forbids fetching the page.
	ErrFetchDisallowed = errors.New("fetch disallowed by robots.txt")
)

// ErrorCategory groups failures by how the orchestrator must react to them.
type ErrorCategory string

// Failure categories.
const (
	CategoryNone      ErrorCategory = ""
	CategoryTransient ErrorCategory = "transient"
	CategoryTerminal  ErrorCategory = "terminal"
	CategoryMalformed ErrorCategory = "malformed"
)

type classifiedError struct {
	category ErrorCategory
	err      error
}

func (e *classifiedError) Error() string { return e.err.Error() }

func (e *classifiedError) Unwrap() error { return e.err }

func classify(category ErrorCategory, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{category: category, err: err}
}

// Transient marks err as retryable (network, timeout, temporary model unavailability).
func Transient(err error) error { return classify(CategoryTransient, err) }

// Terminal marks err as never retryable (missing precondition, missing record).
func Terminal(err error) error { return classify(CategoryTerminal, err) }

// Malformed marks err as an unparseable external response; a fresh attempt may succeed.
func Malformed(err error) error { return classify(CategoryMalformed, err) }

// Classify returns the category attached to err. The outermost classification wins.
// Cancellation is terminal; unclassified errors are treated as transient.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryNone
	}
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.category
	}
	if errors.Is(err, context.Canceled) {
		return CategoryTerminal
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoExtractedText) || errors.Is(err, ErrFetchDisallowed) {
		return CategoryTerminal
	}
	return CategoryTransient
}

// StatusError reports a page or feed fetch that completed with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// Retryable reports whether the status signals a temporary condition on the remote side.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooEarly,
		e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}
