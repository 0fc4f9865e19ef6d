// Canonical article record and the failure taxonomy shared by the
// fetchers, normalizers, stores and the retrieval orchestrator.
package main

import (
	"errors"
	"fmt"
	"time"
)

// Source identifies which news site an article came from.
type Source string

const (
	sourceDelfi Source = "delfi"
	sourceTvnet Source = "tvnet"
)

// parseSource maps a route or config value to a Source.
func parseSource(s string) (Source, error) {
	switch Source(s) {
	case sourceDelfi, sourceTvnet:
		return Source(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedSource, s)
}

// displayName is the human-readable site name used in bylines and tables of contents.
func (s Source) displayName() string {
	switch s {
	case sourceDelfi:
		return "Delfi"
	case sourceTvnet:
		return "TVNET"
	}
	return string(s)
}

// Article is a normalized news story ready for display.
type Article struct {
	Source       Source    `json:"source"`
	ID           string    `json:"article_id"`
	Title        string    `json:"title"`
	Lead         string    `json:"lead"`
	TextContent  string    `json:"text_content"` // normalized HTML body
	MetaImageURL *string   `json:"meta_image_url"`
	FullURL      string    `json:"full_url"`
	Timestamp    time.Time `json:"timestamp"` // set when the record is written to the cache
}

// imageURL returns the meta image URL or "" when the article has none.
func (a *Article) imageURL() string {
	if a.MetaImageURL == nil {
		return ""
	}
	return *a.MetaImageURL
}

var (
	ErrIdentifier        = errors.New("no article identifier in URL")
	ErrUnsupportedSource = errors.New("unsupported source")
	ErrURLRequired       = errors.New("article URL required to fetch")
	ErrFetch             = errors.New("fetch failed")
	ErrNormalize         = errors.New("unexpected article structure")
	ErrPersistence       = errors.New("article cache unavailable")
)

// failureKind names a retrieval failure in logs.
type failureKind string

const (
	kindIdentifier  failureKind = "identifier"
	kindUnsupported failureKind = "unsupported_source"
	kindURLRequired failureKind = "url_required"
	kindFetch       failureKind = "fetch"
	kindNormalize   failureKind = "normalize"
	kindPersistence failureKind = "persistence"
)

var kindSentinels = map[failureKind]error{
	kindIdentifier:  ErrIdentifier,
	kindUnsupported: ErrUnsupportedSource,
	kindURLRequired: ErrURLRequired,
	kindFetch:       ErrFetch,
	kindNormalize:   ErrNormalize,
	kindPersistence: ErrPersistence,
}

// retrievalError tags a failure with where it happened. It matches its kind's
// sentinel with errors.Is and unwraps to the underlying cause.
type retrievalError struct {
	Kind   failureKind
	Source Source
	ID     string
	Err    error
}

func (e *retrievalError) Error() string {
	return fmt.Sprintf("%s %s/%s: %v", e.Kind, e.Source, e.ID, e.Err)
}

func (e *retrievalError) Unwrap() error { return e.Err }

func (e *retrievalError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// kindOrder fixes the order sentinels are checked in by classify.
var kindOrder = []failureKind{
	kindPersistence, kindIdentifier, kindUnsupported, kindURLRequired, kindNormalize, kindFetch,
}

// classify returns the failure kind carried by err, or fallback when err
// matches none of the sentinels.
func classify(err error, fallback failureKind) failureKind {
	var re *retrievalError
	if errors.As(err, &re) {
		return re.Kind
	}
	for _, kind := range kindOrder {
		if errors.Is(err, kindSentinels[kind]) {
			return kind
		}
	}
	return fallback
}
