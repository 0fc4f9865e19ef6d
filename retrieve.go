package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// articleSource fetches raw upstream content for one site and turns it
// into an Article.
type articleSource interface {
	fetch(ctx context.Context, id, fullURL string) ([]byte, error)
	normalize(raw []byte, id, fullURL string) (*Article, error)
}

// retriever is the cache-first lookup shared by the CLI and the server.
type retriever struct {
	store   articleStore
	sources map[Source]articleSource
	logger  *slog.Logger
}

func newRetriever(store articleStore, sources map[Source]articleSource, logger *slog.Logger) *retriever {
	return &retriever{store: store, sources: sources, logger: logger}
}

// retrieve returns the cached article or fetches, normalizes and caches it.
// A nil article with a nil error means the article could not be obtained;
// the cause is logged. Only cache failures and unknown sources are errors.
func (r *retriever) retrieve(ctx context.Context, src Source, id, fullURL string) (*Article, error) {
	a, err := r.retrieveDetailed(ctx, src, id, fullURL)
	if err == nil {
		return a, nil
	}
	if errors.Is(err, ErrPersistence) || errors.Is(err, ErrUnsupportedSource) {
		return nil, err
	}
	return nil, nil
}

// retrieveDetailed is retrieve with every failure returned as a
// *retrievalError.
func (r *retriever) retrieveDetailed(ctx context.Context, src Source, id, fullURL string) (*Article, error) {
	source, ok := r.sources[src]
	if !ok {
		return nil, r.fail(ctx, kindUnsupported, src, id, fmt.Errorf("%w: %q", ErrUnsupportedSource, src))
	}

	cached, err := r.store.lookup(ctx, id)
	if err != nil {
		return nil, r.fail(ctx, kindPersistence, src, id, err)
	}
	if cached != nil {
		r.logger.Debug("cache hit", "source", src, "article_id", id)
		return cached, nil
	}

	start := time.Now()
	raw, err := source.fetch(ctx, id, fullURL)
	if err != nil {
		return nil, r.fail(ctx, classify(err, kindFetch), src, id, err)
	}

	a, err := source.normalize(raw, id, fullURL)
	if err != nil {
		return nil, r.fail(ctx, classify(err, kindNormalize), src, id, err)
	}

	if err := r.store.upsert(ctx, a); err != nil {
		return nil, r.fail(ctx, kindPersistence, src, id, err)
	}

	r.logger.Info("article retrieved",
		"source", src,
		"article_id", id,
		"title", a.Title,
		"elapsed_ms", time.Since(start).Milliseconds())
	return a, nil
}

// resolve extracts source and id from a pasted article URL and retrieves it.
func (r *retriever) resolve(ctx context.Context, rawURL string) (*Article, error) {
	src, id, err := resolveArticleURL(rawURL)
	if err != nil {
		return nil, err
	}
	return r.retrieveDetailed(ctx, src, id, rawURL)
}

func (r *retriever) fail(ctx context.Context, kind failureKind, src Source, id string, err error) error {
	level := slog.LevelWarn
	if kind == kindPersistence {
		level = slog.LevelError
	}
	r.logger.Log(ctx, level, "article retrieval failed",
		"kind", string(kind),
		"source", src,
		"article_id", id,
		"error", err)
	return &retrievalError{Kind: kind, Source: src, ID: id, Err: err}
}
