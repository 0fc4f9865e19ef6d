package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS articles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT,
    article_id TEXT UNIQUE,
    title TEXT,
    lead TEXT,
    text_content TEXT,
    meta_image_url TEXT,
    full_url TEXT,
    timestamp DATETIME
)`

// sqliteStore keeps articles in the single articles table.
type sqliteStore struct {
	db     *sql.DB
	clock  storeClock
	logger *slog.Logger
}

func openSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*sqliteStore, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("%w: creating cache directory: %w", ErrPersistence, err)
			}
		}
		// WAL plus a busy timeout lets concurrent writers queue inside SQLite.
		dsn = "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrPersistence, path, err)
	}
	// SQLite only supports one writer at a time; an in-memory database
	// also only exists on a single connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating schema: %w", ErrPersistence, err)
	}

	logger.Info("article cache opened", "backend", "sqlite", "path", path)
	return &sqliteStore{db: db, logger: logger}, nil
}

func (s *sqliteStore) lookup(ctx context.Context, id string) (*Article, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source, article_id, title, lead, text_content, meta_image_url, full_url, timestamp
		FROM articles WHERE article_id = ?`, id)

	var (
		a         Article
		source    string
		image     sql.NullString
		timestamp sql.NullTime
	)
	err := row.Scan(&source, &a.ID, &a.Title, &a.Lead, &a.TextContent, &image, &a.FullURL, &timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %w", ErrPersistence, id, err)
	}

	a.Source = Source(source)
	if image.Valid {
		a.MetaImageURL = &image.String
	}
	if timestamp.Valid {
		a.Timestamp = timestamp.Time
	}
	return &a, nil
}

func (s *sqliteStore) upsert(ctx context.Context, a *Article) error {
	a.Timestamp = s.clock.now()

	var image sql.NullString
	if a.MetaImageURL != nil {
		image = sql.NullString{String: *a.MetaImageURL, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO articles
		(source, article_id, title, lead, text_content, meta_image_url, full_url, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.Source), a.ID, a.Title, a.Lead, a.TextContent, image, a.FullURL, a.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %w", ErrPersistence, a.ID, err)
	}
	s.logger.Debug("article cached", "backend", "sqlite", "source", a.Source, "article_id", a.ID)
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
