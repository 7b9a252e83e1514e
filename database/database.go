package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"noos/audio"
)

var ErrPackNotFound = errors.New("sample pack not found")

// timestampLayout is fixed width so stored timestamps sort as strings.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Database struct {
	db *sql.DB
}

type Pack struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Author string `json:"author"`
}

type PackSummary struct {
	Pack
	TrackCount int `json:"trackCount"`
}

type PreviewRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	PackID    string    `json:"packId"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	PlayedAt  time.Time `json:"playedAt"`
}

type MostPreviewedRecord struct {
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	PreviewCount  int       `json:"previewCount"`
	LastPreviewed time.Time `json:"lastPreviewed"`
}

// New opens (and creates if needed) the sqlite database at dbPath.
func New(dbPath string) (*Database, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	d := &Database{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Infof("Database initialized at %s", dbPath)
	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sample_packs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tracks (
			pack_id TEXT NOT NULL REFERENCES sample_packs(id) ON DELETE CASCADE,
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			duration_seconds REAL NOT NULL DEFAULT 0,
			sort_order INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (pack_id, url)
		)`,
		`DROP INDEX IF EXISTS idx_tracks_order`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tracks_pack_order ON tracks(pack_id, sort_order)`,
		`CREATE TABLE IF NOT EXISTS preview_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			pack_id TEXT NOT NULL,
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			played_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_preview_history_pack ON preview_history(pack_id, url)`,
		`CREATE INDEX IF NOT EXISTS idx_preview_history_session ON preview_history(session_id, played_at DESC)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	return nil
}

// UpsertPack creates the pack or updates its name and author.
func (d *Database) UpsertPack(pack Pack) error {
	if pack.ID == "" {
		return errors.New("pack id is required")
	}
	_, err := d.db.Exec(
		`INSERT INTO sample_packs (id, name, author) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, author = excluded.author`,
		pack.ID, pack.Name, pack.Author,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pack %s: %w", pack.ID, err)
	}
	return nil
}

// AddTrack inserts a track into a pack, updating one with the same url. Two
// tracks of a pack cannot share an order.
func (d *Database) AddTrack(packID string, track audio.Track) error {
	if track.URL == "" {
		return errors.New("track url is required")
	}
	_, err := d.db.Exec(
		`INSERT INTO tracks (pack_id, url, title, duration_seconds, sort_order) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(pack_id, url) DO UPDATE SET
			title = excluded.title,
			duration_seconds = excluded.duration_seconds,
			sort_order = excluded.sort_order`,
		packID, track.URL, track.Title, track.DurationSeconds, track.Order,
	)
	if err != nil {
		return fmt.Errorf("failed to add track %s to %s: %w", track.URL, packID, err)
	}
	return nil
}

// ListPacks returns every pack with its track count, by name.
func (d *Database) ListPacks() ([]PackSummary, error) {
	rows, err := d.db.Query(
		`SELECT p.id, p.name, p.author, COUNT(t.url)
		 FROM sample_packs p
		 LEFT JOIN tracks t ON t.pack_id = p.id
		 GROUP BY p.id
		 ORDER BY p.name, p.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query packs: %w", err)
	}
	defer rows.Close()

	packs := []PackSummary{}
	for rows.Next() {
		var p PackSummary
		if err := rows.Scan(&p.ID, &p.Name, &p.Author, &p.TrackCount); err != nil {
			return nil, fmt.Errorf("failed to scan pack row: %w", err)
		}
		packs = append(packs, p)
	}
	return packs, rows.Err()
}

func (d *Database) GetPack(packID string) (*Pack, error) {
	var p Pack
	err := d.db.QueryRow(
		`SELECT id, name, author FROM sample_packs WHERE id = ?`, packID,
	).Scan(&p.ID, &p.Name, &p.Author)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPackNotFound, packID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pack %s: %w", packID, err)
	}
	return &p, nil
}

// GetCatalog loads a pack as a playable catalog, tracks in play order.
func (d *Database) GetCatalog(packID string) (audio.Catalog, error) {
	if _, err := d.GetPack(packID); err != nil {
		return audio.Catalog{}, err
	}

	rows, err := d.db.Query(
		`SELECT url, title, duration_seconds, sort_order
		 FROM tracks
		 WHERE pack_id = ?
		 ORDER BY sort_order, url`,
		packID,
	)
	if err != nil {
		return audio.Catalog{}, fmt.Errorf("failed to query tracks: %w", err)
	}
	defer rows.Close()

	catalog := audio.Catalog{ParentID: packID, Tracks: []audio.Track{}}
	for rows.Next() {
		var t audio.Track
		if err := rows.Scan(&t.URL, &t.Title, &t.DurationSeconds, &t.Order); err != nil {
			return audio.Catalog{}, fmt.Errorf("failed to scan track row: %w", err)
		}
		catalog.Tracks = append(catalog.Tracks, t)
	}
	return catalog, rows.Err()
}

// RecordPreview inserts a preview that played to its end.
func (d *Database) RecordPreview(sessionID, packID, url, title string) error {
	_, err := d.db.Exec(
		`INSERT INTO preview_history (session_id, pack_id, url, title, played_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, packID, url, title, time.Now().UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to record preview: %w", err)
	}
	return nil
}

// GetHistory returns the most recent previews of a session.
func (d *Database) GetHistory(sessionID string, limit int) ([]PreviewRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := d.db.Query(
		`SELECT id, session_id, pack_id, url, title, played_at
		 FROM preview_history
		 WHERE session_id = ?
		 ORDER BY played_at DESC, id DESC
		 LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	records := []PreviewRecord{}
	for rows.Next() {
		var r PreviewRecord
		var playedAt string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.PackID, &r.URL, &r.Title, &playedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		r.PlayedAt = parseTimestamp(playedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetMostPreviewed returns the tracks of a pack that were previewed to the
// end most often.
func (d *Database) GetMostPreviewed(packID string, limit int) ([]MostPreviewedRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := d.db.Query(
		`SELECT url, title, COUNT(*) as preview_count, MAX(played_at) as last_previewed
		 FROM preview_history
		 WHERE pack_id = ?
		 GROUP BY url
		 ORDER BY preview_count DESC, last_previewed DESC
		 LIMIT ?`,
		packID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query most previewed: %w", err)
	}
	defer rows.Close()

	records := []MostPreviewedRecord{}
	for rows.Next() {
		var r MostPreviewedRecord
		var lastPreviewed string
		if err := rows.Scan(&r.URL, &r.Title, &r.PreviewCount, &lastPreviewed); err != nil {
			return nil, fmt.Errorf("failed to scan most previewed row: %w", err)
		}
		r.LastPreviewed = parseTimestamp(lastPreviewed)
		records = append(records, r)
	}
	return records, rows.Err()
}

// parseTimestamp accepts what we write as well as SQLite's own
// CURRENT_TIMESTAMP format.
func parseTimestamp(value string) time.Time {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	}
	for _, layout := range formats {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	log.Warnf("failed to parse timestamp '%s' with all known formats", value)
	return time.Now() // Fall back to now rather than year 1
}
