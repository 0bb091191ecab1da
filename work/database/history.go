package database

import (
	"context"
	"fmt"
	"time"
)

// Download outcomes stored in downloads.status.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// SessionRecord is one registered playback session.
type SessionRecord struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	PlaylistURL  string    `json:"playlistUrl"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// DownloadRecord is one finished download.
type DownloadRecord struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	OutputPath   string    `json:"outputPath"`
	VideoChannel int       `json:"videoChannel"`
	AudioChannel int       `json:"audioChannel"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// RecordSession stores a session. Recording the same id twice keeps the
// first row.
func (db *DB) RecordSession(ctx context.Context, s SessionRecord) error {
	if s.RegisteredAt.IsZero() {
		s.RegisteredAt = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, playlist_url, registered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, s.ID, s.Title, s.PlaylistURL, s.RegisteredAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// RecordDownload stores d and sets its ID.
func (db *DB) RecordDownload(ctx context.Context, d *DownloadRecord) error {
	if d.FinishedAt.IsZero() {
		d.FinishedAt = time.Now()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO downloads (title, output_path, video_channel, audio_channel, status, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.Title, d.OutputPath, d.VideoChannel, d.AudioChannel, d.Status, d.Error, d.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	if d.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read download id: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (db *DB) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, title, playlist_url, registered_at
		FROM sessions
		ORDER BY registered_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var s SessionRecord
		var registered int64
		if err := rows.Scan(&s.ID, &s.Title, &s.PlaylistURL, &registered); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.RegisteredAt = time.UnixMilli(registered)
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecentDownloads returns up to limit downloads, newest first.
func (db *DB) RecentDownloads(ctx context.Context, limit int) ([]DownloadRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, title, output_path, video_channel, audio_channel, status, error, finished_at
		FROM downloads
		ORDER BY finished_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var out []DownloadRecord
	for rows.Next() {
		var d DownloadRecord
		var finished int64
		if err := rows.Scan(&d.ID, &d.Title, &d.OutputPath, &d.VideoChannel, &d.AudioChannel, &d.Status, &d.Error, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		d.FinishedAt = time.UnixMilli(finished)
		out = append(out, d)
	}
	return out, rows.Err()
}
