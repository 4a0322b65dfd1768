package mobilesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Photo upload states. Photos ride a separate track from mutations: they are
// large, independent of visit ordering, and retry on their own.
const (
	PhotoPending   = "PENDING"
	PhotoUploading = "UPLOADING"
	PhotoUploaded  = "UPLOADED"
	PhotoFailed    = "FAILED"
)

// maxPhotoBytes caps photos at capture time so a single oversized file cannot
// wedge the upload track.
const maxPhotoBytes = 10 << 20

// ErrPhotoTooLarge reports a photo file over the size cap.
var ErrPhotoTooLarge = errors.New("photo exceeds size cap")

// Photo is one captured image awaiting upload.
type Photo struct {
	ID         string
	VisitID    string
	FilePath   string
	Status     string
	RetryCount int
	LastError  string
	CreatedAt  time.Time
}

func (q *Queue) initPhotos() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS _sync_photos (
			id          TEXT NOT NULL,
			visit_id    TEXT NOT NULL,
			file_path   TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'PENDING',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (id)
		)`)
	if err != nil {
		return fmt.Errorf("create photo schema: %w", err)
	}
	// An UPLOADING row after restart means the app died mid-upload.
	_, err = q.db.Exec(`UPDATE _sync_photos SET status = 'PENDING' WHERE status = 'UPLOADING'`)
	if err != nil {
		return fmt.Errorf("reset interrupted uploads: %w", err)
	}
	return nil
}

// AddPhoto registers a captured photo for upload. Files over the size cap are
// rejected with ErrPhotoTooLarge before they enter the queue.
func (q *Queue) AddPhoto(ctx context.Context, photoID, visitID, filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("stat photo file: %w", err)
	}
	if info.Size() > q.photoCap {
		return fmt.Errorf("%w: %d bytes", ErrPhotoTooLarge, info.Size())
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO _sync_photos (id, visit_id, file_path, created_at)
		VALUES (?, ?, ?, ?)`,
		photoID, visitID, filePath, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("add photo: %w", err)
	}
	return nil
}

// PendingPhotos lists photos awaiting upload, oldest first.
func (q *Queue) PendingPhotos(ctx context.Context, limit int) ([]Photo, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, visit_id, file_path, status, retry_count, last_error, created_at
		FROM _sync_photos
		WHERE status = 'PENDING'
		ORDER BY created_at
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending photos: %w", err)
	}
	defer rows.Close()

	var out []Photo
	for rows.Next() {
		var p Photo
		var createdAt string
		if err := rows.Scan(&p.ID, &p.VisitID, &p.FilePath, &p.Status,
			&p.RetryCount, &p.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("scan photo: %w", err)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q *Queue) setPhotoStatus(ctx context.Context, photoID, status, cause string, bumpRetry bool) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	bump := 0
	if bumpRetry {
		bump = 1
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE _sync_photos SET status = ?, last_error = ?, retry_count = retry_count + ?
		WHERE id = ?`, status, cause, bump, photoID)
	if err != nil {
		return fmt.Errorf("update photo status: %w", err)
	}
	return nil
}

// PhotoUploader pushes pending photos to the server, one at a time.
type PhotoUploader struct {
	queue     *Queue
	transport *Transport
}

func NewPhotoUploader(queue *Queue, transport *Transport) *PhotoUploader {
	return &PhotoUploader{queue: queue, transport: transport}
}

// UploadOnce attempts every pending photo once. Failures mark the photo
// FAILED after three retries; before that it returns to PENDING.
func (u *PhotoUploader) UploadOnce(ctx context.Context) (int, error) {
	photos, err := u.queue.PendingPhotos(ctx, 10)
	if err != nil {
		return 0, err
	}
	uploaded := 0
	for _, p := range photos {
		if err := u.queue.setPhotoStatus(ctx, p.ID, PhotoUploading, "", false); err != nil {
			return uploaded, err
		}
		if err := u.upload(ctx, p); err != nil {
			status := PhotoPending
			if p.RetryCount+1 >= 3 {
				status = PhotoFailed
			}
			if err := u.queue.setPhotoStatus(ctx, p.ID, status, err.Error(), true); err != nil {
				return uploaded, err
			}
			continue
		}
		if err := u.queue.setPhotoStatus(ctx, p.ID, PhotoUploaded, "", false); err != nil {
			return uploaded, err
		}
		uploaded++
	}
	return uploaded, nil
}

func (u *PhotoUploader) upload(ctx context.Context, p Photo) error {
	f, err := os.Open(p.FilePath)
	if err != nil {
		return fmt.Errorf("open photo file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("photo", filepath.Base(p.FilePath))
	if err != nil {
		return fmt.Errorf("build multipart: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read photo file: %w", err)
	}
	if err := mw.WriteField("photo_id", p.ID); err != nil {
		return fmt.Errorf("build multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finish multipart: %w", err)
	}

	token, err := u.transport.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtain token: %w", err)
	}
	url := u.transport.BaseURL + "/visits/" + p.VisitID + "/photos"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := u.transport.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("post photo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}
