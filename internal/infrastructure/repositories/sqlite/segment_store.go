package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"
	"rillcap/pkg/blobstore"
	"rillcap/pkg/validation"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

const segmentColumns = `session_id, local_id, remote_id, content_type, start_offset_ms, end_offset_ms,
	input_logs, blob_name, state, attempts, last_error, claim_owner, claim_expires_ms, retry_at_ms,
	created_ms, updated_ms`

// claimableClause mirrors domain.Segment.Claimable; both placeholders are the current time in ms.
const claimableClause = `(state = 'PENDING'
	OR (state = 'UPLOADING' AND claim_expires_ms > 0 AND claim_expires_ms <= ?)
	OR (state = 'FAILED' AND retry_at_ms <= ?))`

// SQLiteSegmentStore keeps segment metadata and input logs in SQLite and the
// video payloads as blobs under <root>/<session>/<segment>.seg.
type SQLiteSegmentStore struct {
	db     *sql.DB
	blobs  blobstore.Storage
	root   string
	logger *zap.SugaredLogger
}

var _ ports.SegmentStore = (*SQLiteSegmentStore)(nil)

// NewSQLiteSegmentStore opens (or creates) the database at dbPath and runs migrations.
func NewSQLiteSegmentStore(ctx context.Context, dbPath string, blobs *blobstore.FileStorage, logger *zap.SugaredLogger) (*SQLiteSegmentStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers; claims rely on it.
	db.SetMaxOpenConns(1)

	if err := Migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Infow("sqlite segment store opened", "database", dbPath, "blob_root", blobs.Root())
	return &SQLiteSegmentStore{db: db, blobs: blobs, root: blobs.Root(), logger: logger}, nil
}

func blobName(key domain.SegmentKey) string {
	return fmt.Sprintf("%s/%s.seg", key.SessionID, key.LocalID)
}

func toMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSegment(row rowScanner) (*domain.Segment, string, error) {
	var (
		seg                                        domain.Segment
		logs, blob, state                          string
		claimExpires, retryAt, createdMs, updateMs int64
	)
	err := row.Scan(
		&seg.SessionID, &seg.LocalID, &seg.RemoteID, &seg.ContentType, &seg.StartOffsetMs, &seg.EndOffsetMs,
		&logs, &blob, &state, &seg.Attempts, &seg.LastError, &seg.ClaimOwner, &claimExpires, &retryAt,
		&createdMs, &updateMs,
	)
	if err != nil {
		return nil, "", err
	}
	if err := json.Unmarshal([]byte(logs), &seg.InputLogs); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal input logs of %s/%s: %w", seg.SessionID, seg.LocalID, err)
	}
	seg.State = domain.UploadState(state)
	seg.ClaimExpiresAt = fromMs(claimExpires)
	seg.RetryAt = fromMs(retryAt)
	seg.CreatedAt = fromMs(createdMs)
	seg.UpdatedAt = fromMs(updateMs)
	return &seg, blob, nil
}

func (s *SQLiteSegmentStore) SessionDirectory(ctx context.Context, sessionID domain.SessionID) (ports.SessionDirectory, error) {
	if err := validation.ValidateSessionID(string(sessionID)); err != nil {
		return nil, err
	}
	path, err := s.blobs.MkdirAll(ctx, string(sessionID))
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_ms) VALUES(?, ?) ON CONFLICT(session_id) DO NOTHING`,
		string(sessionID), time.Now().UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}
	return &sqliteSessionDirectory{store: s, sessionID: sessionID, path: path}, nil
}

// get loads a segment row. withVideo also reads the blob.
func (s *SQLiteSegmentStore) get(ctx context.Context, key domain.SegmentKey, withVideo bool) (*domain.Segment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE session_id = ? AND local_id = ?`,
		string(key.SessionID), string(key.LocalID),
	)
	seg, blob, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSegmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %s: %w", key, err)
	}
	if !withVideo {
		return seg, nil
	}

	r, err := s.blobs.Load(ctx, blob)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("segment %s payload missing: %w", key, domain.ErrSegmentNotFound)
		}
		return nil, err
	}
	defer r.Close()
	if seg.Video, err = io.ReadAll(r); err != nil {
		return nil, fmt.Errorf("failed to read segment payload %s: %w", key, err)
	}
	return seg, nil
}

func (s *SQLiteSegmentStore) exists(ctx context.Context, key domain.SegmentKey) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segments WHERE session_id = ? AND local_id = ?`,
		string(key.SessionID), string(key.LocalID),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up segment %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLiteSegmentStore) ListClaimable(ctx context.Context, now time.Time, limit int) ([]domain.SegmentKey, error) {
	if limit <= 0 {
		limit = -1
	}
	nowMs := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, local_id FROM segments WHERE `+claimableClause+`
		 ORDER BY created_ms, local_id LIMIT ?`,
		nowMs, nowMs, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list claimable segments: %w", err)
	}
	defer rows.Close()

	var keys []domain.SegmentKey
	for rows.Next() {
		var key domain.SegmentKey
		if err := rows.Scan(&key.SessionID, &key.LocalID); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteSegmentStore) Claim(ctx context.Context, key domain.SegmentKey, owner string, lease time.Duration, now time.Time) (*domain.Segment, error) {
	nowMs := now.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE segments SET state = 'UPLOADING', claim_owner = ?, claim_expires_ms = ?, updated_ms = ?
		 WHERE session_id = ? AND local_id = ? AND `+claimableClause,
		owner, now.Add(lease).UnixMilli(), nowMs,
		string(key.SessionID), string(key.LocalID), nowMs, nowMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim segment %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		ok, err := s.exists(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.ErrSegmentNotFound
		}
		return nil, domain.ErrSegmentNotClaimable
	}

	seg, err := s.get(ctx, key, true)
	if err != nil {
		return nil, err
	}
	if seg.ClaimOwner != owner {
		return nil, domain.ErrClaimLost
	}
	return seg, nil
}

// updateOwned runs an UPDATE guarded by the caller's claim.
func (s *SQLiteSegmentStore) updateOwned(ctx context.Context, key domain.SegmentKey, owner, set string, args ...any) error {
	args = append(args, string(key.SessionID), string(key.LocalID), owner)
	res, err := s.db.ExecContext(ctx,
		`UPDATE segments SET `+set+`
		 WHERE session_id = ? AND local_id = ? AND state = 'UPLOADING' AND claim_owner = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update segment %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	ok, err := s.exists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrSegmentNotFound
	}
	return domain.ErrClaimLost
}

func (s *SQLiteSegmentStore) RenewClaim(ctx context.Context, key domain.SegmentKey, owner string, lease time.Duration, now time.Time) error {
	return s.updateOwned(ctx, key, owner,
		`claim_expires_ms = ?, updated_ms = ?`,
		now.Add(lease).UnixMilli(), now.UnixMilli(),
	)
}

func (s *SQLiteSegmentStore) Release(ctx context.Context, key domain.SegmentKey, owner, reason string) error {
	return s.updateOwned(ctx, key, owner,
		`state = 'PENDING', claim_owner = '', claim_expires_ms = 0, last_error = ?, updated_ms = ?`,
		reason, time.Now().UnixMilli(),
	)
}

func (s *SQLiteSegmentStore) MarkUploaded(ctx context.Context, key domain.SegmentKey, owner string, remoteID domain.RemoteSegmentID) error {
	return s.updateOwned(ctx, key, owner,
		`state = 'UPLOADED', remote_id = ?, claim_owner = '', claim_expires_ms = 0, last_error = '', updated_ms = ?`,
		string(remoteID), time.Now().UnixMilli(),
	)
}

func (s *SQLiteSegmentStore) MarkFailed(ctx context.Context, key domain.SegmentKey, owner, reason string, attempts int, retryAt time.Time) error {
	return s.updateOwned(ctx, key, owner,
		`state = 'FAILED', attempts = attempts + ?, last_error = ?, retry_at_ms = ?,
		 claim_owner = '', claim_expires_ms = 0, updated_ms = ?`,
		attempts, reason, toMs(retryAt), time.Now().UnixMilli(),
	)
}

func (s *SQLiteSegmentStore) ResetFailed(ctx context.Context, sessionID domain.SessionID) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE segments SET state = 'PENDING', retry_at_ms = 0, updated_ms = ?
		 WHERE session_id = ? AND state = 'FAILED'`,
		time.Now().UnixMilli(), string(sessionID),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed segments: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteSegmentStore) Remove(ctx context.Context, key domain.SegmentKey) error {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM segments WHERE session_id = ? AND local_id = ? RETURNING blob_name`,
		string(key.SessionID), string(key.LocalID),
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrSegmentNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to remove segment %s: %w", key, err)
	}
	if err := s.blobs.Delete(ctx, blob); err != nil {
		s.logger.Warnw("segment row removed but payload remains", "segment", key.String(), "blob", blob, "error", err)
	}
	return nil
}

func (s *SQLiteSegmentStore) Sessions(ctx context.Context) ([]domain.SessionID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []domain.SessionID
	for rows.Next() {
		var id domain.SessionID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteSegmentStore) Stats(ctx context.Context) (domain.StoreStats, error) {
	var stats domain.StoreStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&stats.Sessions); err != nil {
		return stats, fmt.Errorf("failed to count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*), COALESCE(SUM(size_bytes), 0) FROM segments GROUP BY state`)
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate segments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			state string
			count int
			bytes int64
		)
		if err := rows.Scan(&state, &count, &bytes); err != nil {
			return stats, err
		}
		switch domain.UploadState(state) {
		case domain.UploadStatePending:
			stats.Pending = count
		case domain.UploadStateUploading:
			stats.Uploading = count
		case domain.UploadStateUploaded:
			stats.Uploaded = count
		case domain.UploadStateFailed:
			stats.Failed = count
		}
		stats.Bytes += bytes
	}
	return stats, rows.Err()
}

func (s *SQLiteSegmentStore) Close() error {
	return s.db.Close()
}

type sqliteSessionDirectory struct {
	store     *SQLiteSegmentStore
	sessionID domain.SessionID
	path      string
}

func (d *sqliteSessionDirectory) SessionID() domain.SessionID { return d.sessionID }

func (d *sqliteSessionDirectory) Path() string { return d.path }

// WriteSegment stores the payload first so a row never points at a missing blob.
// Rewriting an existing segment replaces its content and keeps upload bookkeeping.
func (d *sqliteSessionDirectory) WriteSegment(ctx context.Context, seg *domain.Segment) error {
	if seg.SessionID != d.sessionID {
		return fmt.Errorf("segment %s belongs to session %s, not %s", seg.LocalID, seg.SessionID, d.sessionID)
	}
	if err := validation.ValidateSegmentID(string(seg.LocalID)); err != nil {
		return err
	}

	logs := seg.InputLogs
	if logs == nil {
		logs = []domain.InputLogRecord{}
	}
	logJSON, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("failed to marshal input logs: %w", err)
	}

	name := blobName(seg.Key())
	size, err := d.store.blobs.Save(ctx, name, bytes.NewReader(seg.Video))
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	created := toMs(seg.CreatedAt)
	if created == 0 {
		created = now
	}
	_, err = d.store.db.ExecContext(ctx, `
		INSERT INTO segments(session_id, local_id, content_type, start_offset_ms, end_offset_ms,
			input_logs, blob_name, size_bytes, state, created_ms, updated_ms)
		VALUES(?, ?, ?, ?, ?, json(?), ?, ?, 'PENDING', ?, ?)
		ON CONFLICT(session_id, local_id) DO UPDATE SET
			content_type = excluded.content_type,
			start_offset_ms = excluded.start_offset_ms,
			end_offset_ms = excluded.end_offset_ms,
			input_logs = excluded.input_logs,
			blob_name = excluded.blob_name,
			size_bytes = excluded.size_bytes,
			updated_ms = excluded.updated_ms`,
		string(seg.SessionID), string(seg.LocalID), seg.ContentType, seg.StartOffsetMs, seg.EndOffsetMs,
		string(logJSON), name, size, created, now,
	)
	if err != nil {
		return fmt.Errorf("failed to write segment %s: %w", seg.Key(), err)
	}
	return nil
}

func (d *sqliteSessionDirectory) ReadSegment(ctx context.Context, id domain.LocalSegmentID) (*domain.Segment, error) {
	return d.store.get(ctx, domain.SegmentKey{SessionID: d.sessionID, LocalID: id}, true)
}

func (d *sqliteSessionDirectory) ListSegments(ctx context.Context) ([]domain.Segment, error) {
	rows, err := d.store.db.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE session_id = ? ORDER BY created_ms, local_id`,
		string(d.sessionID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var out []domain.Segment
	for rows.Next() {
		seg, _, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *seg)
	}
	return out, rows.Err()
}
