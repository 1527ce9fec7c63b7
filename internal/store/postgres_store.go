package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/avatarflow/internal/domain"
	_ "github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS avatars (
	user_id TEXT PRIMARY KEY,
	object_key TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	format TEXT NOT NULL,
	bytes INTEGER NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	source_format TEXT NOT NULL DEFAULT '',
	orientation SMALLINT NOT NULL DEFAULT 1,
	version BIGINT NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS avatar_uploads (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	object_key TEXT NOT NULL,
	status TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

const avatarColumns = `user_id, object_key, mime_type, format, bytes, width, height, source_format, orientation, version, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure avatar schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetAvatar(ctx context.Context, userID string) (domain.Avatar, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+avatarColumns+`
		 FROM avatars
		 WHERE user_id = $1 AND NOT deleted`,
		userID,
	)

	avatar, err := scanAvatar(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Avatar{}, false, nil
		}
		return domain.Avatar{}, false, fmt.Errorf("query avatar: %w", err)
	}
	return avatar, true, nil
}

// PutAvatar upserts the record. Deleted rows are kept as tombstones so the
// version keeps increasing across delete and re-upload. A transaction-scoped
// advisory lock on the user id serializes puts, including the first insert.
func (s *PostgresStore) PutAvatar(ctx context.Context, avatar domain.Avatar) (domain.Avatar, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Avatar{}, "", fmt.Errorf("begin avatar put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, avatar.UserID); err != nil {
		return domain.Avatar{}, "", fmt.Errorf("lock avatar %s: %w", avatar.UserID, err)
	}

	var replaced string
	err = tx.QueryRowContext(ctx,
		`SELECT object_key FROM avatars WHERE user_id = $1 AND NOT deleted`,
		avatar.UserID,
	).Scan(&replaced)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.Avatar{}, "", fmt.Errorf("load current avatar: %w", err)
	}

	row := tx.QueryRowContext(
		ctx,
		`INSERT INTO avatars (user_id, object_key, mime_type, format, bytes, width, height, source_format, orientation, version, deleted, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, FALSE, $10)
		 ON CONFLICT (user_id) DO UPDATE SET
			object_key = EXCLUDED.object_key,
			mime_type = EXCLUDED.mime_type,
			format = EXCLUDED.format,
			bytes = EXCLUDED.bytes,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			source_format = EXCLUDED.source_format,
			orientation = EXCLUDED.orientation,
			version = avatars.version + 1,
			deleted = FALSE,
			updated_at = EXCLUDED.updated_at
		 RETURNING `+avatarColumns,
		avatar.UserID,
		avatar.ObjectKey,
		avatar.MIMEType,
		avatar.Format,
		avatar.Bytes,
		avatar.Width,
		avatar.Height,
		avatar.SourceFormat,
		avatar.Orientation,
		time.Now().UTC(),
	)
	stored, err := scanAvatar(row)
	if err != nil {
		return domain.Avatar{}, "", fmt.Errorf("upsert avatar: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Avatar{}, "", fmt.Errorf("commit avatar put: %w", err)
	}
	return stored, replaced, nil
}

func (s *PostgresStore) DeleteAvatar(ctx context.Context, userID string) (domain.Avatar, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE avatars
		 SET deleted = TRUE, updated_at = $2
		 WHERE user_id = $1 AND NOT deleted
		 RETURNING `+avatarColumns,
		userID,
		time.Now().UTC(),
	)

	avatar, err := scanAvatar(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Avatar{}, false, nil
		}
		return domain.Avatar{}, false, fmt.Errorf("delete avatar: %w", err)
	}
	return avatar, true, nil
}

func (s *PostgresStore) CreateUpload(ctx context.Context, upload domain.Upload) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO avatar_uploads (id, user_id, object_key, status, webhook_url, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		upload.ID,
		upload.UserID,
		upload.ObjectKey,
		upload.Status,
		upload.WebhookURL,
		upload.Error,
		upload.CreatedAt,
		upload.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUpload(ctx context.Context, id string) (domain.Upload, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, user_id, object_key, status, webhook_url, error, created_at, updated_at
		 FROM avatar_uploads
		 WHERE id = $1`,
		id,
	)

	var upload domain.Upload
	if err := row.Scan(
		&upload.ID,
		&upload.UserID,
		&upload.ObjectKey,
		&upload.Status,
		&upload.WebhookURL,
		&upload.Error,
		&upload.CreatedAt,
		&upload.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Upload{}, false, nil
		}
		return domain.Upload{}, false, fmt.Errorf("query upload: %w", err)
	}
	return upload, true, nil
}

func (s *PostgresStore) UpdateUploadStatus(ctx context.Context, id, status, errMsg string) (domain.Upload, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE avatar_uploads
		 SET status = $1, error = $2, updated_at = $3
		 WHERE id = $4`,
		status,
		errMsg,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return domain.Upload{}, fmt.Errorf("update upload status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Upload{}, ErrUploadNotFound
	}

	upload, ok, err := s.GetUpload(ctx, id)
	if err != nil {
		return domain.Upload{}, err
	}
	if !ok {
		return domain.Upload{}, ErrUploadNotFound
	}
	return upload, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAvatar(row rowScanner) (domain.Avatar, error) {
	var avatar domain.Avatar
	err := row.Scan(
		&avatar.UserID,
		&avatar.ObjectKey,
		&avatar.MIMEType,
		&avatar.Format,
		&avatar.Bytes,
		&avatar.Width,
		&avatar.Height,
		&avatar.SourceFormat,
		&avatar.Orientation,
		&avatar.Version,
		&avatar.UpdatedAt,
	)
	return avatar, err
}
