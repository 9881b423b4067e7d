package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/datarelay/drivemirror/internal/store/migrations"
)

const postgresConnectTimeout = 5 * time.Second

const fileColumns = `id, name, mime_type, icon_link, web_view_link, size, version,
	shared, trashed, created_time, modified_time, last_modifying_user, permissions,
	capabilities, sync_status, last_sync_attempt, error_log, metadata,
	created_at, updated_at, deleted_at`

// Postgres is the production Store over lib/pq. Transactional contracts
// (DeleteFile, ReplaceFileOwners) run inside a single database transaction.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Migrate brings the schema to the latest embedded version.
func (p *Postgres) Migrate() error {
	return migrations.Up(p.db)
}

// DB exposes the underlying handle for migration tooling.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

func (p *Postgres) UpsertFile(ctx context.Context, file File) (File, error) {
	if strings.TrimSpace(file.ID) == "" {
		return File{}, ErrInvalidInput
	}
	lastModifying, err := nullableJSON(file.LastModifyingUser, len(file.LastModifyingUser) == 0)
	if err != nil {
		return File{}, err
	}
	permissions, err := nullableJSON(file.Permissions, len(file.Permissions) == 0)
	if err != nil {
		return File{}, err
	}
	capabilities, err := nullableJSON(file.Capabilities, len(file.Capabilities) == 0)
	if err != nil {
		return File{}, err
	}
	errorLog, err := nullableJSON(file.ErrorLog, file.ErrorLog == nil)
	if err != nil {
		return File{}, err
	}
	metadata, err := nullableJSON(file.Metadata, len(file.Metadata) == 0)
	if err != nil {
		return File{}, err
	}

	row := p.db.QueryRowContext(ctx, `
		INSERT INTO files (id, name, mime_type, icon_link, web_view_link, size, version,
			shared, trashed, created_time, modified_time, last_modifying_user, permissions,
			capabilities, sync_status, last_sync_attempt, error_log, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			mime_type = EXCLUDED.mime_type,
			icon_link = EXCLUDED.icon_link,
			web_view_link = EXCLUDED.web_view_link,
			size = EXCLUDED.size,
			version = EXCLUDED.version,
			shared = EXCLUDED.shared,
			trashed = EXCLUDED.trashed,
			created_time = EXCLUDED.created_time,
			modified_time = EXCLUDED.modified_time,
			last_modifying_user = EXCLUDED.last_modifying_user,
			permissions = EXCLUDED.permissions,
			capabilities = EXCLUDED.capabilities,
			sync_status = EXCLUDED.sync_status,
			last_sync_attempt = EXCLUDED.last_sync_attempt,
			error_log = EXCLUDED.error_log,
			metadata = EXCLUDED.metadata,
			updated_at = now()
		RETURNING created_at, updated_at, deleted_at`,
		file.ID, file.Name, file.MimeType, file.IconLink, file.WebViewLink, file.Size,
		file.Version, file.Shared, file.Trashed, nullableTime(file.CreatedTime),
		nullableTime(file.ModifiedTime), lastModifying, permissions, capabilities,
		string(file.SyncStatus), nullableTime(file.LastSyncAttempt), errorLog, metadata)

	var deletedAt sql.NullTime
	if err := row.Scan(&file.CreatedAt, &file.UpdatedAt, &deletedAt); err != nil {
		return File{}, fmt.Errorf("upsert file %s: %w", file.ID, err)
	}
	if deletedAt.Valid {
		file.DeletedAt = &deletedAt.Time
	}
	return file, nil
}

func (p *Postgres) GetFile(ctx context.Context, id string) (File, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = $1 AND deleted_at IS NULL`, id)
	file, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, ErrNotFound
	}
	if err != nil {
		return File{}, fmt.Errorf("get file %s: %w", id, err)
	}
	return file, nil
}

func (p *Postgres) MarkFilesStale(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE files SET sync_status = $1, updated_at = now()
		WHERE id = ANY($2) AND deleted_at IS NULL`,
		string(SyncStale), pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("mark files stale: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) LatestSuccessModifiedTime(ctx context.Context) (time.Time, bool, error) {
	var latest sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT MAX(modified_time) FROM files
		WHERE sync_status = $1 AND deleted_at IS NULL`,
		string(SyncSuccess)).Scan(&latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest success modified time: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time, true, nil
}

func (p *Postgres) RetryCandidates(ctx context.Context, q RetryQuery) ([]File, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Now.IsZero() {
		q.Now = time.Now()
	}
	errorBefore := q.Now.Add(-q.ErrorCooldown)
	// A zero cutoff matches no rows, which is how success rows are excluded
	// when no max age is configured.
	var successBefore time.Time
	if q.SuccessMaxAge > 0 {
		successBefore = q.Now.Add(-q.SuccessMaxAge)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE deleted_at IS NULL AND (
			(sync_status = 'error' AND (last_sync_attempt IS NULL OR last_sync_attempt < $1))
			OR sync_status = 'pending'
			OR (sync_status = 'success' AND updated_at < $2)
		)
		ORDER BY
			CASE sync_status WHEN 'error' THEN 1 WHEN 'pending' THEN 2 ELSE 3 END,
			updated_at ASC,
			id ASC
		LIMIT $3`,
		errorBefore, successBefore, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("retry candidates: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

func (p *Postgres) ChangedOrUnsynced(ctx context.Context, since time.Time) ([]File, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE deleted_at IS NULL AND (
			modified_time > $1 OR sync_status IN ('pending', 'error')
		)
		ORDER BY id ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("changed or unsynced: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

func (p *Postgres) CountFilesBySyncStatus(ctx context.Context) (map[SyncStatus]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT sync_status, COUNT(*) FROM files
		WHERE deleted_at IS NULL GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("count by sync status: %w", err)
	}
	defer rows.Close()
	counts := map[SyncStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[SyncStatus(status)] = count
	}
	return counts, rows.Err()
}

func (p *Postgres) DeleteFile(ctx context.Context, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete file: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE files SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete file %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	userIDs, err := ownerUserIDs(ctx, tx, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM file_owners WHERE file_id = $1`, id); err != nil {
		return fmt.Errorf("delete owners of %s: %w", id, err)
	}
	if err := deleteOrphanUsers(ctx, tx, userIDs); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) FindOrCreateUser(ctx context.Context, user User) (User, bool, error) {
	if strings.TrimSpace(user.PermissionID) == "" || strings.TrimSpace(user.Email) == "" {
		return User{}, false, ErrInvalidInput
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO users (permission_id, email, display_name, photo_link)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (permission_id) DO NOTHING
		RETURNING id, created_at, updated_at`,
		user.PermissionID, user.Email, user.DisplayName, user.PhotoLink)
	err := row.Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err == nil {
		return user, true, nil
	}
	if isUniqueViolation(err) {
		return User{}, false, ErrConflict
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, false, fmt.Errorf("create user %s: %w", user.PermissionID, err)
	}
	existing, err := p.GetUserByPermissionID(ctx, user.PermissionID)
	if err != nil {
		return User{}, false, err
	}
	return existing, false, nil
}

func (p *Postgres) UpdateUserProfile(ctx context.Context, id int64, email, displayName, photoLink string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users SET email = $2, display_name = $3, photo_link = $4, updated_at = now()
		WHERE id = $1`, id, email, displayName, photoLink)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("update user %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetUserByPermissionID(ctx context.Context, permissionID string) (User, error) {
	var user User
	err := p.db.QueryRowContext(ctx, `
		SELECT id, permission_id, email, display_name, photo_link, total_files, total_size,
			created_at, updated_at
		FROM users WHERE permission_id = $1`, permissionID).Scan(
		&user.ID, &user.PermissionID, &user.Email, &user.DisplayName, &user.PhotoLink,
		&user.TotalFiles, &user.TotalSize, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user %s: %w", permissionID, err)
	}
	return user, nil
}

func (p *Postgres) RecomputeUserStats(ctx context.Context, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE users SET
			total_files = (
				SELECT COUNT(*) FROM file_owners fo
				JOIN files f ON f.id = fo.file_id
				WHERE fo.user_id = users.id AND f.deleted_at IS NULL
			),
			total_size = (
				SELECT COALESCE(SUM(CASE WHEN f.size ~ '^[0-9]+$' THEN f.size::bigint ELSE 0 END), 0)
				FROM file_owners fo
				JOIN files f ON f.id = fo.file_id
				WHERE fo.user_id = users.id AND f.deleted_at IS NULL
			),
			updated_at = now()
		WHERE id = ANY($1)`, pq.Array(userIDs))
	if err != nil {
		return fmt.Errorf("recompute user stats: %w", err)
	}
	return nil
}

func (p *Postgres) ReplaceFileOwners(ctx context.Context, fileID string, owners []OwnerEntry) error {
	if strings.TrimSpace(fileID) == "" {
		return ErrInvalidInput
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace owners: %w", err)
	}
	defer tx.Rollback()

	previous, err := ownerUserIDs(ctx, tx, fileID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM file_owners WHERE file_id = $1`, fileID); err != nil {
		return fmt.Errorf("clear owners of %s: %w", fileID, err)
	}
	for _, owner := range owners {
		role := strings.TrimSpace(owner.Role)
		if role == "" {
			role = DefaultPermissionRole
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO file_owners (file_id, user_id, permission_role)
			VALUES ($1, $2, $3)
			ON CONFLICT (file_id, user_id) DO UPDATE SET permission_role = EXCLUDED.permission_role`,
			fileID, owner.UserID, role)
		if err != nil {
			return fmt.Errorf("insert owner %d of %s: %w", owner.UserID, fileID, err)
		}
	}
	if err := deleteOrphanUsers(ctx, tx, previous); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) FileOwnersByFile(ctx context.Context, fileID string) ([]FileOwner, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT file_id, user_id, permission_role, created_at
		FROM file_owners WHERE file_id = $1 ORDER BY user_id ASC`, fileID)
	if err != nil {
		return nil, fmt.Errorf("owners of %s: %w", fileID, err)
	}
	defer rows.Close()
	out := make([]FileOwner, 0)
	for rows.Next() {
		var row FileOwner
		if err := rows.Scan(&row.FileID, &row.UserID, &row.PermissionRole, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p *Postgres) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM system_settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get setting %s: %w", key, err)
	}
	return json.RawMessage(value), nil
}

func (p *Postgres) PutSetting(ctx context.Context, key string, value json.RawMessage) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO system_settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, string(value))
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func ownerUserIDs(ctx context.Context, tx *sql.Tx, fileID string) ([]int64, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT user_id FROM file_owners WHERE file_id = $1`, fileID)
	if err != nil {
		return nil, fmt.Errorf("owner ids of %s: %w", fileID, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// deleteOrphanUsers removes any of the given users that no longer appear in
// file_owners. Users still holding a membership are untouched.
func deleteOrphanUsers(ctx context.Context, tx *sql.Tx, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		DELETE FROM users
		WHERE id = ANY($1)
		AND NOT EXISTS (SELECT 1 FROM file_owners WHERE user_id = users.id)`,
		pq.Array(userIDs))
	if err != nil {
		return fmt.Errorf("delete orphan users: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (File, error) {
	var (
		file                             File
		createdTime, modifiedTime        sql.NullTime
		lastSyncAttempt, deletedAt       sql.NullTime
		lastModifying, permissions       []byte
		capabilities, errorLog, metadata []byte
		status                           string
	)
	err := row.Scan(&file.ID, &file.Name, &file.MimeType, &file.IconLink, &file.WebViewLink,
		&file.Size, &file.Version, &file.Shared, &file.Trashed, &createdTime, &modifiedTime,
		&lastModifying, &permissions, &capabilities, &status, &lastSyncAttempt, &errorLog,
		&metadata, &file.CreatedAt, &file.UpdatedAt, &deletedAt)
	if err != nil {
		return File{}, err
	}
	file.SyncStatus = SyncStatus(status)
	if createdTime.Valid {
		file.CreatedTime = &createdTime.Time
	}
	if modifiedTime.Valid {
		file.ModifiedTime = &modifiedTime.Time
	}
	if lastSyncAttempt.Valid {
		file.LastSyncAttempt = &lastSyncAttempt.Time
	}
	if deletedAt.Valid {
		file.DeletedAt = &deletedAt.Time
	}
	if len(lastModifying) > 0 {
		if err := json.Unmarshal(lastModifying, &file.LastModifyingUser); err != nil {
			return File{}, fmt.Errorf("decode last_modifying_user: %w", err)
		}
	}
	if len(permissions) > 0 {
		if err := json.Unmarshal(permissions, &file.Permissions); err != nil {
			return File{}, fmt.Errorf("decode permissions: %w", err)
		}
	}
	if len(capabilities) > 0 {
		if err := json.Unmarshal(capabilities, &file.Capabilities); err != nil {
			return File{}, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	if len(errorLog) > 0 {
		file.ErrorLog = &ErrorLog{}
		if err := json.Unmarshal(errorLog, file.ErrorLog); err != nil {
			return File{}, fmt.Errorf("decode error_log: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &file.Metadata); err != nil {
			return File{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return file, nil
}

func collectFiles(rows *sql.Rows) ([]File, error) {
	out := make([]File, 0)
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, file)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableJSON(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode jsonb column: %w", err)
	}
	return string(payload), nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
