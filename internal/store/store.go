// Package store provides access to the mirrored file metadata: File rows,
// User rows, the FileOwner join table, and the settings key/value table
// that holds the sync watermark.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)

type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncInProgress SyncStatus = "in_progress"
	SyncSuccess    SyncStatus = "success"
	SyncError      SyncStatus = "error"
	SyncStale      SyncStatus = "stale"
)

// ErrorLog captures why the last sync attempt for a file failed.
type ErrorLog struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Permission is one entry of the permission list as reported upstream.
type Permission struct {
	PermissionID string `json:"permissionId,omitempty"`
	Type         string `json:"type,omitempty"`
	Role         string `json:"role,omitempty"`
	EmailAddress string `json:"emailAddress,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
	PhotoLink    string `json:"photoLink,omitempty"`
}

// File is the canonical mirror row for one external file. The external
// service returns size as a string, so it stays a string here.
type File struct {
	ID                string
	Name              string
	MimeType          string
	IconLink          string
	WebViewLink       string
	Size              string
	Version           string
	Shared            bool
	Trashed           bool
	CreatedTime       *time.Time
	ModifiedTime      *time.Time
	LastModifyingUser map[string]any
	Permissions       []Permission
	Capabilities      map[string]bool
	SyncStatus        SyncStatus
	LastSyncAttempt   *time.Time
	ErrorLog          *ErrorLog
	Metadata          map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

// User exists only while it owns or holds a permission on at least one file.
// TotalFiles and TotalSize are derived; RecomputeUserStats is the only writer.
type User struct {
	ID           int64
	PermissionID string
	Email        string
	DisplayName  string
	PhotoLink    string
	TotalFiles   int
	TotalSize    int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FileOwner materializes one user's role on one file. (FileID, UserID) is unique.
type FileOwner struct {
	FileID         string
	UserID         int64
	PermissionRole string
	CreatedAt      time.Time
}

const DefaultPermissionRole = "reader"

// OwnerEntry is the input to ReplaceFileOwners: the complete current set of
// permission holders for one file.
type OwnerEntry struct {
	UserID int64
	Role   string
}

// RetryQuery selects rows needing a sync attempt. Error rows are only eligible
// once their last attempt is older than ErrorCooldown; success rows only once
// their update timestamp is older than SuccessMaxAge.
type RetryQuery struct {
	Limit         int
	ErrorCooldown time.Duration
	SuccessMaxAge time.Duration
	Now           time.Time
}

type Store interface {
	// Files.
	UpsertFile(ctx context.Context, file File) (File, error)
	GetFile(ctx context.Context, id string) (File, error)
	MarkFilesStale(ctx context.Context, ids []string) (int64, error)
	LatestSuccessModifiedTime(ctx context.Context) (time.Time, bool, error)
	RetryCandidates(ctx context.Context, q RetryQuery) ([]File, error)
	ChangedOrUnsynced(ctx context.Context, since time.Time) ([]File, error)
	CountFilesBySyncStatus(ctx context.Context) (map[SyncStatus]int, error)
	// DeleteFile removes the file, its FileOwner rows, and any user left with
	// no remaining membership, all in one transaction.
	DeleteFile(ctx context.Context, id string) error

	// Users.
	FindOrCreateUser(ctx context.Context, user User) (User, bool, error)
	UpdateUserProfile(ctx context.Context, id int64, email, displayName, photoLink string) error
	GetUserByPermissionID(ctx context.Context, permissionID string) (User, error)
	RecomputeUserStats(ctx context.Context, userIDs []int64) error

	// FileOwner reconciliation: full replace of the owner set for one file,
	// deleting users orphaned by the replacement, in one transaction.
	ReplaceFileOwners(ctx context.Context, fileID string, owners []OwnerEntry) error
	FileOwnersByFile(ctx context.Context, fileID string) ([]FileOwner, error)

	// Settings (watermark and friends).
	GetSetting(ctx context.Context, key string) (json.RawMessage, error)
	PutSetting(ctx context.Context, key string, value json.RawMessage) error

	Close() error
}
