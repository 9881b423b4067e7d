package mirror

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/datarelay/drivemirror/internal/store"
)

const (
	defaultBatchSize   = 500
	defaultParallelism = 8
)

// permissionHolder is one deduplicated person extracted from a record's
// owners and permissions lists.
type permissionHolder struct {
	PermissionID string
	Email        string
	DisplayName  string
	PhotoLink    string
	Role         string
}

type ProcessorOptions struct {
	BatchSize   int
	Parallelism int
	Logger      *log.Logger
	Clock       func() time.Time
}

// Processor turns raw record batches into mirror rows: validate, sanitize,
// upsert, reconcile the owner set, and recompute per-user aggregates. Records
// fail independently; one bad record never aborts its batch.
type Processor struct {
	store       store.Store
	validator   *Validator
	batchSize   int
	parallelism int
	logger      *log.Logger
	now         func() time.Time
}

func NewProcessor(st store.Store, validator *Validator, opts ProcessorOptions) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[processor] ", log.LstdFlags)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Processor{
		store:       st,
		validator:   validator,
		batchSize:   opts.BatchSize,
		parallelism: opts.Parallelism,
		logger:      opts.Logger,
		now:         opts.Clock,
	}
}

// ProcessTask runs one queue task to completion. The returned BatchResult is
// always meaningful, even when err is non-nil.
func (p *Processor) ProcessTask(ctx context.Context, task SyncTask) (BatchResult, error) {
	var (
		mu       sync.Mutex
		result   BatchResult
		allUsers = map[int64]bool{}
	)

	for start := 0; start < len(task.Files); start += p.batchSize {
		end := start + p.batchSize
		if end > len(task.Files) {
			end = len(task.Files)
		}
		batch := task.Files[start:end]

		var wg sync.WaitGroup
		sem := make(chan struct{}, p.parallelism)
		for _, record := range batch {
			if err := ctx.Err(); err != nil {
				wg.Wait()
				return result, err
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(record map[string]any) {
				defer wg.Done()
				defer func() { <-sem }()
				userIDs, err := p.processRecord(ctx, record)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Failed++
					result.Errors = append(result.Errors, RecordError{
						FileID:  coerceString(record["id"]),
						Message: err.Error(),
						Detail:  errorDetail(err),
					})
					return
				}
				result.Success++
				for _, id := range userIDs {
					allUsers[id] = true
				}
			}(record)
		}
		wg.Wait()
	}

	if len(allUsers) > 0 {
		ids := make([]int64, 0, len(allUsers))
		for id := range allUsers {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if err := p.store.RecomputeUserStats(ctx, ids); err != nil {
			p.logger.Printf("recompute user stats after task %s: %v", task.ID, err)
		}
	}
	result.UsersProcessed = len(allUsers)

	p.logger.Printf("task %s (%s) processed: %d ok, %d failed, %d users",
		task.ID, task.Type, result.Success, result.Failed, result.UsersProcessed)
	return result, nil
}

func (p *Processor) processRecord(ctx context.Context, record map[string]any) ([]int64, error) {
	validation := p.validator.Validate(record)
	if len(validation.Warnings) > 0 {
		p.logger.Printf("validation warnings for file %v: %s",
			record["id"], strings.Join(validation.Warnings, ", "))
	}
	if !validation.Valid {
		err := fmt.Errorf("Validation failed: %w", errors.New(strings.Join(validation.Errors, ", ")))
		p.markRecordError(ctx, record, err)
		return nil, err
	}

	file, err := p.store.UpsertFile(ctx, validation.Sanitized)
	if err != nil {
		wrapped := fmt.Errorf("upsert file: %w", err)
		p.markRecordError(ctx, record, wrapped)
		return nil, wrapped
	}

	userIDs, err := p.reconcileOwners(ctx, file.ID, record)
	if err != nil {
		p.markRecordError(ctx, record, err)
		return nil, err
	}
	return userIDs, nil
}

// reconcileOwners resolves the record's permission holders to users and
// replaces the file's owner set wholesale.
func (p *Processor) reconcileOwners(ctx context.Context, fileID string, record map[string]any) ([]int64, error) {
	holders := permissionHolders(record)
	entries := make([]store.OwnerEntry, 0, len(holders))
	userIDs := make([]int64, 0, len(holders))

	for _, holder := range holders {
		user, err := p.resolveUser(ctx, holder)
		if err != nil {
			p.logger.Printf("skipping permission holder %s on file %s: %v", holder.PermissionID, fileID, err)
			continue
		}
		entries = append(entries, store.OwnerEntry{UserID: user.ID, Role: holder.Role})
		userIDs = append(userIDs, user.ID)
	}

	if err := p.store.ReplaceFileOwners(ctx, fileID, entries); err != nil {
		return nil, fmt.Errorf("replace owners of %s: %w", fileID, err)
	}
	return userIDs, nil
}

// resolveUser finds or creates the user behind one permission holder and
// patches profile fields that drifted.
func (p *Processor) resolveUser(ctx context.Context, holder permissionHolder) (store.User, error) {
	user, created, err := p.store.FindOrCreateUser(ctx, store.User{
		PermissionID: holder.PermissionID,
		Email:        holder.Email,
		DisplayName:  holder.DisplayName,
		PhotoLink:    holder.PhotoLink,
	})
	if err != nil {
		return store.User{}, fmt.Errorf("find or create user %s: %w", holder.PermissionID, err)
	}
	if !created {
		if user.Email != holder.Email || user.DisplayName != holder.DisplayName || user.PhotoLink != holder.PhotoLink {
			if err := p.store.UpdateUserProfile(ctx, user.ID, holder.Email, holder.DisplayName, holder.PhotoLink); err != nil {
				return store.User{}, fmt.Errorf("update user %d profile: %w", user.ID, err)
			}
			user.Email = holder.Email
			user.DisplayName = holder.DisplayName
			user.PhotoLink = holder.PhotoLink
		}
	}
	return user, nil
}

// markRecordError writes the record back with error status, keeping the raw
// payload as metadata so a later retry pass can replay it.
func (p *Processor) markRecordError(ctx context.Context, record map[string]any, cause error) {
	id := strings.TrimSpace(coerceString(record["id"]))
	if id == "" {
		return
	}
	now := p.now()
	_, err := p.store.UpsertFile(ctx, store.File{
		ID:              id,
		Name:            coerceString(record["name"]),
		MimeType:        coerceString(record["mimeType"]),
		SyncStatus:      store.SyncError,
		LastSyncAttempt: &now,
		Metadata:        record,
		ErrorLog: &store.ErrorLog{
			Message:   cause.Error(),
			Timestamp: now,
			Detail:    errorDetail(cause),
		},
	})
	if err != nil {
		p.logger.Printf("recording error state for file %s: %v", id, err)
	}
}

// errorDetail reports the innermost cause of a wrapped error. The error log
// keeps it next to the flat message so debugging sees past the wrapping.
func errorDetail(err error) string {
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			return err.Error()
		}
		err = inner
	}
}

// permissionHolders merges the owners and permissions lists into unique
// people. Link-style grants (type anyone or domain) are not people and are
// skipped; duplicates collapse on permission id with the later entry winning.
func permissionHolders(record map[string]any) []permissionHolder {
	merged := make([]any, 0)
	if owners, ok := record["owners"].([]any); ok {
		merged = append(merged, owners...)
	}
	if perms, ok := record["permissions"].([]any); ok {
		merged = append(merged, perms...)
	}

	index := map[string]int{}
	holders := make([]permissionHolder, 0, len(merged))
	for _, entry := range merged {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		entryType := coerceString(m["type"])
		if entryType == "anyone" || entryType == "domain" {
			continue
		}

		var holder permissionHolder
		if permissionID := coerceString(m["permissionId"]); permissionID != "" {
			// Entries carrying a permissionId come from the owners list.
			holder = permissionHolder{
				PermissionID: permissionID,
				Email:        coerceString(m["emailAddress"]),
				DisplayName:  coerceString(m["displayName"]),
				PhotoLink:    coerceString(m["photoLink"]),
				Role:         "owner",
			}
		} else if id := coerceString(m["id"]); id != "" && entryType == "user" {
			holder = permissionHolder{
				PermissionID: id,
				Email:        coerceString(m["emailAddress"]),
				DisplayName:  coerceString(m["displayName"]),
				PhotoLink:    coerceString(m["photoLink"]),
				Role:         coerceString(m["role"]),
			}
		} else {
			continue
		}
		// People without an address cannot become users.
		if holder.Email == "" {
			continue
		}
		if pos, ok := index[holder.PermissionID]; ok {
			holders[pos] = holder
			continue
		}
		index[holder.PermissionID] = len(holders)
		holders = append(holders, holder)
	}
	return holders
}
