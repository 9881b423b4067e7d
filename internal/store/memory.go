package store

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and local development. All
// multi-row operations run under one lock, which stands in for the
// transactions the Postgres implementation uses.
type Memory struct {
	mu         sync.Mutex
	files      map[string]File
	users      map[int64]User
	userByPerm map[string]int64
	owners     map[string]map[int64]FileOwner
	settings   map[string]json.RawMessage
	nextUserID int64
	now        func() time.Time
}

func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

func NewMemoryWithClock(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		files:      map[string]File{},
		users:      map[int64]User{},
		userByPerm: map[string]int64{},
		owners:     map[string]map[int64]FileOwner{},
		settings:   map[string]json.RawMessage{},
		now:        now,
	}
}

func (m *Memory) UpsertFile(ctx context.Context, file File) (File, error) {
	if strings.TrimSpace(file.ID) == "" {
		return File{}, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	existing, exists := m.files[file.ID]
	if exists {
		file.CreatedAt = existing.CreatedAt
		file.DeletedAt = existing.DeletedAt
	} else {
		file.CreatedAt = now
	}
	file.UpdatedAt = now
	m.files[file.ID] = cloneFile(file)
	return cloneFile(file), nil
}

func (m *Memory) GetFile(ctx context.Context, id string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[id]
	if !ok || file.DeletedAt != nil {
		return File{}, ErrNotFound
	}
	return cloneFile(file), nil
}

func (m *Memory) MarkFilesStale(ctx context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var updated int64
	now := m.now()
	for _, id := range ids {
		file, ok := m.files[id]
		if !ok || file.DeletedAt != nil {
			continue
		}
		file.SyncStatus = SyncStale
		file.UpdatedAt = now
		m.files[id] = file
		updated++
	}
	return updated, nil
}

func (m *Memory) LatestSuccessModifiedTime(ctx context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	found := false
	for _, file := range m.files {
		if file.DeletedAt != nil || file.SyncStatus != SyncSuccess || file.ModifiedTime == nil {
			continue
		}
		if !found || file.ModifiedTime.After(latest) {
			latest = *file.ModifiedTime
			found = true
		}
	}
	return latest, found, nil
}

func (m *Memory) RetryCandidates(ctx context.Context, q RetryQuery) ([]File, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Now.IsZero() {
		q.Now = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	type ranked struct {
		file File
		rank int
	}
	candidates := make([]ranked, 0)
	for _, file := range m.files {
		if file.DeletedAt != nil {
			continue
		}
		switch file.SyncStatus {
		case SyncError:
			if file.LastSyncAttempt != nil && !file.LastSyncAttempt.Before(q.Now.Add(-q.ErrorCooldown)) {
				continue
			}
			candidates = append(candidates, ranked{file: file, rank: 1})
		case SyncPending:
			candidates = append(candidates, ranked{file: file, rank: 2})
		case SyncSuccess:
			if q.SuccessMaxAge <= 0 || !file.UpdatedAt.Before(q.Now.Add(-q.SuccessMaxAge)) {
				continue
			}
			candidates = append(candidates, ranked{file: file, rank: 3})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank < candidates[j].rank
		}
		if !candidates[i].file.UpdatedAt.Equal(candidates[j].file.UpdatedAt) {
			return candidates[i].file.UpdatedAt.Before(candidates[j].file.UpdatedAt)
		}
		return candidates[i].file.ID < candidates[j].file.ID
	})
	if len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}
	out := make([]File, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, cloneFile(c.file))
	}
	return out, nil
}

func (m *Memory) ChangedOrUnsynced(ctx context.Context, since time.Time) ([]File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]File, 0)
	for _, file := range m.files {
		if file.DeletedAt != nil {
			continue
		}
		modified := file.ModifiedTime != nil && file.ModifiedTime.After(since)
		unsynced := file.SyncStatus == SyncPending || file.SyncStatus == SyncError
		if modified || unsynced {
			out = append(out, cloneFile(file))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CountFilesBySyncStatus(ctx context.Context) (map[SyncStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[SyncStatus]int{}
	for _, file := range m.files {
		if file.DeletedAt != nil {
			continue
		}
		counts[file.SyncStatus]++
	}
	return counts, nil
}

func (m *Memory) DeleteFile(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[id]
	if !ok || file.DeletedAt != nil {
		return ErrNotFound
	}
	previous := m.owners[id]
	delete(m.owners, id)
	now := m.now()
	file.DeletedAt = &now
	file.UpdatedAt = now
	m.files[id] = file
	for userID := range previous {
		if !m.userHasFilesLocked(userID) {
			m.deleteUserLocked(userID)
		}
	}
	return nil
}

func (m *Memory) FindOrCreateUser(ctx context.Context, user User) (User, bool, error) {
	if strings.TrimSpace(user.PermissionID) == "" || strings.TrimSpace(user.Email) == "" {
		return User{}, false, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.userByPerm[user.PermissionID]; ok {
		return m.users[id], false, nil
	}
	for _, existing := range m.users {
		if existing.Email == user.Email {
			return User{}, false, ErrConflict
		}
	}
	m.nextUserID++
	now := m.now()
	user.ID = m.nextUserID
	user.CreatedAt = now
	user.UpdatedAt = now
	m.users[user.ID] = user
	m.userByPerm[user.PermissionID] = user.ID
	return user, true, nil
}

func (m *Memory) UpdateUserProfile(ctx context.Context, id int64, email, displayName, photoLink string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	user.Email = email
	user.DisplayName = displayName
	user.PhotoLink = photoLink
	user.UpdatedAt = m.now()
	m.users[id] = user
	return nil
}

func (m *Memory) GetUserByPermissionID(ctx context.Context, permissionID string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.userByPerm[permissionID]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.users[id], nil
}

func (m *Memory) RecomputeUserStats(ctx context.Context, userIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, id := range userIDs {
		user, ok := m.users[id]
		if !ok {
			continue
		}
		totalFiles := 0
		var totalSize int64
		for fileID, fileOwners := range m.owners {
			if _, member := fileOwners[id]; !member {
				continue
			}
			file, exists := m.files[fileID]
			if !exists || file.DeletedAt != nil {
				continue
			}
			totalFiles++
			if size, err := strconv.ParseInt(file.Size, 10, 64); err == nil {
				totalSize += size
			}
		}
		user.TotalFiles = totalFiles
		user.TotalSize = totalSize
		user.UpdatedAt = now
		m.users[id] = user
	}
	return nil
}

func (m *Memory) ReplaceFileOwners(ctx context.Context, fileID string, owners []OwnerEntry) error {
	if strings.TrimSpace(fileID) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	previous := m.owners[fileID]
	next := make(map[int64]FileOwner, len(owners))
	now := m.now()
	for _, owner := range owners {
		role := strings.TrimSpace(owner.Role)
		if role == "" {
			role = DefaultPermissionRole
		}
		next[owner.UserID] = FileOwner{
			FileID:         fileID,
			UserID:         owner.UserID,
			PermissionRole: role,
			CreatedAt:      now,
		}
	}
	if len(next) == 0 {
		delete(m.owners, fileID)
	} else {
		m.owners[fileID] = next
	}
	for userID := range previous {
		if _, kept := next[userID]; kept {
			continue
		}
		if !m.userHasFilesLocked(userID) {
			m.deleteUserLocked(userID)
		}
	}
	return nil
}

func (m *Memory) FileOwnersByFile(ctx context.Context, fileID string) ([]FileOwner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.owners[fileID]
	out := make([]FileOwner, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.settings[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), value...), nil
}

func (m *Memory) PutSetting(ctx context.Context, key string, value json.RawMessage) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) userHasFilesLocked(userID int64) bool {
	for _, fileOwners := range m.owners {
		if _, ok := fileOwners[userID]; ok {
			return true
		}
	}
	return false
}

func (m *Memory) deleteUserLocked(userID int64) {
	user, ok := m.users[userID]
	if !ok {
		return
	}
	delete(m.userByPerm, user.PermissionID)
	delete(m.users, userID)
}

func cloneFile(file File) File {
	out := file
	if file.LastModifyingUser != nil {
		out.LastModifyingUser = make(map[string]any, len(file.LastModifyingUser))
		for k, v := range file.LastModifyingUser {
			out.LastModifyingUser[k] = v
		}
	}
	if file.Capabilities != nil {
		out.Capabilities = make(map[string]bool, len(file.Capabilities))
		for k, v := range file.Capabilities {
			out.Capabilities[k] = v
		}
	}
	if file.Metadata != nil {
		out.Metadata = make(map[string]any, len(file.Metadata))
		for k, v := range file.Metadata {
			out.Metadata[k] = v
		}
	}
	if file.Permissions != nil {
		out.Permissions = append([]Permission(nil), file.Permissions...)
	}
	if file.CreatedTime != nil {
		t := *file.CreatedTime
		out.CreatedTime = &t
	}
	if file.ModifiedTime != nil {
		t := *file.ModifiedTime
		out.ModifiedTime = &t
	}
	if file.LastSyncAttempt != nil {
		t := *file.LastSyncAttempt
		out.LastSyncAttempt = &t
	}
	if file.ErrorLog != nil {
		e := *file.ErrorLog
		out.ErrorLog = &e
	}
	if file.DeletedAt != nil {
		t := *file.DeletedAt
		out.DeletedAt = &t
	}
	return out
}
