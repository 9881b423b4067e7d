package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/datarelay/drivemirror/internal/drive"
	"github.com/datarelay/drivemirror/internal/store"
)

const (
	// WatermarkKey is the settings row holding the last full discovery time.
	WatermarkKey = "lastSyncTime"

	defaultSyncInterval  = 60 * time.Second
	defaultPageSize      = 100
	defaultRetryLimit    = 100
	defaultErrorCooldown = 15 * time.Minute
	defaultSuccessMaxAge = 24 * time.Hour
	defaultMaxRetries    = 3
	defaultRetryDelay    = 5 * time.Second
	defaultMimeType      = "application/vnd.google-apps.document"

	discoveryFields = "nextPageToken, files(id, name, mimeType, modifiedTime, owners, size, webViewLink, iconLink, shared, lastModifyingUser, permissions, version, capabilities, trashed)"
	stalenessFields = "nextPageToken, files(id, modifiedTime)"
)

type watermarkValue struct {
	Time time.Time `json:"time"`
}

type OrchestratorOptions struct {
	SyncInterval  time.Duration
	PageSize      int
	RetryLimit    int
	ErrorCooldown time.Duration
	SuccessMaxAge time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MimeType      string
	Logger        *log.Logger
	Clock         func() time.Time
	// NewClient builds the upstream client once a credential arrives.
	NewClient func(token string) drive.Client
}

// Orchestrator drives the sync schedule: the discovery pass pulls records
// modified since the watermark, the staleness pass flags local rows the
// upstream has outrun, and the retry pass re-enqueues rows still owing a
// successful sync. All record work goes through the queue.
type Orchestrator struct {
	store store.Store
	queue *TaskQueue
	gate  *Gate
	opts  OrchestratorOptions

	mu        sync.Mutex
	client    drive.Client
	watermark *time.Time
	syncing   bool
}

func NewOrchestrator(st store.Store, queue *TaskQueue, gate *Gate, opts OrchestratorOptions) *Orchestrator {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = defaultSyncInterval
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = defaultRetryLimit
	}
	if opts.ErrorCooldown <= 0 {
		opts.ErrorCooldown = defaultErrorCooldown
	}
	if opts.SuccessMaxAge <= 0 {
		opts.SuccessMaxAge = defaultSuccessMaxAge
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.MimeType == "" {
		opts.MimeType = defaultMimeType
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[sync] ", log.LstdFlags)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewClient == nil {
		opts.NewClient = func(token string) drive.Client {
			return drive.NewHTTPClient("", token, nil)
		}
	}
	return &Orchestrator{store: st, queue: queue, gate: gate, opts: opts}
}

// SetCredential installs the upstream credential. Empty credentials are
// ignored; the first real one constructs the client and fires the gate.
func (o *Orchestrator) SetCredential(token string) {
	if token == "" {
		return
	}
	o.SetClient(o.opts.NewClient(token))
}

// SetClient installs an already-built client and fires the gate.
func (o *Orchestrator) SetClient(client drive.Client) {
	if client == nil {
		return
	}
	o.mu.Lock()
	o.client = client
	o.mu.Unlock()
	o.gate.MarkReady()
	o.opts.Logger.Printf("credential received, sync enabled")
}

// Run blocks until ctx is cancelled. It waits for readiness, performs the
// startup sequence (watermark load, staleness pass, discovery, retry), then
// repeats discovery and retry on the sync interval.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.gate.AwaitReady(ctx); err != nil {
		return err
	}
	o.loadWatermark(ctx)
	o.stalenessPass(ctx)
	o.discoveryPass(ctx)
	o.retryPass(ctx)

	ticker := time.NewTicker(o.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.discoveryPass(ctx)
			o.retryPass(ctx)
		}
	}
}

// Watermark reports the current discovery cursor.
func (o *Orchestrator) Watermark() (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.watermark == nil {
		return time.Time{}, false
	}
	return *o.watermark, true
}

func (o *Orchestrator) Syncing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.syncing
}

func (o *Orchestrator) loadWatermark(ctx context.Context) {
	raw, err := o.store.GetSetting(ctx, WatermarkKey)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		o.opts.Logger.Printf("loading watermark: %v", err)
		return
	}
	var value watermarkValue
	if err := json.Unmarshal(raw, &value); err != nil || value.Time.IsZero() {
		o.opts.Logger.Printf("ignoring malformed watermark %s", raw)
		return
	}
	o.mu.Lock()
	o.watermark = &value.Time
	o.mu.Unlock()
}

func (o *Orchestrator) saveWatermark(ctx context.Context, ts time.Time) {
	raw, err := json.Marshal(watermarkValue{Time: ts.UTC()})
	if err != nil {
		o.opts.Logger.Printf("encoding watermark: %v", err)
		return
	}
	if err := o.store.PutSetting(ctx, WatermarkKey, raw); err != nil {
		o.opts.Logger.Printf("persisting watermark: %v", err)
		return
	}
	o.mu.Lock()
	o.watermark = &ts
	o.mu.Unlock()
}

// discoveryPass pulls everything modified since the watermark, one page per
// queue task, then advances the watermark. No watermark means a full scan.
func (o *Orchestrator) discoveryPass(ctx context.Context) {
	client := o.currentClient()
	if client == nil {
		return
	}
	query := fmt.Sprintf("mimeType = '%s'", o.opts.MimeType)
	if since, ok := o.Watermark(); ok {
		query = fmt.Sprintf("modifiedTime > '%s' and mimeType = '%s'",
			since.UTC().Format(time.RFC3339), o.opts.MimeType)
	}

	pageToken := ""
	pages := 0
	for {
		result, err := client.List(ctx, drive.ListQuery{
			PageSize:  o.opts.PageSize,
			PageToken: pageToken,
			Query:     query,
			Fields:    discoveryFields,
		})
		if err != nil {
			o.opts.Logger.Printf("discovery pass failed: %v", err)
			return
		}
		if len(result.Files) > 0 {
			o.queue.Enqueue(NewSyncTask(TaskBulkSync, result.Files))
			pages++
		}
		if result.NextPageToken == "" {
			break
		}
		pageToken = result.NextPageToken
	}
	if pages > 0 {
		o.opts.Logger.Printf("discovery pass enqueued %d pages", pages)
	}
	o.saveWatermark(ctx, o.opts.Clock())
}

// stalenessPass flags local success rows whose upstream copy has moved on
// since our freshest successful sync.
func (o *Orchestrator) stalenessPass(ctx context.Context) {
	client := o.currentClient()
	if client == nil {
		return
	}
	latest, found, err := o.store.LatestSuccessModifiedTime(ctx)
	if err != nil {
		o.opts.Logger.Printf("staleness pass: %v", err)
		return
	}
	if !found {
		return
	}
	query := fmt.Sprintf("modifiedTime > '%s' and mimeType = '%s'",
		latest.UTC().Format(time.RFC3339), o.opts.MimeType)

	var staleIDs []string
	pageToken := ""
	for {
		result, err := client.List(ctx, drive.ListQuery{
			PageSize:  o.opts.PageSize,
			PageToken: pageToken,
			Query:     query,
			Fields:    stalenessFields,
		})
		if err != nil {
			o.opts.Logger.Printf("staleness pass failed: %v", err)
			return
		}
		for _, record := range result.Files {
			if id := coerceString(record["id"]); id != "" {
				staleIDs = append(staleIDs, id)
			}
		}
		if result.NextPageToken == "" {
			break
		}
		pageToken = result.NextPageToken
	}
	if len(staleIDs) == 0 {
		return
	}
	updated, err := o.store.MarkFilesStale(ctx, staleIDs)
	if err != nil {
		o.opts.Logger.Printf("marking %d rows stale: %v", len(staleIDs), err)
		return
	}
	o.opts.Logger.Printf("staleness pass flagged %d rows", updated)
}

// retryPass re-enqueues rows owing a successful sync. A concurrent pass is
// skipped outright; a failing pass is retried a few times with a fixed delay
// before giving up until the next tick.
func (o *Orchestrator) retryPass(ctx context.Context) {
	o.mu.Lock()
	if o.syncing {
		o.mu.Unlock()
		o.opts.Logger.Printf("retry pass already in progress")
		return
	}
	o.syncing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.syncing = false
		o.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		candidates, err := o.store.RetryCandidates(ctx, store.RetryQuery{
			Limit:         o.opts.RetryLimit,
			ErrorCooldown: o.opts.ErrorCooldown,
			SuccessMaxAge: o.opts.SuccessMaxAge,
			Now:           o.opts.Clock(),
		})
		if err == nil {
			if len(candidates) > 0 {
				o.queue.Enqueue(NewSyncTask(TaskRetrySync, recordsFromRows(candidates)))
				o.opts.Logger.Printf("retry pass enqueued %d rows", len(candidates))
			}
			return
		}
		o.opts.Logger.Printf("retry pass failed (attempt %d): %v", attempt+1, err)
		if attempt+1 >= o.opts.MaxRetries {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.opts.RetryDelay):
		}
	}
}

func (o *Orchestrator) currentClient() drive.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.client
}
