package inbox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config configures the Filter.
type Config struct {
	DeduplicationWindow time.Duration
	RetentionProcessed  time.Duration
	RetentionFailed     time.Duration
	CleanupInterval     time.Duration
	// KeyOf derives the deduplication key for a received message; defaults
	// to using the message id verbatim.
	KeyOf func(messageID string) string
}

func DefaultConfig() *Config {
	return &Config{
		DeduplicationWindow: 24 * time.Hour,
		RetentionProcessed:  7 * 24 * time.Hour,
		RetentionFailed:     0, // retained until explicitly purged
		CleanupInterval:     time.Hour,
	}
}

// Filter implements the receipt algorithm: compute a dedup key,
// check the window, drop duplicates, otherwise invoke the handler and
// record Processed/Failed.
type Filter struct {
	store Store
	cfg   *Config

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

func NewFilter(store Store, cfg *Config) *Filter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.KeyOf == nil {
		cfg.KeyOf = func(messageID string) string { return messageID }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Filter{store: store, cfg: cfg, ctx: ctx, cancel: cancel}
}

// Receive implements the on-receipt algorithm: duplicate
// arrivals are recorded and dropped without invoking handle; otherwise
// handle runs exactly once and the entry is marked Processed or Failed.
func (f *Filter) Receive(ctx context.Context, messageID, source string, handle func(ctx context.Context) error) error {
	dedupKey := f.cfg.KeyOf(messageID)
	now := time.Now()

	dup, err := f.store.IsDuplicate(ctx, dedupKey, f.cfg.DeduplicationWindow, now)
	if err != nil {
		return err
	}
	if dup {
		_ = f.store.Add(ctx, &Entry{
			MessageID: messageID, Source: source, ReceivedAt: now,
			Status: StatusDuplicate, DeduplicationKey: dedupKey,
		}, true)
		slog.Debug("inbox: dropped duplicate message", "messageId", messageID, "source", source)
		return nil
	}

	if err := f.store.Add(ctx, &Entry{
		MessageID: messageID, Source: source, ReceivedAt: now,
		Status: StatusPending, DeduplicationKey: dedupKey,
	}, false); err != nil {
		return err
	}

	handleErr := handle(ctx)
	if handleErr != nil {
		if err := f.store.MarkFailed(ctx, messageID, handleErr.Error()); err != nil {
			slog.Error("inbox: mark failed failed", "messageId", messageID, "error", err)
		}
		return handleErr
	}
	if err := f.store.MarkProcessed(ctx, messageID, time.Now()); err != nil {
		slog.Error("inbox: mark processed failed", "messageId", messageID, "error", err)
	}
	return nil
}

// StartCleanup runs the periodic retention sweep.
func (f *Filter) StartCleanup() {
	f.runningMu.Lock()
	defer f.runningMu.Unlock()
	if f.running {
		return
	}
	f.running = true
	f.wg.Add(1)
	go f.cleanupLoop()
}

func (f *Filter) StopCleanup() {
	f.runningMu.Lock()
	f.running = false
	f.runningMu.Unlock()
	f.cancel()
	f.wg.Wait()
}

func (f *Filter) cleanupLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			removed, err := f.store.CleanupOldEntries(f.ctx, time.Now(), f.cfg.RetentionProcessed, f.cfg.RetentionFailed)
			if err != nil {
				slog.Error("inbox: cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("inbox: cleaned up old entries", "count", removed)
			}
		}
	}
}
