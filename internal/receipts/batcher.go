package receipts

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultBatchInterval = 500 * time.Millisecond

// Batcher collects message ids reported as viewed and hands them to the
// tracker at most once per interval for each room.
type Batcher struct {
	tracker  *Tracker
	interval time.Duration

	mu      sync.Mutex
	pending map[string][]string
	queued  map[string]map[string]struct{}
	timer   *time.Timer
	stopped bool
}

func NewBatcher(tracker *Tracker, interval time.Duration) *Batcher {
	if interval <= 0 {
		interval = DefaultBatchInterval
	}
	return &Batcher{
		tracker:  tracker,
		interval: interval,
		pending:  make(map[string][]string),
		queued:   make(map[string]map[string]struct{}),
	}
}

// Report queues ids seen in one UI pass.
func (b *Batcher) Report(roomID string, ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	set, ok := b.queued[roomID]
	if !ok {
		set = make(map[string]struct{})
		b.queued[roomID] = set
	}
	for _, id := range ids {
		if _, dup := set[id]; dup {
			continue
		}
		set[id] = struct{}{}
		b.pending[roomID] = append(b.pending[roomID], id)
	}

	if b.timer == nil && len(b.pending) > 0 {
		b.timer = time.AfterFunc(b.interval, func() {
			if err := b.Flush(context.Background()); err != nil {
				b.tracker.logger.Debug("read receipt flush failed", zap.Error(err))
			}
		})
	}
}

// Flush sends everything pending now. The first error is returned; other
// rooms are still flushed.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string][]string)
	b.queued = make(map[string]map[string]struct{})
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	roomIDs := make([]string, 0, len(pending))
	for roomID := range pending {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)

	var first error
	for _, roomID := range roomIDs {
		if err := b.tracker.MarkRead(ctx, roomID, pending[roomID]); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Stop flushes and rejects further reports.
func (b *Batcher) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	return b.Flush(ctx)
}
