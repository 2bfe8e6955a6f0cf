package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rallyclub/rally/internal/common/errors"
	"github.com/rallyclub/rally/internal/common/logging"
	"github.com/rallyclub/rally/internal/messages"
	"github.com/rallyclub/rally/internal/observability"
	"github.com/rallyclub/rally/internal/storage"
	"go.uber.org/zap"
)

const DefaultMaxRetries = 3

var ErrDrainInProgress = errors.ErrDrainInProgress

// ErrSettled tells Drain that the message was confirmed some other way and
// its entry should be dropped without counting a retry.
var ErrSettled = errors.ErrAlreadySettled

// Entry is a message waiting for a connection.
type Entry struct {
	Message    *messages.Message `json:"message"`
	QueuedAt   time.Time         `json:"queuedAt"`
	RetryCount int               `json:"retryCount"`
}

type OutcomeKind string

const (
	OutcomeSent    OutcomeKind = "sent"
	OutcomeRetry   OutcomeKind = "retry"
	OutcomeGaveUp  OutcomeKind = "gave_up"
	OutcomeSettled OutcomeKind = "settled"
)

// Outcome is what happened to one entry during a drain.
type Outcome struct {
	Kind   OutcomeKind
	RoomID string
	Entry  Entry
	Err    error
}

// SendFunc delivers one queued message. A nil error means the server
// confirmed it.
type SendFunc func(ctx context.Context, roomID string, msg *messages.Message) error

type Options struct {
	MaxRetries int
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Now        func() time.Time
}

// Queue holds per-room FIFOs of messages composed while offline. Every change
// is written through to storage.
type Queue struct {
	kv         storage.KV
	maxRetries int
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time

	mu       sync.Mutex
	rooms    map[string][]*Entry
	draining bool

	persistMu sync.Mutex
}

func Open(ctx context.Context, kv storage.KV, opts Options) *Queue {
	q := &Queue{
		kv:         kv,
		maxRetries: opts.MaxRetries,
		logger:     logging.OrNop(opts.Logger),
		metrics:    opts.Metrics,
		now:        opts.Now,
		rooms:      make(map[string][]*Entry),
	}
	if q.maxRetries <= 0 {
		q.maxRetries = DefaultMaxRetries
	}
	if q.now == nil {
		q.now = time.Now
	}

	var saved map[string][]*Entry
	if err := storage.GetJSON(ctx, kv, storage.KeyOfflineQueue, &saved); err != nil {
		if !errors.IsNotFound(err) {
			q.logger.Warn("failed to load offline queue", zap.Error(err))
		}
	}
	for roomID, entries := range saved {
		for _, e := range entries {
			if e != nil && e.Message != nil {
				q.rooms[roomID] = append(q.rooms[roomID], e)
			}
		}
		q.metrics.SetQueueDepth(roomID, len(q.rooms[roomID]))
	}

	return q
}

// Add appends msg to the room's queue and persists the queue before
// returning. A write failure is logged; the entry stays queued in memory.
func (q *Queue) Add(ctx context.Context, roomID string, msg *messages.Message) Entry {
	m := msg.Clone()
	m.RoomID = roomID
	e := &Entry{Message: m, QueuedAt: q.now()}

	q.mu.Lock()
	q.rooms[roomID] = append(q.rooms[roomID], e)
	depth := len(q.rooms[roomID])
	out := e.copy()
	q.mu.Unlock()

	q.metrics.SetQueueDepth(roomID, depth)
	q.save(ctx)

	q.logger.Info("message queued offline",
		zap.String("room_id", roomID),
		zap.String("message_id", m.ID),
		zap.Int("depth", depth),
	)
	return out
}

// Remove drops the entry for messageID; it reports whether one was queued.
func (q *Queue) Remove(ctx context.Context, roomID, messageID string) bool {
	q.mu.Lock()
	removed := q.removeLocked(roomID, messageID)
	depth := len(q.rooms[roomID])
	q.mu.Unlock()

	if removed {
		q.metrics.SetQueueDepth(roomID, depth)
		q.save(ctx)
	}
	return removed
}

func (q *Queue) Len(roomID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.rooms[roomID])
}

func (q *Queue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, entries := range q.rooms {
		n += len(entries)
	}
	return n
}

// RoomIDs lists rooms with queued entries, sorted.
func (q *Queue) RoomIDs() []string {
	q.mu.Lock()
	ids := make([]string, 0, len(q.rooms))
	for roomID, entries := range q.rooms {
		if len(entries) > 0 {
			ids = append(ids, roomID)
		}
	}
	q.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Entries returns a copy of the room's queue in compose order.
func (q *Queue) Entries(roomID string) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.rooms[roomID]))
	for _, e := range q.rooms[roomID] {
		out = append(out, e.copy())
	}
	return out
}

func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Drain makes one replay pass over every room. Only one pass runs at a
// time; a concurrent call returns ErrDrainInProgress without sending.
//
// Within a room entries go out in compose order and the room stops at the
// first entry that fails but still has retries left, so nothing overtakes
// it. Entries behind that head are not attempted in this pass: their retry
// counts stay unchanged and they only start using up retries once the head
// is sent or given up. An entry that reaches the retry cap is dropped and
// reported as OutcomeGaveUp. A send that returns ErrSettled drops the entry
// as OutcomeSettled.
func (q *Queue) Drain(ctx context.Context, send SendFunc) ([]Outcome, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil, ErrDrainInProgress
	}
	q.draining = true
	roomIDs := make([]string, 0, len(q.rooms))
	for roomID, entries := range q.rooms {
		if len(entries) > 0 {
			roomIDs = append(roomIDs, roomID)
		}
	}
	q.mu.Unlock()

	start := time.Now()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
		q.metrics.RecordDrain(time.Since(start))
	}()

	sort.Strings(roomIDs)

	var outcomes []Outcome
	for _, roomID := range roomIDs {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, q.drainRoom(ctx, roomID, send)...)
	}

	if len(outcomes) > 0 {
		q.logger.Info("offline queue drained",
			zap.Int("outcomes", len(outcomes)),
			zap.Int("remaining", q.Total()),
			zap.Duration("took", time.Since(start)),
		)
	}
	return outcomes, nil
}

// drainRoom sends the room's entries head first until the queue empties or
// the head fails with retries left. Stopping there keeps compose order but
// delays every later entry in the room to a future pass.
func (q *Queue) drainRoom(ctx context.Context, roomID string, send SendFunc) []Outcome {
	var outcomes []Outcome
	attempted := make(map[*Entry]struct{})

	for ctx.Err() == nil {
		q.mu.Lock()
		entries := q.rooms[roomID]
		if len(entries) == 0 {
			q.mu.Unlock()
			break
		}
		head := entries[0]
		if _, seen := attempted[head]; seen {
			q.mu.Unlock()
			break
		}
		attempted[head] = struct{}{}
		msg := head.Message.Clone()
		q.mu.Unlock()

		err := send(ctx, roomID, msg)

		q.mu.Lock()
		var outcome Outcome
		stop := false
		switch {
		case err == nil:
			q.removeEntryLocked(roomID, head)
			outcome = Outcome{Kind: OutcomeSent, RoomID: roomID, Entry: head.copy()}
		case errors.Is(err, ErrSettled):
			q.removeEntryLocked(roomID, head)
			outcome = Outcome{Kind: OutcomeSettled, RoomID: roomID, Entry: head.copy()}
			err = nil
		default:
			head.RetryCount++
			outcome = Outcome{Kind: OutcomeRetry, RoomID: roomID, Entry: head.copy(), Err: err}
			if head.RetryCount >= q.maxRetries {
				q.removeEntryLocked(roomID, head)
				outcome.Kind = OutcomeGaveUp
			} else {
				stop = true
			}
		}
		depth := len(q.rooms[roomID])
		q.mu.Unlock()

		q.metrics.SetQueueDepth(roomID, depth)
		q.save(ctx)
		outcomes = append(outcomes, outcome)

		if err != nil {
			q.logger.Warn("queued message send failed",
				zap.String("room_id", roomID),
				zap.String("message_id", msg.ID),
				zap.Int("retry_count", outcome.Entry.RetryCount),
				zap.Bool("gave_up", outcome.Kind == OutcomeGaveUp),
				zap.Error(err),
			)
		}
		if stop {
			break
		}
	}
	return outcomes
}

func (q *Queue) removeLocked(roomID, messageID string) bool {
	for _, e := range q.rooms[roomID] {
		if e.Message.ID == messageID {
			return q.removeEntryLocked(roomID, e)
		}
	}
	return false
}

func (q *Queue) removeEntryLocked(roomID string, target *Entry) bool {
	entries := q.rooms[roomID]
	for i, e := range entries {
		if e != target {
			continue
		}
		entries = append(entries[:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(q.rooms, roomID)
		} else {
			q.rooms[roomID] = entries
		}
		return true
	}
	return false
}

// save writes the whole queue. Errors are logged and otherwise ignored.
func (q *Queue) save(ctx context.Context) {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	snapshot := make(map[string][]Entry, len(q.rooms))
	for roomID, entries := range q.rooms {
		list := make([]Entry, 0, len(entries))
		for _, e := range entries {
			list = append(list, e.copy())
		}
		snapshot[roomID] = list
	}
	q.mu.Unlock()

	if err := storage.SetJSON(context.WithoutCancel(ctx), q.kv, storage.KeyOfflineQueue, snapshot); err != nil {
		q.logger.Warn("failed to persist offline queue", zap.Error(err))
	}
}

func (e *Entry) copy() Entry {
	return Entry{Message: e.Message.Clone(), QueuedAt: e.QueuedAt, RetryCount: e.RetryCount}
}
