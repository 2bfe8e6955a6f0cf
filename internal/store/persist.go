package store

import (
	"context"
	"time"

	"github.com/rallyclub/rally/internal/messages"
	"github.com/rallyclub/rally/internal/retry"
	"github.com/rallyclub/rally/internal/storage"
	"go.uber.org/zap"
)

const persistTimeout = 5 * time.Second

func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// persistLoop writes one snapshot per burst of mutations.
func (s *Store) persistLoop() {
	defer close(s.stopped)

	for {
		select {
		case <-s.dirty:
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			if err := s.persist(ctx); err != nil {
				s.logger.Warn("snapshot write failed", zap.Error(err))
			}
			cancel()
		case <-s.stop:
			return
		}
	}
}

// Flush writes the current state synchronously.
func (s *Store) Flush(ctx context.Context) error {
	return s.persist(ctx)
}

// Close stops the background writer and writes a final snapshot, retrying
// with backoff since nothing writes after it.
func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.stopped
		attempt := 0
		err = retry.WithBackoff(ctx, s.closeRetry, func() error {
			attempt++
			if err := s.persist(ctx); err != nil {
				s.logger.Warn("final snapshot write failed", zap.Int("attempt", attempt), zap.Error(err))
				return err
			}
			return nil
		})
		s.listeners.Clear()
	})
	return err
}

// persist holds persistMu across snapshot and write so an older snapshot can
// never land after a newer one.
func (s *Store) persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	rooms, meta := s.snapshot()

	if err := storage.SetJSON(ctx, s.kv, storage.KeyRooms, rooms); err != nil {
		return err
	}
	return storage.SetJSON(ctx, s.kv, storage.KeyRoomMetadata, meta)
}

func (s *Store) snapshot() (map[string][]*messages.Message, map[string]*messages.RoomMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make(map[string][]*messages.Message, len(s.rooms))
	for roomID, list := range s.rooms {
		cp := make([]*messages.Message, len(list))
		for i, m := range list {
			cp[i] = m.Clone()
		}
		rooms[roomID] = cp
	}

	meta := make(map[string]*messages.RoomMeta, len(s.meta))
	for roomID, m := range s.meta {
		cp := cloneMeta(m)
		meta[roomID] = &cp
	}
	return rooms, meta
}
