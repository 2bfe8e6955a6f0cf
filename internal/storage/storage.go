package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rallyclub/rally/internal/common/config"
	"github.com/rallyclub/rally/internal/common/errors"
	"go.uber.org/zap"
)

// Fixed keys for the durable chat snapshots.
const (
	KeyRooms        = "@chat_rooms"
	KeyRoomMetadata = "@chat_room_metadata"
	KeyOfflineQueue = "@chat_offline_queue"
)

var ErrNotFound = errors.ErrNotFound

// KV is the durable blob store the chat core snapshots into.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

func Open(cfg config.StorageConfig, logger *zap.Logger) (KV, error) {
	var (
		kv  KV
		err error
	)

	switch cfg.Backend {
	case "memory":
		kv = NewMemory()
	case "pebble", "":
		kv, err = NewPebble(cfg.Path)
	case "redis":
		kv, err = NewRedis(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Backend, err)
	}

	if cfg.EncryptionKey != "" {
		sealed, err := NewSealed(kv, cfg.EncryptionKey)
		if err != nil {
			_ = kv.Close()
			return nil, err
		}
		kv = sealed
	}

	if logger != nil {
		logger.Info("storage opened", zap.String("backend", cfg.Backend), zap.Bool("sealed", cfg.EncryptionKey != ""))
	}
	return kv, nil
}

// GetJSON decodes the value at key into dest. A missing key leaves dest
// untouched and returns ErrNotFound.
func GetJSON(ctx context.Context, kv KV, key string, dest any) error {
	data, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func SetJSON(ctx context.Context, kv KV, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	return kv.Set(ctx, key, data)
}

type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	m.mu.Lock()
	m.data[key] = v
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error {
	return nil
}
