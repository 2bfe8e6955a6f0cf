package chat

import (
	"context"
	stderrors "errors"

	"github.com/rallyclub/rally/internal/auth"
	"github.com/rallyclub/rally/internal/common/config"
	"github.com/rallyclub/rally/internal/common/logging"
	"github.com/rallyclub/rally/internal/notify"
	"github.com/rallyclub/rally/internal/observability"
	"github.com/rallyclub/rally/internal/queue"
	"github.com/rallyclub/rally/internal/receipts"
	"github.com/rallyclub/rally/internal/retry"
	"github.com/rallyclub/rally/internal/rooms"
	"github.com/rallyclub/rally/internal/storage"
	"github.com/rallyclub/rally/internal/store"
	"github.com/rallyclub/rally/internal/transport"
	"go.uber.org/zap"
)

// Client is a Service together with everything it was built from.
type Client struct {
	*Service

	Conn   *transport.Connector
	Store  *store.Store
	Queue  *queue.Queue
	Rooms  *rooms.Coordinator
	Tokens *auth.TokenStore

	kv storage.KV
}

// NewClient assembles a client over a websocket connection to
// cfg.Server.URL. The store and queue are loaded from kv before it returns.
func NewClient(ctx context.Context, cfg *config.Config, kv storage.KV, bridge notify.Bridge, logger *zap.Logger, metrics *observability.Metrics) *Client {
	logger = logging.OrNop(logger)
	tokens := auth.NewTokenStore(kv, cfg.Auth.TokenKey)

	dialer := &transport.WebsocketDialer{
		URL:          cfg.Server.URL,
		PingInterval: cfg.Server.PingInterval,
		AckTimeout:   cfg.Server.AckTimeout,
		Logger:       logger.Named("socket"),
	}
	conn := transport.NewConnector(dialer, tokens, transport.Options{
		ConnectTimeout: cfg.Server.ConnectTimeout,
		AckTimeout:     cfg.Server.AckTimeout,
		Backoff: retry.Config{
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			InitialWait: cfg.Reconnect.BaseDelay,
			MaxWait:     cfg.Reconnect.MaxDelay,
			MaxJitter:   cfg.Reconnect.MaxJitter,
		},
		Logger:  logger.Named("connector"),
		Metrics: metrics,
	})

	st := store.Open(ctx, kv, store.Options{
		Window: cfg.Chat.RoomWindow,
		Logger: logger.Named("store"),
	})
	q := queue.Open(ctx, kv, queue.Options{
		MaxRetries: cfg.Chat.OfflineMaxRetries,
		Logger:     logger.Named("queue"),
		Metrics:    metrics,
	})
	tracker := receipts.NewTracker(st, conn, receipts.Options{
		Logger:  logger.Named("receipts"),
		Metrics: metrics,
	})
	coord := rooms.NewCoordinator(conn, st, rooms.Options{
		TypingInterval: cfg.Chat.TypingInterval,
		TypingTTL:      cfg.Chat.TypingTTL,
		Logger:         logger.Named("rooms"),
	})

	if bridge == nil {
		bridge = notify.NewPolicy(notify.LogSender{Logger: logger.Named("notify")}, notify.Options{
			Logger: logger.Named("notify"),
		})
	}

	svc := New(Deps{
		Conn:              conn,
		Store:             st,
		Queue:             q,
		Tracker:           tracker,
		Rooms:             coord,
		Bridge:            bridge,
		ReadBatchInterval: cfg.Chat.ReadBatchInterval,
		Logger:            logger.Named("chat"),
		Metrics:           metrics,
	})

	return &Client{
		Service: svc,
		Conn:    conn,
		Store:   st,
		Queue:   q,
		Rooms:   coord,
		Tokens:  tokens,
		kv:      kv,
	}
}

// Close stops the service, writes the final snapshot and closes storage.
func (c *Client) Close(ctx context.Context) error {
	err := c.Service.Stop(ctx)
	c.Conn.Close()
	c.Rooms.Close()
	if serr := c.Store.Close(ctx); serr != nil {
		err = stderrors.Join(err, serr)
	}
	if kerr := c.kv.Close(); kerr != nil {
		err = stderrors.Join(err, kerr)
	}
	return err
}
