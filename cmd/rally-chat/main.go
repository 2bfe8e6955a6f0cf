package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rallyclub/rally/internal/auth"
	"github.com/rallyclub/rally/internal/chat"
	"github.com/rallyclub/rally/internal/common/config"
	"github.com/rallyclub/rally/internal/common/logging"
	"github.com/rallyclub/rally/internal/messages"
	"github.com/rallyclub/rally/internal/observability"
	"github.com/rallyclub/rally/internal/storage"
	"github.com/rallyclub/rally/internal/store"
	"github.com/rallyclub/rally/internal/transport"
	"github.com/rallyclub/rally/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load(".env")

	if len(os.Args) < 2 {
		printUsage()
		return nil
	}

	setTokenCmd := flag.NewFlagSet("set-token", flag.ExitOnError)
	token := setTokenCmd.String("token", "", "bearer token for the chat server")

	sendCmd := flag.NewFlagSet("send", flag.ExitOnError)
	sendRoom := sendCmd.String("room", "", "room id")
	sendText := sendCmd.String("text", "", "message text")
	sendType := sendCmd.String("type", "text", "message type: text, emoji or image")
	sendImage := sendCmd.String("image", "", "image url to attach")

	tailCmd := flag.NewFlagSet("tail", flag.ExitOnError)
	tailRooms := tailCmd.String("rooms", "", "comma separated room ids to join")
	tailRead := tailCmd.Bool("read", false, "send read receipts for incoming messages")

	switch os.Args[1] {
	case "set-token":
		if err := setTokenCmd.Parse(os.Args[2:]); err != nil {
			return err
		}
		return withStorage(func(ctx context.Context, cfg *config.Config, kv storage.KV, _ *zap.Logger) error {
			return handleSetToken(ctx, auth.NewTokenStore(kv, cfg.Auth.TokenKey), *token)
		})
	case "send":
		if err := sendCmd.Parse(os.Args[2:]); err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *chat.Client, logger *zap.Logger) error {
			return handleSend(ctx, c, *sendRoom, *sendText, *sendType, *sendImage)
		})
	case "tail":
		if err := tailCmd.Parse(os.Args[2:]); err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *chat.Client, logger *zap.Logger) error {
			return handleTail(ctx, c, logger, splitRooms(*tailRooms), *tailRead)
		})
	case "queue":
		return withClient(func(ctx context.Context, c *chat.Client, _ *zap.Logger) error {
			return handleQueue(c)
		})
	case "rooms":
		return withClient(func(ctx context.Context, c *chat.Client, _ *zap.Logger) error {
			return handleRooms(c)
		})
	case "version":
		fmt.Println(version.String())
		return nil
	default:
		printUsage()
		return nil
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Init(
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.EnableFile,
		cfg.Logging.FilePath,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}
	return cfg, logger, nil
}

func withStorage(fn func(ctx context.Context, cfg *config.Config, kv storage.KV, logger *zap.Logger) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	kv, err := storage.Open(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Error("failed to close storage", zap.Error(err))
		}
	}()

	return fn(context.Background(), cfg, kv, logger)
}

func withClient(fn func(ctx context.Context, c *chat.Client, logger *zap.Logger) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	kv, err := storage.Open(cfg.Storage, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry(), logger)
	}

	client := chat.NewClient(ctx, cfg, kv, nil, logger, metrics)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Error("failed to close client", zap.Error(err))
		}
	}()

	if metrics != nil {
		health := observability.NewHealth(logger, version.String())
		registerChecks(health, client)
		go func() {
			if err := metrics.Start(ctx, cfg.Metrics.Port, health); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	logger.Debug("client ready", zap.String("version", version.String()))
	return fn(ctx, client, logger)
}

func registerChecks(h *observability.Health, c *chat.Client) {
	h.Register("connection", func(context.Context) (observability.HealthStatus, string) {
		switch state := c.Conn.State(); state {
		case transport.StateConnected:
			return observability.StatusHealthy, string(state)
		case transport.StateFailed:
			return observability.StatusUnhealthy, string(state)
		default:
			return observability.StatusDegraded, string(state)
		}
	})
	h.Register("offline_queue", func(context.Context) (observability.HealthStatus, string) {
		n := c.Queue.Total()
		if n == 0 {
			return observability.StatusHealthy, "empty"
		}
		return observability.StatusDegraded, fmt.Sprintf("%s queued", humanize.Comma(int64(n)))
	})
}

// connect starts the session as the token's subject.
func connect(ctx context.Context, c *chat.Client) error {
	tok, err := c.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	if err := c.Start(ctx, tok.Subject); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func handleSetToken(ctx context.Context, tokens *auth.TokenStore, raw string) error {
	if raw == "" {
		return fmt.Errorf("must specify --token")
	}
	if err := tokens.Save(ctx, raw); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	fmt.Println("Token saved")
	return nil
}

func handleSend(ctx context.Context, c *chat.Client, roomID, text, typ, image string) error {
	if roomID == "" {
		return fmt.Errorf("must specify --room")
	}

	draft := messages.Draft{Content: text, Type: messages.Type(typ)}
	if image != "" {
		draft.Type = messages.TypeImage
		draft.Attachments = []messages.Attachment{{URL: image}}
	}

	if err := connect(ctx, c); err != nil {
		fmt.Fprintf(os.Stderr, "offline, message will be queued: %v\n", err)
	} else if _, err := c.JoinRoom(ctx, roomID, messages.RoomInfo{}); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	m, err := c.SendMessage(ctx, roomID, draft)
	if m != nil {
		fmt.Printf("%s  %s\n", m.ID, m.Status)
	}
	if err != nil {
		return err
	}
	return c.Flush(ctx)
}

func handleTail(ctx context.Context, c *chat.Client, logger *zap.Logger, roomIDs []string, read bool) error {
	c.SetForeground(false)

	unsubscribe := c.Conn.OnStateChange(func(change transport.StateChange) {
		fmt.Printf("-- %s\n", change.To)
	})
	defer unsubscribe()

	if err := connect(ctx, c); err != nil {
		return err
	}
	for _, roomID := range roomIDs {
		if _, err := c.JoinRoom(ctx, roomID, messages.RoomInfo{}); err != nil {
			logger.Warn("join failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}

	self := ""
	if tok, err := c.Tokens.Token(ctx); err == nil {
		self = tok.Subject
	}

	unsubChanges := c.OnChange(func(change store.Change) {
		if change.Kind != store.ChangeAdded {
			return
		}
		m, ok := c.Store.Message(change.RoomID, change.MessageID)
		if !ok {
			return
		}
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		fmt.Printf("[%s] %s %s: %s\n", m.RoomID, humanize.Time(m.Timestamp), sender, m.Content)
		if read && m.SenderID != self {
			c.MarkViewed(m.RoomID, m.ID)
		}
	})
	defer unsubChanges()

	<-ctx.Done()
	return nil
}

func handleQueue(c *chat.Client) error {
	total := c.Queue.Total()
	if total == 0 {
		fmt.Println("Offline queue is empty")
		return nil
	}

	for _, roomID := range c.Queue.RoomIDs() {
		entries := c.Queue.Entries(roomID)
		fmt.Printf("%s (%d)\n", roomID, len(entries))
		for _, e := range entries {
			fmt.Printf("  %-40s queued %-16s retries %d  %q\n",
				e.Message.ID, humanize.Time(e.QueuedAt), e.RetryCount, e.Message.Content)
		}
	}
	fmt.Printf("%s queued in total\n", humanize.Comma(int64(total)))
	return nil
}

func handleRooms(c *chat.Client) error {
	list := c.Store.Rooms()
	if len(list) == 0 {
		fmt.Println("No rooms")
		return nil
	}

	for _, r := range list {
		state := "joined"
		if !r.Active() {
			state = "left"
		}
		name := r.Name
		if name == "" {
			name = "-"
		}
		fmt.Printf("%-24s %-20s %-6s %4d msgs  active %s\n",
			r.RoomID, name, state, len(c.Messages(r.RoomID)), humanize.Time(r.LastActivity))
	}
	return nil
}

func splitRooms(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printUsage() {
	fmt.Println("Rally chat client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rally-chat set-token --token <jwt>")
	fmt.Println("  rally-chat send --room <id> --text <message> [--type emoji] [--image <url>]")
	fmt.Println("  rally-chat tail --rooms <id,id> [--read]")
	fmt.Println("  rally-chat queue")
	fmt.Println("  rally-chat rooms")
	fmt.Println("  rally-chat version")
	fmt.Println()
	fmt.Println("Configuration is read from the environment and .env")
}
