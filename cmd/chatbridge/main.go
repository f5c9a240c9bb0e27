// Command chatbridge is a terminal host for the bridge: it wires the full
// runtime (session store, offline queue, transport, thread engine) and drives
// it from stdin. It exists for manual testing against a real backend or the
// stub server.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"chatbridge/internal/chat"
	"chatbridge/internal/config"
	"chatbridge/internal/history"
	"chatbridge/internal/queue"
	"chatbridge/internal/repository/postgres"
	"chatbridge/internal/retry"
	"chatbridge/internal/session"
	"chatbridge/internal/store"
	"chatbridge/internal/transport"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist)
	_ = godotenv.Load()

	cfg := config.Load()
	if path := os.Getenv("CHAT_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logLevel := slog.LevelInfo
	if cfg.Environment == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("bridge starting",
		"environment", cfg.Environment,
		"endpoint", cfg.Endpoint,
		"mode", string(cfg.Mode),
	)

	// Durable store when a data dir is configured, in-memory otherwise.
	var kv store.KV
	if cfg.DataDir != "" {
		db, err := store.OpenPebble(cfg.DataDir, logger)
		if err != nil {
			log.Fatalf("Failed to open local store: %v", err)
		}
		defer db.Close()
		kv = db
	} else {
		kv = store.NewMemory()
	}

	const instance = "default"
	sessions := session.New(kv, instance, logger)
	msgQueue := queue.New(kv, instance, cfg.QueueCapacity, cfg.QueueMaxAge, logger)

	var hist history.Store
	if dbURL := os.Getenv("CHAT_DATABASE_URL"); dbURL != "" {
		pool, err := postgres.CreateConnectionPool(context.Background(), dbURL)
		if err != nil {
			log.Fatalf("Failed to connect to history database: %v", err)
		}
		defer pool.Close()

		repo := postgres.NewHistoryRepository(pool, postgres.NewTableNames(cfg.Environment+"_"), logger)
		if err := repo.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("Failed to prepare history schema: %v", err)
		}
		hist = repo
		logger.Info("history persistence enabled")
	}

	client := transport.New(cfg, sessions, logger)
	engine := chat.NewEngine(chat.Options{
		Runner:   client,
		Sessions: sessions,
		Queue:    msgQueue,
		History:  hist,
		Policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			Multiplier:  cfg.BackoffMultiplier,
		},
		Logger: logger,
	})

	if hist != nil {
		if err := engine.RestoreHistory(context.Background()); err != nil {
			logger.Warn("failed to restore history", "error", err)
		}
	}

	runInteractive(engine, logger)
}

// runInteractive reads lines from stdin: plain text appends a message,
// slash commands control the engine.
func runInteractive(engine *chat.Engine, logger *slog.Logger) {
	ctx := context.Background()
	printer := newPrinter()
	unsubscribe := engine.Subscribe(printer.onUpdate)
	defer unsubscribe()

	fmt.Println("chatbridge ready. Commands: /cancel /reload /new /flush /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue

		case line == "/quit":
			return

		case line == "/cancel":
			if id := printer.runningID(); id != "" {
				engine.Cancel(id)
			} else {
				fmt.Println("nothing to cancel")
			}

		case line == "/reload":
			if _, err := engine.Reload(ctx); err != nil {
				fmt.Printf("reload: %v\n", err)
			}

		case line == "/new":
			engine.NewConversation(ctx)
			fmt.Println("started a new conversation")

		case line == "/flush":
			if err := engine.FlushQueue(ctx); err != nil {
				fmt.Printf("flush: %v\n", err)
			}

		case strings.HasPrefix(line, "/"):
			fmt.Printf("unknown command %s\n", line)

		default:
			if _, err := engine.Append(ctx, line); err != nil {
				fmt.Printf("send: %v\n", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("stdin read failed", "error", err)
	}
}

// printer renders assistant progress to stdout. Cumulative snapshots are
// prefix-stable in practice, so it prints the grown suffix; when a snapshot
// rewrites earlier text it reprints the whole message.
type printer struct {
	mu       sync.Mutex
	lastID   string
	lastText string
	running  string
}

func newPrinter() *printer {
	return &printer{}
}

func (p *printer) runningID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *printer) onUpdate(thread []chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = ""
	for i := range thread {
		if thread[i].Role == chat.RoleAssistant && thread[i].Status == chat.StatusRunning {
			p.running = thread[i].ID
		}
	}

	if len(thread) == 0 {
		p.lastID, p.lastText = "", ""
		return
	}

	last := thread[len(thread)-1]
	if last.Role != chat.RoleAssistant {
		return
	}

	text := last.Text()
	if last.ID != p.lastID {
		p.lastID, p.lastText = last.ID, ""
	}

	if strings.HasPrefix(text, p.lastText) {
		fmt.Print(text[len(p.lastText):])
	} else {
		fmt.Printf("\n%s", text)
	}
	p.lastText = text

	if last.Terminal() {
		switch last.Status {
		case chat.StatusError:
			fmt.Printf("\n[error] %s\n", last.ErrorText)
		case chat.StatusCancelled:
			fmt.Println("\n[cancelled]")
		default:
			fmt.Println()
		}
		p.lastID, p.lastText = "", ""
	}
}
