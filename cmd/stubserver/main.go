package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"chatbridge/internal/auth"
	"chatbridge/internal/stubserver"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist)
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	port := os.Getenv("STUB_PORT")
	if port == "" {
		port = "5678"
	}

	// JWKS when a key-set URL is configured, shared-secret HMAC otherwise.
	var verifier auth.Verifier
	switch {
	case os.Getenv("STUB_JWKS_URL") != "":
		v, err := auth.NewJWKSVerifier(os.Getenv("STUB_JWKS_URL"), logger)
		if err != nil {
			log.Fatalf("Failed to create JWKS verifier: %v", err)
		}
		verifier = v
		defer v.Close()
	case os.Getenv("STUB_AUTH_SECRET") != "":
		v, err := auth.NewHMACVerifier(os.Getenv("STUB_AUTH_SECRET"), logger)
		if err != nil {
			log.Fatalf("Failed to create verifier: %v", err)
		}
		verifier = v
		defer v.Close()
	}

	var origins []string
	if raw := os.Getenv("STUB_CORS_ORIGINS"); raw != "" {
		origins = strings.Split(raw, ",")
	}

	srv := stubserver.New(stubserver.Options{
		ChatInputKey:      envOr("STUB_CHAT_INPUT_KEY", "chatInput"),
		SessionKey:        envOr("STUB_SESSION_KEY", "sessionId"),
		ChunkDelay:        50 * time.Millisecond,
		KeepAliveInterval: 10 * time.Second,
		Verifier:          verifier,
		AllowedOrigins:    origins,
		Logger:            logger,
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived streams
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("stub server starting", "port", port, "auth", verifier != nil)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
