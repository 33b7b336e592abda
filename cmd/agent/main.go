// Command agent keeps one page joined and prints the collaboration events it
// receives. It is the headless client used for smoke tests against a running API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"folio/api/internal/collab"
	"folio/api/internal/logging"
	"folio/api/internal/syncagent"

	"go.uber.org/zap"
)

func main() {
	logger := logging.New(getenv("FOLIO_LOG_LEVEL", "info"), getenv("FOLIO_LOG_FORMAT", "console"))
	defer func() { _ = logger.Sync() }()

	apiURL := getenv("FOLIO_API_URL", "http://localhost:8787")
	token := strings.TrimSpace(os.Getenv("FOLIO_TOKEN"))
	pageID := strings.TrimSpace(os.Getenv("FOLIO_PAGE_ID"))
	if token == "" || pageID == "" {
		logger.Fatal("FOLIO_TOKEN and FOLIO_PAGE_ID are required")
	}

	socketURL, err := syncagent.SocketURL(apiURL)
	if err != nil {
		logger.Fatal("invalid api url", zap.Error(err))
	}

	opts := []syncagent.Option{
		syncagent.WithObserver(func(env collab.Envelope) {
			logger.Info("event", zap.String("event", env.Event), zap.ByteString("data", env.Data))
		}),
	}
	if raw := os.Getenv("FOLIO_DEBOUNCE_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			logger.Fatal("FOLIO_DEBOUNCE_MS must be a non-negative integer", zap.String("value", raw))
		}
		opts = append(opts, syncagent.WithDebounce(time.Duration(ms)*time.Millisecond))
	}

	client := syncagent.NewClient(apiURL, token, &http.Client{Timeout: 15 * time.Second})
	dialer := syncagent.WSDialer{URL: socketURL, Token: token, Logger: logger}
	agent := syncagent.New(pageID, client, dialer, logger, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("agent starting", zap.String("socket", socketURL), zap.String("page_id", pageID))
	if err := agent.Run(ctx); err != nil {
		logger.Fatal("agent stopped", zap.Error(err))
	}
	logger.Info("agent stopped")
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
