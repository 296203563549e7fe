// Package notify delivers operator/requester notifications over the
// Telegram bot API. Delivery is best-effort: Notify detaches into a
// goroutine and failures are logged, never propagated into the pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chatopsd/internal/config"
	"github.com/fyrsmithlabs/chatopsd/internal/logging"
	"github.com/fyrsmithlabs/chatopsd/internal/telemetry"
)

const defaultAPIRoot = "https://api.telegram.org"

// Telegram sends messages through the bot sendMessage endpoint.
type Telegram struct {
	token   string
	apiRoot string
	client  *http.Client
	metrics *telemetry.Metrics
	log     *logging.Logger
}

// NewTelegram creates a notifier from config.
func NewTelegram(cfg config.TelegramConfig, metrics *telemetry.Metrics, logger *logging.Logger) *Telegram {
	apiRoot := cfg.APIRoot
	if apiRoot == "" {
		apiRoot = defaultAPIRoot
	}
	timeout := cfg.RequestTimeout.Duration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Telegram{
		token:   cfg.BotToken,
		apiRoot: apiRoot,
		client:  &http.Client{Timeout: timeout},
		metrics: metrics,
		log:     logger.Named("notify"),
	}
}

// Send delivers one message synchronously. Used by the channel adapter for
// acknowledgements where ordering matters.
func (t *Telegram) Send(ctx context.Context, chatID, text string) error {
	if t.token == "" || chatID == "" {
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiRoot, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendMessage failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sendMessage returned status %d", resp.StatusCode)
	}
	return nil
}

// Notify delivers fire-and-forget: it returns immediately and swallows
// delivery errors after logging them.
func (t *Telegram) Notify(chatID, text string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.client.Timeout)
		defer cancel()
		if err := t.Send(ctx, chatID, text); err != nil {
			t.metrics.NotifyDropsTotal.Inc()
			t.log.Warn("notification dropped",
				zap.String("chat_id", chatID),
				zap.String("text", firstLine(text)),
				zap.Error(err))
		}
	}()
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
