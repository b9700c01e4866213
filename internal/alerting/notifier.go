package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Severity grades operator alerts.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification 封装需要人工跟进的结算事件。
type Notification struct {
	Severity  Severity
	QuoteID   string
	Direction string
	Reason    string
	TxHash    string
	Amount    string
	Currency  string
	At        time.Time
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if !result.OK {
		if result.Description != "" {
			return fmt.Errorf("telegram api error: %s", result.Description)
		}
		return fmt.Errorf("telegram api error (%d)", resp.StatusCode)
	}

	n.logger.Debug().Str("quote_id", note.QuoteID).Msg("operator alert dispatched")
	return nil
}

func renderMessage(note Notification) string {
	var b strings.Builder
	switch note.Severity {
	case SeverityCritical:
		b.WriteString("🚨 CRITICAL: ")
	default:
		b.WriteString("⚠️ ")
	}
	b.WriteString(note.Reason)
	b.WriteString("\n")
	if note.QuoteID != "" {
		fmt.Fprintf(&b, "quote: %s (%s)\n", note.QuoteID, note.Direction)
	}
	if note.Amount != "" {
		fmt.Fprintf(&b, "amount: %s %s\n", note.Amount, note.Currency)
	}
	if note.TxHash != "" {
		fmt.Fprintf(&b, "tx: %s\n", note.TxHash)
	}
	at := note.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	fmt.Fprintf(&b, "at: %s", at.UTC().Format(time.RFC3339))
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
