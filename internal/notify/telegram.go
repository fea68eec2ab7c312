package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Telegram pushes order events to a chat via the bot API, with a few retries.
type Telegram struct {
	botToken string
	chatID   string
	client   *http.Client
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *Telegram) Notify(ctx context.Context, event Event) error {
	if t.botToken == "" || t.chatID == "" {
		return fmt.Errorf("telegram notifier not configured")
	}

	o := event.Order
	text := fmt.Sprintf("%s\norder %s\nasset %s status %s\nprice %.6f stop %.6f pnl %.2f (%.2f%%)",
		event.Kind, o.OrderID, o.AssetID, o.Status, o.CurrentPrice, o.StopPrice, o.PnL, o.PnLPercent)

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	payload, _ := json.Marshal(map[string]any{
		"chat_id": t.chatID,
		"text":    text,
	})

	var lastErr error
	for i := 0; i < 3; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode/100 == 2 {
				return nil
			}
			lastErr = fmt.Errorf("telegram status %d", resp.StatusCode)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * time.Second):
		}
	}
	return lastErr
}
