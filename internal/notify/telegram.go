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

	"github.com/mbd888/swapdesk/internal/retry"
)

// Telegram posts notifications to a chat through the Bot API sendMessage
// method.
type Telegram struct {
	apiURL string
	token  string
	chatID string
	client *http.Client
	policy retry.Policy
}

// NewTelegram creates a Telegram sink. apiURL is normally
// https://api.telegram.org.
func NewTelegram(apiURL, botToken, chatID string) *Telegram {
	return &Telegram{
		apiURL: strings.TrimRight(apiURL, "/"),
		token:  botToken,
		chatID: chatID,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy: retry.Default,
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(map[string]any{
		"chat_id":                  t.chatID,
		"text":                     msg.Text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}

	endpoint := t.apiURL + "/bot" + t.token + "/sendMessage"
	return retry.Do(ctx, t.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			// The URL embeds the bot token; keep it out of logs.
			return fmt.Errorf("telegram request failed: %s", strings.ReplaceAll(err.Error(), t.token, "***"))
		}
		defer func() { _ = resp.Body.Close() }()

		var result struct {
			OK          bool   `json:"ok"`
			Description string `json:"description"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&result)

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("telegram returned status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK || !result.OK {
			return retry.Permanent(fmt.Errorf("telegram rejected message: status %d: %s", resp.StatusCode, result.Description))
		}
		return nil
	})
}
