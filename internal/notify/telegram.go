package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
)

const (
	telegramAPI = "https://api.telegram.org"
	// Leaves room in the 4096 limit for the title and escaping.
	telegramBodyLimit = 3000
)

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat
// ID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:   token,
		chatID:  chatID,
		baseURL: telegramAPI,
		client:  newWebhookClient(),
	}
}

// Send posts a message with sendMessage. The title is bold; both parts are
// HTML-escaped because market text is user supplied.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.baseURL, "/"), t.token)

	payload := map[string]any{
		"chat_id":                  t.chatID,
		"text":                     fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(title), html.EscapeString(truncate(message, telegramBodyLimit))),
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}

	return postJSON(ctx, t.client, "telegram", url, payload)
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
