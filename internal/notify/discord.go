package notify

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Discord embed limits.
const (
	discordTitleLimit = 256
	discordDescLimit  = 4096
)

// Embed colours.
const (
	colourFailure = 0xE74C3C
	colourSettled = 0x2ECC71
	colourInfo    = 0x3498DB
)

// DiscordSender posts notifications to a Discord webhook as a single embed.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
	now        func() time.Time
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   "OracleX",
		client:     newWebhookClient(),
		now:        time.Now,
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Username        string         `json:"username"`
	Embeds          []discordEmbed `json:"embeds"`
	AllowedMentions struct {
		Parse []string `json:"parse"`
	} `json:"allowed_mentions"`
}

// Send posts one embed. Mentions are disabled since market text is user
// supplied.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	p := discordPayload{
		Username: d.username,
		Embeds: []discordEmbed{{
			Title:       truncate(title, discordTitleLimit),
			Description: truncate(message, discordDescLimit),
			Color:       embedColour(title),
			Timestamp:   d.now().UTC().Format(time.RFC3339),
		}},
	}
	p.AllowedMentions.Parse = []string{}
	return postJSON(ctx, d.client, "discord", d.webhookURL, p)
}

func embedColour(title string) int {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "fail"), strings.Contains(t, "fatal"):
		return colourFailure
	case strings.Contains(t, "settled"):
		return colourSettled
	default:
		return colourInfo
	}
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
