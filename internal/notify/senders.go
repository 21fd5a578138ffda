package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/auctionhouse/internal/crypto"
	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

const sendTimeout = 10 * time.Second

// postJSON posts body to url and treats any non-2xx answer as an error
// carrying a short excerpt of the response.
func postJSON(ctx context.Context, client *http.Client, sender, url string, body []byte, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", sender, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: post: %w", sender, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", sender, resp.StatusCode, bytes.TrimSpace(excerpt))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// TelegramSender posts rendered events to a chat through the Bot API.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for a bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiBase: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: sendTimeout},
	}
}

// Send posts msg as HTML. Auction ids and accounts are escaped.
func (t *TelegramSender) Send(ctx context.Context, msg Message) error {
	text := "<b>" + html.EscapeString(msg.Title) + "</b>\n" + html.EscapeString(msg.Body)
	body, err := json.Marshal(map[string]any{
		"chat_id":                  t.chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
		// Bid updates arrive silently.
		"disable_notification": msg.Event.Type == domain.EventBidAccepted,
	})
	if err != nil {
		return fmt.Errorf("telegram: encode: %w", err)
	}
	return postJSON(ctx, t.client, t.Name(), t.apiBase+"/bot"+t.token+"/sendMessage", body, nil)
}

func (t *TelegramSender) Name() string { return "telegram" }

// DiscordSender posts rendered events to a Discord webhook as embeds.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: sendTimeout},
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp,omitempty"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

// embedColor picks the sidebar color for an event type.
func embedColor(t domain.EventType) int {
	switch t {
	case domain.EventAuctionSettled:
		return 0x2ecc71
	case domain.EventSettlementFailed:
		return 0xe74c3c
	case domain.EventAuctionCancelled:
		return 0x95a5a6
	case domain.EventBidAccepted:
		return 0xf1c40f
	}
	return 0x3498db
}

// Send posts msg as a single embed.
func (d *DiscordSender) Send(ctx context.Context, msg Message) error {
	e := discordEmbed{
		Title:       msg.Title,
		Description: msg.Body,
		Color:       embedColor(msg.Event.Type),
	}
	if !msg.Event.At.IsZero() {
		e.Timestamp = msg.Event.At.UTC().Format(time.RFC3339)
	}
	e.Footer.Text = "auction " + msg.Event.AuctionID

	body, err := json.Marshal(map[string]any{
		"embeds":           []discordEmbed{e},
		"allowed_mentions": map[string]any{"parse": []string{}},
	})
	if err != nil {
		return fmt.Errorf("discord: encode: %w", err)
	}
	return postJSON(ctx, d.client, d.Name(), d.webhookURL, body, nil)
}

func (d *DiscordSender) Name() string { return "discord" }

// WebhookSender posts the raw event as JSON. Requests carry an HMAC
// signature when a secret is configured.
type WebhookSender struct {
	url    string
	signer crypto.WebhookSigner
	client *http.Client
}

// NewWebhookSender creates a WebhookSender. An empty secret sends unsigned
// requests.
func NewWebhookSender(url, secret string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		signer: crypto.WebhookSigner{Secret: secret},
		client: &http.Client{Timeout: sendTimeout},
	}
}

// Send posts msg.Event to the webhook URL.
func (w *WebhookSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg.Event)
	if err != nil {
		return fmt.Errorf("webhook: encode event: %w", err)
	}
	header := http.Header{}
	if w.signer.Secret != "" {
		for k, v := range w.signer.Headers(body) {
			header.Set(k, v)
		}
	}
	return postJSON(ctx, w.client, w.Name(), w.url, body, header)
}

func (w *WebhookSender) Name() string { return "webhook" }
