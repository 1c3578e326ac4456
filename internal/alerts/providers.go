package alerts

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// providerTimeout bounds one delivery attempt end to end.
const providerTimeout = 10 * time.Second

// priorityEmoji is the provider-level priority marker used as the first line
// prefix of rich messages.
var priorityEmoji = map[string]string{
	PriorityCritical: "🚨",
	PriorityHigh:     "⚠️",
	PriorityMedium:   "ℹ️",
	PriorityLow:      "📢",
}

// PriorityEmoji returns the emoji for a priority, defaulting to the medium
// marker for unknown labels.
func PriorityEmoji(priority string) string {
	if e, ok := priorityEmoji[priority]; ok {
		return e
	}
	return priorityEmoji[PriorityMedium]
}

// Provider delivers one message to one recipient on a single channel.
type Provider interface {
	Send(ctx context.Context, recipient, message, priority string, metadata map[string]string) ProviderResult
	ValidateRecipient(recipient string) bool
	GetStatus(messageID string) (string, error)
	Name() string
	Close()
}

// tokenBucket is a continuously refilling rate limiter. Wait blocks until a
// token is available or the context is cancelled.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func newTokenBucket(capacity, ratePerSecond float64) *tokenBucket {
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

func (tb *tokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// chatIDPattern matches Telegram chat ids: numeric, negative for groups.
var chatIDPattern = regexp.MustCompile(`^-?\d+$`)

// TelegramProvider sends messages through the Telegram Bot API. One
// process-wide token bucket caps the outbound rate across all chats.
type TelegramProvider struct {
	http    *resty.Client
	limiter *tokenBucket
	log     zerolog.Logger
}

// TelegramConfig configures the Telegram provider.
type TelegramConfig struct {
	BotToken      string
	RatePerMinute int // process-wide cap, default 20
	RetryAttempts int
	RetryBackoff  time.Duration
}

// NewTelegramProvider builds the provider. The bot token is embedded into the
// client's base URL so request paths never carry it.
func NewTelegramProvider(cfg TelegramConfig, log zerolog.Logger) *TelegramProvider {
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 20
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}

	client := resty.New().
		SetBaseURL(fmt.Sprintf("https://api.telegram.org/bot%s", cfg.BotToken)).
		SetTimeout(providerTimeout).
		SetRetryCount(cfg.RetryAttempts).
		SetRetryWaitTime(cfg.RetryBackoff).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json")

	return &TelegramProvider{
		http:    client,
		limiter: newTokenBucket(float64(cfg.RatePerMinute), float64(cfg.RatePerMinute)/60),
		log:     log.With().Str("provider", "telegram").Logger(),
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Send posts one sendMessage call. Markdown parse mode matches the * markers
// in the compact and rich formats.
func (p *TelegramProvider) Send(ctx context.Context, recipient, message, priority string, metadata map[string]string) ProviderResult {
	if !p.ValidateRecipient(recipient) {
		return ProviderResult{Error: fmt.Sprintf("invalid telegram chat id %q", recipient)}
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return ProviderResult{Error: fmt.Sprintf("rate limiter wait aborted: %v", err)}
	}

	var result telegramResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id":    recipient,
			"text":       message,
			"parse_mode": "Markdown",
		}).
		SetResult(&result).
		SetError(&result).
		Post("/sendMessage")
	if err != nil {
		return ProviderResult{Error: fmt.Sprintf("telegram send failed: %v", err)}
	}
	if resp.StatusCode() != http.StatusOK || !result.OK {
		detail := result.Description
		if detail == "" {
			detail = resp.String()
		}
		return ProviderResult{
			Error:    fmt.Sprintf("telegram API status %d: %s", resp.StatusCode(), detail),
			Response: resp.String(),
		}
	}

	return ProviderResult{
		Success:   true,
		MessageID: strconv.FormatInt(result.Result.MessageID, 10),
		Response:  resp.String(),
	}
}

// ValidateRecipient accepts numeric chat ids, negative for groups.
func (p *TelegramProvider) ValidateRecipient(recipient string) bool {
	return chatIDPattern.MatchString(recipient)
}

// GetStatus is unsupported by the Bot API.
func (p *TelegramProvider) GetStatus(string) (string, error) {
	return "", fmt.Errorf("telegram does not support message status lookup")
}

// Name returns the channel name this provider serves.
func (p *TelegramProvider) Name() string { return "telegram" }

// Close releases idle connections.
func (p *TelegramProvider) Close() {
	p.http.GetClient().CloseIdleConnections()
}

// WebhookProvider posts the notification as JSON to a user-supplied URL.
type WebhookProvider struct {
	http *resty.Client
	log  zerolog.Logger
}

// WebhookConfig configures the webhook provider.
type WebhookConfig struct {
	Timeout       time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
}

// NewWebhookProvider builds the provider.
func NewWebhookProvider(cfg WebhookConfig, log zerolog.Logger) *WebhookProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = providerTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryAttempts).
		SetRetryWaitTime(cfg.RetryBackoff).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &WebhookProvider{
		http: client,
		log:  log.With().Str("provider", "webhook").Logger(),
	}
}

type webhookPayload struct {
	Message  string            `json:"message"`
	Priority string            `json:"priority"`
	Metadata map[string]string `json:"metadata,omitempty"`
	SentAt   int64             `json:"sent_at"`
}

// Send posts the payload to the recipient URL. Any 2xx response is success.
func (p *WebhookProvider) Send(ctx context.Context, recipient, message, priority string, metadata map[string]string) ProviderResult {
	if !p.ValidateRecipient(recipient) {
		return ProviderResult{Error: fmt.Sprintf("invalid webhook URL %q", recipient)}
	}

	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(webhookPayload{
			Message:  message,
			Priority: priority,
			Metadata: metadata,
			SentAt:   time.Now().UTC().Unix(),
		}).
		Post(recipient)
	if err != nil {
		return ProviderResult{Error: fmt.Sprintf("webhook post failed: %v", err)}
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return ProviderResult{
			Error:    fmt.Sprintf("webhook status %d", resp.StatusCode()),
			Response: resp.String(),
		}
	}
	return ProviderResult{Success: true, Response: resp.String()}
}

// ValidateRecipient accepts absolute http(s) URLs.
func (p *WebhookProvider) ValidateRecipient(recipient string) bool {
	u, err := url.Parse(recipient)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// GetStatus is unsupported for webhooks.
func (p *WebhookProvider) GetStatus(string) (string, error) {
	return "", fmt.Errorf("webhook does not support message status lookup")
}

// Name returns the channel name this provider serves.
func (p *WebhookProvider) Name() string { return "webhook" }

// Close releases idle connections.
func (p *WebhookProvider) Close() {
	p.http.GetClient().CloseIdleConnections()
}
