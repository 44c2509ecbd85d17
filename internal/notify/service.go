// Package notify pushes noteworthy discovery outcomes to external channels.
//
// A Notifier taps the progress event stream and fans selected events out
// to registered channel drivers: terminal run outcomes and newly sighted
// high-risk automations. Everything else on the stream is UI plumbing
// and stays internal.
//
// OSS ships the WebhookDriver (HMAC-SHA256 signed JSON POSTs). Pro adds
// Slack, Teams, and PagerDuty drivers via RegisterDriver.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/darrentmorgan/singura-sub016/internal/config"
	"github.com/darrentmorgan/singura-sub016/pkg/contracts"
	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// ── Notification types ───────────────────────────────────────

const (
	EventDiscoveryCompleted = "discovery.completed"
	EventDiscoveryFailed    = "discovery.failed"
	EventHighRiskAutomation = "automation.high_risk"
)

// Notification is the payload handed to channel drivers.
type Notification struct {
	Event        string             `json:"event"`
	ConnectionID string             `json:"connection_id"`
	RunID        string             `json:"run_id,omitempty"`
	Message      string             `json:"message,omitempty"`
	Automation   *models.Automation `json:"automation,omitempty"`
	SentAt       time.Time          `json:"sent_at"`
}

// ChannelDriver sends one notification to one kind of destination.
type ChannelDriver interface {
	Kind() string
	Send(ctx context.Context, n Notification) error
}

// ── Notifier ─────────────────────────────────────────────────

// Notifier owns the channel driver registry and decides which progress
// events are worth telling someone about.
type Notifier struct {
	mu      sync.RWMutex
	drivers map[string]ChannelDriver
}

// NewNotifier creates a notifier from config. A webhook URL registers
// the built-in webhook driver; with no drivers the notifier is inert.
func NewNotifier(cfg config.NotifyConfig) *Notifier {
	n := &Notifier{drivers: make(map[string]ChannelDriver)}
	if cfg.WebhookURL != "" {
		n.RegisterDriver(NewWebhookDriver(cfg.WebhookURL, cfg.WebhookSecret))
	}
	return n
}

// RegisterDriver adds or replaces a channel driver.
// Pro uses this to register Slack, Teams, and PagerDuty drivers.
func (n *Notifier) RegisterDriver(d ChannelDriver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drivers[d.Kind()] = d
	log.Info().Str("kind", d.Kind()).Msg("🔔 Notification channel registered")
}

// Enabled reports whether any channel driver is registered.
func (n *Notifier) Enabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.drivers) > 0
}

// Observe inspects one progress event and dispatches notifications for
// the ones that matter: terminal run outcomes, and automations that
// first appear at high or critical risk.
func (n *Notifier) Observe(ev models.AutomationEvent) {
	if !n.Enabled() {
		return
	}

	switch ev.Kind {
	case models.EventDiscoveryCompleted:
		n.Dispatch(Notification{
			Event:        EventDiscoveryCompleted,
			ConnectionID: ev.ConnectionID,
			RunID:        ev.RunID,
			Message:      ev.Message,
		})

	case models.EventDiscoveryFailed:
		msg := ev.Message
		if ev.Error != "" {
			msg = ev.Error
		}
		n.Dispatch(Notification{
			Event:        EventDiscoveryFailed,
			ConnectionID: ev.ConnectionID,
			RunID:        ev.RunID,
			Message:      msg,
		})

	case models.EventAutomationAdded:
		if !ev.Created || ev.Automation == nil {
			return
		}
		switch ev.Automation.RiskLevel {
		case models.RiskHigh, models.RiskCritical:
			n.Dispatch(Notification{
				Event:        EventHighRiskAutomation,
				ConnectionID: ev.ConnectionID,
				RunID:        ev.RunID,
				Message:      fmt.Sprintf("%s flagged %s (risk score %d)", ev.Automation.Name, ev.Automation.RiskLevel, ev.Automation.RiskScore),
				Automation:   ev.Automation,
			})
		}
	}
}

// Dispatch fans the notification out to every registered driver.
// Sends run asynchronously: callers sit on the discovery hot path and
// must never wait on a webhook endpoint.
func (n *Notifier) Dispatch(notification Notification) {
	notification.SentAt = time.Now().UTC()

	n.mu.RLock()
	drivers := make([]ChannelDriver, 0, len(n.drivers))
	for _, d := range n.drivers {
		drivers = append(drivers, d)
	}
	n.mu.RUnlock()

	for _, d := range drivers {
		go func(d ChannelDriver) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := d.Send(ctx, notification); err != nil {
				log.Warn().
					Err(err).
					Str("driver", d.Kind()).
					Str("event", notification.Event).
					Str("connection", notification.ConnectionID).
					Msg("Notification failed")
				return
			}
			log.Info().
				Str("driver", d.Kind()).
				Str("event", notification.Event).
				Str("run", notification.RunID).
				Msg("Notification dispatched")
		}(d)
	}
}

// ── Event Stream Tap ─────────────────────────────────────────

// Tap wraps an EventStream so every published event is also offered to
// the notifier. Subscribe and Recent pass through untouched, so the
// orchestrator and SSE handlers never know the tap exists.
func Tap(inner contracts.EventStream, n *Notifier) contracts.EventStream {
	return &tappedStream{inner: inner, notifier: n}
}

type tappedStream struct {
	inner    contracts.EventStream
	notifier *Notifier
}

func (t *tappedStream) Publish(ev models.AutomationEvent) {
	t.inner.Publish(ev)
	t.notifier.Observe(ev)
}

func (t *tappedStream) Subscribe(connectionID string) (<-chan models.AutomationEvent, func()) {
	return t.inner.Subscribe(connectionID)
}

func (t *tappedStream) Recent(connectionID string) []models.AutomationEvent {
	return t.inner.Recent(connectionID)
}

// ── Webhook Channel Driver (OSS built-in) ────────────────────

// WebhookDriver posts signed JSON notifications to a single URL.
type WebhookDriver struct {
	url       string
	secret    string
	client    *http.Client
	retryWait time.Duration
}

// NewWebhookDriver creates the webhook driver. secret may be empty, in
// which case payloads go unsigned.
func NewWebhookDriver(url, secret string) *WebhookDriver {
	return &WebhookDriver{
		url:       url,
		secret:    secret,
		client:    &http.Client{Timeout: 15 * time.Second},
		retryWait: 2 * time.Second,
	}
}

// Kind returns "webhook".
func (d *WebhookDriver) Kind() string { return "webhook" }

// Send posts the notification with up to 3 attempts. Each attempt
// builds a fresh request: the body reader is consumed by a send.
func (d *WebhookDriver) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * d.retryWait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Singura-Webhook/1.0")
		req.Header.Set("X-Singura-Event", n.Event)

		// HMAC-SHA256 signing if a secret is configured
		if d.secret != "" {
			mac := hmac.New(sha256.New, []byte(d.secret))
			mac.Write(body)
			sig := hex.EncodeToString(mac.Sum(nil))
			req.Header.Set("X-Singura-Signature", "sha256="+sig)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, d.url)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
