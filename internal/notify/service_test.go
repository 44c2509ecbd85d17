package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/darrentmorgan/singura-sub016/internal/config"
	"github.com/darrentmorgan/singura-sub016/internal/events"
	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// captureDriver records dispatched notifications for assertions.
type captureDriver struct {
	got chan Notification
}

func newCaptureDriver() *captureDriver {
	return &captureDriver{got: make(chan Notification, 16)}
}

func (c *captureDriver) Kind() string { return "capture" }
func (c *captureDriver) Send(_ context.Context, n Notification) error {
	c.got <- n
	return nil
}

func (c *captureDriver) next(t *testing.T) Notification {
	t.Helper()
	select {
	case n := <-c.got:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func (c *captureDriver) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case n := <-c.got:
		t.Fatalf("unexpected notification: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifier_ObserveFilters(t *testing.T) {
	drv := newCaptureDriver()
	n := NewNotifier(config.NotifyConfig{})
	n.RegisterDriver(drv)

	// Plumbing events never notify
	n.Observe(models.AutomationEvent{Kind: models.EventDiscoveryStarted, ConnectionID: "c1"})
	n.Observe(models.AutomationEvent{Kind: models.EventDiscoveryProgress, ConnectionID: "c1", Progress: 40})
	n.Observe(models.AutomationEvent{Kind: models.EventHeartbeat, ConnectionID: "c1"})

	// Refresh of a known automation, even at high risk: no notification
	n.Observe(models.AutomationEvent{
		Kind:         models.EventAutomationAdded,
		ConnectionID: "c1",
		Automation:   &models.Automation{Name: "known bot", RiskLevel: models.RiskHigh},
	})

	// First sighting at low risk: still no notification
	n.Observe(models.AutomationEvent{
		Kind:         models.EventAutomationAdded,
		ConnectionID: "c1",
		Created:      true,
		Automation:   &models.Automation{Name: "harmless", RiskLevel: models.RiskLow},
	})
	drv.assertQuiet(t)

	// First sighting at critical risk notifies
	n.Observe(models.AutomationEvent{
		Kind:         models.EventAutomationAdded,
		ConnectionID: "c1",
		RunID:        "r1",
		Created:      true,
		Automation:   &models.Automation{Name: "gpt exfiltrator", RiskLevel: models.RiskCritical, RiskScore: 92},
	})
	got := drv.next(t)
	if got.Event != EventHighRiskAutomation {
		t.Errorf("Event = %q, want %q", got.Event, EventHighRiskAutomation)
	}
	if got.Automation == nil || got.Automation.Name != "gpt exfiltrator" {
		t.Errorf("Automation = %+v, want the flagged automation", got.Automation)
	}

	// Terminal outcomes notify
	n.Observe(models.AutomationEvent{
		Kind:         models.EventDiscoveryCompleted,
		ConnectionID: "c1",
		RunID:        "r1",
		Message:      "discovery completed",
	})
	got = drv.next(t)
	if got.Event != EventDiscoveryCompleted {
		t.Errorf("Event = %q, want %q", got.Event, EventDiscoveryCompleted)
	}
	if got.RunID != "r1" {
		t.Errorf("RunID = %q, want %q", got.RunID, "r1")
	}

	n.Observe(models.AutomationEvent{
		Kind:         models.EventDiscoveryFailed,
		ConnectionID: "c1",
		RunID:        "r2",
		Error:        "authentication: token revoked",
	})
	got = drv.next(t)
	if got.Event != EventDiscoveryFailed {
		t.Errorf("Event = %q, want %q", got.Event, EventDiscoveryFailed)
	}
	if got.Message != "authentication: token revoked" {
		t.Errorf("Message = %q, want the error text", got.Message)
	}
}

func TestTap_PassesThroughAndObserves(t *testing.T) {
	bus := events.NewBus()
	drv := newCaptureDriver()
	n := NewNotifier(config.NotifyConfig{})
	n.RegisterDriver(drv)

	stream := Tap(bus, n)

	ch, cancel := stream.Subscribe("c1")
	defer cancel()

	stream.Publish(models.AutomationEvent{
		Kind:         models.EventDiscoveryCompleted,
		ConnectionID: "c1",
		RunID:        "r1",
	})

	// Subscribers still receive through the inner bus
	select {
	case ev := <-ch:
		if ev.Kind != models.EventDiscoveryCompleted {
			t.Errorf("subscriber got kind %q, want %q", ev.Kind, models.EventDiscoveryCompleted)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the event")
	}

	// Recent passes through
	if got := len(stream.Recent("c1")); got != 1 {
		t.Errorf("Recent() len = %d, want 1", got)
	}

	// And the notifier saw it
	if got := drv.next(t); got.Event != EventDiscoveryCompleted {
		t.Errorf("notifier got %q, want %q", got.Event, EventDiscoveryCompleted)
	}
}

func TestWebhookDriver_SignsPayload(t *testing.T) {
	type received struct {
		body  []byte
		event string
		sig   string
		agent string
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{
			body:  body,
			event: r.Header.Get("X-Singura-Event"),
			sig:   r.Header.Get("X-Singura-Signature"),
			agent: r.Header.Get("User-Agent"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewWebhookDriver(srv.URL, "topsecret")
	err := d.Send(context.Background(), Notification{
		Event:        EventDiscoveryCompleted,
		ConnectionID: "c1",
		RunID:        "r1",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	rec := <-got
	if rec.event != EventDiscoveryCompleted {
		t.Errorf("X-Singura-Event = %q, want %q", rec.event, EventDiscoveryCompleted)
	}
	if rec.agent != "Singura-Webhook/1.0" {
		t.Errorf("User-Agent = %q, want %q", rec.agent, "Singura-Webhook/1.0")
	}

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(rec.body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if rec.sig != want {
		t.Errorf("X-Singura-Signature = %q, want %q", rec.sig, want)
	}
}

func TestWebhookDriver_RetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewWebhookDriver(srv.URL, "")
	d.retryWait = time.Millisecond

	if err := d.Send(context.Background(), Notification{Event: EventDiscoveryFailed}); err != nil {
		t.Fatalf("Send() error = %v, want success on third attempt", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestWebhookDriver_GivesUpAfterThreeAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewWebhookDriver(srv.URL, "")
	d.retryWait = time.Millisecond

	if err := d.Send(context.Background(), Notification{Event: EventDiscoveryFailed}); err == nil {
		t.Fatal("Send() expected error after exhausting retries")
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}
