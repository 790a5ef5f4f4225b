// Package notify delivers alert notifications to configured channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"grimm.is/warden/internal/alert"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
)

// Dispatcher fans alert events out to notification channels, each with
// its own minimum severity.
type Dispatcher struct {
	logger *logging.Logger
	client *http.Client

	mu  sync.RWMutex
	cfg *config.NotificationsConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg *config.NotificationsConfig, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		logger: logger.WithComponent("notify"),
		client: &http.Client{Timeout: 10 * time.Second},
		cfg:    cfg,
	}
}

// UpdateConfig swaps the channel set, for config reload.
func (d *Dispatcher) UpdateConfig(cfg *config.NotificationsConfig) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

// Start subscribes to alert events on the hub. Delivery failures are
// logged and never block the pipeline.
func (d *Dispatcher) Start(ctx context.Context, hub *events.Hub) {
	ctx, d.cancel = context.WithCancel(ctx)
	sub := hub.Subscribe(64, events.EventAlert)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer hub.Unsubscribe(sub)

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				data, ok := ev.Data.(events.AlertData)
				if !ok {
					continue
				}
				d.dispatch(data)
			}
		}
	}()
}

// Stop halts delivery. Idempotent.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(a events.AlertData) {
	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	if cfg == nil || !cfg.Enabled {
		return
	}

	for i := range cfg.Channels {
		ch := cfg.Channels[i]
		if !ch.ChannelEnabled() {
			continue
		}
		if ch.Level != "" && !alert.SeverityAtLeast(a.Severity, ch.Level) {
			continue
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.send(ch, a); err != nil {
				d.logger.Error("Failed to deliver notification",
					"channel", ch.Name, "type", ch.Type, "error", err)
			}
		}()
	}
}

func (d *Dispatcher) send(ch config.NotificationChannel, a events.AlertData) error {
	switch strings.ToLower(ch.Type) {
	case "webhook", "slack", "discord":
		return d.sendWebhook(ch, a)
	case "ntfy":
		return d.sendNtfy(ch, a)
	default:
		return fmt.Errorf("unknown channel type: %s", ch.Type)
	}
}

func title(a events.AlertData) string {
	return fmt.Sprintf("Keyword alert (%s): %s", a.Severity, a.Keyword)
}

func message(a events.AlertData) string {
	return fmt.Sprintf("Device %s matched %q (category %s)", a.DeviceMAC, a.Keyword, a.Category)
}

func (d *Dispatcher) sendWebhook(ch config.NotificationChannel, a events.AlertData) error {
	if ch.URL == "" {
		return fmt.Errorf("missing url")
	}

	payload := map[string]any{
		"text": fmt.Sprintf("*%s*\n%s", title(a), message(a)),
	}
	if strings.ToLower(ch.Type) == "discord" {
		payload = map[string]any{
			"content": fmt.Sprintf("**%s**\n%s", title(a), message(a)),
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := d.client.Post(ch.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) sendNtfy(ch config.NotificationChannel, a events.AlertData) error {
	if ch.URL == "" {
		return fmt.Errorf("missing url")
	}

	req, err := http.NewRequest(http.MethodPost, ch.URL, strings.NewReader(message(a)))
	if err != nil {
		return err
	}
	req.Header.Set("Title", title(a))
	switch strings.ToLower(a.Severity) {
	case alert.SeverityCritical, alert.SeverityHigh:
		req.Header.Set("Priority", "high")
		req.Header.Set("Tags", "rotating_light")
	case alert.SeverityMedium:
		req.Header.Set("Priority", "default")
		req.Header.Set("Tags", "warning")
	default:
		req.Header.Set("Priority", "low")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("ntfy failed with status %d", resp.StatusCode)
	}
	return nil
}
