// Package notifier delivers signed revocation notifications to vendor tool
// webhooks. Delivery is fire-and-forget from the caller's point of view:
// requests are retried with exponential backoff in the background and a
// permanent failure is logged, never surfaced to the revoking request.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/onesub/tool-auth/instrumentation"
	"github.com/onesub/tool-auth/security"
	"github.com/onesub/tool-auth/storage"
)

const (
	// SignatureHeader carries the timestamped HMAC signature of the payload.
	SignatureHeader = "X-1Sub-Signature"

	// EventAccessRevoked is the event type for revocation notifications.
	EventAccessRevoked = "access.revoked"

	// DefaultMaxTries is the total number of delivery attempts, including
	// the first.
	DefaultMaxTries = 5

	// DefaultAttemptTimeout bounds a single HTTP attempt.
	DefaultAttemptTimeout = 10 * time.Second

	// DefaultDeliveryTimeout bounds the whole retry sequence for one event.
	DefaultDeliveryTimeout = 2 * time.Minute
)

// Event is the payload delivered to a vendor webhook.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	Data      EventData `json:"data"`
}

// EventData carries the revocation details.
type EventData struct {
	UserID    string    `json:"userId"`
	ToolID    string    `json:"toolId"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revokedAt"`
}

// PropagationStore is the subset of the revocation store the notifier needs
// to record successful delivery.
type PropagationStore interface {
	MarkPropagated(ctx context.Context, revocationID string) error
}

// Config holds notifier configuration.
type Config struct {
	// HTTPClient is the client used for deliveries. When nil, a client with
	// the attempt timeout is created.
	HTTPClient *http.Client

	// MaxTries is the total number of attempts per event (default 5).
	MaxTries int

	// AttemptTimeout bounds a single HTTP attempt (default 10s).
	AttemptTimeout time.Duration

	// DeliveryTimeout bounds the whole retry sequence (default 2m).
	DeliveryTimeout time.Duration

	// Store records successful propagation. Optional.
	Store PropagationStore

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger
}

// Notifier delivers revocation events to vendor webhooks.
type Notifier struct {
	client          *http.Client
	maxTries        int
	attemptTimeout  time.Duration
	deliveryTimeout time.Duration
	store           PropagationStore

	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

// New creates a notifier.
func New(cfg Config) *Notifier {
	maxTries := cfg.MaxTries
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}
	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	deliveryTimeout := cfg.DeliveryTimeout
	if deliveryTimeout <= 0 {
		deliveryTimeout = DefaultDeliveryTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: attemptTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Notifier{
		client:          client,
		maxTries:        maxTries,
		attemptTimeout:  attemptTimeout,
		deliveryTimeout: deliveryTimeout,
		store:           cfg.Store,
		logger:          logger,
	}
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (n *Notifier) SetInstrumentation(inst *instrumentation.Instrumentation) {
	n.instrumentation = inst
}

// NotifyRevoked delivers an access.revoked event to the tool's webhook in the
// background. Tools without a webhook URL are skipped. The call returns
// immediately; delivery failures are retried and ultimately only logged.
func (n *Notifier) NotifyRevoked(tool *storage.Tool, record *storage.RevocationRecord) {
	if tool == nil || record == nil || tool.WebhookURL == "" {
		return
	}

	event := &Event{
		ID:        uuid.NewString(),
		Type:      EventAccessRevoked,
		CreatedAt: time.Now(),
		Data: EventData{
			UserID:    record.UserID,
			ToolID:    record.ToolID,
			Reason:    record.Reason,
			RevokedAt: record.RevokedAt,
		},
	}

	go n.deliver(tool, record.ID, event)
}

func (n *Notifier) deliver(tool *storage.Tool, revocationID string, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), n.deliveryTimeout)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("Failed to marshal revocation event",
			"event_id", event.ID,
			"tool_id", tool.ID,
			"error", err)
		return
	}

	operation := func() (struct{}, error) {
		return struct{}{}, n.attempt(ctx, tool, payload)
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(n.maxTries)),
		backoff.WithNotify(func(err error, duration time.Duration) {
			n.logger.Debug("Retrying revocation webhook delivery",
				"event_id", event.ID,
				"tool_id", tool.ID,
				"retry_in", duration,
				"error", err)
		}),
	)

	n.recordDelivery(ctx, err == nil)

	if err != nil {
		n.logger.Warn("Revocation webhook delivery failed permanently",
			"event_id", event.ID,
			"tool_id", tool.ID,
			"webhook_url", tool.WebhookURL,
			"error", err)
		return
	}

	n.logger.Info("Delivered revocation webhook",
		"event_id", event.ID,
		"tool_id", tool.ID)

	if n.store != nil {
		if err := n.store.MarkPropagated(ctx, revocationID); err != nil {
			n.logger.Warn("Failed to mark revocation propagated",
				"revocation_id", revocationID,
				"error", err)
		}
	}
}

// attempt performs a single signed POST to the tool's webhook. Any non-2xx
// response is an error so the backoff loop retries it.
func (n *Notifier) attempt(ctx context.Context, tool *storage.Tool, payload []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, n.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, tool.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build webhook request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	if tool.WebhookSecret != "" {
		req.Header.Set(SignatureHeader, security.SignPayload(payload, tool.WebhookSecret, time.Now()))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	err = fmt.Errorf("webhook returned status %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		// Client errors won't heal on retry.
		return backoff.Permanent(err)
	}
	return err
}

func (n *Notifier) recordDelivery(ctx context.Context, success bool) {
	if n.instrumentation == nil {
		return
	}
	n.instrumentation.Metrics().RecordWebhookDelivery(ctx, success)
}
