package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"gorm.io/gorm"

	"tessera/models"
	"tessera/observability"
	"tessera/observability/logging"
)

const (
	maxAttempts             = 3
	maxConcurrentDeliveries = 10
	defaultAttemptTimeout   = 30 * time.Second
)

// retryDelays are the fixed waits between delivery attempts; with
// maxAttempts attempts only the first maxAttempts-1 entries are used.
var retryDelays = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// Config bundles dispatcher dependencies.
type Config struct {
	DB         *gorm.DB
	URL        string
	Secret     string
	Production bool
	Timeout    time.Duration
	RateLimit  int
	Now        func() time.Time
}

// Dispatcher delivers signed webhook events with at-least-once semantics.
// Callers never block on delivery; Fire detaches a goroutine per event.
type Dispatcher struct {
	db         *gorm.DB
	url        string
	secret     string
	production bool
	rateLimit  int
	client     *http.Client
	now        func() time.Time
	sleep      func(time.Duration)
	lookupIP   func(ctx context.Context, host string) ([]net.IPAddr, error)
	log        *slog.Logger
	metrics    *observability.ServiceMetrics
	otel       *dispatcherMetrics
	limiter    *RateLimiter

	mu  sync.Mutex
	sem chan struct{}

	wg sync.WaitGroup
}

// New constructs a Dispatcher. A missing URL yields a dispatcher whose Fire
// is a silent no-op, matching the delivery contract.
func New(cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		db:         cfg.DB,
		url:        cfg.URL,
		secret:     cfg.Secret,
		production: cfg.Production,
		rateLimit:  cfg.RateLimit,
		client:     &http.Client{Timeout: timeout},
		now:        now,
		sleep:      time.Sleep,
		lookupIP: func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return net.DefaultResolver.LookupIPAddr(ctx, host)
		},
		log:     logging.Component("webhooks"),
		metrics: observability.Service(),
		otel:    dispatchMetrics(),
		limiter: NewRateLimiter(),
	}
}

// semaphore returns the shared backpressure bound, created lazily so tests
// that reset the dispatcher get a fresh one.
func (d *Dispatcher) semaphore() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sem == nil {
		d.sem = make(chan struct{}, maxConcurrentDeliveries)
	}
	return d.sem
}

// Reset discards the semaphore so the next Fire recreates it. Used between
// test runs.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.sem = nil
	d.mu.Unlock()
}

// Wait blocks until in-flight deliveries finish. Test helper.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Fire schedules delivery of an event without blocking the caller. The
// spawned goroutine is detached from any request context: request
// cancellation does not abort deliveries already fired.
func (d *Dispatcher) Fire(event Event) {
	if d == nil || d.url == "" {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliverWithTracking(context.Background(), event)
	}()
}

func (d *Dispatcher) deliverWithTracking(ctx context.Context, event Event) {
	deliveryID := d.createDeliveryRecord(event)
	d.deliver(ctx, event, deliveryID)
}

func (d *Dispatcher) createDeliveryRecord(event Event) *models.WebhookDelivery {
	delivery := &models.WebhookDelivery{
		ID:        uuid.New(),
		EventType: string(event.Event),
		Payload:   models.JSON(event),
		URL:       d.url,
		Status:    models.DeliveryPending,
		CreatedAt: d.now().UTC(),
	}
	if err := d.db.Create(delivery).Error; err != nil {
		d.log.Error("failed to create webhook delivery record", "error", err)
		return nil
	}
	return delivery
}

func (d *Dispatcher) deliver(ctx context.Context, event Event, delivery *models.WebhookDelivery) {
	if err := d.validateURL(ctx, d.url); err != nil {
		var validation *URLValidationError
		if errors.As(err, &validation) {
			d.log.Error("webhook URL validation failed", "error", validation.Reason)
			d.finishDelivery(delivery, models.DeliveryFailed, 0, "URL validation failed: "+validation.Reason, 0)
			d.recordOutcome(event, "blocked")
			return
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.finishDelivery(delivery, models.DeliveryFailed, 0, "marshal event: "+err.Error(), 0)
		d.recordOutcome(event, "error")
		return
	}

	if !d.limiter.Allow(d.url, d.rateLimit, d.now()) {
		reset := d.limiter.ResetAt(d.url, d.now())
		d.sleep(time.Until(reset))
	}

	sem := d.semaphore()
	sem <- struct{}{}
	defer func() { <-sem }()

	var lastError string
	var lastStatus int
	for attempt := 0; attempt < maxAttempts; attempt++ {
		status, err := d.post(ctx, payload, event)
		if err == nil && status < 300 {
			d.log.Info("webhook delivered", "event", event.Event, "status", status)
			d.finishDelivery(delivery, models.DeliveryDelivered, attempt+1, "", status)
			d.recordOutcome(event, "delivered")
			return
		}
		if err != nil {
			lastError = truncate(err.Error(), 500)
			d.log.Warn("webhook delivery error", "attempt", attempt+1, "error", err)
		} else {
			lastStatus = status
			lastError = truncate(fmt.Sprintf("unexpected status %d", status), 500)
			d.log.Warn("webhook delivery failed", "attempt", attempt+1, "status", status)
		}
		if attempt < maxAttempts-1 {
			d.sleep(retryDelays[attempt])
		}
	}

	d.log.Error("webhook delivery failed after retries", "event", event.Event, "attempts", maxAttempts)
	d.finishDelivery(delivery, models.DeliveryFailed, maxAttempts, lastError, lastStatus)
	d.recordOutcome(event, "failed")
}

func (d *Dispatcher) post(ctx context.Context, payload []byte, event Event) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tessera-Event", string(event.Event))
	req.Header.Set("X-Tessera-Timestamp", event.Timestamp.UTC().Format(time.RFC3339Nano))
	if d.secret != "" {
		req.Header.Set("X-Tessera-Signature", "sha256="+Sign(d.secret, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func (d *Dispatcher) finishDelivery(delivery *models.WebhookDelivery, status models.DeliveryStatus, attempts int, lastError string, lastStatus int) {
	if delivery == nil {
		return
	}
	now := d.now().UTC()
	updates := map[string]any{
		"status":           status,
		"attempts":         attempts,
		"last_error":       truncate(lastError, 1024),
		"last_status_code": lastStatus,
		"last_attempt_at":  &now,
	}
	if status == models.DeliveryDelivered {
		updates["delivered_at"] = &now
	}
	if err := d.db.Model(&models.WebhookDelivery{}).Where("id = ?", delivery.ID).Updates(updates).Error; err != nil {
		d.log.Error("failed to update webhook delivery record", "error", err)
	}
}

func (d *Dispatcher) recordOutcome(event Event, outcome string) {
	d.metrics.RecordDelivery(string(event.Event), outcome)
	d.otel.record(string(event.Event), outcome)
}

// Sign computes the lowercase hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

var (
	dispatchMetricsOnce sync.Once
	sharedDispatchMetrics *dispatcherMetrics
)

type dispatcherMetrics struct {
	outcomes metric.Int64Counter
}

func dispatchMetrics() *dispatcherMetrics {
	dispatchMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("tessera/webhooks")
		counter, err := meter.Int64Counter("tessera.webhooks.outcomes")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("tessera/webhooks")
			counter, _ = fallback.Int64Counter("tessera.webhooks.outcomes")
		}
		sharedDispatchMetrics = &dispatcherMetrics{outcomes: counter}
	})
	return sharedDispatchMetrics
}

func (m *dispatcherMetrics) record(event, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("outcome", outcome),
	))
}
