package payhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mihaimyh/gopayhook/pkg/payhook/internal/httputil"
)

const tracerName = "github.com/mihaimyh/gopayhook/pkg/payhook"

// ErrPayloadTooLarge is returned when a request body exceeds MaxBodyBytes.
var ErrPayloadTooLarge = httputil.ErrPayloadTooLarge

// Disposition is how the pipeline resolved a delivery.
type Disposition string

const (
	DispositionProcessed Disposition = "processed"
	DispositionDuplicate Disposition = "duplicate"
	DispositionFiltered  Disposition = "filtered"
)

// ProcessResult describes an accepted delivery.
type ProcessResult struct {
	Disposition Disposition
	WebhookID   string
	Event       *InboundEvent
	Decision    Decision
	// Handler is set when the event was dispatched
	Handler *HandlerResult
}

// EndpointConfig configures an Endpoint.
type EndpointConfig struct {
	// Name labels logs and metrics. Defaults to the class.
	Name string

	// Class selects which partition of traffic the endpoint processes.
	Class EndpointClass

	// Secrets are the accepted signing secrets. More than one allows rotation.
	Secrets []string

	// Allowlist holds identities routed to the restricted class.
	Allowlist []string

	// Verifier defaults to NewVerifier().
	Verifier *Verifier

	Ledger *Ledger
	Router *Router

	// MaxBodyBytes defaults to 256 KiB.
	MaxBodyBytes int64

	// RateLimit is the number of requests allowed per IP per RateLimitWindow.
	// Zero disables rate limiting.
	RateLimit       int
	RateLimitWindow time.Duration

	// TrustForwardedFor keys the rate limit on the last X-Forwarded-For hop
	// rather than the peer address. Enable it only behind a proxy that
	// appends that header.
	TrustForwardedFor bool

	Logger  Logger
	Metrics Metrics
}

// Endpoint runs deliveries through the pipeline: verify, parse, partition,
// deduplicate, dispatch, record. It implements http.Handler.
type Endpoint struct {
	name     string
	secrets  []string
	verifier *Verifier
	filter   *PartitionFilter
	ledger   *Ledger
	router   *Router
	maxBody  int64
	limiter  *httputil.RateLimiter
	trustXFF bool
	logger   Logger
	metrics  Metrics
}

// NewEndpoint creates an Endpoint.
func NewEndpoint(cfg *EndpointConfig) (*Endpoint, error) {
	if cfg == nil {
		return nil, errors.New("endpoint config is required")
	}
	if len(cfg.Secrets) == 0 {
		return nil, errors.New("at least one signing secret is required")
	}
	if cfg.Ledger == nil || cfg.Router == nil {
		return nil, errors.New("ledger and router are required")
	}

	filter := NewPartitionFilter(cfg.Class, cfg.Allowlist)
	e := &Endpoint{
		name:     cfg.Name,
		secrets:  append([]string(nil), cfg.Secrets...),
		verifier: cfg.Verifier,
		filter:   filter,
		ledger:   cfg.Ledger,
		router:   cfg.Router,
		maxBody:  cfg.MaxBodyBytes,
		trustXFF: cfg.TrustForwardedFor,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if e.name == "" {
		e.name = string(filter.Class())
	}
	if e.verifier == nil {
		e.verifier = NewVerifier()
	}
	if e.maxBody <= 0 {
		e.maxBody = httputil.DefaultMaxBodyBytes
	}
	if cfg.RateLimit > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		e.limiter = httputil.NewRateLimiter(cfg.RateLimit, window)
	}
	if e.logger == nil {
		e.logger = &NoopLogger{}
	}
	if e.metrics == nil {
		e.metrics = &NoopMetrics{}
	}
	if e.verifier.Tolerance() >= e.ledger.ReservationTTL() {
		return nil, fmt.Errorf("reservation TTL %s must exceed signature tolerance %s",
			e.ledger.ReservationTTL(), e.verifier.Tolerance())
	}
	return e, nil
}

// Name returns the endpoint label.
func (e *Endpoint) Name() string { return e.name }

// Class returns the traffic class the endpoint processes.
func (e *Endpoint) Class() EndpointClass { return e.filter.Class() }

// MaxBodyBytes returns the request body limit.
func (e *Endpoint) MaxBodyBytes() int64 { return e.maxBody }

// ClientIP returns the address the rate limit is keyed on.
func (e *Endpoint) ClientIP(r *http.Request) string {
	return httputil.ClientIP(r, e.trustXFF)
}

// AllowRequest applies the per-IP rate limit, if configured.
func (e *Endpoint) AllowRequest(ip string) bool {
	if e.limiter == nil || e.limiter.Allow(ip) {
		return true
	}
	e.metrics.RecordWebhookError(e.name, "rate_limited")
	return false
}

// ReadBody reads the request body within the endpoint's size limit. Oversize
// bodies yield an error matching ErrPayloadTooLarge.
func (e *Endpoint) ReadBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return httputil.ReadBodyStrict(w, r, e.maxBody)
}

// Process runs one delivery through the pipeline. A nil error means the
// delivery should be acknowledged.
func (e *Endpoint) Process(ctx context.Context, body []byte, signatureHeader string) (*ProcessResult, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "payhook.process")
	defer span.End()
	span.SetAttributes(attribute.String("payhook.endpoint", e.name))

	result, err := e.process(ctx, body, signatureHeader)

	eventType := "unknown"
	if result != nil && result.Event != nil {
		eventType = result.Event.Type
	}
	e.metrics.RecordWebhookDuration(e.name, eventType, time.Since(start))

	if err != nil {
		errType := errorType(err)
		e.metrics.RecordWebhookError(e.name, errType)
		e.metrics.RecordWebhookEvent(e.name, eventType, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, errType)
		return result, err
	}

	outcome := string(result.Disposition)
	if result.Handler != nil {
		outcome = string(result.Handler.Outcome)
	}
	e.metrics.RecordWebhookEvent(e.name, eventType, outcome)
	span.SetAttributes(
		attribute.String("payhook.webhook_id", result.WebhookID),
		attribute.String("payhook.outcome", outcome),
	)
	return result, nil
}

func (e *Endpoint) process(ctx context.Context, body []byte, signatureHeader string) (*ProcessResult, error) {
	if !e.verifier.Verify(body, signatureHeader, e.secrets...) {
		e.logger.Warn("webhook signature rejected", Field{"endpoint", e.name})
		return nil, ErrSignatureInvalid
	}

	event, err := ParseEvent(body, signatureHeader)
	if err != nil {
		e.logger.Warn("webhook payload rejected",
			Field{"endpoint", e.name},
			Field{"error", err},
		)
		return nil, err
	}
	result := &ProcessResult{Event: event}

	result.Decision = e.filter.Route(event)
	if !result.Decision.Allowed {
		e.logger.Debug("event belongs to the other endpoint class",
			Field{"endpoint", e.name},
			Field{"event_id", event.ID},
			Field{"class", result.Decision.Class},
		)
		result.Disposition = DispositionFiltered
		return result, nil
	}

	webhookID, err := IDFor(event)
	if err != nil {
		return result, err
	}
	result.WebhookID = webhookID

	processed, err := e.ledger.IsProcessed(ctx, webhookID)
	if err != nil {
		return result, err
	}
	if processed {
		result.Disposition = DispositionDuplicate
		return result, nil
	}

	record := &ProcessingRecord{
		WebhookID: webhookID,
		EventID:   event.ID,
		EventType: event.Type,
		Source:    e.filter.Class().Source(),
	}
	if err := e.ledger.Reserve(ctx, record); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			result.Disposition = DispositionDuplicate
			return result, nil
		}
		return result, err
	}

	handled, err := e.router.Dispatch(ctx, event)
	if err != nil {
		e.logger.Error("webhook handler failed",
			Field{"endpoint", e.name},
			Field{"event_id", event.ID},
			Field{"event_type", event.Type},
			Field{"error", err},
		)
		if relErr := e.ledger.Release(context.WithoutCancel(ctx), webhookID); relErr != nil {
			e.logger.Error("failed to release reservation",
				Field{"webhook_id", webhookID},
				Field{"error", relErr},
			)
		}
		return result, err
	}
	result.Handler = handled
	result.Disposition = DispositionProcessed

	if err := e.ledger.MarkProcessed(context.WithoutCancel(ctx), record); err != nil {
		// effects are applied; the reservation still blocks redelivery until it goes stale
		e.logger.Error("failed to mark event processed",
			Field{"webhook_id", webhookID},
			Field{"event_id", event.ID},
			Field{"error", err},
		)
	}

	e.logger.Info("webhook processed",
		Field{"endpoint", e.name},
		Field{"event_id", event.ID},
		Field{"event_type", event.Type},
		Field{"outcome", handled.Outcome},
		Field{"order_id", handled.OrderID},
	)
	return result, nil
}

// ServeHTTP implements http.Handler.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httputil.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		_ = httputil.WriteJSON(w, http.StatusMethodNotAllowed, errorBody("method not allowed"))
		return
	}
	if !e.AllowRequest(e.ClientIP(r)) {
		_ = httputil.WriteJSON(w, http.StatusTooManyRequests, errorBody("rate limit exceeded"))
		return
	}

	body, err := e.ReadBody(w, r)
	if err != nil {
		status, resp := ResponseFor(nil, err)
		e.metrics.RecordWebhookError(e.name, errorType(err))
		_ = httputil.WriteJSON(w, status, resp)
		return
	}

	result, err := e.Process(r.Context(), body, r.Header.Get(SignatureHeader))
	status, resp := ResponseFor(result, err)
	_ = httputil.WriteJSON(w, status, resp)
}

// ResponseFor maps a Process outcome to an HTTP status and JSON body.
// Only ledger and handler failures ask the gateway to retry.
func ResponseFor(_ *ProcessResult, err error) (int, interface{}) {
	switch {
	case err == nil:
		return http.StatusOK, map[string]bool{"received": true}
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, errorBody("payload too large")
	case errors.Is(err, ErrSignatureInvalid):
		return http.StatusBadRequest, errorBody("invalid signature")
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, httputil.ErrEmptyBody):
		return http.StatusBadRequest, errorBody("invalid payload")
	default:
		return http.StatusInternalServerError, errorBody("webhook processing failed")
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, httputil.ErrEmptyBody):
		return "invalid_payload"
	case errors.Is(err, ErrLedgerUnavailable):
		return "ledger_unavailable"
	case errors.Is(err, ErrHandlerFailure):
		return "handler_failure"
	default:
		return "internal"
	}
}
