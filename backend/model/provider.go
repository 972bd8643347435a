package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/meanderings/gateway/backend/toolbox"
	"github.com/meanderings/gateway/shared/resilience"
	"github.com/prometheus/client_golang/prometheus"
)

// Family identifies how a provider carries tool requests on the wire.
type Family string

const (
	// FamilyContentBlocks carries tool requests as tool_use content blocks.
	FamilyContentBlocks Family = "content_blocks"
	// FamilyToolCalls carries tool requests in a tool_calls array.
	FamilyToolCalls Family = "tool_calls"
	// FamilyParts carries tool requests as functionCall parts.
	FamilyParts Family = "parts"
)

// Adapter converts canonical conversations into one provider's wire format
// and parses its responses.
type Adapter interface {
	Provider() ProviderKind
	Family() Family
	Model() string

	// TransformToolRegistry converts tool definitions into the provider's
	// declaration schema. Definitions without a usable schema are skipped.
	TransformToolRegistry(definitions []toolbox.Definition) (ToolSet, []SkippedTool)
	Send(ctx context.Context, history []Message, tools ToolSet, opts SendOptions) (TransportResult, error)
	ParseResponse(result TransportResult) (*Response, error)
	ProcessStreamingResponse(ctx context.Context, result TransportResult, onChunk func(string)) (*Response, error)

	// FormatToolCallMessage builds the assistant message asserting call.
	FormatToolCallMessage(text string, call ToolCallInfo) Message
	FormatToolResponseMessage(result, toolName, toolCallID string) Message
	ExtractToolCallInfo(raw RawToolCall) (ToolCallInfo, error)

	// Usage reports token usage of the most recent call.
	Usage() Usage
}

type SendOptions struct {
	SystemPrompt string
	Stream       bool
	Temperature  float64
	MaxTokens    int64
}

// TransportResult is the provider's raw reply: a complete response or an
// open stream.
type TransportResult interface {
	Streaming() bool
	Close() error
}

// RawToolCall is a provider native tool request taken from a response.
type RawToolCall any

type ToolCallInfo struct {
	ID        string
	Name      string
	Arguments string
}

type Response struct {
	Text       string
	ToolCalls  []RawToolCall
	Usage      Usage
	StopReason string
}

func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// ToolSet holds tool declarations in a provider's native form.
type ToolSet struct {
	Names        []string
	Declarations any
}

func (ts ToolSet) Len() int {
	return len(ts.Names)
}

type SkippedTool struct {
	Name   string
	Reason string
}

var (
	ErrUnexpectedResult = errors.New("unexpected transport result")
	ErrUnknownToolCall  = errors.New("unknown tool call type")
)

type ProviderOptions struct {
	URL            string
	HTTPClient     *http.Client
	RetryConfig    *resilience.RetryConfig
	RetryHooks     []resilience.RetryHook
	CircuitBreaker *resilience.CircuitBreaker
	Metrics        *prometheus.Registry
}

type ProviderOption func(*ProviderOptions)

func WithURL(url string) ProviderOption {
	return func(options *ProviderOptions) {
		options.URL = url
	}
}

func WithHTTPClient(client *http.Client) ProviderOption {
	return func(options *ProviderOptions) {
		options.HTTPClient = client
	}
}

func WithRetryConfig(retryConfig *resilience.RetryConfig) ProviderOption {
	return func(options *ProviderOptions) {
		options.RetryConfig = retryConfig
	}
}

func WithRetryHooks(hooks ...resilience.RetryHook) ProviderOption {
	return func(options *ProviderOptions) {
		options.RetryHooks = append(options.RetryHooks, hooks...)
	}
}

func WithCircuitBreaker(circuitBreaker *resilience.CircuitBreaker) ProviderOption {
	return func(options *ProviderOptions) {
		options.CircuitBreaker = circuitBreaker
	}
}

func WithMetrics(metrics *prometheus.Registry) ProviderOption {
	return func(o *ProviderOptions) {
		o.Metrics = metrics
	}
}

func DefaultProviderOptions(name string) *ProviderOptions {
	return &ProviderOptions{
		RetryConfig:    resilience.DefaultRetryConfig(),
		CircuitBreaker: resilience.NewCircuitBreaker(name, 5, 10*time.Second),
	}
}

type ProviderErrorKind string

const (
	ProviderErrorKindInvalidRequest    ProviderErrorKind = "invalid_request"
	ProviderErrorKindAuthentication    ProviderErrorKind = "authentication"
	ProviderErrorKindRateLimitExceeded ProviderErrorKind = "rate_limit_exceeded"
	ProviderErrorKindOverloaded        ProviderErrorKind = "overloaded"
	ProviderErrorKindInternal          ProviderErrorKind = "internal"
	ProviderErrorKindTimeout           ProviderErrorKind = "timeout"
	ProviderErrorKindCanceled          ProviderErrorKind = "canceled"
	ProviderErrorKindUnknown           ProviderErrorKind = "unknown"
)

type ProviderError struct {
	Provider   ProviderKind
	Kind       ProviderErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func NewProviderError(provider ProviderKind, kind ProviderErrorKind, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Kind:     kind,
		Err:      err,
	}
}

func (pe *ProviderError) Message() string {
	switch pe.Kind {
	case ProviderErrorKindInvalidRequest:
		return "Invalid request format or content"
	case ProviderErrorKindAuthentication:
		return "Authentication failed"
	case ProviderErrorKindRateLimitExceeded:
		if pe.RetryAfter > 0 {
			return fmt.Sprintf("Rate limit exceeded, retry after %s", pe.RetryAfter)
		}
		return "Rate limit exceeded"
	case ProviderErrorKindOverloaded:
		return "API temporarily overloaded"
	case ProviderErrorKindInternal:
		return "Internal server error"
	case ProviderErrorKindTimeout:
		return "Request timeout"
	case ProviderErrorKindCanceled:
		return "Request canceled"
	default:
		return "Unknown error"
	}
}

func (pe *ProviderError) Retryable() (bool, time.Duration) {
	switch pe.Kind {
	case ProviderErrorKindRateLimitExceeded:
		return true, pe.RetryAfter
	case ProviderErrorKindOverloaded:
		if pe.RetryAfter > 0 {
			return true, pe.RetryAfter
		}
		return true, 20 * time.Second
	case ProviderErrorKindInternal, ProviderErrorKindTimeout:
		return true, pe.RetryAfter
	default:
		return false, 0
	}
}

func (pe *ProviderError) Error() string {
	if pe.Err != nil {
		return fmt.Sprintf("%s: %s: %s", pe.Provider, pe.Message(), pe.Err.Error())
	}
	return fmt.Sprintf("%s: %s", pe.Provider, pe.Message())
}

func (pe *ProviderError) Unwrap() error {
	return pe.Err
}

// classifyProviderError is the resilience classifier shared by all adapters.
func classifyProviderError(err error) resilience.Classification {
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		return resilience.Classification{Retryable: false}
	}
	retryable, after := providerErr.Retryable()
	return resilience.Classification{Retryable: retryable, RetryAfter: after}
}

// errorFromStatus maps an HTTP failure reported by a provider SDK onto a
// ProviderError.
func errorFromStatus(provider ProviderKind, status int, header http.Header, err error) *ProviderError {
	providerErr := &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Err:        err,
		RetryAfter: parseRetryAfter(header, time.Now()),
	}

	switch {
	case status == http.StatusBadRequest, status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		providerErr.Kind = ProviderErrorKindInvalidRequest
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		providerErr.Kind = ProviderErrorKindAuthentication
	case status == http.StatusTooManyRequests:
		providerErr.Kind = ProviderErrorKindRateLimitExceeded
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		providerErr.Kind = ProviderErrorKindTimeout
	case status == http.StatusServiceUnavailable, status == 529:
		providerErr.Kind = ProviderErrorKindOverloaded
	case status >= 500:
		providerErr.Kind = ProviderErrorKindInternal
	default:
		providerErr.Kind = ProviderErrorKindUnknown
	}

	return providerErr
}

// errorFromContext classifies transport failures that are not HTTP errors.
func errorFromContext(provider ProviderKind, err error) *ProviderError {
	switch {
	case errors.Is(err, context.Canceled):
		return NewProviderError(provider, ProviderErrorKindCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewProviderError(provider, ProviderErrorKindTimeout, err)
	default:
		return NewProviderError(provider, ProviderErrorKindUnknown, err)
	}
}

func parseRetryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

type providerMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newProviderMetrics(registry *prometheus.Registry) *providerMetrics {
	if registry == nil {
		return nil
	}

	metrics := &providerMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_requests_total",
				Help: "Total number of provider requests by outcome",
			},
			[]string{"provider", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_provider_request_duration_seconds",
				Help:    "Duration of provider requests including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
	}

	for _, c := range []prometheus.Collector{metrics.requests, metrics.duration} {
		if err := registry.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
			switch existing := already.ExistingCollector.(type) {
			case *prometheus.CounterVec:
				metrics.requests = existing
			case *prometheus.HistogramVec:
				metrics.duration = existing
			}
		}
	}

	return metrics
}

func (m *providerMetrics) observe(provider ProviderKind, start time.Time, err error) {
	if m == nil {
		return
	}

	outcome := "success"
	if err != nil {
		outcome = string(ProviderErrorKindUnknown)
		var providerErr *ProviderError
		if errors.As(err, &providerErr) {
			outcome = string(providerErr.Kind)
		} else if errors.Is(err, resilience.ErrCircuitOpen) {
			outcome = "circuit_open"
		}
	}

	m.requests.WithLabelValues(string(provider), outcome).Inc()
	m.duration.WithLabelValues(string(provider)).Observe(time.Since(start).Seconds())
}

// transport bundles the resilience policy and metrics shared by adapters.
type transport struct {
	provider       ProviderKind
	retryConfig    *resilience.RetryConfig
	retryHooks     []resilience.RetryHook
	circuitBreaker *resilience.CircuitBreaker
	metrics        *providerMetrics
}

func newTransport(provider ProviderKind, options *ProviderOptions) transport {
	return transport{
		provider:       provider,
		retryConfig:    options.RetryConfig,
		retryHooks:     options.RetryHooks,
		circuitBreaker: options.CircuitBreaker,
		metrics:        newProviderMetrics(options.Metrics),
	}
}

func invoke[T any](ctx context.Context, t transport, call func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	result, err := resilience.Retry(ctx, t.retryConfig, t.circuitBreaker, classifyProviderError, call, t.retryHooks...)
	t.metrics.observe(t.provider, start, err)
	return result, err
}

func buildProviderOptions(provider ProviderKind, opts []ProviderOption) *ProviderOptions {
	options := DefaultProviderOptions(string(provider))
	for _, opt := range opts {
		opt(options)
	}
	return options
}
