package atel

import "errors"

// Sentinel errors for the three failure stages: configuration (builder
// time), initialization (Initialize time), and instrument creation.
// Recording failures after a successful Initialize are never surfaced as
// errors; they go to the diagnostics logger instead.
var (
	// ErrNotInitialized is returned by operations that require a Ready
	// controller, such as UpdateExporter or LogHandler.
	ErrNotInitialized = errors.New("telemetry not initialized")

	// ErrAlreadyInitialized is returned when Initialize is called with
	// different settings for a signal that is already running. Endpoint and
	// token changes on a running signal must go through UpdateExporter.
	ErrAlreadyInitialized = errors.New("telemetry already initialized")

	// ErrInitializationInProgress is returned to callers that race a
	// concurrent Initialize.
	ErrInitializationInProgress = errors.New("telemetry initialization in progress")

	// ErrInitializationFailed marks the terminal failed state. Once an
	// Initialize attempt fails, the process must restart (or Shutdown must
	// be called) before telemetry can be initialized again.
	ErrInitializationFailed = errors.New("telemetry initialization previously failed")

	// ErrInvalidConfiguration wraps builder-time validation failures.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidEndpoint is returned for endpoints that do not match the
	// accepted grammar: <protocol>://<IPv4|domain>[:<port>][/path].
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrUnsupportedProtocol is returned for endpoint schemes other than
	// grpc, grpcs, http, and https.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")

	// ErrMissingEndpoint is returned at initialization when a requested
	// signal resolves to neither its own endpoint nor the default.
	ErrMissingEndpoint = errors.New("missing endpoint")

	// ErrMissingAuthToken is returned at initialization when a signal
	// resolves to a network endpoint but no auth token is available.
	ErrMissingAuthToken = errors.New("missing auth token")

	// ErrInvalidCertificate is returned when a configured CA certificate
	// file cannot be read or parsed.
	ErrInvalidCertificate = errors.New("invalid CA certificate")

	// ErrInvalidAttribute is returned for invalid resource attributes,
	// such as an empty or malformed service name.
	ErrInvalidAttribute = errors.New("invalid resource attribute")

	// ErrInvalidMetricName is returned when a metric name does not match
	// ^[A-Za-z][A-Za-z_0-9]+$.
	ErrInvalidMetricName = errors.New("invalid metric name")

	// ErrInstrumentKind is returned when an operation is applied to an
	// instrument of an incompatible kind, such as decrementing a counter
	// that was declared monotonic.
	ErrInstrumentKind = errors.New("instrument kind mismatch")

	// ErrUnknownSignal is returned for signal kinds other than metrics,
	// traces, and logs.
	ErrUnknownSignal = errors.New("unknown signal kind")
)
