package atel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

const (
	// SDKVersion is exported as the client.sdk.version resource attribute.
	SDKVersion = "0.3.0"

	// SchemaVersion is exported as the schema.version resource attribute.
	// It is bumped on breaking payload-shape changes; consumers key their
	// parsers off it.
	SchemaVersion = "1.1.0"
)

// validEnvironments are the accepted values for the environment attribute.
var validEnvironments = map[string]bool{
	"":            true,
	"test":        true,
	"development": true,
	"staging":     true,
	"production":  true,
}

var serviceIdentPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,30}$`)

// ResourceAttributes is the identity payload attached to every exported
// record: required service identity, auto-populated host and runtime
// facts, and a free-form parameters map.
//
// session.id is derived once per process from the configured entropy (or a
// generated per-process value), the user id, and the service name. It
// never changes after first computation.
type ResourceAttributes struct {
	serviceName    string
	serviceVersion string

	osType         string
	osVersion      string
	runtimeVersion string
	hostname       string
	platform       string
	environment    string
	userID         string

	parameters map[string]string

	sessionOnce sync.Once
	sessionID   string
}

// NewResourceAttributes builds the attribute set for a service. Both
// arguments are required and must match ^[a-zA-Z0-9._-]{1,30}$.
//
// The environment attribute defaults from ATEL_ENVIRONMENT when set.
func NewResourceAttributes(serviceName, serviceVersion string) (*ResourceAttributes, error) {
	if !serviceIdentPattern.MatchString(serviceName) {
		return nil, fmt.Errorf("%w: service_name %q must match %s", ErrInvalidAttribute, serviceName, serviceIdentPattern)
	}
	if !serviceIdentPattern.MatchString(serviceVersion) {
		return nil, fmt.Errorf("%w: service_version %q must match %s", ErrInvalidAttribute, serviceVersion, serviceIdentPattern)
	}

	hostname, _ := os.Hostname()
	a := &ResourceAttributes{
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
		osType:         runtime.GOOS,
		osVersion:      osVersion(),
		runtimeVersion: runtime.Version(),
		hostname:       hostname,
		parameters:     make(map[string]string),
	}
	a.setEnvironment(os.Getenv(envPrefix + "ENVIRONMENT"))
	return a, nil
}

// SetAttributes merges key/value pairs into the attribute set and returns
// the receiver for chaining. Known keys (os_type, os_version, hostname,
// platform, environment, user_id) update the named attribute; everything
// else lands in parameters. Later calls overwrite earlier keys.
//
// Values are serialized through canonical JSON before export, so nested
// maps and slices survive transport as JSON strings instead of ad hoc
// stringification.
func (a *ResourceAttributes) SetAttributes(attrs map[string]any) *ResourceAttributes {
	for key, value := range attrs {
		if key == "" || value == nil {
			diagnostics().Warn("ignoring attribute with empty key or nil value",
				zap.String("key", key))
			continue
		}
		str := canonicalString(value)
		switch key {
		case "os_type":
			a.osType = str
		case "os_version":
			a.osVersion = str
		case "hostname":
			a.hostname = str
		case "platform":
			a.platform = str
		case "environment":
			a.setEnvironment(str)
		case "user_id":
			a.userID = str
		case "service_name", "service_version", "client_sdk_version", "schema_version", "session_id":
			diagnostics().Warn("attempted overwrite of read-only attribute",
				zap.String("key", key))
		default:
			a.parameters[key] = str
		}
	}
	return a
}

// SessionID returns the per-process session identifier, deriving it on
// first use. entropy may be empty, in which case a process-unique value
// is generated.
func (a *ResourceAttributes) SessionID(entropy string) string {
	a.sessionOnce.Do(func() {
		if entropy == "" {
			entropy = processEntropy()
		}
		combined := fmt.Sprintf("%s|%s|%s", entropy, a.userID, a.serviceName)
		sum := sha256.Sum256([]byte(combined))
		a.sessionID = hex.EncodeToString(sum[:])
	})
	return a.sessionID
}

// setEnvironment enforces the environment enum; invalid values degrade to
// the empty string with a diagnostic warning.
func (a *ResourceAttributes) setEnvironment(env string) {
	env = strings.ToLower(strings.TrimSpace(env))
	if !validEnvironments[env] {
		diagnostics().Warn("invalid environment value, using empty string",
			zap.String("environment", env))
		env = ""
	}
	a.environment = env
}

// otelResource builds the OpenTelemetry resource carrying the full
// identity payload. parameters is exported as a single JSON document.
func (a *ResourceAttributes) otelResource(entropy string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(a.serviceName),
		semconv.ServiceVersion(a.serviceVersion),
		attribute.String("os.type", a.osType),
		attribute.String("os.version", a.osVersion),
		attribute.String("runtime.version", a.runtimeVersion),
		attribute.String("hostname", a.hostname),
		attribute.String("platform", a.platform),
		attribute.String("environment", a.environment),
		attribute.String("client.sdk.version", SDKVersion),
		attribute.String("schema.version", SchemaVersion),
		attribute.String("session.id", a.SessionID(entropy)),
		attribute.String("parameters", a.parametersJSON()),
	)
}

func (a *ResourceAttributes) parametersJSON() string {
	data, err := json.Marshal(a.parameters)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// canonicalString renders an attribute value for transport. Plain strings
// pass through untouched to avoid the double-escaping bug class; anything
// else gets one canonical JSON encoding.
func canonicalString(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}

// fingerprintAttrs contributes the attribute identity to the init
// fingerprint used for idempotency checks.
func (a *ResourceAttributes) fingerprint() string {
	keys := make([]string, 0, len(a.parameters))
	for k := range a.parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s|%s", a.serviceName, a.serviceVersion, a.environment, a.userID, a.platform)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, a.parameters[k])
	}
	return b.String()
}

// processNonce makes default session entropy unique even when two
// processes start within the same wall-clock tick.
var processNonce = uuid.NewString()

func processEntropy() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), processNonce)
}

// osVersion returns the kernel release on platforms that expose it.
func osVersion() string {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
