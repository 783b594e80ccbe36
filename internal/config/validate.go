package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"messagebus/internal/security"
	"messagebus/pkg/messaging"
)

// =============================================================================
// CONFIG VALIDATION
// =============================================================================
//
// PATTERN: ACCUMULATE ERRORS
//   Every validator collects ALL problems and returns them together so the
//   operator fixes everything in one pass instead of playing whack-a-mole.
//
//   Subscriptions are validated when they are constructed, buses when the
//   process starts. Neither touches the backend.
//
// =============================================================================

// ValidationError holds one or more configuration validation failures.
type ValidationError struct {
	Errors []string
}

// Error formats all validation errors as a numbered list.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}

	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

func errorsOrNil(errs []string) error {
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// =============================================================================
// SUBSCRIPTION VALIDATION
// =============================================================================

// SubscriptionRules are the variant-specific requirements on top of the
// checks every subscription gets.
type SubscriptionRules struct {
	RequireGroup      bool
	RequireStateTopic bool
	RequireReplyTopic bool

	// ForbidGroup is set for subscriptions that read every partition.
	ForbidGroup bool
}

// ValidateSubscription checks cfg after defaults have been applied.
func ValidateSubscription(cfg messaging.SubscriptionConfig, rules SubscriptionRules) error {
	var errs []string

	if cfg.EventTopic == "" {
		errs = append(errs, "event-topic: must not be empty")
	}

	switch {
	case rules.RequireGroup && cfg.GroupName == "":
		errs = append(errs, "group: must not be empty")
	case rules.ForbidGroup && cfg.GroupName != "":
		errs = append(errs, fmt.Sprintf("group: must be empty for this subscription, got %q", cfg.GroupName))
	}
	if strings.ContainsAny(cfg.GroupName, " \t\n\r") {
		errs = append(errs, "group: must not contain whitespace")
	}
	if strings.ContainsAny(cfg.InstanceID, " \t\n\r") {
		errs = append(errs, "instance-id: must not contain whitespace")
	}

	if cfg.PollTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("poll-timeout: must be > 0, got %s", cfg.PollTimeout))
	}
	if cfg.BatchSize <= 0 {
		errs = append(errs, fmt.Sprintf("batch-size: must be > 0, got %d", cfg.BatchSize))
	}
	if cfg.PollAndProcessRetries < 0 {
		errs = append(errs, fmt.Sprintf("poll-and-process-retries: must be >= 0, got %d", cfg.PollAndProcessRetries))
	}
	if cfg.ThreadStopTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("thread-stop-timeout: must be > 0, got %s", cfg.ThreadStopTimeout))
	}
	if cfg.SubscribeRetries <= 0 {
		errs = append(errs, fmt.Sprintf("subscribe-retries: must be > 0, got %d", cfg.SubscribeRetries))
	}
	if cfg.CommitRetries <= 0 {
		errs = append(errs, fmt.Sprintf("commit-retries: must be > 0, got %d", cfg.CommitRetries))
	}

	if cfg.DeadLetterTopic != "" && cfg.DeadLetterTopic == cfg.EventTopic {
		errs = append(errs, "dead-letter-topic: must differ from event-topic")
	}

	if rules.RequireStateTopic {
		switch {
		case cfg.StateTopic == "":
			errs = append(errs, "state-topic: must not be empty")
		case cfg.StateTopic == cfg.EventTopic:
			errs = append(errs, "state-topic: must differ from event-topic")
		}
	}
	if rules.RequireReplyTopic && cfg.ReplyTopic == "" {
		errs = append(errs, "reply-topic: must not be empty")
	}

	return errorsOrNil(errs)
}

// =============================================================================
// BUS CONFIG VALIDATION
// =============================================================================

// Validate checks the bus configuration for common mistakes.
// Returns nil if valid, or a *ValidationError with all problems found.
func (c *Config) Validate() error {
	var errs []string

	switch c.Backend.Kind {
	case BackendKafka:
		if len(c.Backend.Brokers) == 0 {
			errs = append(errs, "backend.brokers: at least one broker is required for kafka")
		}
		for i, b := range c.Backend.Brokers {
			if err := validateAddress(b); err != nil {
				errs = append(errs, fmt.Sprintf("backend.brokers[%d]: invalid address %q: %v", i, b, err))
			}
		}
	case BackendSQL:
		if c.Backend.DSN == "" {
			errs = append(errs, "backend.dsn: must not be empty for sql")
		} else {
			errs = append(errs, validateDatabasePath(c.Backend.DSN)...)
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Sprintf("backend.kind: must be one of kafka, sql, memory, got %q", c.Backend.Kind))
	}

	seen := make(map[string]bool, len(c.Topics))
	for i, t := range c.Topics {
		if t.Name == "" {
			errs = append(errs, fmt.Sprintf("topics[%d].name: must not be empty", i))
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Sprintf("topics[%d].name: duplicate topic %q", i, t.Name))
		}
		seen[t.Name] = true
		if t.Partitions <= 0 {
			errs = append(errs, fmt.Sprintf("topics[%d].partitions: must be > 0, got %d", i, t.Partitions))
		}
	}

	if c.HTTP.Addr != "" {
		if err := validateAddress(c.HTTP.Addr); err != nil {
			errs = append(errs, fmt.Sprintf("http.addr: invalid: %v", err))
		}
	}
	if c.GRPC.Addr != "" {
		if err := validateAddress(c.GRPC.Addr); err != nil {
			errs = append(errs, fmt.Sprintf("grpc.addr: invalid: %v", err))
		} else if c.GRPC.Addr == c.HTTP.Addr {
			errs = append(errs, fmt.Sprintf("grpc.addr: %s is already used by http.addr", c.GRPC.Addr))
		}
	}

	if err := c.Backend.TLS.Validate(); err != nil {
		errs = append(errs, "backend.tls: "+err.Error())
	}
	if c.HTTP.TLS.Enabled && c.HTTP.TLS.CertFile == "" {
		errs = append(errs, "http.tls: cert-file and key-file are required to serve TLS")
	} else if err := c.HTTP.TLS.Validate(); err != nil {
		errs = append(errs, "http.tls: "+err.Error())
	}
	if _, err := security.NewKeyring(c.HTTP.APIKeys); err != nil {
		errs = append(errs, "http."+err.Error())
	}

	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, "tracing: "+err.Error())
	}

	if c.Publisher.Workers < 0 {
		errs = append(errs, fmt.Sprintf("publisher.workers: must be >= 0, got %d", c.Publisher.Workers))
	}
	if c.Publisher.QueueSize < 0 {
		errs = append(errs, fmt.Sprintf("publisher.queue-size: must be >= 0, got %d", c.Publisher.QueueSize))
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format: must be text or json, got %q", c.Log.Format))
	}

	return errorsOrNil(errs)
}

// validateDatabasePath checks that a file-backed sqlite DSN is creatable.
// In-memory and URI DSNs are not checked.
func validateDatabasePath(dsn string) []string {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	path := dsn
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return []string{fmt.Sprintf("backend.dsn: cannot resolve path %q: %v", path, err)}
	}

	info, err := os.Stat(absPath)
	if err == nil {
		if info.IsDir() {
			return []string{fmt.Sprintf("backend.dsn: %q is a directory", absPath)}
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return []string{fmt.Sprintf("backend.dsn: cannot access %q: %v", absPath, err)}
	}

	// File doesn't exist yet -- the parent must
	parent := filepath.Dir(absPath)
	if _, err := os.Stat(parent); err != nil {
		return []string{fmt.Sprintf("backend.dsn: %q does not exist and parent %q is not accessible: %v", absPath, parent, err)}
	}
	return nil
}

// validateAddress checks that a string is a valid host:port or :port address.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port format: %w", err)
	}
	if port == "" {
		return fmt.Errorf("port must not be empty")
	}
	return nil
}
