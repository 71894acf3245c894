package ldap

import (
	"errors"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
)

// Logger interface for LDAP operations.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	Trace(msg string, fields map[string]any)
	// Named returns a logger for a subsystem.
	Named(name string) Logger
}

// HCLogger adapts an hclog.Logger to Logger.
type HCLogger struct {
	logger hclog.Logger
}

// NewHCLogger wraps logger. A nil logger discards all output.
func NewHCLogger(logger hclog.Logger) *HCLogger {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &HCLogger{logger: logger}
}

// NewLogger creates a named logger writing to w at the given level.
func NewLogger(name string, level string, w io.Writer) *HCLogger {
	return NewHCLogger(hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.LevelFromString(level),
		Output: w,
	}))
}

// NopLogger returns a logger that discards everything.
func NopLogger() Logger {
	return NewHCLogger(nil)
}

// HCLog returns the wrapped hclog.Logger.
func (l *HCLogger) HCLog() hclog.Logger {
	return l.logger
}

func (l *HCLogger) Debug(msg string, fields map[string]any) {
	l.logger.Debug(msg, fieldArgs(fields)...)
}

func (l *HCLogger) Info(msg string, fields map[string]any) {
	l.logger.Info(msg, fieldArgs(fields)...)
}

func (l *HCLogger) Warn(msg string, fields map[string]any) {
	l.logger.Warn(msg, fieldArgs(fields)...)
}

func (l *HCLogger) Error(msg string, fields map[string]any) {
	l.logger.Error(msg, fieldArgs(fields)...)
}

func (l *HCLogger) Trace(msg string, fields map[string]any) {
	l.logger.Trace(msg, fieldArgs(fields)...)
}

func (l *HCLogger) Named(name string) Logger {
	return &HCLogger{logger: l.logger.Named(name)}
}

// fieldArgs flattens fields into sorted key/value pairs.
func fieldArgs(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		args = append(args, k, fields[k])
	}
	return args
}

// LogOperation is a helper function to log an operation with timing.
func LogOperation(logger Logger, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	logger.Trace("Starting operation", fields)

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		logger.Debug("Operation failed", fields)
	} else {
		logger.Trace("Operation completed successfully", fields)
	}

	return err
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(logger Logger, operation string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["error"] = err.Error()

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		fields["ldap_result_code"] = ldapErr.ResultCode
		if ldapErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = ldapErr.MatchedDN
		}
		if ldapErr.Err != nil {
			fields["ldap_diagnostic_message"] = ldapErr.Err.Error()
		}
	}

	logger.Error("LDAP operation failed", SanitizeFields(fields))
}

// LogPoolEvent logs connection factory events.
func LogPoolEvent(logger Logger, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event

	switch event {
	case "pool_initialized", "connection_acquired", "connection_released", "connection_created":
		logger.Debug("Pool event", fields)
	case "pool_exhausted", "connection_failed", "health_check_failed", "server_failover":
		logger.Warn("Pool event", fields)
	case "pool_creation_failed", "all_connections_failed":
		logger.Error("Pool event", fields)
	default:
		logger.Trace("Pool event", fields)
	}
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any)

	sensitiveKeys := map[string]bool{
		"password":     true,
		"passwd":       true,
		"secret":       true,
		"token":        true,
		"key":          true,
		"private_key":  true,
		"credential":   true,
		"credentials":  true,
		"userpassword": true,
		"unicodepwd":   true,
	}

	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
		} else if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}

	return sanitized
}

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
		"userpassword=",
		"unicodepwd=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
