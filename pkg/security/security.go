// Package security provides validation, sanitization, and limits for the orchestration packages.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
)

// Security limits and configuration
const (
	// MaxStockCodeLength is the maximum length for entity identifiers
	MaxStockCodeLength = 32

	// MaxPayloadSize is the maximum size in bytes for a broker message (256KB)
	MaxPayloadSize = 256 << 10

	// MaxRetries is the hard limit for reaper retry attempts
	MaxRetries = 100

	// MaxConcurrency is the hard limit for consumers per queue
	MaxConcurrency = 64

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxJobMessageLength is the maximum length for a collection job's message
	MaxJobMessageLength = 1000

	// MaxQueueNameLength is the maximum length for queue names
	MaxQueueNameLength = 255

	// MaxBackfillDays bounds a single backfill request
	MaxBackfillDays = 3650
)

// validStockCode matches tickers like 005930, AAPL, BRK.B, 7203-T
var validStockCode = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-\.]*$`)

// validQueueName matches dotted, hyphenated or underscored names starting with a letter
var validQueueName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateStockCode validates an entity identifier
func ValidateStockCode(code string) error {
	if code == "" || len(code) > MaxStockCodeLength {
		return core.ErrInvalidStockCode
	}
	if !validStockCode.MatchString(code) {
		return core.ErrInvalidStockCode
	}
	return nil
}

// ValidateQueueName validates a queue name
func ValidateQueueName(name string) error {
	if name == "" || len(name) > MaxQueueNameLength {
		return core.ErrInvalidQueueName
	}
	if !validQueueName.MatchString(name) {
		return core.ErrInvalidQueueName
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	return TruncateMessage(msg, MaxErrorMessageLength)
}

// TruncateMessage strips control characters (except newlines and tabs) and
// truncates msg to at most limit runes.
func TruncateMessage(msg string, limit int) string {
	if msg == "" {
		return ""
	}

	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if limit > 3 && utf8.RuneCountInString(result) > limit {
		runes := []rune(result)
		result = string(runes[:limit-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
