// Package requestid generates request identifiers for tracing.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// maxLength matches a UUID so downstream log schemas stay uniform.
	maxLength    = 36
	prefixLength = 5
	maxCustomLen = maxLength - prefixLength - 1
)

var (
	invalidChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)
	hyphenRuns   = regexp.MustCompile(`-+`)
)

// Generate returns a request ID. A non-empty customID (from the client's
// X-Request-ID header) is sanitized and prefixed with random characters so
// two clients sending the same ID remain distinguishable; otherwise a
// fresh UUID is used.
func Generate(customID string) string {
	sanitized := strings.ReplaceAll(customID, " ", "-")
	sanitized = invalidChars.ReplaceAllString(sanitized, "")
	sanitized = hyphenRuns.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")

	if sanitized == "" {
		return uuid.New().String()
	}

	if len(sanitized) > maxCustomLen {
		sanitized = sanitized[:maxCustomLen]
	}
	return randomPrefix() + "-" + sanitized
}

func randomPrefix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return uuid.New().String()[:prefixLength]
	}
	return hex.EncodeToString(buf)[:prefixLength]
}
