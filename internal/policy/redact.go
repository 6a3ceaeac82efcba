// Package policy scrubs text that leaves the process boundary in a form
// operators can read: job errors kept in the broker and upstream bodies
// quoted in logs.
package policy

import (
	"regexp"
	"strings"
)

var (
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/\-]+=*`)
	googleKeyPattern  = regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`)
	openRouterPattern = regexp.MustCompile(`\bsk-or-[0-9A-Za-z_\-]{16,}\b`)
	keyParamPattern   = regexp.MustCompile(`(?i)([?&](?:key|api_key|token)=)[^&\s"']+`)
	redisURLPattern   = regexp.MustCompile(`(?i)(rediss?://[^:/@\s]*:)[^@\s]+@`)
	emailPattern      = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phonePattern      = regexp.MustCompile(`(?:\+\d[\d()\-\s.]{7,}\d)`)
)

// Redact masks credentials first and personal contact data second, so a
// credential shaped like an email is still reported as a credential.
func Redact(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	masked := bearerPattern.ReplaceAllString(value, "Bearer [redacted]")
	masked = googleKeyPattern.ReplaceAllString(masked, "[api_key_redacted]")
	masked = openRouterPattern.ReplaceAllString(masked, "[api_key_redacted]")
	masked = keyParamPattern.ReplaceAllString(masked, "${1}[redacted]")
	masked = redisURLPattern.ReplaceAllString(masked, "${1}[redacted]@")
	masked = emailPattern.ReplaceAllString(masked, "[email_redacted]")
	masked = phonePattern.ReplaceAllString(masked, "[phone_redacted]")
	return masked
}

// Truncate cuts value to at most maxLen bytes without splitting a UTF-8
// sequence.
func Truncate(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	cut := maxLen
	for cut > 0 && !isRuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
