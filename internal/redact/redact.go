// Package redact scrubs secret-bearing substrings from strings that are
// about to be logged or persisted: Telegram bot tokens, bearer/API keys,
// and encryption key material must never reach a log line or an error
// column verbatim (spec §7, "never logged").
package redact

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in log/event/error strings.
var secretPatterns = []*regexp.Regexp{
	// Telegram bot tokens: "<bot_id>:<secret>", e.g. 123456789:AAFjk...
	// Secrets of 30 or more characters match, and so do tokens embedded in
	// an API URL path such as /bot<token>/sendMessage.
	regexp.MustCompile(`\d{6,12}:[A-Za-z0-9_-]{30,}`),
	// Generic API-key/secret/token assignments.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|encryption[_-]?key)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + placeholder
			}
			return placeholder
		})
	}
	return result
}

// Token masks a Telegram bot token to its trailing 4 characters, the form
// surfaced back to operators via the admin API (`token_masked`).
func Token(token string) string {
	if len(token) <= 4 {
		return placeholder
	}
	return "***" + token[len(token)-4:]
}

// EnvValue returns value redacted if key looks like it names a secret.
func EnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitive := []string{"api_key", "apikey", "secret", "token", "password", "credential", "encryption_key"}
	for _, s := range sensitive {
		if strings.Contains(keyLower, s) {
			return placeholder
		}
	}
	return value
}
