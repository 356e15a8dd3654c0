// Package gwerr defines the closed error taxonomy tgway returns to callers
// (spec §7). Every outward-facing package returns one of these instead of
// a bare error string, so admin responses and GatewayEvent rows carry a
// stable, documented code.
package gwerr

import "fmt"

// Code is one member of the closed taxonomy in spec §7.
type Code string

const (
	// Configuration
	CodeBotNotFound          Code = "BOT_NOT_FOUND"
	CodeBotDeleted           Code = "BOT_DELETED"
	CodeBotTokenNotSet       Code = "BOT_TOKEN_NOT_SET"
	CodeNoWarmupChat         Code = "NO_WARMUP_CHAT"
	CodeEncryptionKeyMissing Code = "ENCRYPTION_KEY_MISSING"

	// Input
	CodeMissingToken        Code = "MISSING_TOKEN"
	CodeInvalidChatID       Code = "INVALID_CHAT_ID"
	CodeStartMediaRefsMax3  Code = "START_MEDIA_REFS_MAX_3"
	CodeInvalidMediaSHA256  Code = "INVALID_MEDIA_SHA256"
	CodeTextTooLong         Code = "TEXT_TOO_LONG"

	// Telegram permanent
	CodeChatNotFound     Code = "CHAT_NOT_FOUND"
	CodeBotBlockedByUser Code = "BOT_BLOCKED_BY_USER"
	CodeUserDeactivated  Code = "USER_DEACTIVATED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeBadRequest       Code = "BAD_REQUEST"
	CodeMediaInvalid     Code = "MEDIA_INVALID"

	// Telegram transient
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeTelegramError     Code = "TELEGRAM_ERROR"

	// Local
	CodeQueueFull          Code = "QUEUE_FULL"
	CodeCacheMiss          Code = "CACHE_MISS"
	CodeCanceled           Code = "CANCELED"
	CodeDuplicateInFlight  Code = "DUPLICATE_INFLIGHT"
	CodeDatabaseNotAvail   Code = "DATABASE_NOT_AVAILABLE"
)

// Class buckets a Code into the retry behavior callers should apply.
type Class int

const (
	// ClassPermanent means retrying will not help; finalize immediately.
	ClassPermanent Class = iota
	// ClassTransient means the operation may succeed on retry.
	ClassTransient
)

var transientCodes = map[Code]bool{
	CodeRateLimitExceeded: true,
	CodeTelegramError:     true,
	CodeDuplicateInFlight: true,
	CodeDatabaseNotAvail:  true,
}

// ClassOf reports whether code should be retried or finalized immediately.
func ClassOf(code Code) Class {
	if transientCodes[code] {
		return ClassTransient
	}
	return ClassPermanent
}

// Error is the typed error every tgway package returns at its boundary.
type Error struct {
	Code        Code
	Message     string
	RetryAfter  int // milliseconds; set only when Code == CodeRateLimitExceeded
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Is supports errors.Is(err, gwerr.New(code, "")) comparisons by Code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Transient reports whether e should be retried per spec §4.4 step 7.
func (e *Error) Transient() bool {
	return ClassOf(e.Code) == ClassTransient
}
