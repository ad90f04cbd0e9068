package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidateUserMessage validates a submitted user message.
func ValidateUserMessage(message string) error {
	if strings.TrimSpace(message) == "" {
		return errors.New("user_message cannot be empty")
	}
	if len(message) > 100000 { // ~100KB limit
		return errors.New("user_message exceeds maximum length")
	}
	if !utf8.ValidString(message) {
		return errors.New("user_message must be valid UTF-8")
	}
	return nil
}

// ValidateRunID validates a run ID.
func ValidateRunID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid run ID format")
	}
	return nil
}

// ValidateSessionID validates an optional session ID.
func ValidateSessionID(id string) error {
	if id == "" {
		return nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid session ID format")
	}
	return nil
}
