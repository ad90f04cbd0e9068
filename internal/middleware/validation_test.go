package middleware

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestValidateUserMessage(t *testing.T) {
	assert.NoError(t, ValidateUserMessage("draft claims for my invention"))

	assert.Error(t, ValidateUserMessage(""))
	assert.Error(t, ValidateUserMessage("   \t\n  "))
	assert.Error(t, ValidateUserMessage(strings.Repeat("x", 100001)))
	assert.Error(t, ValidateUserMessage("bad utf8: \xff\xfe"))
}

func TestValidateRunID(t *testing.T) {
	assert.NoError(t, ValidateRunID(uuid.Must(uuid.NewV7()).String()))
	assert.Error(t, ValidateRunID("not-a-uuid"))
	assert.Error(t, ValidateRunID(""))
}

func TestValidateSessionID(t *testing.T) {
	assert.NoError(t, ValidateSessionID(""))
	assert.NoError(t, ValidateSessionID(uuid.Must(uuid.NewV7()).String()))
	assert.Error(t, ValidateSessionID("not-a-uuid"))
}
