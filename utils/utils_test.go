package utils

import (
	"regexp"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifiers(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 30, 15, 0, time.UTC)

	assert.Regexp(t, regexp.MustCompile(`^ORD-20240501-[0-9A-F]{8}$`), NewOrderNumber(at))
	assert.Regexp(t, regexp.MustCompile(`^PAY20240501093015[0-9A-F]{8}$`), NewPaymentID(at))
	assert.Regexp(t, regexp.MustCompile(`^REF20240501093015[0-9A-F]{8}$`), NewRefundID(at))
	assert.NotEqual(t, NewOrderNumber(at), NewOrderNumber(at))
}

func TestParseToken(t *testing.T) {
	token, err := GenerateToken("secret", "user-42", time.Hour)
	require.NoError(t, err)

	userID, err := ParseToken("secret", token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)

	_, err = ParseToken("other-secret", token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := GenerateToken("secret", "user-42", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken("secret", expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenNumericUserID(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": 7}).SignedString([]byte("secret"))
	require.NoError(t, err)

	userID, err := ParseToken("secret", signed)
	require.NoError(t, err)
	assert.Equal(t, "7", userID)

	missing, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = ParseToken("secret", missing)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
