package collab

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestJwtRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	userId := NewId()

	token, err := NewJwtToken(secret, userId)
	assert.Equal(t, err, nil)

	authorize := NewJwtAuthorize(secret)
	parsedUserId, err := authorize(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsedUserId, userId)
}

func TestJwtWrongSecret(t *testing.T) {
	userId := NewId()
	token, err := NewJwtToken([]byte("one-secret"), userId)
	assert.Equal(t, err, nil)

	authorize := NewJwtAuthorize([]byte("another-secret"))
	_, err = authorize(token)
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)
}

func TestJwtUnverifiedMode(t *testing.T) {
	// nil secret on both ends: unsigned tokens, parsed unverified
	userId := NewId()
	token, err := NewJwtToken(nil, userId)
	assert.Equal(t, err, nil)

	authorize := NewJwtAuthorize(nil)
	parsedUserId, err := authorize(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsedUserId, userId)
}

func TestJwtGarbageToken(t *testing.T) {
	authorize := NewJwtAuthorize([]byte("test-secret"))
	_, err := authorize("not a token")
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)
}
