package collab

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// AuthorizeFunc resolves a join token to a user id. The identity provider is
// an external collaborator; the core only needs this capability.
type AuthorizeFunc func(token string) (Id, error)

// NewJwtAuthorize returns an AuthorizeFunc that verifies the token with the
// HMAC secret and reads the `user_id` claim. With a nil secret the token is
// parsed unverified, for deployments that terminate auth upstream.
func NewJwtAuthorize(hmacSecret []byte) AuthorizeFunc {
	return func(token string) (Id, error) {
		var claims gojwt.MapClaims

		if hmacSecret == nil {
			parser := gojwt.NewParser()
			parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
			if err != nil {
				return Id{}, fmt.Errorf("%w: %s", ErrUnauthorized, err)
			}
			claims = parsed.Claims.(gojwt.MapClaims)
		} else {
			parsed, err := gojwt.Parse(token, func(t *gojwt.Token) (any, error) {
				if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return hmacSecret, nil
			})
			if err != nil {
				return Id{}, fmt.Errorf("%w: %s", ErrUnauthorized, err)
			}
			if !parsed.Valid {
				return Id{}, ErrUnauthorized
			}
			claims = parsed.Claims.(gojwt.MapClaims)
		}

		userIdStr, ok := claims["user_id"].(string)
		if !ok {
			return Id{}, fmt.Errorf("%w: missing user_id claim", ErrUnauthorized)
		}
		userId, err := ParseId(userIdStr)
		if err != nil {
			return Id{}, fmt.Errorf("%w: %s", ErrUnauthorized, err)
		}
		return userId, nil
	}
}

// NewJwtToken mints a token for a user id. Used by tools and tests. With a
// nil secret the token is unsigned, matching the unverified parse mode.
func NewJwtToken(hmacSecret []byte, userId Id) (string, error) {
	claims := gojwt.MapClaims{
		"user_id": userId.String(),
	}
	if hmacSecret == nil {
		token := gojwt.NewWithClaims(gojwt.SigningMethodNone, claims)
		return token.SignedString(gojwt.UnsafeAllowNoneSignatureType)
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(hmacSecret)
}
