package ws

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
)

// AuthMode selects how connections authenticate before any other event is
// accepted.
type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Verifier checks a credential and returns the identity bound to it, if the
// credential carries one. An empty identity means the connection may claim
// any username on join.
type Verifier interface {
	Verify(credential string) (identity string, err error)
}

func NewVerifier(mode AuthMode, apiKey, jwtSecret string) (Verifier, error) {
	switch mode {
	case AuthModeNone:
		return nil, nil
	case AuthModeAPIKey:
		if apiKey == "" {
			return nil, fmt.Errorf("auth mode api_key requires an api key")
		}
		return apiKeyVerifier{key: apiKey}, nil
	case AuthModeJWT:
		if jwtSecret == "" {
			return nil, fmt.Errorf("auth mode jwt requires a secret")
		}
		return jwtVerifier{secret: []byte(jwtSecret)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// credentialFromQuery extracts a credential supplied on the upgrade URL, as
// an alternative to the first-message auth handshake.
func credentialFromQuery(mode AuthMode, q url.Values) (string, bool) {
	switch mode {
	case AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, true
		}
	case AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, true
		}
	}
	return "", false
}

type apiKeyVerifier struct {
	key string
}

func (v apiKeyVerifier) Verify(credential string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(credential), []byte(v.key)) != 1 {
		return "", ErrInvalidCredentials
	}
	return "", nil
}

// jwtVerifier accepts HS256 tokens whose subject names the user the
// connection is allowed to act as.
type jwtVerifier struct {
	secret []byte
}

func (v jwtVerifier) Verify(credential string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(credential, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return "", ErrInvalidCredentials
	}
	if claims.Subject == "" {
		return "", ErrInvalidCredentials
	}
	return claims.Subject, nil
}
