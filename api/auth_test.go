package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func newLocalAuth(secret []byte) *Auth {
	return &Auth{
		Audience:    "api://boardhub",
		Issuer:      "https://issuer/",
		LocalMode:   true,
		LocalSecret: secret,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

func signLocal(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://boardhub",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
}

func TestBearerTokenSuccess(t *testing.T) {
	token, err := bearerToken("Bearer header.payload.signature")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "header.payload.signature" {
		t.Fatalf("unexpected token content: %s", token)
	}
}

func TestBearerTokenMissing(t *testing.T) {
	if _, err := bearerToken(""); err != errMissingAuthorization {
		t.Fatalf("expected missing header error, got %v", err)
	}
	if _, err := bearerToken("   "); err != errMissingAuthorization {
		t.Fatalf("expected missing header error, got %v", err)
	}
}

func TestBearerTokenMalformed(t *testing.T) {
	for _, header := range []string{"Basic abc", "Bearer", "Bearer   ", "token-without-scheme"} {
		if _, err := bearerToken(header); err != errBadAuthorization {
			t.Fatalf("header %q: expected bad auth header error, got %v", header, err)
		}
	}
}

func TestUserIDFromBearerHS256(t *testing.T) {
	secret := []byte("test-secret")
	auth := newLocalAuth(secret)

	userID, err := auth.UserIDFromBearer(signLocal(t, secret, validClaims()))
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestUserIDFromBearerExpired(t *testing.T) {
	secret := []byte("test-secret")
	auth := newLocalAuth(secret)

	claims := validClaims()
	claims["exp"] = time.Now().Add(-5 * time.Minute).Unix()
	if _, err := auth.UserIDFromBearer(signLocal(t, secret, claims)); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestUserIDFromBearerWrongAudience(t *testing.T) {
	secret := []byte("test-secret")
	auth := newLocalAuth(secret)

	claims := validClaims()
	claims["aud"] = "api://someone-else"
	_, err := auth.UserIDFromBearer(signLocal(t, secret, claims))
	if err == nil || !strings.Contains(err.Error(), "audience") {
		t.Fatalf("expected audience error, got %v", err)
	}
}

func TestUserIDFromBearerWrongIssuer(t *testing.T) {
	secret := []byte("test-secret")
	auth := newLocalAuth(secret)

	claims := validClaims()
	claims["iss"] = "https://rogue/"
	_, err := auth.UserIDFromBearer(signLocal(t, secret, claims))
	if err == nil || !strings.Contains(err.Error(), "issuer") {
		t.Fatalf("expected issuer error, got %v", err)
	}
}

func TestUserIDFromBearerMissingSub(t *testing.T) {
	secret := []byte("test-secret")
	auth := newLocalAuth(secret)

	claims := validClaims()
	delete(claims, "sub")
	_, err := auth.UserIDFromBearer(signLocal(t, secret, claims))
	if err == nil || !strings.Contains(err.Error(), "sub") {
		t.Fatalf("expected missing sub error, got %v", err)
	}
}

func TestUserIDFromBearerWrongSecret(t *testing.T) {
	auth := newLocalAuth([]byte("right-secret"))

	if _, err := auth.UserIDFromBearer(signLocal(t, []byte("wrong-secret"), validClaims())); err == nil {
		t.Fatal("expected signature verification to fail")
	}
}
