package credentials

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedUnverifiedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "client-1"}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte("irrelevant-the-broker-never-checks-this"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestValidate_Missing(t *testing.T) {
	_, err := Validate(Payload{})
	ve, ok := err.(*ValidationError)
	if !ok || ve.Kind != KindMissing {
		t.Fatalf("want KindMissing, got %v", err)
	}
}

func TestValidate_AnonymousAPIKeyOnly(t *testing.T) {
	res, err := Validate(Payload{APIKey: "anon-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Class != Anonymous {
		t.Fatalf("want Anonymous, got %v", res.Class)
	}
}

func TestValidate_AuthenticatedWithValidJWT(t *testing.T) {
	tok := signedUnverifiedJWT(t, time.Now().Add(time.Hour))
	res, err := Validate(Payload{APIKey: "k", AccessToken: tok})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Class != Authenticated {
		t.Fatalf("want Authenticated, got %v", res.Class)
	}
}

func TestValidate_ExpiredJWTRejected(t *testing.T) {
	tok := signedUnverifiedJWT(t, time.Now().Add(-time.Hour))
	_, err := Validate(Payload{APIKey: "k", AccessToken: tok})
	ve, ok := err.(*ValidationError)
	if !ok || ve.Kind != KindExpiredJWT {
		t.Fatalf("want KindExpiredJWT, got %v", err)
	}
}

func TestValidate_MalformedJWTRejected(t *testing.T) {
	_, err := Validate(Payload{APIKey: "k", AccessToken: "not.a.jwt-but-has-dots"})
	ve, ok := err.(*ValidationError)
	if !ok || ve.Kind != KindMalformedJWT {
		t.Fatalf("want KindMalformedJWT, got %v", err)
	}
}

func TestValidate_NoExpClaimAllowed(t *testing.T) {
	tok := signedUnverifiedJWT(t, time.Time{})
	_, err := Validate(Payload{APIKey: "k", AccessToken: tok})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestComputeDeterministic(t *testing.T) {
	a := Compute("key", "token")
	b := Compute("key", "token")
	if !EqualsConstantTime(a, b) {
		t.Fatalf("expected identical hashes for identical input")
	}
	c := Compute("key", "other-token")
	if EqualsConstantTime(a, c) {
		t.Fatalf("expected different hashes for different input")
	}
}

func TestZeroise(t *testing.T) {
	p := Payload{APIKey: "secret-key", AccessToken: "secret-token"}
	Zeroise(&p)
	if p.APIKey != "" || p.AccessToken != "" {
		t.Fatalf("expected fields cleared, got %+v", p)
	}
}
