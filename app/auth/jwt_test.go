package auth

import (
	"testing"
	"time"

	"plex-kiosk/app/config"
)

func TestCallbackTokenRoundTrip(t *testing.T) {
	s := NewCallbackTokenService(config.CallbackConfig{Secret: "s3cret", Issuer: "plex-kiosk", TTL: time.Hour})

	tok, err := s.GenerateToken(17)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := s.ValidateToken(tok)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.RequestID != 17 || claims.Subject != "17" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestCallbackTokenRejected(t *testing.T) {
	cfg := config.CallbackConfig{Secret: "s3cret", Issuer: "plex-kiosk", TTL: time.Hour}
	s := NewCallbackTokenService(cfg)
	tok, _ := s.GenerateToken(1)

	other := NewCallbackTokenService(config.CallbackConfig{Secret: "other", Issuer: "plex-kiosk", TTL: time.Hour})
	if _, err := other.ValidateToken(tok); err == nil {
		t.Fatalf("token signed with another secret accepted")
	}

	wrongIssuer := NewCallbackTokenService(config.CallbackConfig{Secret: "s3cret", Issuer: "someone-else", TTL: time.Hour})
	if _, err := wrongIssuer.ValidateToken(tok); err == nil {
		t.Fatalf("token from another issuer accepted")
	}

	late := NewCallbackTokenService(cfg)
	late.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := late.ValidateToken(tok); err == nil {
		t.Fatalf("expired token accepted")
	}

	if _, err := s.ValidateToken("not-a-jwt"); err == nil {
		t.Fatalf("garbage accepted")
	}
}
