package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGenerateAndParseOwner(t *testing.T) {
	tokens, err := NewTokens("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	signed, err := tokens.Generate("+5511999990000", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	owner, err := tokens.ParseOwner(signed)
	if err != nil {
		t.Fatal(err)
	}
	if owner != "+5511999990000" {
		t.Fatalf("owner=%q", owner)
	}
}

func TestParseRejectsForeignSecret(t *testing.T) {
	a, _ := NewTokens("secret-a")
	b, _ := NewTokens("secret-b")
	signed, err := a.Generate("+5511999990000", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.ParseOwner(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	tokens, _ := NewTokens("test-secret")
	signed, err := tokens.Generate("+5511999990000", time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := tokens.ParseOwner(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewTokensRequiresSecret(t *testing.T) {
	if _, err := NewTokens("  "); err == nil {
		t.Fatal("empty secret accepted")
	}
}

func TestGenerateValidation(t *testing.T) {
	tokens, _ := NewTokens("test-secret")
	if _, err := tokens.Generate("", time.Minute); err == nil {
		t.Fatal("empty owner accepted")
	}
	if _, err := tokens.Generate("+551199", 0); err == nil {
		t.Fatal("zero ttl accepted")
	}
}

func TestOwnerContextRoundTrip(t *testing.T) {
	ctx := ContextWithOwner(context.Background(), "+5511999990000")
	owner, ok := OwnerFromContext(ctx)
	if !ok || owner != "+5511999990000" {
		t.Fatalf("owner=%q ok=%v", owner, ok)
	}
	if _, ok := OwnerFromContext(context.Background()); ok {
		t.Fatal("empty context should not yield an owner")
	}
}
