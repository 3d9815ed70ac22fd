package auth

import (
	"context"
	"errors"
	"testing"
)

func TestPasswordHashAndVerify(t *testing.T) {
	hash, err := HashPassword("correct horse battery")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "correct horse battery" {
		t.Fatal("hash must not equal the plaintext")
	}
	if err := VerifyPassword(hash, "correct horse battery"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestPasswordEdgeCases(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Fatal("expected error for empty password")
	}
	if err := VerifyPassword("", "anything"); err == nil {
		t.Fatal("expected error for empty hash")
	}
}

func TestPrincipalContext(t *testing.T) {
	p := Principal{UserID: "user-1", Email: "alice@acme.test", Role: "USER", OrgID: "acme"}
	ctx := ContextWithPrincipal(context.Background(), p)

	got, ok := PrincipalFromContext(ctx)
	if !ok || got != p {
		t.Fatalf("principal round trip failed: %+v ok=%v", got, ok)
	}

	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("empty context should carry no principal")
	}
}

func TestTokenContext(t *testing.T) {
	ctx := ContextWithToken(context.Background(), "raw-token")
	tok, ok := TokenFromContext(ctx)
	if !ok || tok != "raw-token" {
		t.Fatalf("token round trip failed: %q ok=%v", tok, ok)
	}
	if _, ok := TokenFromContext(context.Background()); ok {
		t.Fatal("empty context should carry no token")
	}
}

func TestMemoryUserStore(t *testing.T) {
	store := NewMemoryUserStore()
	store.Add(User{ID: "user-1", Email: "Alice@Acme.Test", Role: "USER", OrgID: "acme", Status: UserStatusActive})

	ctx := context.Background()

	// Lookup is case-insensitive on email.
	user, err := store.FindByEmail(ctx, "alice@acme.test")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if user.ID != "user-1" {
		t.Fatalf("unexpected user %+v", user)
	}

	if _, err := store.FindByEmail(ctx, "ghost@acme.test"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	user, err = store.Find(ctx, "user-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if user.Email != "Alice@Acme.Test" {
		t.Fatalf("unexpected email %q", user.Email)
	}

	if _, err := store.Find(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Returned users are copies, not aliases into the store.
	user.Role = "ADMIN"
	again, _ := store.Find(ctx, "user-1")
	if again.Role != "USER" {
		t.Fatal("store contents were mutated through a returned user")
	}
}

func TestUserPrincipal(t *testing.T) {
	u := User{ID: "user-1", Email: "alice@acme.test", Role: "EDITOR", OrgID: "acme"}
	p := u.Principal()
	if p.UserID != "user-1" || p.Role != "EDITOR" || p.OrgID != "acme" {
		t.Fatalf("unexpected principal %+v", p)
	}
}
