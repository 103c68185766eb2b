package collab

import (
	"errors"
	"testing"
	"time"
)

func TestCredentialRoundTrip(t *testing.T) {
	gw := NewGateway([]byte("test-secret"), time.Hour)

	token, err := gw.MintCredential("u_1", "n_1", PermissionWrite)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	grant, err := gw.Authenticate(token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if grant.UserID != "u_1" || grant.NoteID != "n_1" || grant.Permission != PermissionWrite {
		t.Fatalf("unexpected grant: %+v", grant)
	}
}

func TestCredentialExpired(t *testing.T) {
	gw := NewGateway([]byte("test-secret"), time.Millisecond)

	token, err := gw.MintCredential("u_1", "n_1", PermissionRead)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := gw.Authenticate(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCredentialWrongSecret(t *testing.T) {
	gw := NewGateway([]byte("test-secret"), time.Hour)
	other := NewGateway([]byte("other-secret"), time.Hour)

	token, err := gw.MintCredential("u_1", "n_1", PermissionWrite)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := other.Authenticate(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCredentialMalformed(t *testing.T) {
	gw := NewGateway([]byte("test-secret"), time.Hour)

	for _, token := range []string{"", "garbage", "a.b.c"} {
		if _, err := gw.Authenticate(token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("token %q: expected ErrUnauthorized, got %v", token, err)
		}
	}
}

func TestMintRejectsInvalidPermission(t *testing.T) {
	gw := NewGateway([]byte("test-secret"), time.Hour)
	if _, err := gw.MintCredential("u_1", "n_1", Permission("admin")); err == nil {
		t.Fatal("expected error for invalid permission")
	}
}
