package auth

import (
	"context"
	"database/sql"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		query   string
		want    string
		wantErr bool
	}{
		{name: "bearer header", header: "Bearer ask_abcd1234", want: "ask_abcd1234"},
		{name: "lowercase bearer", header: "bearer ask_abcd1234", want: "ask_abcd1234"},
		{name: "query fallback", query: "ask_abcd1234", want: "ask_abcd1234"},
		{name: "wrong prefix", header: "Bearer sk_abcd1234", wantErr: true},
		{name: "empty", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/ws"
			if tt.query != "" {
				url += "?token=" + tt.query
			}
			r := httptest.NewRequest("GET", url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := TokenFromRequest(r)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthenticated) {
					t.Fatalf("err = %v, want ErrUnauthenticated", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("TokenFromRequest: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

type stubKeyStore struct {
	mu      sync.Mutex
	rows    map[string]*keyRow
	err     error
	lookups int
}

func (s *stubKeyStore) LookupByPrefix(_ context.Context, prefix string) (*keyRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	row, ok := s.rows[prefix]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return row, nil
}

func (s *stubKeyStore) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

func issueKey(t *testing.T, token, userID string) (string, *keyRow) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return token[:8], &keyRow{UserID: userID, KeyHash: string(hash)}
}

func TestPostgresAuthenticator_ValidKey(t *testing.T) {
	token := "ask_abcd1234efgh"
	prefix, row := issueKey(t, token, "user-1")
	store := &stubKeyStore{rows: map[string]*keyRow{prefix: row}}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	principal, err := a.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if principal.UserID != "user-1" {
		t.Fatalf("user = %q", principal.UserID)
	}

	// Second call is served from cache.
	if _, err := a.Authenticate(context.Background(), token); err != nil {
		t.Fatalf("cached Authenticate: %v", err)
	}
	if store.lookupCount() != 1 {
		t.Fatalf("store lookups = %d, want 1", store.lookupCount())
	}
}

func TestPostgresAuthenticator_WrongSecret(t *testing.T) {
	token := "ask_abcd1234efgh"
	prefix, row := issueKey(t, token, "user-1")
	store := &stubKeyStore{rows: map[string]*keyRow{prefix: row}}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	// Same prefix, different secret suffix.
	if _, err := a.Authenticate(context.Background(), "ask_abcd9999zzzz"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestPostgresAuthenticator_UnknownKey(t *testing.T) {
	store := &stubKeyStore{rows: map[string]*keyRow{}}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	if _, err := a.Authenticate(context.Background(), "ask_missing12345"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestPostgresAuthenticator_ShortToken(t *testing.T) {
	a := NewPostgresAuthenticatorWithStore(&stubKeyStore{}, time.Minute, zap.NewNop())
	if _, err := a.Authenticate(context.Background(), "ask_x"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestKeyCache_StaleEntryTriggersRefresh(t *testing.T) {
	c := NewKeyCache(10 * time.Millisecond)
	c.Set("ask_abcd1234efgh", &Principal{UserID: "user-1"})

	res := c.Get("ask_abcd1234efgh")
	if !res.Hit || res.NeedsRefresh {
		t.Fatalf("fresh entry: hit=%v refresh=%v", res.Hit, res.NeedsRefresh)
	}

	time.Sleep(15 * time.Millisecond)
	res = c.Get("ask_abcd1234efgh")
	if !res.Hit || !res.NeedsRefresh {
		t.Fatalf("stale entry should hit and need refresh: hit=%v refresh=%v", res.Hit, res.NeedsRefresh)
	}
	if res.Principal == nil || res.Principal.UserID != "user-1" {
		t.Fatal("stale entry should still serve the principal")
	}
}

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator()
	p, err := a.Authenticate(context.Background(), "ask_dev12345")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.UserID == "" {
		t.Fatal("principal missing user id")
	}
	if _, err := a.Authenticate(context.Background(), "short"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}
