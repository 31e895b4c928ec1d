package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"posledger/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
	listErr error
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {Username: "admin", Password: "admin123", Role: RoleAdmin, Active: true},
		},
	}

	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, store, nil)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, _ := store.ListUsers(context.Background())
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
	if store.updates != 1 {
		t.Fatalf("expected exactly one password upgrade, got %d", store.updates)
	}
}

func TestLoginRejectsInactiveAndUnknownAccounts(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"former": {Username: "former", Password: mustHashPassword(t, "pass1234"), Role: RoleCashier, Active: false},
		},
	}
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, store, nil)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "former", Password: "pass1234"}); err == nil {
		t.Fatalf("expected inactive account to be rejected")
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "ghost", Password: "pass1234"}); err == nil {
		t.Fatalf("expected unknown account to be rejected")
	}
}

func TestLoginKeepsCachedUsersWhenStoreFails(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"cashier": {Username: "cashier", Password: mustHashPassword(t, "cashier123"), Role: RoleCashier, Active: true},
		},
	}
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, store, nil)
	store.listErr = errors.New("connection refused")

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "Cashier ", Password: "cashier123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != RoleCashier {
		t.Fatalf("expected cashier role, got %s", resp.Role)
	}
}

func TestParseTokenRoundTripAndRejections(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, nil, nil)

	token, err := manager.sign("admin", RoleAdmin, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	actor, err := manager.ParseToken(token)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if actor.Username != "admin" || actor.Role != RoleAdmin {
		t.Fatalf("unexpected actor %+v", actor)
	}

	expired, _ := manager.sign("admin", RoleAdmin, time.Now().Add(-time.Minute))
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	other := NewAuthManager(context.Background(), "another-secret", time.Hour, nil, nil)
	forged, _ := other.sign("admin", RoleAdmin, time.Now().Add(time.Minute))
	if _, err := manager.ParseToken(forged); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	foreign := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, ledgerClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "admin",
			Issuer:    "someone-else",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Role: RoleAdmin,
	})
	signed, _ := foreign.SignedString([]byte("test-secret"))
	if _, err := manager.ParseToken(signed); err == nil {
		t.Fatalf("expected token from another issuer to be rejected")
	}
}
