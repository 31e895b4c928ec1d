package main

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"posledger/backend/internal/config"
	"posledger/backend/internal/store/memory"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	if err := validateSecurityConfig(config.Config{AuthSecret: "short"}); err == nil {
		t.Fatalf("expected short AUTH_SECRET to be rejected")
	}
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", BootstrapAdminPassword: "abc"})
	if err == nil {
		t.Fatalf("expected weak bootstrap password to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestBootstrapAdminCreatesAccountOnce(t *testing.T) {
	users := memory.New()
	ctx := context.Background()

	if err := bootstrapAdmin(ctx, users, "correct-horse", zap.NewNop()); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if err := bootstrapAdmin(ctx, users, "another-password", zap.NewNop()); err != nil {
		t.Fatalf("second bootstrap failed: %v", err)
	}

	accounts, err := users.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Role != "admin" {
		t.Fatalf("expected a single admin, got %+v", accounts)
	}
	if bcrypt.CompareHashAndPassword([]byte(accounts[0].Password), []byte("correct-horse")) != nil {
		t.Fatalf("expected the first bootstrap password to be kept")
	}
}

func TestBootstrapAdminWithoutPasswordIsNoop(t *testing.T) {
	users := memory.New()

	if err := bootstrapAdmin(context.Background(), users, "", zap.NewNop()); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	accounts, _ := users.ListUsers(context.Background())
	if len(accounts) != 0 {
		t.Fatalf("expected no accounts, got %d", len(accounts))
	}
}
