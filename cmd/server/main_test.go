package main

import (
	"strings"
	"testing"

	"mengji/ledger/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	weak := []string{
		"short",
		strings.Repeat("a", 40),
		"dev-change-me-dev-change-me-dev-change-me",
		"my-super-secret-signing-key-for-the-ledger",
	}
	for _, secret := range weak {
		if err := validateSecurityConfig(config.Config{AuthSecret: secret}); err == nil {
			t.Fatalf("expected weak secret %q to be rejected", secret)
		}
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}
