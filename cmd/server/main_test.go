package main

import (
	"strings"
	"testing"

	"apotekpos/backend/internal/config"
)

func TestValidateSecurityConfig(t *testing.T) {
	valid := config.Config{
		AuthSecret: strings.Repeat("s", 32),
		ManagerPIN: "731946",
	}
	if err := validateSecurityConfig(valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []config.Config{
		{AuthSecret: "", ManagerPIN: "731946"},
		{AuthSecret: "short", ManagerPIN: "731946"},
		{AuthSecret: strings.Repeat("s", 32), ManagerPIN: ""},
		{AuthSecret: strings.Repeat("s", 32), ManagerPIN: "12345"},
		{AuthSecret: strings.Repeat("s", 32), ManagerPIN: "123456"},
		{AuthSecret: strings.Repeat("s", 32), ManagerPIN: "777777"},
	}
	for _, cfg := range cases {
		if err := validateSecurityConfig(cfg); err == nil {
			t.Fatalf("weak config accepted: %+v", cfg)
		}
	}
}

func TestValidatePINStrength(t *testing.T) {
	if err := validatePINStrength("492017"); err != nil {
		t.Fatalf("strong PIN rejected: %v", err)
	}
	for _, pin := range []string{"123456", "000000", "111111", "aaaaaa"} {
		if err := validatePINStrength(pin); err == nil {
			t.Fatalf("weak PIN %q accepted", pin)
		}
	}
}
