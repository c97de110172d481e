package auth

import (
	"strings"
	"testing"

	"jihu_proxy/internal/utils"
)

func TestValidateStrength(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{name: "letters and digits", password: "abcd1234", wantErr: false},
		{name: "with symbols", password: "P@ssw0rd!", wantErr: false},
		{name: "letters and symbol", password: "abcdefg!", wantErr: false},
		{name: "too short", password: "ab12", wantErr: true},
		{name: "seven chars", password: "abc1234", wantErr: true},
		{name: "all digits", password: "12345678", wantErr: true},
		{name: "all letters", password: "abcdEFGH", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStrength(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStrength(%q) error = %v, wantErr %v", tt.password, err, tt.wantErr)
			}
		})
	}
}

func TestPasswordsBcrypt(t *testing.T) {
	p := Passwords{}
	hash, err := p.Hash("abcd1234")
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	if !strings.HasPrefix(hash, "$2a$10$") {
		t.Errorf("Hash() = %q, want bcrypt cost 10", hash)
	}

	if ok, legacy := p.Verify("abcd1234", hash); !ok || legacy {
		t.Errorf("Verify(correct) = (%v, %v), want (true, false)", ok, legacy)
	}
	if ok, _ := p.Verify("wrong123", hash); ok {
		t.Error("Verify(wrong) = true")
	}
}

func TestPasswordsLegacy(t *testing.T) {
	stored := utils.HashString("pepper" + "abcd1234")

	tests := []struct {
		name       string
		salt       string
		password   string
		wantOK     bool
		wantLegacy bool
	}{
		{name: "salt configured", salt: "pepper", password: "abcd1234", wantOK: true, wantLegacy: true},
		{name: "wrong password", salt: "pepper", password: "abcd9999", wantOK: false},
		{name: "wrong salt", salt: "salt", password: "abcd1234", wantOK: false},
		{name: "no salt", salt: "", password: "abcd1234", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, legacy := Passwords{LegacySalt: tt.salt}.Verify(tt.password, stored)
			if ok != tt.wantOK || legacy != tt.wantLegacy {
				t.Errorf("Verify() = (%v, %v), want (%v, %v)", ok, legacy, tt.wantOK, tt.wantLegacy)
			}
		})
	}
}

func TestRoleOf(t *testing.T) {
	if RoleOf(true) != RoleAdmin || RoleOf(false) != RoleUser {
		t.Error("RoleOf mapping is wrong")
	}
	if !RoleAdmin.HasPermission(RoleUser) {
		t.Error("admin should have user permission")
	}
	if RoleUser.HasPermission(RoleAdmin) {
		t.Error("user should not have admin permission")
	}
	if Role("viewer").IsValid() {
		t.Error("viewer is not a role")
	}
}
