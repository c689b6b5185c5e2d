package auth

import (
	"testing"
	"time"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	svc := NewJWTService("test-secret", time.Hour)

	token, err := svc.Generate(Identity{
		UserID:    "user-1",
		Email:     "jane@example.com",
		OrgID:     "org-1",
		ProjectID: "proj-1",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	id, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if id.UserID != "user-1" || id.Email != "jane@example.com" || id.OrgID != "org-1" || id.ProjectID != "proj-1" {
		t.Fatalf("Validate() = %+v, want matching identity", id)
	}
}

func TestJWTServiceRejectsTamperedToken(t *testing.T) {
	svc := NewJWTService("test-secret", time.Hour)
	token, err := svc.Generate(Identity{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	other := NewJWTService("different-secret", time.Hour)
	if _, err := other.Validate(token); err != ErrInvalidToken {
		t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTServiceRejectsExpiredToken(t *testing.T) {
	svc := NewJWTService("test-secret", -time.Minute)
	token, err := svc.Generate(Identity{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if _, err := svc.Validate(token); err != ErrInvalidToken {
		t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTServiceDisabledWithoutSecret(t *testing.T) {
	svc := NewJWTService("", time.Hour)
	if _, err := svc.Generate(Identity{UserID: "user-1"}); err != ErrAuthDisabled {
		t.Fatalf("Generate() error = %v, want ErrAuthDisabled", err)
	}
}
