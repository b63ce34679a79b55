package service

import (
	"context"
	"os"
	"testing"
)

func TestNewSecretManagerServiceRequiresProject(t *testing.T) {
	if _, err := NewSecretManagerService(context.Background(), ""); err == nil {
		t.Fatal("expected error when project ID is empty")
	}
}

func TestSecretVersionName(t *testing.T) {
	got := secretVersionName("intake-prod", "db-connection-string")
	want := "projects/intake-prod/secrets/db-connection-string/versions/latest"
	if got != want {
		t.Fatalf("secretVersionName() = %q, want %q", got, want)
	}
}

func TestGetSecretLive(t *testing.T) {
	project := os.Getenv("SECRETS_PROJECT_ID")
	name := os.Getenv("TEST_SECRET_NAME")
	if project == "" || name == "" {
		t.Skip("SECRETS_PROJECT_ID or TEST_SECRET_NAME is not set, skip Secret Manager integration test")
	}
	svc, err := NewSecretManagerService(context.Background(), project)
	if err != nil {
		t.Fatalf("failed to create Secret Manager client: %v", err)
	}
	defer svc.Close()
	if _, err := svc.GetSecret(context.Background(), name); err != nil {
		t.Fatalf("GetSecret returned error: %v", err)
	}
}
