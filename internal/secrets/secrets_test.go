package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type mockSecretsManager struct {
	calls              int
	GetSecretValueFunc func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error)
}

func (m *mockSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls++
	return m.GetSecretValueFunc(ctx, params)
}

func TestInMemorySecretStore_SetAndGet(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("api-key", "sk-test-123")

	value, err := store.GetSecret(ctx, "api-key")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if value != "sk-test-123" {
		t.Errorf("GetSecret() = %v, want sk-test-123", value)
	}

	store.DeleteSecret("api-key")
	if _, err := store.GetSecret(ctx, "api-key"); err == nil {
		t.Error("GetSecret() should return error after delete")
	}
}

func TestInMemorySecretStore_GetSecretJSON_InvalidJSON(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("config", "not json")

	var v map[string]any
	if err := store.GetSecretJSON(context.Background(), "config", &v); err == nil {
		t.Error("GetSecretJSON() should fail on invalid JSON")
	}
}

func TestAWSSecretsManager_CachesValues(t *testing.T) {
	mock := &mockSecretsManager{
		GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			return &secretsmanager.GetSecretValueOutput{SecretString: aws.String("value-" + aws.ToString(params.SecretId))}, nil
		},
	}
	s := newAWSSecretsManager(mock, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := s.GetSecret(ctx, "gateway/keys")
		if err != nil {
			t.Fatalf("GetSecret() error = %v", err)
		}
		if v != "value-gateway/keys" {
			t.Errorf("GetSecret() = %q", v)
		}
	}
	if mock.calls != 1 {
		t.Errorf("expected one upstream call, got %d", mock.calls)
	}

	s.ClearCache()
	if _, err := s.GetSecret(ctx, "gateway/keys"); err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if mock.calls != 2 {
		t.Errorf("expected cache purge to force a refetch, got %d calls", mock.calls)
	}
}

func TestAWSSecretsManager_Error(t *testing.T) {
	mock := &mockSecretsManager{
		GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			return nil, errors.New("access denied")
		},
	}
	s := newAWSSecretsManager(mock, time.Minute)

	if _, err := s.GetSecret(context.Background(), "gateway/keys"); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadProviderKeys(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("gateway/keys", `{"openai_api_key": "sk-openai", "gemini_api_key": "g-key"}`)

	keys, err := LoadProviderKeys(context.Background(), store, "gateway/keys")
	if err != nil {
		t.Fatalf("LoadProviderKeys() error = %v", err)
	}
	if keys.OpenAI != "sk-openai" || keys.Gemini != "g-key" || keys.Anthropic != "" {
		t.Errorf("unexpected keys %+v", keys)
	}

	if _, err := LoadProviderKeys(context.Background(), store, "missing"); err == nil {
		t.Error("expected error for missing secret")
	}
}

func TestProviderKeys_Merge(t *testing.T) {
	env := ProviderKeys{OpenAI: "from-env"}
	stored := ProviderKeys{OpenAI: "from-secret", Anthropic: "sk-ant"}

	got := env.Merge(stored)
	if got.OpenAI != "from-env" {
		t.Errorf("explicit keys must win, got %q", got.OpenAI)
	}
	if got.Anthropic != "sk-ant" {
		t.Errorf("missing keys must be filled, got %q", got.Anthropic)
	}
}
