// Package secrets resolves provider API keys at startup. A provider config
// may name a Secrets Manager secret instead of carrying a literal key;
// values are cached with a TTL so rotation is picked up without a restart
// spamming the API.
package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/quillforge/modelmux/internal/config"
)

type Store interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

const defaultTTL = 5 * time.Minute

// Manager fronts AWS Secrets Manager with a TTL cache.
type Manager struct {
	fetch func(ctx context.Context, name string) (string, error)
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewManager(ctx context.Context, region string) (*Manager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewManagerWithConfig(cfg), nil
}

func NewManagerWithConfig(cfg aws.Config) *Manager {
	client := secretsmanager.NewFromConfig(cfg)
	return &Manager{
		fetch: func(ctx context.Context, name string) (string, error) {
			out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
				SecretId: aws.String(name),
			})
			if err != nil {
				return "", fmt.Errorf("get secret %s: %w", name, err)
			}
			if out.SecretString == nil {
				return "", fmt.Errorf("secret %s has no string value", name)
			}
			return *out.SecretString, nil
		},
		ttl:   defaultTTL,
		cache: make(map[string]cachedSecret),
	}
}

func (m *Manager) GetSecret(ctx context.Context, name string) (string, error) {
	m.mu.RLock()
	if c, ok := m.cache[name]; ok && time.Now().Before(c.expiresAt) {
		m.mu.RUnlock()
		return c.value, nil
	}
	m.mu.RUnlock()

	value, err := m.fetch(ctx, name)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cache[name] = cachedSecret{value: value, expiresAt: time.Now().Add(m.ttl)}
	m.mu.Unlock()

	return value, nil
}

// ResolveAPIKeys fills in APIKey for every provider that names a secret.
// Providers carrying a literal key are left alone.
func ResolveAPIKeys(ctx context.Context, store Store, providers []config.ProviderConfig) error {
	for i := range providers {
		if providers[i].APIKeySecret == "" {
			continue
		}
		value, err := store.GetSecret(ctx, providers[i].APIKeySecret)
		if err != nil {
			return fmt.Errorf("resolve %s api key: %w", providers[i].Name, err)
		}
		providers[i].APIKey = value
	}
	return nil
}
