// Package identity issues opaque bearer tokens that tag jobs with their creator.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrUnknownToken is returned when a presented token was never issued.
var ErrUnknownToken = errors.New("unknown identity token")

// Registry issues and resolves tokens.
type Registry interface {
	Issue(ctx context.Context) (string, error)
	Resolve(ctx context.Context, token string) error
}

func newToken() string {
	return "tok_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Memory keeps issued tokens for the life of the process.
type Memory struct {
	mu     sync.RWMutex
	tokens map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{tokens: make(map[string]time.Time)}
}

func (m *Memory) Issue(_ context.Context) (string, error) {
	tok := newToken()
	m.mu.Lock()
	m.tokens[tok] = time.Now().UTC()
	m.mu.Unlock()
	return tok, nil
}

func (m *Memory) Resolve(_ context.Context, token string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.tokens[token]; !ok {
		return ErrUnknownToken
	}
	return nil
}

// Redis shares tokens between processes and survives restarts.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis stores tokens under identity:<token>. A zero ttl keeps them forever.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func key(token string) string { return "identity:" + token }

func (r *Redis) Issue(ctx context.Context) (string, error) {
	tok := newToken()
	if err := r.client.Set(ctx, key(tok), time.Now().UTC().Format(time.RFC3339), r.ttl).Err(); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return tok, nil
}

func (r *Redis) Resolve(ctx context.Context, token string) error {
	n, err := r.client.Exists(ctx, key(token)).Result()
	if err != nil {
		return fmt.Errorf("lookup token: %w", err)
	}
	if n == 0 {
		return ErrUnknownToken
	}
	return nil
}
