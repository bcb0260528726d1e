package storage

import (
	"context"
	"fmt"
	"strings"
)

// Credentials resolves the live model API key. The user-entered key in Store
// wins; Fallback (usually the configured provider key) is used otherwise.
// It never writes.
type Credentials struct {
	Store    Store
	Fallback string
}

// APIKey returns the key, or "" when none is available.
func (c Credentials) APIKey(ctx context.Context) (string, error) {
	if c.Store != nil {
		v, ok, err := c.Store.Get(ctx, KeyAPIKey)
		if err != nil {
			return "", fmt.Errorf("storage: read api key: %w", err)
		}
		if ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), nil
		}
	}
	return strings.TrimSpace(c.Fallback), nil
}
