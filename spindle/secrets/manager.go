// Package secrets stores the values jobs receive as environment variables
// without them showing up in workflow files or captured logs.
package secrets

import (
	"context"
	"errors"
	"regexp"
	"time"
)

type Secret[T any] struct {
	Key       string
	Value     T
	CreatedAt time.Time
}

// LockedSecret only carries the key, for listings.
type LockedSecret = Secret[struct{}]

// UnlockedSecret carries the plaintext value. Only the runner reads these.
type UnlockedSecret = Secret[string]

type Manager interface {
	AddSecret(ctx context.Context, secret UnlockedSecret) error
	RemoveSecret(ctx context.Context, key string) error
	GetSecretsLocked(ctx context.Context) ([]LockedSecret, error)
	GetSecretsUnlocked(ctx context.Context) ([]UnlockedSecret, error)
}

var (
	ErrKeyAlreadyPresent = errors.New("key already present")
	ErrInvalidKeyIdent   = errors.New("key is not a valid identifier")
	ErrKeyNotFound       = errors.New("key not found")
)

var _ Manager = (*SqliteManager)(nil)

// keys become environment variable names, so they follow shell rules
var keyIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func ValidateKey(key string) error {
	if !keyIdent.MatchString(key) {
		return ErrInvalidKeyIdent
	}
	return nil
}

// Inject adds every secret to env unless env already sets the key, and
// returns the values that must be masked in job output. Values of
// shadowed secrets are masked too.
func Inject(env map[string]string, all []UnlockedSecret) []string {
	values := make([]string, 0, len(all))
	for _, s := range all {
		values = append(values, s.Value)
		if _, ok := env[s.Key]; ok {
			continue
		}
		env[s.Key] = s.Value
	}
	return values
}
