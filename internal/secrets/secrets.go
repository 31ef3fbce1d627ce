// Package secrets resolves provider credentials and holds them for the
// duration of one execution.
//
// A resolved key lives in a Buffer that the caller closes on every exit path.
// Closing zeroes the buffer, but the key still passes through Go strings on
// its way into HTTP headers, and those copies are left to the garbage
// collector. Closing narrows how long the key stays readable; it does not
// guarantee that no copy remains in process memory.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	xerrors "AgentForge/internal/errors"
)

// Source looks up a user's secret for a provider.
type Source interface {
	GetSecret(ctx context.Context, userID, provider string) (string, bool, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, userID, provider string) (string, bool, error)

// GetSecret implements Source.
func (f SourceFunc) GetSecret(ctx context.Context, userID, provider string) (string, bool, error) {
	return f(ctx, userID, provider)
}

// StaticSource serves secrets from a fixed map keyed by user then provider.
type StaticSource map[string]map[string]string

// GetSecret implements Source.
func (s StaticSource) GetSecret(_ context.Context, userID, provider string) (string, bool, error) {
	secret, ok := s[userID][strings.ToLower(provider)]
	if !ok || secret == "" {
		return "", false, nil
	}
	return secret, true, nil
}

// Defaults supplies the process-wide secret for a provider.
type Defaults interface {
	Default(provider string) (string, bool)
}

// EnvDefaults reads process-wide secrets from environment variables, one
// variable per provider.
type EnvDefaults struct {
	vars   map[string]string
	lookup func(string) (string, bool)
}

// NewEnvDefaults maps provider names to environment variable names.
func NewEnvDefaults(vars map[string]string) *EnvDefaults {
	normalized := make(map[string]string, len(vars))
	for provider, env := range vars {
		normalized[strings.ToLower(provider)] = env
	}
	return &EnvDefaults{vars: normalized, lookup: os.LookupEnv}
}

// Default implements Defaults.
func (d *EnvDefaults) Default(provider string) (string, bool) {
	if d == nil {
		return "", false
	}
	name, ok := d.vars[strings.ToLower(provider)]
	if !ok {
		name = strings.ToUpper(provider) + "_API_KEY"
	}
	value, ok := d.lookup(name)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

// Resolve returns the user's secret for provider when userID and src are
// set, falling back to the process-wide default. A missing secret is a
// configuration error.
func Resolve(ctx context.Context, src Source, defaults Defaults, userID, provider string) (*Buffer, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if userID != "" && src != nil {
		secret, ok, err := src.GetSecret(ctx, userID, provider)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("读取 %s 凭据失败", provider),
				xerrors.WithMetadata("user_id", userID))
		}
		if ok {
			return NewBuffer([]byte(secret))
		}
	}
	if defaults != nil {
		if secret, ok := defaults.Default(provider); ok {
			return NewBuffer([]byte(secret))
		}
	}
	return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("no API key configured for provider %q", provider),
		xerrors.WithMetadata("provider", provider))
}
