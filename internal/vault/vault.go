// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package vault resolves connection descriptors for the configured backends.
// Secrets come from the OS keychain (or an env var named by an env: ref) and are
// cached in memory for the life of the process. Secret values never appear in
// errors or logs.
package vault

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"medcp/cli/internal/backend"
	"medcp/cli/internal/config"
	medcperrors "medcp/cli/internal/errors"
	"medcp/cli/internal/keychain"
)

// Vault is the credential vault adapter. It is safe for concurrent use.
type Vault struct {
	cfg   *config.Config
	store keychain.SecretStore

	// lookupEnv is swapped in tests.
	lookupEnv func(string) (string, bool)

	mu    sync.Mutex
	cache map[backend.Kind]backend.Descriptor
}

// New creates a vault over cfg and a secret store.
func New(cfg *config.Config, store keychain.SecretStore) *Vault {
	return &Vault{
		cfg:       cfg,
		store:     store,
		lookupEnv: os.LookupEnv,
		cache:     make(map[backend.Kind]backend.Descriptor),
	}
}

// Configured reports whether kind has any configuration at all.
func (v *Vault) Configured(kind backend.Kind) bool {
	switch kind {
	case backend.Graph:
		return v.cfg.KnowledgeGraph.Configured()
	case backend.Relational:
		return v.cfg.ClinicalRecords.Configured()
	}
	return false
}

// Descriptor returns the resolved descriptor for kind, resolving it on first use.
// The lock is not held while the secret store is queried.
func (v *Vault) Descriptor(kind backend.Kind) (backend.Descriptor, error) {
	v.mu.Lock()
	d, ok := v.cache[kind]
	v.mu.Unlock()
	if ok {
		return d, nil
	}

	d, err := v.resolve(kind)
	if err != nil {
		return backend.Descriptor{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[kind]; ok {
		return cached, nil
	}
	v.cache[kind] = d
	return d, nil
}

// Describe returns the descriptor without resolving the secret. It is used for
// display and never fails on a missing secret.
func (v *Vault) Describe(kind backend.Kind) (backend.Descriptor, error) {
	return v.unresolved(kind)
}

// Forget drops the cached descriptor of kind so the next use re-reads the secret.
func (v *Vault) Forget(kind backend.Kind) {
	v.mu.Lock()
	delete(v.cache, kind)
	v.mu.Unlock()
}

// GetSecret reads a secret by reference. Failures are credential errors.
func (v *Vault) GetSecret(ref string) (string, error) {
	if name, ok := strings.CutPrefix(ref, config.EnvSecretPrefix); ok {
		val, found := v.lookupEnv(name)
		if !found || val == "" {
			return "", medcperrors.New(medcperrors.Credential, fmt.Sprintf("environment variable %s is not set", name))
		}
		return val, nil
	}

	if v.store == nil {
		return "", medcperrors.New(medcperrors.Credential, "no secret store is available")
	}
	val, err := v.store.Get(ref)
	if err != nil {
		if errors.Is(err, keychain.ErrNotFound) {
			return "", medcperrors.Wrap(medcperrors.Credential, fmt.Sprintf("no secret stored under %q", ref), err)
		}
		return "", medcperrors.Wrap(medcperrors.Credential, "secret store could not be read", err)
	}
	return val, nil
}

// SetSecret stores a secret in the keychain. env: refs cannot be written.
func (v *Vault) SetSecret(ref, value string) error {
	if strings.HasPrefix(ref, config.EnvSecretPrefix) {
		return medcperrors.New(medcperrors.Credential, "secrets referenced from the environment cannot be stored")
	}
	if v.store == nil {
		return medcperrors.New(medcperrors.Credential, "no secret store is available")
	}
	if err := v.store.Set(ref, value); err != nil {
		return medcperrors.Wrap(medcperrors.Credential, "secret store could not be written", err)
	}
	return nil
}

func (v *Vault) resolve(kind backend.Kind) (backend.Descriptor, error) {
	d, err := v.unresolved(kind)
	if err != nil {
		return backend.Descriptor{}, err
	}
	if err := checkRequired(d); err != nil {
		return backend.Descriptor{}, err
	}

	secret, err := v.GetSecret(d.SecretRef)
	if err != nil {
		if e, ok := medcperrors.As(err); ok {
			e.Message = d.Kind.DisplayName() + ": " + e.Message
		}
		return backend.Descriptor{}, err
	}
	d.Secret = backend.Secret(secret)
	return d, nil
}

func (v *Vault) unresolved(kind backend.Kind) (backend.Descriptor, error) {
	if !kind.Valid() {
		return backend.Descriptor{}, medcperrors.New(medcperrors.Configuration, fmt.Sprintf("unknown backend %q", kind))
	}
	if !v.Configured(kind) {
		return backend.Descriptor{}, medcperrors.New(medcperrors.Configuration, kind.DisplayName()+" is not configured")
	}

	switch kind {
	case backend.Graph:
		g := v.cfg.KnowledgeGraph
		return backend.Descriptor{
			Kind:      backend.Graph,
			URI:       strings.TrimSpace(g.URI),
			Database:  g.Database,
			Username:  g.Username,
			SecretRef: g.SecretRef,
			MaxConns:  v.cfg.Pool.MaxConns,
			LogLevel:  g.LogLevel,
		}, nil
	default:
		c := v.cfg.ClinicalRecords
		return backend.Descriptor{
			Kind:      backend.Relational,
			Host:      strings.TrimSpace(c.Host),
			Port:      c.Port,
			Database:  c.Database,
			Username:  c.Username,
			SecretRef: c.SecretRef,
			Schema:    c.Schema,
			SSLMode:   c.SSLMode,
			MaxConns:  v.cfg.Pool.MaxConns,
			LogLevel:  c.LogLevel,
		}, nil
	}
}

// checkRequired fails fast on fields every connection needs.
func checkRequired(d backend.Descriptor) error {
	var missing []string
	if d.Kind == backend.Graph && d.URI == "" {
		missing = append(missing, "uri")
	}
	if d.Kind == backend.Relational {
		if d.Host == "" {
			missing = append(missing, "host")
		}
		if strings.TrimSpace(d.Database) == "" {
			missing = append(missing, "database")
		}
	}
	if strings.TrimSpace(d.Username) == "" {
		missing = append(missing, "username")
	}
	if strings.TrimSpace(d.SecretRef) == "" {
		missing = append(missing, "secret_ref")
	}
	if len(missing) > 0 {
		return medcperrors.New(medcperrors.Configuration,
			fmt.Sprintf("%s is missing required settings: %s", d.Kind.DisplayName(), strings.Join(missing, ", ")))
	}
	return nil
}
