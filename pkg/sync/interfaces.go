// Package sync holds the interfaces a program embedding depsync implements
// to plug in its own infrastructure.
package sync

import "context"

// SecretProvider retrieves credentials from an external secret store
// (Vault, a cloud secret manager, an OS keychain) instead of the secrets
// section of depsync.yaml.
//
// GetSecret returns the secret named by a credentials rule. The map must
// carry a "type" field and the fields that type requires, using the same
// names as the config file:
//
//   - "basic_auth": username, password, headers (optional)
//   - "token_auth": token
//   - "ssh_key": key, passphrase (optional), fingerprints (optional)
//   - "github_app_auth": integration_id, installation_id, private_key (path to PEM)
//
// Implementations must be safe for concurrent use: credentials for different
// repositories are resolved from parallel jobs.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (map[string]any, error)
}
