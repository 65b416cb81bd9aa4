package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/swaggest/jsonschema-go"

	"github.com/depsync/depsync/internal/util"
)

// Secret types understood by Typed.
const (
	SecretTypeBasicAuth = "basic_auth"
	SecretTypeTokenAuth = "token_auth"
	SecretTypeSSHKey    = "ssh_key"
	SecretTypeGitHubApp = "github_app_auth"
)

var wellknownFingerprints = []string{
	"SHA256:uNiVztksCsDhcc0u9e8BujQXVUpKZIDTMczCvj3tD2s", // github.com
	"SHA256:p2QAMXNIC1TJYWeIOttrVc98/R1BUFWu3/LiyKgUfQM", // github.com
	"SHA256:+DiY3wvvV6TuJJhbpZisF/zLDA0zPMSvHdkr4UvCOqU", // github.com
	"SHA256:zzXQOXSRBEiUtuE8AikJYKwbHaxvSc0ojez9YXaGp1A", // bitbucket.org
	"SHA256:ohD8VZEXGWo6Ez8GSEJQ9WpafgLFsOfLOtGGQCQo6Og", // dev.azure.com
}

// Secret holds the credentials used to reach a dependency's remote. The
// value is kept as a raw map until Typed is called; string values may use
// ${VAR} references which are expanded from the environment at that point:
//
//	secrets:
//	  acme:
//	    type: basic_auth
//	    username: ci
//	    password: ${ACME_TOKEN}
//
// Supported types:
//
//   - "basic_auth": "username", "password", optional "headers" ("Name: value" strings).
//   - "token_auth": "token", sent as a bearer token.
//   - "ssh_key": "key" (PEM), optional "passphrase" and "fingerprints". Without
//     fingerprints, the published host keys of github.com, bitbucket.org and
//     dev.azure.com are accepted.
//   - "github_app_auth": "integration_id", "installation_id", "private_key" (path to PEM file).
type Secret struct {
	Name  string         `json:"-"`
	Value map[string]any `json:"-"`
}

func (s *Secret) Ref() *SecretRef {
	return &SecretRef{Name: s.Name, value: s}
}

func (*Secret) PrepareJSONSchema(schema *jsonschema.Schema) error {
	schema.Type = nil
	schema.AddType(jsonschema.Object)
	return nil
}

func (s *Secret) MarshalYAML() (any, error) {
	if len(s.Value) == 0 {
		return map[string]any{}, nil
	}
	return s.Value, nil
}

func (s *Secret) MarshalJSON() ([]byte, error) {
	v, err := s.MarshalYAML()
	if err != nil {
		return nil, err
	}

	return json.Marshal(v)
}

func (s *Secret) UnmarshalYAML(bs []byte) error {
	if err := yaml.Unmarshal(bs, &s.Value); err != nil {
		return fmt.Errorf("expected mapping node: %w", err)
	}
	return nil
}

func (s *Secret) UnmarshalJSON(bs []byte) error {
	return json.Unmarshal(bs, &s.Value)
}

func (s *Secret) Equal(other *Secret) bool {
	return util.FastEqual(s, other, func(s, other *Secret) bool {
		return s.Name == other.Name && reflect.DeepEqual(s.Value, other.Value)
	})
}

// expand returns a copy of the value with environment references resolved.
func (s *Secret) expand() map[string]any {
	value := make(map[string]any, len(s.Value))
	for k, v := range s.Value {
		if str, ok := v.(string); ok {
			value[k] = os.ExpandEnv(str)
		} else {
			value[k] = v
		}
	}
	return value
}

// Typed decodes the secret into one of SecretBasicAuth, SecretTokenAuth,
// SecretSSHKey or SecretGitHubApp.
func (s *Secret) Typed(context.Context) (any, error) {
	m := s.expand()
	if len(m) == 0 {
		return nil, fmt.Errorf("secret %q is not configured", s.Name)
	}

	switch m["type"] {
	case SecretTypeBasicAuth:
		var value SecretBasicAuth
		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.Password == "" {
			return nil, fmt.Errorf("secret %q: missing password", s.Name)
		}
		return value, nil

	case SecretTypeTokenAuth:
		var value SecretTokenAuth
		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.Token == "" {
			return nil, fmt.Errorf("secret %q: missing token", s.Name)
		}
		return value, nil

	case SecretTypeSSHKey:
		var value SecretSSHKey
		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.Key == "" {
			return nil, errors.New("missing key in SSH secret")
		}
		if len(value.Fingerprints) == 0 {
			value.Fingerprints = wellknownFingerprints
		}
		return value, nil

	case SecretTypeGitHubApp:
		var value SecretGitHubApp
		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.IntegrationID == 0 || value.InstallationID == 0 || value.PrivateKey == "" {
			return nil, fmt.Errorf("secret %q: integration_id, installation_id and private_key are required", s.Name)
		}
		return value, nil

	default:
		return nil, fmt.Errorf("unknown secret type %q", s.Value["type"])
	}
}

type SecretBasicAuth struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Headers  []string `json:"headers,omitempty"`
}

type SecretTokenAuth struct {
	Token string `json:"token"`
}

type SecretSSHKey struct {
	Key          string   `json:"key"` // PEM
	Passphrase   string   `json:"passphrase,omitempty"`
	Fingerprints []string `json:"fingerprints,omitempty"`
}

type SecretGitHubApp struct {
	IntegrationID  int64  `json:"integration_id"`
	InstallationID int64  `json:"installation_id"`
	PrivateKey     string `json:"private_key"` // path to PEM file
}

// SecretRef names a secret from the secrets section. It is linked to the
// secret itself when the config is decoded.
type SecretRef struct {
	Name  string `json:"-"`
	value *Secret
}

// NewSecretRef returns a reference already bound to s.
func NewSecretRef(s *Secret) *SecretRef {
	return s.Ref()
}

// Resolve returns the typed secret value, see Secret.Typed.
func (s *SecretRef) Resolve(ctx context.Context) (any, error) {
	if s.value == nil {
		return nil, fmt.Errorf("secret %q not found", s.Name)
	}

	return s.value.Typed(ctx)
}

func (*SecretRef) PrepareJSONSchema(schema *jsonschema.Schema) error {
	schema.Type = nil
	schema.AddType(jsonschema.String)
	return nil
}

func (s *SecretRef) MarshalYAML() (any, error) {
	if s.Name == "" {
		return nil, nil
	}
	return s.Name, nil
}

func (s *SecretRef) MarshalJSON() ([]byte, error) {
	v, err := s.MarshalYAML()
	if err != nil {
		return nil, err
	}

	return json.Marshal(v)
}

func (s *SecretRef) UnmarshalYAML(bs []byte) error {
	if err := yaml.Unmarshal(bs, &s.Name); err != nil {
		return fmt.Errorf("expected scalar node: %w", err)
	}
	return nil
}

func (s *SecretRef) UnmarshalJSON(bs []byte) error {
	if err := json.Unmarshal(bs, &s.Name); err != nil {
		return fmt.Errorf("failed to unmarshal SecretRef: %w", err)
	}

	return nil
}

func (s *SecretRef) Equal(other *SecretRef) bool {
	return util.FastEqual(s, other, func(s, other *SecretRef) bool {
		return s.Name == other.Name && s.value.Equal(other.value)
	})
}

// we use this one so we don't need duplicate tags on every struct
func decode(input any, output any) error {
	config := &mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           output,
		WeaklyTypedInput: true,
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}
