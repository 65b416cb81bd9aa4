// Package credentials resolves the authentication used to reach a
// dependency's remote. Secrets are bound to repository URLs by glob rules in
// the config file, and may be served by an external secret store.
package credentials

import (
	"context"
	"fmt"
	gohttp "net/http"
	"sort"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	lru "github.com/hashicorp/golang-lru"

	"github.com/depsync/depsync/internal/config"
	"github.com/depsync/depsync/internal/errs"
	pkgsync "github.com/depsync/depsync/pkg/sync"
)

const matchCacheSize = 256

// Provider resolves credentials for a repository URL. A nil AuthMethod with
// a nil error means the remote is accessed anonymously (or through the
// ambient mechanisms of the transport, like an SSH agent).
//
// Implementations must be safe for concurrent use.
type Provider interface {
	Resolve(ctx context.Context, url string) (transport.AuthMethod, error)
}

// Rules is the source of URL to secret bindings, satisfied by *config.Root.
type Rules interface {
	CredentialsFor(url string) *config.SecretRef
}

// ConfigProvider resolves credentials from config rules. Rule matches are
// memoized per URL.
type ConfigProvider struct {
	rules          Rules
	secretProvider pkgsync.SecretProvider
	gh             github
	matches        *lru.Cache
}

func NewConfigProvider(rules Rules) *ConfigProvider {
	cache, err := lru.New(matchCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	return &ConfigProvider{rules: rules, matches: cache}
}

// WithSecretProvider makes the provider look secrets up in an external store
// by the name used in the matching rule.
func (p *ConfigProvider) WithSecretProvider(sp pkgsync.SecretProvider) *ConfigProvider {
	p.secretProvider = sp
	return p
}

func (p *ConfigProvider) Resolve(ctx context.Context, url string) (transport.AuthMethod, error) {
	ref := p.match(url)
	if ref == nil {
		return nil, nil
	}

	var typed any
	var err error
	if p.secretProvider != nil {
		var value map[string]any
		value, err = p.secretProvider.GetSecret(ctx, ref.Name)
		if err == nil {
			secret := &config.Secret{Name: ref.Name, Value: value}
			typed, err = secret.Typed(ctx)
		}
	} else {
		typed, err = ref.Resolve(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCredentialFailure, err)
	}

	auth, err := authFromTyped(ctx, &p.gh, typed)
	if err != nil {
		return nil, fmt.Errorf("%w: secret %q: %v", errs.ErrCredentialFailure, ref.Name, err)
	}
	return auth, nil
}

func (p *ConfigProvider) match(url string) *config.SecretRef {
	if v, ok := p.matches.Get(url); ok {
		ref, _ := v.(*config.SecretRef)
		return ref
	}
	ref := p.rules.CredentialsFor(url)
	p.matches.Add(url, ref)
	return ref
}

// Anonymous never supplies credentials.
type Anonymous struct{}

func (Anonymous) Resolve(context.Context, string) (transport.AuthMethod, error) {
	return nil, nil
}

// Func adapts a function to the Provider interface.
type Func func(ctx context.Context, url string) (transport.AuthMethod, error)

func (f Func) Resolve(ctx context.Context, url string) (transport.AuthMethod, error) {
	return f(ctx, url)
}

// HTTPHeaders renders an HTTP auth method as "Name: value" header lines, for
// transports that cannot use go-git auth methods directly. It fails for
// non-HTTP methods.
func HTTPHeaders(auth transport.AuthMethod) ([]string, error) {
	if auth == nil {
		return nil, nil
	}
	a, ok := auth.(githttp.AuthMethod)
	if !ok {
		return nil, fmt.Errorf("%w: %s authentication cannot be passed as HTTP headers", errs.ErrCredentialFailure, auth.Name())
	}

	r, err := gohttp.NewRequest(gohttp.MethodGet, "http://localhost", nil)
	if err != nil {
		return nil, err
	}
	a.SetAuth(r)

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := make([]string, 0, len(names))
	for _, name := range names {
		for _, v := range r.Header.Values(name) {
			headers = append(headers, name+": "+v)
		}
	}
	return headers, nil
}
