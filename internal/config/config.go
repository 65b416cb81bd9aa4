package config

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gobwas/glob"
	"github.com/goccy/go-yaml"

	"github.com/depsync/depsync/internal/util"
)

// Configuration data structures for depsync.

const (
	DefaultFileName         = "depsync.yaml"
	DefaultCopyDir          = "Repositories"
	DefaultDependenciesFile = "Dependencies.json"
	DefaultBackend          = "gogit"
	DefaultWorkers          = 4
	DefaultInterval         = Duration(5 * time.Minute)
	DefaultDatabaseFile     = "baselines.db"
)

var (
	DefaultIgnore            = StringSet{".git"}
	DefaultFingerprintIgnore = StringSet{"*.meta"}
)

// Root is the top-level configuration structure used by depsync.
type Root struct {
	// ProjectRoot is the directory working copies are placed under. Relative
	// paths are resolved against the directory containing the config file.
	ProjectRoot string `json:"project_root,omitempty"`
	// CopyDir is the directory below ProjectRoot holding one working copy per dependency.
	CopyDir string `json:"copy_dir,omitempty"`
	// CacheRoot holds the cached clones. Defaults to the user cache directory.
	CacheRoot        string    `json:"cache_root,omitempty"`
	DependenciesFile string    `json:"dependencies_file,omitempty"`
	Backend          string    `json:"backend,omitempty" enum:"gogit,cli"`
	Workers          int       `json:"workers,omitempty" minimum:"1"`
	Interval         Duration  `json:"interval,omitempty"`
	Ignore           StringSet `json:"ignore,omitempty"`
	// FingerprintIgnore lists glob patterns (matched against base names) left
	// out of local change detection.
	FingerprintIgnore StringSet          `json:"fingerprint_ignore,omitempty"`
	Markers           *Markers           `json:"markers,omitempty"`
	Database          *Database          `json:"database,omitempty"`
	Credentials       []*CredentialRule  `json:"credentials,omitempty"`
	Secrets           map[string]*Secret `json:"secrets,omitempty"` // Schema validation overrides Secret to object type.

	_ struct{} `additionalProperties:"false"`
}

// Markers override the substrings expected in the output of successful VCS
// operations. Empty fields keep the built-in defaults.
type Markers struct {
	Clone  string `json:"clone,omitempty"`
	Update string `json:"update,omitempty"`
	Refs   string `json:"refs,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// CredentialRule binds a secret to all repository URLs matching a glob.
// Rules are evaluated in order, the first match wins.
type CredentialRule struct {
	Match  string     `json:"match" minLength:"1"`
	Secret *SecretRef `json:"secret"` // Schema validation overrides this to string type.

	glob glob.Glob
	_    struct{} `additionalProperties:"false"`
}

// Matches reports whether url is covered by the rule.
func (c *CredentialRule) Matches(url string) bool {
	return c.glob != nil && c.glob.Match(url)
}

type Database struct {
	SQL *SQLDatabase `json:"sql,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

type SQLDatabase struct {
	Driver string `json:"driver" enum:"sqlite,sqlite3,postgres,pgx,mysql"`
	DSN    string `json:"dsn,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for the Root struct.
// It is used to name secrets after their keys and to inject the secret store
// into each secret reference so that internal callers can resolve secret
// values as needed.
func (r *Root) UnmarshalYAML(bs []byte) error {
	type rawRoot Root // avoid recursive calls to UnmarshalYAML by type aliasing
	var raw rawRoot

	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	return r.unmarshal()
}

func (r *Root) UnmarshalJSON(bs []byte) error {
	type rawRoot Root
	var raw rawRoot

	if err := json.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	return r.unmarshal()
}

func (r *Root) unmarshal() error {
	for name := range r.Secrets {
		r.Secrets[name] = cmp.Or(r.Secrets[name], &Secret{})
		r.Secrets[name].Name = name
	}

	for i, rule := range r.Credentials {
		if rule == nil || rule.Secret == nil {
			return fmt.Errorf("credentials[%d]: secret is required", i)
		}
		g, err := glob.Compile(rule.Match, '/')
		if err != nil {
			return fmt.Errorf("credentials[%d]: invalid match pattern %q: %w", i, rule.Match, err)
		}
		rule.glob = g
		rule.Secret.value = r.Secrets[rule.Secret.Name]
	}

	return nil
}

// SetDefaults fills in every unset field. Relative project and cache roots
// are made absolute against base, the directory of the config file.
func (r *Root) SetDefaults(base string) error {
	r.ProjectRoot = cmp.Or(r.ProjectRoot, ".")
	r.CopyDir = cmp.Or(r.CopyDir, DefaultCopyDir)
	r.DependenciesFile = cmp.Or(r.DependenciesFile, DefaultDependenciesFile)
	r.Backend = cmp.Or(r.Backend, DefaultBackend)
	r.Workers = cmp.Or(r.Workers, DefaultWorkers)
	r.Interval = cmp.Or(r.Interval, DefaultInterval)
	if len(r.Ignore) == 0 {
		r.Ignore = slices.Clone(DefaultIgnore)
	}
	if len(r.FingerprintIgnore) == 0 {
		r.FingerprintIgnore = slices.Clone(DefaultFingerprintIgnore)
	}
	r.Markers = cmp.Or(r.Markers, &Markers{})

	if r.CacheRoot == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("cache_root not set and no user cache directory: %w", err)
		}
		r.CacheRoot = filepath.Join(dir, "depsync")
	}

	r.ProjectRoot = abs(base, os.ExpandEnv(r.ProjectRoot))
	r.CacheRoot = abs(base, os.ExpandEnv(r.CacheRoot))
	r.DependenciesFile = abs(r.ProjectRoot, os.ExpandEnv(r.DependenciesFile))

	if r.Database == nil || r.Database.SQL == nil {
		r.Database = &Database{SQL: &SQLDatabase{
			Driver: "sqlite",
			DSN:    filepath.Join(r.CacheRoot, DefaultDatabaseFile),
		}}
	}
	return nil
}

// CopyRoot is the directory holding all working copies.
func (r *Root) CopyRoot() string {
	return filepath.Join(r.ProjectRoot, r.CopyDir)
}

// CredentialsFor returns the secret reference bound to url, or nil.
func (r *Root) CredentialsFor(url string) *SecretRef {
	for _, rule := range r.Credentials {
		if rule.Matches(url) {
			return rule.Secret
		}
	}
	return nil
}

func abs(base, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}

func Validate(data []byte) error {
	var config any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return err
	}
	if config == nil { // empty file
		return nil
	}

	return rootSchema.Validate(config)
}

type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	val, err := time.ParseDuration(str)
	*d = Duration(val)
	return err
}

func (d *Duration) UnmarshalYAML(bs []byte) error {
	var s string
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return err
	}
	val, err := time.ParseDuration(s)
	*d = Duration(val)
	return err
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

type StringSet []string

func (a StringSet) Equal(b StringSet) bool {
	return util.SetEqual(a, b, func(s string) string { return s }, func(a, b string) bool { return a == b })
}

// ParseFile reads and parses the config file at filename. A missing file is
// not an error: the defaults are returned instead.
func ParseFile(filename string) (*Root, error) {
	bs, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		bs = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	root, err := Parse(bs)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", filename, err)
	}

	base, err := filepath.Abs(filepath.Dir(filename))
	if err != nil {
		return nil, err
	}
	if err := root.SetDefaults(base); err != nil {
		return nil, err
	}
	return root, nil
}

// ParseFiles reads several config files, each overriding the ones before it
// (see Overlay). Relative paths are resolved against the directory of the
// first file.
func ParseFiles(filenames []string) (*Root, error) {
	switch len(filenames) {
	case 0:
		return ParseFile(DefaultFileName)
	case 1:
		return ParseFile(filenames[0])
	}

	bs, err := Overlay(filenames)
	if err != nil {
		return nil, err
	}
	root, err := Parse(bs)
	if err != nil {
		return nil, err
	}

	base, err := filepath.Abs(filepath.Dir(filenames[0]))
	if err != nil {
		return nil, err
	}
	if err := root.SetDefaults(base); err != nil {
		return nil, err
	}
	return root, nil
}

// Parse validates bs against the config schema and decodes it. Defaults are
// not applied.
func Parse(bs []byte) (*Root, error) {
	if err := Validate(bs); err != nil {
		return nil, err
	}

	var root Root
	if len(bs) == 0 {
		return &root, nil
	}
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &root, nil
}
