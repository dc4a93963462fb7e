package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// ErrPolicyParse marks a cache policy that could not be read or compiled.
var ErrPolicyParse = errors.New("cache policy parse error")

// PolicyError locates a policy failure. Rule is empty when the whole document
// is unreadable.
type PolicyError struct {
	Source string
	Rule   string
	Err    error
}

func (e *PolicyError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("config: cache policy %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("config: cache policy %s: rule %q: %v", e.Source, e.Rule, e.Err)
}

func (e *PolicyError) Unwrap() []error { return []error{ErrPolicyParse, e.Err} }

// DefaultPolicySource names the embedded policy in errors and logs.
const DefaultPolicySource = "embedded:default_policy.yaml"

// DefaultPolicy returns the cache policy compiled into the binary.
func DefaultPolicy() (CachePolicy, error) {
	raw, err := yaml.Parser().Unmarshal(defaultPolicyYAML)
	if err != nil {
		return CachePolicy{}, &PolicyError{Source: DefaultPolicySource, Err: err}
	}
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(raw, ""), nil); err != nil {
		return CachePolicy{}, &PolicyError{Source: DefaultPolicySource, Err: err}
	}
	var policy CachePolicy
	if err := k.Unmarshal("", &policy); err != nil {
		return CachePolicy{}, &PolicyError{Source: DefaultPolicySource, Err: err}
	}
	return policy, nil
}

// LoadPolicyFile reads a standalone policy document. The parser is picked
// from the file extension.
func LoadPolicyFile(path string) (CachePolicy, error) {
	if err := ensureFileExists(path); err != nil {
		return CachePolicy{}, &PolicyError{Source: path, Err: err}
	}
	parser, err := parserFor(path)
	if err != nil {
		return CachePolicy{}, &PolicyError{Source: path, Err: err}
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return CachePolicy{}, &PolicyError{Source: path, Err: err}
	}
	var policy CachePolicy
	if err := k.Unmarshal("", &policy); err != nil {
		return CachePolicy{}, &PolicyError{Source: path, Err: err}
	}
	return policy, nil
}

// ResolveCachePolicy picks the effective policy: the policy file when set,
// then inline rules, then the embedded default.
func ResolveCachePolicy(cfg CacheConfig) (CachePolicy, error) {
	if strings.TrimSpace(cfg.PolicyFile) != "" {
		return LoadPolicyFile(cfg.PolicyFile)
	}
	if !cfg.CachePolicy.Empty() {
		return cfg.CachePolicy, nil
	}
	return DefaultPolicy()
}

func policySource(cfg CacheConfig) string {
	switch {
	case strings.TrimSpace(cfg.PolicyFile) != "":
		return cfg.PolicyFile
	case !cfg.CachePolicy.Empty():
		return "inline-config"
	default:
		return DefaultPolicySource
	}
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.New("expected a file, found directory")
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported policy file extension %s", ext)
	}
}
