package registry

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"vrmoded/internal/component"
)

// BindPermission must be declared by a listener before it may be bound.
const BindPermission = "vrmoded.permission.BIND_VR_LISTENER"

const schemaURL = "https://vrmoded.local/schema/listener-manifest-v1.schema.json"

//go:embed schema/listener-manifest-v1.schema.json
var manifestSchema []byte

// ErrInvalidManifest wraps every manifest parse or schema failure.
var ErrInvalidManifest = errors.New("registry: invalid manifest")

// Manifest describes one installable listener service.
type Manifest struct {
	Package         string `json:"package" toml:"package" yaml:"package"`
	Class           string `json:"class" toml:"class" yaml:"class"`
	Permission      string `json:"permission,omitempty" toml:"permission" yaml:"permission"`
	InstalledScopes []int  `json:"installed_scopes" toml:"installed_scopes" yaml:"installed_scopes"`
	EnabledScopes   []int  `json:"enabled_scopes,omitempty" toml:"enabled_scopes" yaml:"enabled_scopes"`
	Endpoint        string `json:"endpoint,omitempty" toml:"endpoint" yaml:"endpoint"`
	Source          string `json:"-" toml:"-" yaml:"-"`
}

// Identity returns the listener identity. A class beginning with "." is
// relative to the package.
func (m *Manifest) Identity() component.Identity {
	class := m.Class
	if strings.HasPrefix(class, ".") {
		class = m.Package + class
	}
	return component.Identity{Package: m.Package, Class: class}
}

// InstalledIn reports whether the listener is installed for scope.
func (m *Manifest) InstalledIn(scope component.ScopeID) bool {
	return slices.Contains(m.InstalledScopes, int(scope))
}

// EnabledIn reports whether the user enabled the listener for scope.
func (m *Manifest) EnabledIn(scope component.ScopeID) bool {
	return m.InstalledIn(scope) && slices.Contains(m.EnabledScopes, int(scope))
}

// Validate checks the manifest for scope.
func (m *Manifest) Validate(scope component.ScopeID) component.ValidationResult {
	switch {
	case !m.InstalledIn(scope):
		return component.WrongScope
	case m.Permission != BindPermission:
		return component.NotPermitted
	case !m.EnabledIn(scope):
		return component.NotPermitted
	default:
		return component.Valid
	}
}

// manifestExts are the recognised manifest file extensions.
var manifestExts = map[string]bool{".toml": true, ".json": true, ".yaml": true, ".yml": true}

func isManifestFile(name string) bool {
	if strings.HasPrefix(filepath.Base(name), ".") {
		return false
	}
	return manifestExts[strings.ToLower(filepath.Ext(name))]
}

type parser struct {
	schema *jsonschema.Schema
}

func newParser() (*parser, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(manifestSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &parser{schema: schema}, nil
}

// parseFile decodes path according to its extension, validates it against
// the manifest schema and returns the manifest.
func (p *parser) parseFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, fmt.Errorf("%w: %s: decode TOML: %v", ErrInvalidManifest, path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %s: decode JSON: %v", ErrInvalidManifest, path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %s: decode YAML: %v", ErrInvalidManifest, path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s: unknown extension", ErrInvalidManifest, path)
	}

	// Round-trip through JSON so every format reaches the validator with
	// JSON-native value types.
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, path, err)
	}
	var instance any
	if err := json.Unmarshal(normalized, &instance); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, path, err)
	}
	if err := p.schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, path, err)
	}

	var m Manifest
	if err := json.Unmarshal(normalized, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, path, err)
	}
	m.Source = path
	return &m, nil
}
