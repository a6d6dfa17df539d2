// Package manifest describes the services started at boot. A manifest is
// a YAML or TOML file:
//
//	services:
//	  - name: calc
//	    kind: calc
//	  - name: svc/echo
//	    kind: echo
//	    policy:
//	      cap_buffers: 2
//	      rights: rw
//
// Boot starts one task with one dispatch thread per service and registers
// the service's gate in the name space.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/namespace"
	"github.com/GriffinCanCode/l4core/internal/providers"
	"github.com/GriffinCanCode/l4core/internal/utcb"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

var (
	ErrFormat  = errors.New("manifest: unsupported format")
	ErrInvalid = errors.New("manifest: invalid")
)

// Format is a manifest encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrFormat, filepath.Ext(path))
}

// Manifest lists the boot services.
type Manifest struct {
	Services []Service `yaml:"services" toml:"services" json:"services"`
}

// Service is one served provider.
type Service struct {
	// Name is the name space entry of the service gate.
	Name string `yaml:"name" toml:"name" json:"name"`
	// Kind selects the provider.
	Kind   string `yaml:"kind" toml:"kind" json:"kind"`
	Policy Policy `yaml:"policy" toml:"policy" json:"policy"`
}

// Policy configures the dispatch loop of a service.
type Policy struct {
	// CapBuffers is the number of capability receive buffers. Zero
	// serves bufferless.
	CapBuffers int `yaml:"cap_buffers" toml:"cap_buffers" json:"cap_buffers"`
	// Rights restrict the registered gate capability, as "rws" letters.
	// Empty grants all rights.
	Rights string `yaml:"rights" toml:"rights" json:"rights,omitempty"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	m, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a manifest.
func Parse(data []byte, format Format) (*Manifest, error) {
	var m Manifest
	switch format {
	case FormatYAML:
		if err := yaml.UnmarshalWithOptions(data, &m, yaml.Strict()); err != nil {
			return nil, fmt.Errorf("manifest: yaml: %w", err)
		}
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("manifest: toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrFormat, format)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Marshal encodes m.
func (m *Manifest) Marshal(format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(m)
	case FormatTOML:
		return toml.Marshal(m)
	}
	return nil, fmt.Errorf("%w: %q", ErrFormat, format)
}

// Validate checks names, kinds and policies.
func (m *Manifest) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(m.Services))
	for i, s := range m.Services {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("service %d (%s): %w", i, s.Name, err))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("service %d: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (s Service) validate() error {
	if err := namespace.ValidateName(s.Name); err != nil {
		return err
	}
	if !providers.Known(s.Kind) {
		return fmt.Errorf("unknown kind %q (known: %s)", s.Kind, strings.Join(providers.Kinds(), ", "))
	}
	if s.Policy.CapBuffers < 0 || s.Policy.CapBuffers > utcb.MaxBufferItems {
		return fmt.Errorf("cap_buffers %d outside [0, %d]", s.Policy.CapBuffers, utcb.MaxBufferItems)
	}
	if _, err := ParseRights(s.Policy.Rights); err != nil {
		return err
	}
	return nil
}

// ParseRights parses "rwsd" letters. The empty string means all rights.
func ParseRights(s string) (abi.Rights, error) {
	if s == "" {
		return abi.RightsAll, nil
	}
	var r abi.Rights
	for _, c := range s {
		switch c {
		case 'r':
			r |= abi.RightR
		case 'w':
			r |= abi.RightW
		case 's':
			r |= abi.RightS
		case 'd':
			r |= abi.RightD
		default:
			return 0, fmt.Errorf("bad rights %q", s)
		}
	}
	return r, nil
}
