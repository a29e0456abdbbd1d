package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the decoder from the file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("config: unknown file type %q", path)
	}
}

// Parse decodes a single VM configuration, applies defaults and validates it.
// Unknown keys are rejected in both formats.
func Parse(data []byte, format Format) (*VMConfig, error) {
	var cfg VMConfig

	switch format {
	case FormatTOML:
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys: %s", strings.Join(keys, ", "))
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("config: unsupported format %q", format)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Load reads and parses a VM configuration file.
func Load(path string) (*VMConfig, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadAll loads every file and rejects duplicate VM ids.
func LoadAll(paths []string) ([]*VMConfig, error) {
	var cfgs []*VMConfig
	ids := make(map[int]string)
	for _, path := range paths {
		cfg, err := Load(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := ids[cfg.Base.ID]; ok {
			return nil, fmt.Errorf("%w: VM id %d defined by both %s and %s", ErrInvalidConfig, cfg.Base.ID, prev, path)
		}
		ids[cfg.Base.ID] = path
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}
