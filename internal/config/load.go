package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zde37/ringkv/pkg/keyspace"
)

// Load reads a node configuration file, applies defaults and validates it.
//
// Files ending in .yaml or .yml are decoded as YAML. Anything else is read
// in the plain format:
//
//	<id> <port>
//	<rootHost> <rootPort>      (non-root nodes)
//	<key> <value>              (root only, zero or more seed lines)
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(f)
	default:
		cfg, err = ParsePlain(f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ParseYAML decodes a YAML document on top of DefaultConfig.
func ParseYAML(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	if cfg.Seeds == nil {
		cfg.Seeds = make(map[int]string)
	}
	return cfg, nil
}

// ParsePlain decodes the whitespace separated format.
// Blank lines and lines starting with '#' are ignored.
func ParsePlain(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	scanner := bufio.NewScanner(r)
	lineNo := 0
	header := false
	rootLine := false

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected 2 fields, got %d", lineNo, len(fields))
		}

		switch {
		case !header:
			id, err := keyspace.ParseID(fields[0])
			if err != nil {
				return nil, fmt.Errorf("line %d: node id: %w", lineNo, err)
			}
			port, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("line %d: port: %w", lineNo, err)
			}
			cfg.NodeID = id
			cfg.Port = port
			header = true

		case !cfg.IsRoot() && !rootLine:
			port, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("line %d: root port: %w", lineNo, err)
			}
			cfg.RootHost = fields[0]
			cfg.RootPort = port
			rootLine = true

		case cfg.IsRoot():
			key, err := keyspace.ParseID(fields[0])
			if err != nil {
				return nil, fmt.Errorf("line %d: seed key: %w", lineNo, err)
			}
			cfg.Seeds[key] = fields[1]

		default:
			return nil, fmt.Errorf("line %d: unexpected content after root address", lineNo)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !header {
		return nil, fmt.Errorf("missing '<id> <port>' line")
	}
	return cfg, nil
}
