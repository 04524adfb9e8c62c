package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)
	assert.True(t, cfg.IsRoot())
	assert.Equal(t, 64*1024, cfg.MaxFrameSize)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	nonRoot := func() *Config {
		c := DefaultConfig()
		c.NodeID = 5
		c.RootHost = "127.0.0.1"
		c.RootPort = 8440
		return c
	}

	tests := []struct {
		name    string
		config  func() *Config
		wantErr string
	}{
		{
			name:   "valid root",
			config: DefaultConfig,
		},
		{
			name:   "valid non-root",
			config: nonRoot,
		},
		{
			name: "id past ring",
			config: func() *Config {
				c := DefaultConfig()
				c.NodeID = 1024
				return c
			},
			wantErr: "node id",
		},
		{
			name: "invalid port (negative)",
			config: func() *Config {
				c := DefaultConfig()
				c.Port = -1
				return c
			},
			wantErr: "invalid port",
		},
		{
			name: "invalid port (too large)",
			config: func() *Config {
				c := DefaultConfig()
				c.Port = 70000
				return c
			},
			wantErr: "invalid port",
		},
		{
			name: "non-root without root address",
			config: func() *Config {
				c := nonRoot()
				c.RootHost = ""
				return c
			},
			wantErr: "root address",
		},
		{
			name: "non-root with seeds",
			config: func() *Config {
				c := nonRoot()
				c.Seeds[1] = "x"
				return c
			},
			wantErr: "only the root",
		},
		{
			name: "seed value with whitespace",
			config: func() *Config {
				c := DefaultConfig()
				c.Seeds[1] = "two words"
				return c
			},
			wantErr: "seed key 1",
		},
		{
			name: "zero rpc timeout",
			config: func() *Config {
				c := DefaultConfig()
				c.RPCTimeout = 0
				return c
			},
			wantErr: "rpc timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config().Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParsePlain(t *testing.T) {
	t.Run("root with seeds", func(t *testing.T) {
		cfg, err := ParsePlain(strings.NewReader("0 5000\n7 alpha\n\n12 beta\n"))
		require.NoError(t, err)
		assert.Equal(t, 0, cfg.NodeID)
		assert.Equal(t, 5000, cfg.Port)
		assert.Equal(t, map[int]string{7: "alpha", 12: "beta"}, cfg.Seeds)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("non-root", func(t *testing.T) {
		cfg, err := ParsePlain(strings.NewReader("# node three\n3 5001\n10.0.0.1 5000\n"))
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.NodeID)
		assert.Equal(t, 5001, cfg.Port)
		assert.Equal(t, "10.0.0.1", cfg.RootHost)
		assert.Equal(t, 5000, cfg.RootPort)
		assert.Equal(t, "10.0.0.1:5000", cfg.RootAddress())
		assert.NoError(t, cfg.Validate())
	})

	t.Run("trailing content on non-root", func(t *testing.T) {
		_, err := ParsePlain(strings.NewReader("3 5001\n10.0.0.1 5000\n1 x\n"))
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ParsePlain(strings.NewReader(""))
		assert.Error(t, err)
	})

	t.Run("bad header", func(t *testing.T) {
		_, err := ParsePlain(strings.NewReader("abc 5000\n"))
		assert.Error(t, err)
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("yaml", func(t *testing.T) {
		path := filepath.Join(dir, "node.yaml")
		doc := `
id: 5
port: 6001
root_host: 127.0.0.1
root_port: 6000
rpc_timeout: 2s
http_port: 8081
`
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.NodeID)
		assert.Equal(t, 2*time.Second, cfg.RPCTimeout)
		assert.Equal(t, 8081, cfg.HTTPPort)
		assert.Equal(t, 30*time.Second, cfg.JoinTimeout)
	})

	t.Run("yaml unknown field", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yml")
		require.NoError(t, os.WriteFile(path, []byte("id: 0\nfinger_tables: 3\n"), 0o644))

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("plain", func(t *testing.T) {
		path := filepath.Join(dir, "root.conf")
		require.NoError(t, os.WriteFile(path, []byte("0 6000\n7 alpha\n"), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.True(t, cfg.IsRoot())
		assert.Equal(t, "alpha", cfg.Seeds[7])
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "nope.conf"))
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(dir, "invalid.conf")
		require.NoError(t, os.WriteFile(path, []byte("4 6004\n"), 0o644))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid config")
	})
}
