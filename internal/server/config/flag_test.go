package config

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		expected    *Config
		name        string
		args        []string
		expectPanic bool
	}{
		{
			name: "all flags",
			args: []string{"cmd",
				"-a", "127.0.0.1:8081", "-g", "127.0.0.1:9090", "-d", "db", "-s", "secret",
				"-u", "user", "-p", "password", "-b", "bucket", "-r", "us-west-1", "-e", "http://endpoint",
				"-t", "120", "-m", "http://mason", "-k", "-2", "-l", "debug",
			},
			expected: &Config{
				EndpointAddrHTTP: "127.0.0.1:8081",
				EndpointAddrGRPC: "127.0.0.1:9090",
				DatabaseDSN:      "db",
				SecretKey:        "secret",
				S3RootUser:       "user",
				S3RootPassword:   "password",
				S3Bucket:         "bucket",
				S3Region:         "us-west-1",
				S3BaseEndpoint:   "http://endpoint",
				PresignTTL:       2 * time.Minute,
				MasonEndpoint:    "http://mason",
				DamageThreshold:  -2,
				LogLevel:         "debug",
			},
		},
		{
			name:     "config flag is left for the file loader",
			args:     []string{"cmd", "-c", "cfg.yaml", "-a", ":1"},
			expected: &Config{EndpointAddrHTTP: ":1"},
		},
		{
			name:        "bad int panics",
			args:        []string{"cmd", "-t", "soon"},
			expectPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origArgs := os.Args
			t.Cleanup(func() { os.Args = origArgs })
			os.Args = tt.args

			config := &Config{}

			if tt.expectPanic {
				require.Panics(t, func() { parseFlags(config) })
				return
			}
			require.NotPanics(t, func() { parseFlags(config) })
			assert.Empty(t, cmp.Diff(tt.expected, config))
		})
	}
}
