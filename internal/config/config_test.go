package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "")
	setEnv(t, "ENV", "")
	setEnv(t, "GATEWAY_DRIVER", "")
	setEnv(t, "PLATFORM_FEE_RATE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultGatewayDriver, cfg.GatewayDriver)
	assert.Equal(t, DefaultFeeRate, cfg.PlatformFeeRate)
	assert.Equal(t, DefaultReconcileEvery, cfg.ReconcileInterval)
}

func TestLoad_CustomValues(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "ENV", "staging")
	setEnv(t, "GATEWAY_DRIVER", "rest")
	setEnv(t, "GATEWAY_BASE_URL", "https://gateway.example.com")
	setEnv(t, "PLATFORM_FEE_RATE", "0.10")
	setEnv(t, "RECONCILE_INTERVAL", "90s")
	setEnv(t, "ALLOWED_ORIGINS", "https://app.example.com, https://ops.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "rest", cfg.GatewayDriver)
	assert.Equal(t, "0.10", cfg.PlatformFeeRate)
	assert.Equal(t, 90*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, []string{"https://app.example.com", "https://ops.example.com"}, cfg.AllowedOrigins)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "valid memory config",
			config:  Config{Env: "development", GatewayDriver: "memory", PlatformFeeRate: "0.05"},
			wantErr: "",
		},
		{
			name:    "fee rate not a decimal",
			config:  Config{Env: "development", GatewayDriver: "memory", PlatformFeeRate: "five percent"},
			wantErr: "PLATFORM_FEE_RATE",
		},
		{
			name:    "fee rate out of range",
			config:  Config{Env: "development", GatewayDriver: "memory", PlatformFeeRate: "1.5"},
			wantErr: "must be in [0, 1)",
		},
		{
			name:    "negative fee rate",
			config:  Config{Env: "development", GatewayDriver: "memory", PlatformFeeRate: "-0.05"},
			wantErr: "must be in [0, 1)",
		},
		{
			name:    "rest driver without base URL",
			config:  Config{Env: "development", GatewayDriver: "rest", PlatformFeeRate: "0.05"},
			wantErr: "GATEWAY_BASE_URL",
		},
		{
			name:    "stripe driver without API key",
			config:  Config{Env: "development", GatewayDriver: "stripe", PlatformFeeRate: "0.05"},
			wantErr: "STRIPE_API_KEY",
		},
		{
			name:    "unknown driver",
			config:  Config{Env: "development", GatewayDriver: "paypal", PlatformFeeRate: "0.05"},
			wantErr: "unknown GATEWAY_DRIVER",
		},
		{
			name: "production requires database",
			config: Config{
				Env: "production", GatewayDriver: "rest", PlatformFeeRate: "0.05",
				GatewayBaseURL: "https://gw", GatewayAPIKey: "k", GatewayWebhookSecret: "s",
			},
			wantErr: "DATABASE_URL is required in production",
		},
		{
			name: "production rejects memory gateway",
			config: Config{
				Env: "production", GatewayDriver: "memory", PlatformFeeRate: "0.05",
				DatabaseURL: "postgres://x", AuthJWTSecret: "secret",
			},
			wantErr: "not allowed in production",
		},
		{
			name: "production requires webhook secret for rest",
			config: Config{
				Env: "production", GatewayDriver: "rest", PlatformFeeRate: "0.05",
				GatewayBaseURL: "https://gw", GatewayAPIKey: "k",
				DatabaseURL: "postgres://x", AuthJWTSecret: "secret",
			},
			wantErr: "GATEWAY_WEBHOOK_SECRET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_FeeRate(t *testing.T) {
	cfg := &Config{PlatformFeeRate: "0.05"}
	assert.Equal(t, "0.05", cfg.FeeRate().String())
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, 42, getEnvInt("TEST_INT", 0))
	assert.Equal(t, 99, getEnvInt("NONEXISTENT_VAR", 99))
	assert.Equal(t, 99, getEnvInt("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "2m30s")
	setEnv(t, "TEST_DUR_INVALID", "soon")

	assert.Equal(t, 150*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_INVALID", time.Minute))
}

func TestSplitCSV(t *testing.T) {
	assert.Nil(t, splitCSV(""))
	assert.Equal(t, []string{"a"}, splitCSV("a"))
	assert.Equal(t, []string{"a", "b"}, splitCSV("a, b,"))
}
