package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "static_value: 123\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  account_scope: "acct-1"
  symbols: ["BTCUSDT"]
  engine_type: "simple"

exchange:
  name: "binance"
  api_key: "${TEST_BINANCE_API_KEY}"
  secret_key: "${TEST_BINANCE_SECRET_KEY}"
  leverage: 5

grid:
  base_size_usd: 20.0
  size_growth: 1.3
  max_layers: 12
  layer_spacing_bps: 25.0
  spread_gate_max_bps: 8.0

system:
  log_level: "INFO"
  cancel_on_exit: true
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_BINANCE_API_KEY", "test_api_key_from_env")
	os.Setenv("TEST_BINANCE_SECRET_KEY", "test_secret_key_from_env")
	defer os.Unsetenv("TEST_BINANCE_API_KEY")
	defer os.Unsetenv("TEST_BINANCE_SECRET_KEY")

	config, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, Secret("test_api_key_from_env"), config.Exchange.APIKey)
	assert.Equal(t, Secret("test_secret_key_from_env"), config.Exchange.SecretKey)
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		Exchange: ExchangeConfig{
			Name:      "binance",
			APIKey:    Secret("my_super_secret_api_key"),
			SecretKey: Secret("my_super_secret_secret_key"),
		},
	}
	output := cfg.String()

	assert.Contains(t, output, "REDACTED", "output should contain the redaction marker")
	assert.NotContains(t, output, "my_super_secret_api_key", "output should NOT contain full API key")
	assert.NotContains(t, output, "my_super_secret_secret_key", "output should NOT contain full secret key")
}

func TestValidate_RejectsMissingSymbols(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Symbols = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.symbols")
}

func TestValidate_RejectsNonPositiveGridSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Grid.BaseSizeUSD = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grid.base_size_usd")
}

func TestValidate_RejectsPortfolioOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Portfolio.MaxSymbolCount = 1
	cfg.App.Symbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "portfolio.max_symbol_count")
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}
