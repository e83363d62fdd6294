package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"dealflow/document"
	"dealflow/intent"
	"dealflow/rules"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(FileEnv, "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	for _, k := range []string{
		"DEALFLOW_DATABASE_URL", "DEALFLOW_JWT_SECRET", "DEALFLOW_HTTP_ADDR",
		"DEALFLOW_RULES_VALUE_THRESHOLD", "DEALFLOW_RULES_AFTER_REPAIR_THRESHOLD",
		"DEALFLOW_INTENT_CLASSIFIER_TIMEOUT", "DEALFLOW_DOCUMENTS_REQUIRED",
		"DEALFLOW_DOCUMENTS_ENFORCED", "DEALFLOW_ANTHROPIC_API_KEY", "DEALFLOW_RULES_COST_TABLE",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://fallback/db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://fallback/db", cfg.DatabaseURL)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.True(t, cfg.Thresholds.Value.Equal(rules.DefaultValueThreshold))
	assert.True(t, cfg.Thresholds.AfterRepair.Equal(rules.DefaultAfterRepairThreshold))
	assert.Equal(t, intent.DefaultTimeout, cfg.ClassifierTimeout)
	assert.Equal(t, intent.DefaultModel, cfg.AnthropicModel)
	assert.Equal(t, document.DefaultRequiredKinds, cfg.DocumentsRequired)
	assert.False(t, cfg.DocumentsEnforced)
	assert.Equal(t, rules.DefaultCostTable(), cfg.CostTable)
	assert.Error(t, cfg.RequireServer(), "jwt secret is unset")
}

func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEALFLOW_DATABASE_URL", "postgres://env/db")
	t.Setenv("DATABASE_URL", "postgres://fallback/db")
	t.Setenv("DEALFLOW_JWT_SECRET", "s3cret")
	t.Setenv("DEALFLOW_RULES_VALUE_THRESHOLD", "0.65")
	t.Setenv("DEALFLOW_INTENT_CLASSIFIER_TIMEOUT", "500ms")
	t.Setenv("DEALFLOW_DOCUMENTS_REQUIRED", "deed, photos")
	t.Setenv("DEALFLOW_DOCUMENTS_ENFORCED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/db", cfg.DatabaseURL)
	assert.Equal(t, "0.65", cfg.Thresholds.Value.String())
	assert.Equal(t, 500*time.Millisecond, cfg.ClassifierTimeout)
	assert.Equal(t, []string{"deed", "photos"}, cfg.DocumentsRequired)
	assert.True(t, cfg.DocumentsEnforced)
	assert.NoError(t, cfg.RequireServer())
}

func TestLoadRejectsBadThresholds(t *testing.T) {
	for _, raw := range []string{"1.5", "0", "-0.2", "seventy"} {
		t.Run(raw, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DEALFLOW_RULES_AFTER_REPAIR_THRESHOLD", raw)
			_, err := Load()
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "dealflow.yaml")
	content := `
database_url: postgres://file/db
jwt_secret: from-file
rules:
  value_threshold: "0.75"
documents:
  enforced: true
  required: [deed]
  cost_table:
    roof: 4000
    mold: "2500.50"
    other: 900
db:
  max_conns: 12
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv(FileEnv, path)
	t.Setenv("DEALFLOW_JWT_SECRET", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/db", cfg.DatabaseURL)
	assert.Equal(t, "from-env", cfg.JWTSecret, "environment wins over the file")
	assert.Equal(t, "0.75", cfg.Thresholds.Value.String())
	assert.Equal(t, []string{"deed"}, cfg.DocumentsRequired)
	assert.EqualValues(t, 12, cfg.Pool.MaxConns)
	require.Len(t, cfg.CostTable, 3)
	assert.Equal(t, "2500.5", cfg.CostTable["mold"].String())
	assert.True(t, cfg.CostTable[rules.OtherTag].Equal(decimal.NewFromInt(900)))
}

func TestLoadCostTableFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEALFLOW_RULES_COST_TABLE", "Roof=3100, other=750")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "3100", cfg.CostTable["roof"].String())
	assert.Equal(t, "750", cfg.CostTable[rules.OtherTag].String())
}

func TestLoadRejectsBadCostTable(t *testing.T) {
	for _, raw := range []string{"roof=3000", "roof=-5,other=100", "roof=lots,other=100", "roof"} {
		t.Run(raw, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DEALFLOW_RULES_COST_TABLE", raw)
			_, err := Load()
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
