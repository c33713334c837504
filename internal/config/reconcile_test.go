package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultReconcileConfigIsValid(t *testing.T) {
	cfg := DefaultReconcileConfig()
	require.NoError(t, ValidateReconcileConfig(cfg))
	assert.Equal(t, 0.8, cfg.Matching.AcceptThreshold)
	assert.Equal(t, 5, cfg.Matching.MaxAttempts)
}

func TestValidateReconcileConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ReconcileConfig)
		ok     bool
	}{
		{name: "defaults", mutate: func(*ReconcileConfig) {}, ok: true},
		{name: "defer above accept", mutate: func(c *ReconcileConfig) { c.Matching.DeferThreshold = 0.9 }},
		{name: "accept above one", mutate: func(c *ReconcileConfig) { c.Matching.AcceptThreshold = 1.2 }},
		{name: "zero attempts", mutate: func(c *ReconcileConfig) { c.Matching.MaxAttempts = 0 }},
		{name: "weights off", mutate: func(c *ReconcileConfig) { c.Scoring.GeoWeight = 0.5 }},
		{name: "unknown kind", mutate: func(c *ReconcileConfig) { c.Matching.ProgramFeatureKind = "metered" }},
		{name: "name only", mutate: func(c *ReconcileConfig) { c.Scoring.NameWeight, c.Scoring.GeoWeight = 1, 0 }, ok: true},
		{name: "lease shorter than row timeout", mutate: func(c *ReconcileConfig) { c.LeaseDuration, c.RowTimeout = 5*time.Second, 10*time.Second }},
		{name: "lease equal to row timeout", mutate: func(c *ReconcileConfig) { c.LeaseDuration, c.RowTimeout = 10*time.Second, 10*time.Second }, ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultReconcileConfig()
			tc.mutate(&cfg)
			err := ValidateReconcileConfig(cfg)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDecodeReconcileConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`reconcile:
  batchSize: 25
  leaseDuration: 90s
  matching:
    acceptThreshold: 0.85
    deferThreshold: 0.4
    maxAttempts: 3
  scoring:
    nameWeight: 0.6
    geoWeight: 0.4
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reconcile.yml"), body, 0o600))

	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, "reconcile.yml"))
	setReconcileDefaults(v, DefaultReconcileConfig())
	require.NoError(t, v.ReadInConfig())

	cfg, err := decodeReconcileConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 0.85, cfg.Matching.AcceptThreshold)
	assert.Equal(t, 3, cfg.Matching.MaxAttempts)
	assert.Equal(t, 0.4, cfg.Scoring.GeoWeight)
	assert.Equal(t, DefaultReconcileConfig().Workers, cfg.Workers)
}

func TestDecodeReconcileConfigRejectsInvalid(t *testing.T) {
	v := viper.New()
	setReconcileDefaults(v, DefaultReconcileConfig())
	v.Set("reconcile.matching.deferThreshold", 0.95)

	_, err := decodeReconcileConfig(v)
	assert.Error(t, err)
}

func TestStaticHolderAppliesDefaults(t *testing.T) {
	holder := NewStaticReconcileConfigHolder(ReconcileConfig{BatchSize: 3})
	cfg := holder.Get()
	assert.Equal(t, 3, cfg.BatchSize)
	assert.Equal(t, DefaultReconcileConfig().Matching, cfg.Matching)
}
