package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReconcileConfig is the tunable part of the reconciliation pipeline. A run
// takes one snapshot and uses it for every row it processes.
type ReconcileConfig struct {
	BatchSize     int           `mapstructure:"batchSize"`
	Workers       int           `mapstructure:"workers"`
	LeaseDuration time.Duration `mapstructure:"leaseDuration"`
	RowTimeout    time.Duration `mapstructure:"rowTimeout"`

	Matching MatchingConfig `mapstructure:"matching"`
	Scoring  ScoringConfig  `mapstructure:"scoring"`
}

type MatchingConfig struct {
	AcceptThreshold    float64 `mapstructure:"acceptThreshold"`
	DeferThreshold     float64 `mapstructure:"deferThreshold"`
	MaxAttempts        int     `mapstructure:"maxAttempts"`
	ProgramFeatureKind string  `mapstructure:"programFeatureKind"`
}

type ScoringConfig struct {
	NameWeight         float64 `mapstructure:"nameWeight"`
	GeoWeight          float64 `mapstructure:"geoWeight"`
	MinNameSimilarity  float64 `mapstructure:"minNameSimilarity"`
	MaxCandidates      int     `mapstructure:"maxCandidates"`
	SearchRadiusMeters float64 `mapstructure:"searchRadiusMeters"`
}

func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		BatchSize:     200,
		Workers:       8,
		LeaseDuration: 5 * time.Minute,
		RowTimeout:    10 * time.Second,
		Matching: MatchingConfig{
			AcceptThreshold:    0.8,
			DeferThreshold:     0.5,
			MaxAttempts:        5,
			ProgramFeatureKind: "single_use",
		},
		Scoring: ScoringConfig{
			NameWeight:         0.7,
			GeoWeight:          0.3,
			MinNameSimilarity:  0.3,
			MaxCandidates:      10,
			SearchRadiusMeters: 2000,
		},
	}
}

// WithDefaults fills zero values from DefaultReconcileConfig.
func (c ReconcileConfig) WithDefaults() ReconcileConfig {
	d := DefaultReconcileConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.RowTimeout <= 0 {
		c.RowTimeout = d.RowTimeout
	}
	if c.Matching.AcceptThreshold == 0 && c.Matching.DeferThreshold == 0 {
		c.Matching.AcceptThreshold = d.Matching.AcceptThreshold
		c.Matching.DeferThreshold = d.Matching.DeferThreshold
	}
	if c.Matching.MaxAttempts <= 0 {
		c.Matching.MaxAttempts = d.Matching.MaxAttempts
	}
	if strings.TrimSpace(c.Matching.ProgramFeatureKind) == "" {
		c.Matching.ProgramFeatureKind = d.Matching.ProgramFeatureKind
	}
	if c.Scoring.NameWeight == 0 && c.Scoring.GeoWeight == 0 {
		c.Scoring.NameWeight = d.Scoring.NameWeight
		c.Scoring.GeoWeight = d.Scoring.GeoWeight
	}
	if c.Scoring.MaxCandidates <= 0 {
		c.Scoring.MaxCandidates = d.Scoring.MaxCandidates
	}
	if c.Scoring.SearchRadiusMeters <= 0 {
		c.Scoring.SearchRadiusMeters = d.Scoring.SearchRadiusMeters
	}
	return c
}

func ValidateReconcileConfig(cfg ReconcileConfig) error {
	m := cfg.Matching
	if m.DeferThreshold < 0 || m.AcceptThreshold > 1 || m.DeferThreshold > m.AcceptThreshold {
		return fmt.Errorf("reconcile.matching thresholds must satisfy 0 <= defer <= accept <= 1 (defer=%v accept=%v)", m.DeferThreshold, m.AcceptThreshold)
	}
	if m.MaxAttempts < 1 {
		return errors.New("reconcile.matching.maxAttempts must be >= 1")
	}
	switch m.ProgramFeatureKind {
	case "single_use", "continuous_use":
	default:
		return fmt.Errorf("reconcile.matching.programFeatureKind %q is not supported", m.ProgramFeatureKind)
	}
	s := cfg.Scoring
	if s.NameWeight < 0 || s.GeoWeight < 0 || math.Abs(s.NameWeight+s.GeoWeight-1) > 1e-9 {
		return fmt.Errorf("reconcile.scoring weights must be non-negative and sum to 1 (name=%v geo=%v)", s.NameWeight, s.GeoWeight)
	}
	if s.MinNameSimilarity < 0 || s.MinNameSimilarity > 1 {
		return errors.New("reconcile.scoring.minNameSimilarity must be within [0,1]")
	}
	if cfg.BatchSize <= 0 || cfg.Workers <= 0 {
		return errors.New("reconcile.batchSize and reconcile.workers must be positive")
	}
	if cfg.LeaseDuration < cfg.RowTimeout {
		return fmt.Errorf("reconcile.leaseDuration (%s) must be at least reconcile.rowTimeout (%s)", cfg.LeaseDuration, cfg.RowTimeout)
	}
	return nil
}

// ReconcileConfigHolder serves the current reconcile config and swaps it when
// reconcile.yml changes on disk.
type ReconcileConfigHolder struct {
	current atomic.Value // holds ReconcileConfig
}

// NewStaticReconcileConfigHolder returns a holder that never reloads.
func NewStaticReconcileConfigHolder(cfg ReconcileConfig) *ReconcileConfigHolder {
	holder := &ReconcileConfigHolder{}
	holder.current.Store(cfg.WithDefaults())
	return holder
}

func NewReconcileConfigHolder(log *zap.Logger) (*ReconcileConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("reconcile-config")

	v := viper.New()
	v.SetConfigName("reconcile")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/rewardlink/config")
	v.AddConfigPath("/etc/rewardlink")
	v.AddConfigPath(".")

	v.SetEnvPrefix("REWARDLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setReconcileDefaults(v, DefaultReconcileConfig())

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodeReconcileConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &ReconcileConfigHolder{}
	holder.current.Store(cfg)

	if !fileLoaded {
		log.Info("reconcile config file not found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeReconcileConfig(v)
		if err != nil {
			log.Warn("reconcile config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reconcile config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *ReconcileConfigHolder) Get() ReconcileConfig {
	if h == nil {
		return DefaultReconcileConfig()
	}
	cfg, ok := h.current.Load().(ReconcileConfig)
	if !ok {
		return DefaultReconcileConfig()
	}
	return cfg
}

func decodeReconcileConfig(v *viper.Viper) (ReconcileConfig, error) {
	var cfg ReconcileConfig
	if err := v.UnmarshalKey("reconcile", &cfg); err != nil {
		return ReconcileConfig{}, err
	}
	cfg = cfg.WithDefaults()
	if err := ValidateReconcileConfig(cfg); err != nil {
		return ReconcileConfig{}, err
	}
	return cfg, nil
}

func setReconcileDefaults(v *viper.Viper, d ReconcileConfig) {
	v.SetDefault("reconcile.batchSize", d.BatchSize)
	v.SetDefault("reconcile.workers", d.Workers)
	v.SetDefault("reconcile.leaseDuration", d.LeaseDuration)
	v.SetDefault("reconcile.rowTimeout", d.RowTimeout)
	v.SetDefault("reconcile.matching.acceptThreshold", d.Matching.AcceptThreshold)
	v.SetDefault("reconcile.matching.deferThreshold", d.Matching.DeferThreshold)
	v.SetDefault("reconcile.matching.maxAttempts", d.Matching.MaxAttempts)
	v.SetDefault("reconcile.matching.programFeatureKind", d.Matching.ProgramFeatureKind)
	v.SetDefault("reconcile.scoring.nameWeight", d.Scoring.NameWeight)
	v.SetDefault("reconcile.scoring.geoWeight", d.Scoring.GeoWeight)
	v.SetDefault("reconcile.scoring.minNameSimilarity", d.Scoring.MinNameSimilarity)
	v.SetDefault("reconcile.scoring.maxCandidates", d.Scoring.MaxCandidates)
	v.SetDefault("reconcile.scoring.searchRadiusMeters", d.Scoring.SearchRadiusMeters)
}
