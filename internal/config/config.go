// Package config loads and validates the controller configuration. A
// configuration that fails validation is never run.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/certification"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/gate"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/healing"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/logging"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/scorer"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/validation"
)

// ErrInvalidConfig is returned for any configuration that must not run.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// #region config-types

// Config is the full controller configuration.
type Config struct {
	Rigor       state.RigorParameters `yaml:"rigor"`
	Scorer      ScorerConfig          `yaml:"scorer"`
	Machine     MachineConfig         `yaml:"machine"`
	Gate        GateConfig            `yaml:"gate"`
	Healing     HealingConfig         `yaml:"healing"`
	Validation  ValidationConfig      `yaml:"validation"`
	Audit       AuditConfig           `yaml:"audit"`
	Engine      EngineConfig          `yaml:"engine"`
	Storage     StorageConfig         `yaml:"storage"`
	Server      ServerConfig          `yaml:"server"`
	Environment EnvironmentConfig     `yaml:"environment"`
}

type ScorerConfig struct {
	Goal              state.Vec3 `yaml:"goal"`
	GradientScale     float64    `yaml:"gradient_scale" validate:"gte=0"`
	MaxSpeed          float64    `yaml:"max_speed" validate:"gt=0"`
	ClearanceSentinel float64    `yaml:"clearance_sentinel" validate:"gt=0"`
}

type MachineConfig struct {
	AutoReleaseAfter        time.Duration `yaml:"auto_release_after" validate:"gte=0"`
	PersistentLockdownAfter int           `yaml:"persistent_lockdown_after" validate:"gte=1"`
}

type GateConfig struct {
	Horizon        time.Duration `yaml:"horizon" validate:"gt=0"`
	BarrierEnabled bool          `yaml:"barrier_enabled"`
	MaxSpeed       float64       `yaml:"max_speed" validate:"gt=0"`
	MaxAngular     float64       `yaml:"max_angular" validate:"gte=0"`
}

type HealingConfig struct {
	Cooldown             time.Duration `yaml:"cooldown" validate:"gte=0"`
	SlipperyThreshold    float64       `yaml:"slippery_threshold" validate:"gte=0"`
	FatigueThreshold     int           `yaml:"fatigue_threshold" validate:"gte=0"`
	MarginIncrement      float64       `yaml:"margin_increment" validate:"gt=0"`
	ThresholdNudge       float64       `yaml:"threshold_nudge" validate:"gte=0"`
	MaxThresholdIncrease float64       `yaml:"max_threshold_increase" validate:"gte=0"`
	SpeedReductionFactor float64       `yaml:"speed_reduction_factor" validate:"gt=0,lte=1"`
	MinSpeedLimit        float64       `yaml:"min_speed_limit" validate:"gt=0"`
	IncidentLogCapacity  int           `yaml:"incident_log_capacity" validate:"gte=1"`
}

type ValidationConfig struct {
	PoolCapacity           int     `yaml:"pool_capacity" validate:"gte=1"`
	WindowCapacity         int     `yaml:"window_capacity" validate:"gte=2"`
	NearMissThreshold      float64 `yaml:"near_miss_threshold"`
	BaseFailureProbability float64 `yaml:"base_failure_probability" validate:"gte=0,lte=1"`
	VarianceWeight         float64 `yaml:"variance_weight" validate:"gte=0"`
	NearMissWeight         float64 `yaml:"near_miss_weight" validate:"gte=0"`
	TrendGain              float64 `yaml:"trend_gain" validate:"gte=0"`
	HighVelocity           float64 `yaml:"high_velocity" validate:"gte=0"`
	HighRiskPenalty        float64 `yaml:"high_risk_penalty" validate:"gte=0,lte=1"`
	ComfortableMargin      float64 `yaml:"comfortable_margin"`
	KernelWidth            float64 `yaml:"kernel_width" validate:"gt=0"`
	MarginCeiling          float64 `yaml:"margin_ceiling" validate:"gt=0"`
	Ceiling                float64 `yaml:"ceiling" validate:"gt=0,lte=1"`
	ConfidenceFloor        float64 `yaml:"confidence_floor" validate:"gte=0,lte=1"`
	QueueSize              int     `yaml:"queue_size" validate:"gte=1"`
	MaxBatch               int     `yaml:"max_batch" validate:"gte=1"`
	MaxRecomputeHz         float64 `yaml:"max_recompute_hz" validate:"gt=0"`
}

type AuditConfig struct {
	QueueCapacity         int    `yaml:"queue_capacity" validate:"gte=1"`
	CertificateSampleRate int    `yaml:"certificate_sample_rate" validate:"gte=1"`
	JSONLPath             string `yaml:"jsonl_path"`
}

type EngineConfig struct {
	TickHz float64 `yaml:"tick_hz" validate:"gt=0,lte=1000"`
	// StaleAfter marks state older than this as missing; zero disables.
	StaleAfter time.Duration `yaml:"stale_after" validate:"gte=0"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path" validate:"required"`
}

type ServerConfig struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	FeedAddr    string `yaml:"feed_addr"`
}

type EnvironmentConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// #endregion config-types

// #region defaults

// Default returns the fielded configuration.
func Default() Config {
	sc := scorer.DefaultConfig()
	mc := certification.DefaultConfig()
	gc := gate.DefaultGateConfig()
	hc := healing.DefaultConfig()
	vc := validation.DefaultConfig()
	wc := validation.DefaultWorkerConfig()
	ac := logging.DefaultConfig()
	return Config{
		Rigor: state.DefaultRigorParameters(),
		Scorer: ScorerConfig{
			Goal:              sc.Goal,
			GradientScale:     sc.GradientScale,
			MaxSpeed:          sc.MaxSpeed,
			ClearanceSentinel: sc.ClearanceSentinel,
		},
		Machine: MachineConfig{
			AutoReleaseAfter:        mc.AutoReleaseAfter,
			PersistentLockdownAfter: mc.PersistentLockdownAfter,
		},
		Gate: GateConfig{
			Horizon:        gc.Horizon,
			BarrierEnabled: gc.BarrierEnabled,
			MaxSpeed:       gc.MaxSpeed,
			MaxAngular:     gc.MaxAngular,
		},
		Healing: HealingConfig{
			Cooldown:             hc.Cooldown,
			SlipperyThreshold:    hc.SlipperyThreshold,
			FatigueThreshold:     hc.FatigueThreshold,
			MarginIncrement:      hc.MarginIncrement,
			ThresholdNudge:       hc.ThresholdNudge,
			MaxThresholdIncrease: hc.MaxThresholdIncrease,
			SpeedReductionFactor: hc.SpeedReductionFactor,
			MinSpeedLimit:        hc.MinSpeedLimit,
			IncidentLogCapacity:  hc.IncidentLogCapacity,
		},
		Validation: ValidationConfig{
			PoolCapacity:           vc.PoolCapacity,
			WindowCapacity:         vc.WindowCapacity,
			NearMissThreshold:      vc.NearMissThreshold,
			BaseFailureProbability: vc.BaseFailureProbability,
			VarianceWeight:         vc.VarianceWeight,
			NearMissWeight:         vc.NearMissWeight,
			TrendGain:              vc.TrendGain,
			HighVelocity:           vc.HighVelocity,
			HighRiskPenalty:        vc.HighRiskPenalty,
			ComfortableMargin:      vc.ComfortableMargin,
			KernelWidth:            vc.KernelWidth,
			MarginCeiling:          vc.MarginCeiling,
			Ceiling:                vc.Ceiling,
			ConfidenceFloor:        vc.ConfidenceFloor,
			QueueSize:              wc.QueueSize,
			MaxBatch:               wc.MaxBatch,
			MaxRecomputeHz:         wc.MaxRecomputeHz,
		},
		Audit: AuditConfig{
			QueueCapacity:         ac.QueueCapacity,
			CertificateSampleRate: ac.CertificateSampleRate,
		},
		Engine: EngineConfig{
			TickHz: 20,
		},
		Storage: StorageConfig{
			DBPath: "navcert.db",
		},
		Server: ServerConfig{
			GRPCAddr:    "localhost:50061",
			MetricsAddr: "localhost:9464",
			FeedAddr:    "",
		},
	}
}

// #endregion defaults

// #region load

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads defaults only. Unknown YAML
// keys are rejected so a typo cannot silently fall back to a default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides addresses and paths from the process environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("NAVCERT_DB", &c.Storage.DBPath)
	set("NAVCERT_GRPC_ADDR", &c.Server.GRPCAddr)
	set("NAVCERT_METRICS_ADDR", &c.Server.MetricsAddr)
	set("NAVCERT_FEED_ADDR", &c.Server.FeedAddr)
	set("NAVCERT_ENV_FILE", &c.Environment.File)
}

// Validate checks struct tags and cross-field invariants.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Rigor.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Healing.MinSpeedLimit > c.Gate.MaxSpeed {
		return fmt.Errorf("%w: healing.min_speed_limit %.3f exceeds gate.max_speed %.3f",
			ErrInvalidConfig, c.Healing.MinSpeedLimit, c.Gate.MaxSpeed)
	}
	if c.Validation.MaxBatch > c.Validation.QueueSize {
		return fmt.Errorf("%w: validation.max_batch %d exceeds queue_size %d",
			ErrInvalidConfig, c.Validation.MaxBatch, c.Validation.QueueSize)
	}
	return nil
}

// #endregion load

// #region conversions

func (c Config) ScorerConfig() scorer.Config {
	return scorer.Config{
		Goal:              c.Scorer.Goal,
		GradientScale:     c.Scorer.GradientScale,
		MaxSpeed:          c.Scorer.MaxSpeed,
		ClearanceSentinel: c.Scorer.ClearanceSentinel,
	}
}

func (c Config) MachineConfig() certification.Config {
	return certification.Config{
		AutoReleaseAfter:        c.Machine.AutoReleaseAfter,
		PersistentLockdownAfter: c.Machine.PersistentLockdownAfter,
	}
}

func (c Config) GateConfig() gate.GateConfig {
	return gate.GateConfig{
		Horizon:        c.Gate.Horizon,
		BarrierEnabled: c.Gate.BarrierEnabled,
		MaxSpeed:       c.Gate.MaxSpeed,
		MaxAngular:     c.Gate.MaxAngular,
	}
}

func (c Config) HealingConfig() healing.Config {
	d := healing.DefaultConfig()
	return healing.Config{
		Cooldown:             c.Healing.Cooldown,
		SlipperyThreshold:    c.Healing.SlipperyThreshold,
		FatigueThreshold:     c.Healing.FatigueThreshold,
		MarginIncrement:      c.Healing.MarginIncrement,
		ThresholdNudge:       c.Healing.ThresholdNudge,
		MaxThresholdIncrease: c.Healing.MaxThresholdIncrease,
		SpeedReductionFactor: c.Healing.SpeedReductionFactor,
		MinSpeedLimit:        c.Healing.MinSpeedLimit,
		IncidentLogCapacity:  c.Healing.IncidentLogCapacity,
		ConfidenceFriction:   d.ConfidenceFriction,
		ConfidenceFatigue:    d.ConfidenceFatigue,
		ConfidenceOneOff:     d.ConfidenceOneOff,
	}
}

func (c Config) ValidationConfig() (validation.Config, validation.WorkerConfig) {
	v := c.Validation
	d := validation.DefaultConfig()
	return validation.Config{
			PoolCapacity:           v.PoolCapacity,
			WindowCapacity:         v.WindowCapacity,
			NearMissThreshold:      v.NearMissThreshold,
			BaseFailureProbability: v.BaseFailureProbability,
			VarianceWeight:         v.VarianceWeight,
			NearMissWeight:         v.NearMissWeight,
			MinRate:                d.MinRate,
			MaxRate:                d.MaxRate,
			TrendGain:              v.TrendGain,
			HighVelocity:           v.HighVelocity,
			HighRiskPenalty:        v.HighRiskPenalty,
			ComfortableMargin:      v.ComfortableMargin,
			KernelWidth:            v.KernelWidth,
			MarginCeiling:          v.MarginCeiling,
			Ceiling:                v.Ceiling,
			ConfidenceFloor:        v.ConfidenceFloor,
		}, validation.WorkerConfig{
			QueueSize:      v.QueueSize,
			MaxBatch:       v.MaxBatch,
			MaxRecomputeHz: v.MaxRecomputeHz,
		}
}

func (c Config) AuditConfig() logging.Config {
	return logging.Config{
		QueueCapacity:         c.Audit.QueueCapacity,
		ExportTimeout:         logging.DefaultConfig().ExportTimeout,
		CertificateSampleRate: c.Audit.CertificateSampleRate,
	}
}

// #endregion conversions
