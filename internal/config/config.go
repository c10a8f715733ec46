// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/lumix-ai/seglearn/internal/artifact"
	"github.com/lumix-ai/seglearn/internal/capture"
	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/data"
	"github.com/lumix-ai/seglearn/internal/model"
	"github.com/lumix-ai/seglearn/internal/snapshot"
	"github.com/lumix-ai/seglearn/internal/trainer"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config - one run configuration file
type Config struct {
	Model     model.Config         `yaml:"model"`
	Training  TrainingConfig       `yaml:"training"`
	Continual ContinualConfig      `yaml:"continual"`
	Data      data.SyntheticConfig `yaml:"data"`
	Artifacts ArtifactsConfig      `yaml:"artifacts"`
	Ledger    LedgerConfig         `yaml:"ledger"`
	Metrics   MetricsConfig        `yaml:"metrics"`
	Logging   LoggingConfig        `yaml:"logging"`
}

type TrainingConfig struct {
	OutputDir       string   `yaml:"output_dir"`
	Fold            int      `yaml:"fold"`
	Tasks           []string `yaml:"tasks"`
	Epochs          int      `yaml:"epochs"`
	BatchesPerEpoch int      `yaml:"batches_per_epoch"`
	ValBatches      int      `yaml:"val_batches"`
	InitialLR       float64  `yaml:"initial_lr"`
	Momentum        float64  `yaml:"momentum"`
	WeightDecay     float64  `yaml:"weight_decay"`
	GradClip        float64  `yaml:"grad_clip"`
	SaveEvery       int      `yaml:"save_every"`
	Device          string   `yaml:"device"`
	Progress        bool     `yaml:"progress"`
}

type ContinualConfig struct {
	Strategy          string  `yaml:"strategy"`
	Extension         string  `yaml:"extension"`
	EWCLambda         float64 `yaml:"ewc_lambda"`
	Alpha             float64 `yaml:"alpha"`
	PseudoEvery       int     `yaml:"pseudo_every"`
	PODLambda         float64 `yaml:"pod_lambda"`
	Scales            int     `yaml:"scales"`
	PODOnly           bool    `yaml:"pod_only"`
	ImportanceFilter  string  `yaml:"importance_filter"`
	ImportanceBatches int     `yaml:"importance_batches"`
	ThresholdBatches  int     `yaml:"threshold_batches"`
	CaptureFilter     string  `yaml:"capture_filter"`

	// SecondaryDevice - frozen model placement when DualDevice is set
	SecondaryDevice   string `yaml:"secondary_device"`
	DualDevice        bool   `yaml:"dual_device"`
	SharedTransformer bool   `yaml:"shared_transformer"`
}

type ArtifactsConfig struct {
	CacheSize int             `yaml:"cache_size"`
	Mirror    artifact.Config `yaml:"mirror"`
}

type LedgerConfig struct {
	// Path - sqlite file; empty disables the ledger
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	// Addr - listen address of /metrics; empty disables the server
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default - values used for every key the file leaves out
func Default() *Config {
	topts := trainer.DefaultOptions()
	copts := trainer.DefaultContinualOptions()
	return &Config{
		Model: model.DefaultConfig(),
		Training: TrainingConfig{
			OutputDir:       topts.OutputDir,
			Epochs:          topts.Epochs,
			BatchesPerEpoch: topts.BatchesPerEpoch,
			ValBatches:      topts.ValBatches,
			InitialLR:       topts.InitialLR,
			Momentum:        topts.Momentum,
			WeightDecay:     topts.WeightDecay,
			GradClip:        topts.GradClip,
			SaveEvery:       topts.SaveEvery,
			Device:          string(core.DeviceCPU),
		},
		Continual: ContinualConfig{
			Strategy:         copts.Strategy,
			Extension:        copts.Extension,
			EWCLambda:        copts.EWCLambda,
			Alpha:            copts.Alpha,
			PseudoEvery:      copts.PseudoEvery,
			PODLambda:        copts.PODLambda,
			Scales:           copts.Scales,
			ImportanceFilter: copts.ImportanceFilter,
			CaptureFilter:    capture.DefaultFilter,
		},
		Data: data.SyntheticConfig{
			Batches:    8,
			BatchSize:  copts.BatchSize,
			Channels:   1,
			Height:     32,
			Width:      32,
			NumClasses: 3,
			Noise:      0.1,
			Seed:       1,
		},
		Artifacts: ArtifactsConfig{CacheSize: copts.CacheSize},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load - read path over the defaults and validate the result
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	var errs []error
	if err := cfg.Model.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("model: %w", err))
	}
	if err := cfg.TrainerOptions().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("training: %w", err))
	}
	if err := cfg.ContinualOptions().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("continual: %w", err))
	}
	if len(cfg.Training.Tasks) == 0 {
		errs = append(errs, errors.New("training: at least one task is required"))
	}
	seen := make(map[string]bool)
	for _, t := range cfg.Training.Tasks {
		if strings.TrimSpace(t) == "" || seen[t] {
			errs = append(errs, fmt.Errorf("training: task %q is empty or listed twice", t))
		}
		seen[t] = true
	}
	if cfg.Data.NumClasses != cfg.Model.NumClasses {
		errs = append(errs, fmt.Errorf("data.num_classes %d differs from model.num_classes %d", cfg.Data.NumClasses, cfg.Model.NumClasses))
	}
	if cfg.Data.Channels != cfg.Model.InChannels {
		errs = append(errs, fmt.Errorf("data.channels %d differs from model.in_channels %d", cfg.Data.Channels, cfg.Model.InChannels))
	}
	if cfg.Data.Batches < 1 || cfg.Data.BatchSize < 1 {
		errs = append(errs, errors.New("data: batches and batch_size must be positive"))
	}
	if cfg.Data.Height < 2 || cfg.Data.Width < 2 {
		errs = append(errs, errors.New("data: height and width must be at least 2"))
	}
	switch cfg.Artifacts.Mirror.Driver {
	case artifact.DriverNone:
	case artifact.DriverFilesystem:
		if cfg.Artifacts.Mirror.Root == "" {
			errs = append(errs, errors.New("artifacts.mirror: root is required for the fs driver"))
		}
	case artifact.DriverS3:
		if cfg.Artifacts.Mirror.S3.Bucket == "" {
			errs = append(errs, errors.New("artifacts.mirror: s3.bucket is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("artifacts.mirror: unknown driver %q", cfg.Artifacts.Mirror.Driver))
	}
	if _, err := zerolog.ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	return errors.Join(errs...)
}

// TrainerOptions - the training section as loop options
func (c *Config) TrainerOptions() trainer.Options {
	t := c.Training
	return trainer.Options{
		OutputDir:       t.OutputDir,
		Fold:            t.Fold,
		Epochs:          t.Epochs,
		BatchesPerEpoch: t.BatchesPerEpoch,
		ValBatches:      t.ValBatches,
		InitialLR:       t.InitialLR,
		Momentum:        t.Momentum,
		WeightDecay:     t.WeightDecay,
		GradClip:        t.GradClip,
		SaveEvery:       t.SaveEvery,
	}
}

// ContinualOptions - the continual section; the mirror is attached by the caller
func (c *Config) ContinualOptions() trainer.ContinualOptions {
	k := c.Continual
	return trainer.ContinualOptions{
		Extension:         k.Extension,
		Strategy:          k.Strategy,
		BatchSize:         c.Data.BatchSize,
		EWCLambda:         k.EWCLambda,
		Alpha:             k.Alpha,
		PseudoEvery:       k.PseudoEvery,
		PODLambda:         k.PODLambda,
		Scales:            k.Scales,
		PODOnly:           k.PODOnly,
		ImportanceFilter:  k.ImportanceFilter,
		ImportanceBatches: k.ImportanceBatches,
		ThresholdBatches:  k.ThresholdBatches,
		CaptureFilter:     k.CaptureFilter,
		Placement: snapshot.Placement{
			Primary:           core.Device(c.Training.Device),
			Secondary:         core.Device(k.SecondaryDevice),
			DualDevice:        k.DualDevice,
			SharedTransformer: k.SharedTransformer,
		},
		CacheSize: c.Artifacts.CacheSize,
	}
}
