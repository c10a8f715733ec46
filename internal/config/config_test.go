package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lumix-ai/seglearn/internal/artifact"
	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(write(t, `
training:
  output_dir: /tmp/runs
  fold: 2
  tasks: [Task011, Task012]
continual:
  strategy: plop
  pod_lambda: 0.05
`))
	require.NoError(t, err)
	require.Equal(t, []string{"Task011", "Task012"}, cfg.Training.Tasks)
	require.Equal(t, "plop", cfg.Continual.Strategy)
	require.Equal(t, 0.05, cfg.Continual.PODLambda)
	require.Equal(t, 23, cfg.Continual.PseudoEvery)
	require.Equal(t, 12.0, cfg.Training.GradClip)

	opts := cfg.TrainerOptions()
	require.Equal(t, 2, opts.Fold)
	require.Equal(t, "/tmp/runs", opts.OutputDir)

	copts := cfg.ContinualOptions()
	require.Equal(t, cfg.Data.BatchSize, copts.BatchSize)
	require.Equal(t, core.DeviceCPU, copts.Placement.Device())
}

func TestLoadPlacement(t *testing.T) {
	cfg, err := Load(write(t, `
training:
  tasks: [Task011]
  device: cuda:0
continual:
  dual_device: true
  secondary_device: cuda:1
`))
	require.NoError(t, err)
	require.Equal(t, core.CUDA(1), cfg.ContinualOptions().Placement.Device())
}

func TestValidateCollectsErrors(t *testing.T) {
	_, err := Load(write(t, `
model:
  num_classes: 4
training:
  epochs: 0
continual:
  strategy: lwf
artifacts:
  mirror:
    driver: s3
logging:
  level: loud
`))
	require.Error(t, err)
	for _, want := range []string{"epochs", "unknown strategy", "at least one task", "num_classes", "s3.bucket", "logging"} {
		require.Contains(t, err.Error(), want)
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(write(t, "training: [not, a, map]"))
	require.Error(t, err)
}

func TestMirrorSection(t *testing.T) {
	cfg, err := Load(write(t, `
training:
  tasks: [Task011]
artifacts:
  mirror:
    driver: fs
    root: /mnt/mirror
`))
	require.NoError(t, err)
	require.Equal(t, artifact.DriverFilesystem, cfg.Artifacts.Mirror.Driver)
	require.Equal(t, "/mnt/mirror", cfg.Artifacts.Mirror.Root)
}
