package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/model"
	"github.com/lumix-ai/seglearn/internal/multihead"
	"github.com/stretchr/testify/require"
)

func registry(t *testing.T, seed uint64, tasks ...string) *multihead.MultiHead {
	t.Helper()
	cfg := model.Config{InChannels: 1, Features: []int{3}, NumClasses: 2, DeepSupervision: 2, Seed: seed}
	reg, err := multihead.New(cfg)
	require.NoError(t, err)
	for _, id := range tasks {
		_, err := reg.AddNewTask(id)
		require.NoError(t, err)
	}
	require.NoError(t, reg.Activate(tasks[len(tasks)-1]))
	return reg
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := registry(t, 1, "Task011", "Task012")
	momentum := map[string]*core.Tensor{"trunk.conv_blocks.0.weight": core.Full([]int{3, 1}, core.DeviceCPU, 0.5)}
	require.NoError(t, Save(Latest(dir), src, 7, 140, momentum))

	dst := registry(t, 99, "Task012", "Task011")
	cp, err := Load(Latest(dir), dst)
	require.NoError(t, err)
	require.Equal(t, 7, cp.Epoch)
	require.Equal(t, 140, cp.Iteration)
	require.Equal(t, Version, cp.Version)
	require.Equal(t, "Task012", cp.Active)

	// order comes from the checkpoint
	require.Equal(t, []string{"Task011", "Task012"}, dst.Tasks())
	want, got := src.StateDict(), dst.StateDict()
	require.Len(t, got, len(want))
	for k, v := range want {
		require.True(t, v.Equal(got[k]), k)
	}
	require.True(t, cp.Momentum["trunk.conv_blocks.0.weight"].Equal(momentum["trunk.conv_blocks.0.weight"]))
}

func TestChangedHeadSetFailsLoudly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(Latest(dir), registry(t, 1, "Task011", "Task012"), 1, 1, nil))

	grown := registry(t, 1, "Task011", "Task012", "Task013")
	before := grown.StateDict()
	_, err := Load(Latest(dir), grown)
	var restoreErr *multihead.StructuralRestoreError
	require.True(t, errors.As(err, &restoreErr))

	after := grown.StateDict()
	for k, v := range before {
		require.True(t, v.Equal(after[k]), k)
	}

	shrunk := registry(t, 1, "Task011")
	_, err = Load(Latest(dir), shrunk)
	require.True(t, errors.As(err, &restoreErr))
}

func TestIncompatibleConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(Latest(dir), registry(t, 1, "a"), 0, 0, nil))

	cfg := model.Config{InChannels: 1, Features: []int{5}, NumClasses: 2, DeepSupervision: 2}
	reg, err := multihead.New(cfg)
	require.NoError(t, err)
	_, err = reg.AddNewTask("a")
	require.NoError(t, err)
	_, err = Load(Latest(dir), reg)
	require.ErrorIs(t, err, ErrIncompatibleConfig)
}

func TestReadMeta(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(filepath.Join(dir, "nested", "model_best"+Ext), registry(t, 1, "a", "b"), 3, 9, nil))
	meta, err := ReadMeta(filepath.Join(dir, "nested", "model_best"+Ext))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, meta.Tasks)

	_, err = ReadMeta(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestFailedSaveKeepsPreviousCheckpoint(t *testing.T) {
	dir := t.TempDir()
	reg := registry(t, 1, "Task011")
	require.NoError(t, Save(Latest(dir), reg, 2, 20, nil))

	broken := map[string]*core.Tensor{"trunk.conv_blocks.0.weight": nil}
	require.Error(t, Save(Latest(dir), reg, 3, 30, broken))

	meta, err := ReadMeta(Latest(dir))
	require.NoError(t, err)
	require.Equal(t, 2, meta.Epoch)
	cp, err := Load(Latest(dir), registry(t, 5, "Task011"))
	require.NoError(t, err)
	require.Equal(t, 20, cp.Iteration)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.ElementsMatch(t, []string{"model_latest" + Ext, "model_latest" + Ext + ".meta"}, names)
}
