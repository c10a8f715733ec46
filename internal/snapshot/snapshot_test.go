package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/model"
	"github.com/lumix-ai/seglearn/internal/multihead"
	"github.com/stretchr/testify/require"
)

func registry(t *testing.T) *multihead.MultiHead {
	t.Helper()
	reg, err := multihead.New(model.Config{InChannels: 1, Features: []int{3}, NumClasses: 2, DeepSupervision: 1, Seed: 1})
	require.NoError(t, err)
	_, err = reg.AddNewTask("first")
	require.NoError(t, err)
	require.NoError(t, reg.Activate("first"))
	return reg
}

func TestFrozenOutputsIgnoreLaterTraining(t *testing.T) {
	reg := registry(t)
	mgr := NewManager()
	snap, err := mgr.Freeze(reg, Placement{})
	require.NoError(t, err)
	require.Equal(t, "first", snap.Task())

	x := core.Full([]int{1, 1, 2, 2}, core.DeviceCPU, 0.7)
	before, err := snap.Forward(x)
	require.NoError(t, err)

	live, err := reg.Network()
	require.NoError(t, err)
	for _, p := range live.NamedParameters() {
		for i := range p.Tensor.Data {
			p.Tensor.Data[i] *= -3
		}
	}
	_, err = reg.AddNewTask("second")
	require.NoError(t, err)
	require.NoError(t, reg.Activate("second"))

	after, err := snap.Forward(x)
	require.NoError(t, err)
	require.True(t, before[0].Equal(after[0]))
	require.Equal(t, []string{"first"}, snap.Tasks())
}

func TestSnapshotHasNoGradientTracking(t *testing.T) {
	reg := registry(t)
	snap, err := NewManager().Freeze(reg, Placement{})
	require.NoError(t, err)
	outs, err := snap.Forward(core.Full([]int{1, 1, 2, 2}, core.DeviceCPU, 1))
	require.NoError(t, err)
	require.ErrorIs(t, snap.Network().Backward(outs), model.ErrNoGradientTape)
}

func TestPlacement(t *testing.T) {
	p := Placement{Primary: core.CUDA(0), Secondary: core.CUDA(1), DualDevice: true}
	require.Equal(t, core.CUDA(1), p.Device())
	p.SharedTransformer = true
	require.Equal(t, core.CUDA(0), p.Device())
	require.Equal(t, core.DeviceCPU, Placement{}.Device())

	reg := registry(t)
	snap, err := NewManager().Freeze(reg, Placement{Secondary: core.CUDA(1), DualDevice: true})
	require.NoError(t, err)
	require.Equal(t, core.CUDA(1), snap.Device())

	// inputs from the primary device are moved before evaluation
	outs, err := snap.Forward(core.Full([]int{1, 1, 2, 2}, core.DeviceCPU, 1))
	require.NoError(t, err)
	require.Equal(t, core.CUDA(1), outs[0].Device())
}

func TestSingleLiveSnapshot(t *testing.T) {
	reg := registry(t)
	mgr := NewManager()
	_, err := mgr.Current()
	require.ErrorIs(t, err, ErrNoSnapshot)

	_, err = mgr.Freeze(reg, Placement{})
	require.NoError(t, err)
	_, err = mgr.Freeze(reg, Placement{})
	require.ErrorIs(t, err, ErrSnapshotLive)

	mgr.Release()
	_, err = mgr.Current()
	require.ErrorIs(t, err, ErrNoSnapshot)
	_, err = mgr.Freeze(reg, Placement{})
	require.NoError(t, err)
}

func TestSaveWritesValuesAndMeta(t *testing.T) {
	reg := registry(t)
	snap, err := NewManager().Freeze(reg, Placement{})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model_old.lmx")
	require.NoError(t, snap.Save(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	values, err := core.DecodeTensors(f, core.DeviceCPU)
	require.NoError(t, err)
	head, err := reg.Head("first")
	require.NoError(t, err)
	w := head.Parameters()[0]
	require.True(t, values[multihead.HeadKey("first", w.Name)].Equal(w.Tensor))
	require.FileExists(t, path+".meta")
}

func TestRestoreMatchesSavedSnapshot(t *testing.T) {
	reg := registry(t)
	mgr := NewManager()
	snap, err := mgr.Freeze(reg, Placement{})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model_old.lmx")
	require.NoError(t, snap.Save(path))

	x := core.Full([]int{1, 1, 2, 2}, core.DeviceCPU, 0.3)
	want, err := snap.Forward(x)
	require.NoError(t, err)

	_, err = mgr.Restore(path, Placement{})
	require.ErrorIs(t, err, ErrSnapshotLive)
	mgr.Release()

	restored, err := mgr.Restore(path, Placement{})
	require.NoError(t, err)
	require.Equal(t, "first", restored.Task())
	require.Equal(t, []string{"first"}, restored.Tasks())
	got, err := restored.Forward(x)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		require.True(t, want[i].Equal(got[i]))
	}
	require.False(t, restored.Network().Training())
}

func TestRestoreMissingFile(t *testing.T) {
	_, err := NewManager().Restore(filepath.Join(t.TempDir(), "model_old.lmx"), Placement{})
	require.Error(t, err)
}
