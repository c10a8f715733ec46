package importance

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/data"
	"github.com/lumix-ai/seglearn/internal/model"
	"github.com/stretchr/testify/require"
)

// firstLevelOnly - constant output gradient on level 0, nothing on coarser levels
type firstLevelOnly struct{}

func (firstLevelOnly) OutputGradients(outs []*core.Tensor, _ *core.Tensor) (float64, []*core.Tensor, error) {
	grads := make([]*core.Tensor, len(outs))
	grads[0] = core.Full(outs[0].Shape, outs[0].Device(), 0.5)
	return 1, grads, nil
}

func network() *model.Network {
	cfg := model.Config{InChannels: 1, Features: []int{3}, NumClasses: 2, DeepSupervision: 2, Seed: 9}
	src := core.NewSource(cfg.Seed)
	return model.NewNetwork(cfg, model.NewTrunk(cfg, src, core.DeviceCPU), model.NewHead(cfg, src, core.DeviceCPU))
}

func generator() data.Generator {
	return data.NewSliceGenerator(data.Batch{
		Data:   core.Full([]int{1, 1, 2, 2}, core.DeviceCPU, 1),
		Target: core.NewTensor([]int{1, 1, 2, 2}, core.DeviceCPU),
	})
}

func TestEstimateSquaresGradientsAndUsesSentinel(t *testing.T) {
	net := network()
	est := NewEstimator("", 2)
	rec, err := est.Estimate(context.Background(), net, generator(), firstLevelOnly{})
	require.NoError(t, err)

	sentinel := rec.Fisher["seg_outputs.1.weight"]
	require.Equal(t, []int{1}, sentinel.Shape)
	require.Equal(t, float32(1), sentinel.Data[0])
	require.Equal(t, float32(1), rec.Fisher["seg_outputs.1.bias"].Data[0])

	// two identical batches accumulate: bias grad of level 0 is 2 * 0.5 * 4 pixels
	require.InDelta(t, 16, rec.Fisher["seg_outputs.0.bias"].Data[0], 1e-5)
	for name, p := range rec.Params {
		require.Contains(t, rec.Fisher, name)
		require.NotNil(t, p)
	}

	// gradients are cleared and values untouched
	for _, p := range net.NamedParameters() {
		require.Nil(t, p.Tensor.Grad(), p.Name)
		require.True(t, p.Tensor.Equal(rec.Params[p.Name]), p.Name)
	}
}

func TestEstimateFiltersByName(t *testing.T) {
	rec, err := NewEstimator(model.TrunkLayerPrefix, 1).Estimate(context.Background(), network(), generator(), firstLevelOnly{})
	require.NoError(t, err)
	require.Len(t, rec.Fisher, 2)
	require.Contains(t, rec.Fisher, "conv_blocks.0.weight")
	require.Contains(t, rec.Params, "conv_blocks.0.bias")
}

func TestRecordsAreAddOnly(t *testing.T) {
	recs := NewRecords()
	require.NoError(t, recs.Add("a", &Record{}))
	require.ErrorIs(t, recs.Add("a", &Record{}), ErrRecordExists)
	require.Equal(t, []string{"a"}, recs.Tasks())
}

type memMirror struct {
	mu      sync.Mutex
	keys    map[string]int
	objects map[string][]byte
}

func newMemMirror() *memMirror {
	return &memMirror{keys: map[string]int{}, objects: map[string][]byte{}}
}

func (m *memMirror) Put(_ context.Context, key string, r io.Reader, size int64) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = int(size)
	m.objects[key] = buf.Bytes()
	return nil
}

func (m *memMirror) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), b...), nil
}

func sampleRecords(t *testing.T) *Records {
	t.Helper()
	recs := NewRecords()
	for _, task := range []string{"Task011", "Task008"} {
		rec, err := NewEstimator("", 1).Estimate(context.Background(), network(), generator(), firstLevelOnly{})
		require.NoError(t, err)
		require.NoError(t, recs.Add(task, rec))
	}
	return recs
}

func TestStoreRoundTripOntoDevice(t *testing.T) {
	dir := t.TempDir()
	mirror := newMemMirror()
	store, err := NewStore(dir, "lmx", 2)
	require.NoError(t, err)
	store.WithMirror(mirror)

	recs := sampleRecords(t)
	fisherAt, paramsAt, err := store.Save(context.Background(), recs)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "fisher_values.lmx"), fisherAt)
	require.Equal(t, filepath.Join(dir, "param_values.lmx"), paramsAt)
	require.Contains(t, mirror.keys, "importance/fisher_values.lmx")
	require.Contains(t, mirror.keys, "importance/param_values.lmx")

	loaded, err := store.Load(context.Background(), fisherAt, paramsAt, core.CUDA(0))
	require.NoError(t, err)
	require.Equal(t, []string{"Task011", "Task008"}, loaded.Tasks())
	rec, ok := loaded.Get("Task011")
	require.True(t, ok)
	orig, _ := recs.Get("Task011")
	require.Equal(t, core.CUDA(0), rec.Fisher["seg_outputs.1.weight"].Device())
	require.Equal(t, float32(1), rec.Fisher["seg_outputs.1.weight"].Data[0])
	require.True(t, rec.Params["conv_blocks.0.weight"].To(core.DeviceCPU).Equal(orig.Params["conv_blocks.0.weight"]))

	// a cached load hands out an independent container
	require.NoError(t, loaded.Add("Task009", &Record{}))
	again, err := store.Load(context.Background(), fisherAt, paramsAt, core.CUDA(0))
	require.NoError(t, err)
	require.Equal(t, 2, again.Len())
}

func TestStoreRejectsMismatchedArtifacts(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, "lmx", 1)
	require.NoError(t, err)
	fisherAt, _, err := store.Save(context.Background(), sampleRecords(t))
	require.NoError(t, err)

	other := filepath.Join(dir, "other.lmx")
	f, err := os.Create(other)
	require.NoError(t, err)
	require.NoError(t, core.EncodeGroups(f, map[string]map[string]*core.Tensor{"Task011": {}}))
	require.NoError(t, f.Close())

	_, err = store.Load(context.Background(), fisherAt, other, core.DeviceCPU)
	require.ErrorIs(t, err, ErrArtifactMismatch)
}

func TestStoreRollsBackWhenSecondRenameFails(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store, err := NewStore(dir, "lmx", 1)
	require.NoError(t, err)

	first := NewRecords()
	rec, err := NewEstimator("", 1).Estimate(ctx, network(), generator(), firstLevelOnly{})
	require.NoError(t, err)
	require.NoError(t, first.Add("Task011", rec))
	fisherAt, paramsAt, err := store.Save(ctx, first)
	require.NoError(t, err)

	// a non-empty directory cannot be renamed over
	require.NoError(t, os.Remove(paramsAt))
	require.NoError(t, os.MkdirAll(filepath.Join(paramsAt, "x"), 0o755))

	_, _, err = store.Save(ctx, sampleRecords(t))
	require.Error(t, err)

	f, err := os.Open(fisherAt)
	require.NoError(t, err)
	defer f.Close()
	order, _, err := core.DecodeOrderedGroups(f, core.DeviceCPU)
	require.NoError(t, err)
	require.Equal(t, []string{"Task011"}, order)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.Contains(t, []string{"fisher_values.lmx", "param_values.lmx"}, e.Name())
	}
}

func TestStoreFreshSaveFailureLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, "lmx", 1)
	require.NoError(t, err)
	fisherAt, paramsAt := store.Paths()
	require.NoError(t, os.MkdirAll(filepath.Join(paramsAt, "x"), 0o755))

	_, _, err = store.Save(context.Background(), sampleRecords(t))
	require.Error(t, err)
	require.NoFileExists(t, fisherAt)
}

func TestStoreLoadFetchesMissingArtifactsFromMirror(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	mirror := newMemMirror()
	store, err := NewStore(dir, "lmx", 1)
	require.NoError(t, err)
	store.WithMirror(mirror)

	fisherAt, paramsAt, err := store.Save(ctx, sampleRecords(t))
	require.NoError(t, err)
	require.NoError(t, os.Remove(fisherAt))
	require.NoError(t, os.Remove(paramsAt))

	loaded, err := store.Load(ctx, fisherAt, paramsAt, core.DeviceCPU)
	require.NoError(t, err)
	require.Equal(t, []string{"Task011", "Task008"}, loaded.Tasks())
	require.FileExists(t, fisherAt)

	// without a mirror a missing artifact is an error
	bare, err := NewStore(t.TempDir(), "lmx", 1)
	require.NoError(t, err)
	_, err = bare.Load(ctx, filepath.Join(t.TempDir(), "fisher_values.lmx"), paramsAt, core.DeviceCPU)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRecordsWithLeavesOriginal(t *testing.T) {
	recs := NewRecords()
	require.NoError(t, recs.Add("Task011", &Record{}))
	next, err := recs.With("Task012", &Record{})
	require.NoError(t, err)
	require.Equal(t, []string{"Task011", "Task012"}, next.Tasks())
	require.Equal(t, []string{"Task011"}, recs.Tasks())

	_, err = next.With("Task011", &Record{})
	require.ErrorIs(t, err, ErrRecordExists)
}
