package trainer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lumix-ai/seglearn/internal/artifact"
	"github.com/lumix-ai/seglearn/internal/checkpoint"
	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/data"
	"github.com/lumix-ai/seglearn/internal/evaluation"
	"github.com/lumix-ai/seglearn/internal/importance"
	"github.com/lumix-ai/seglearn/internal/ledger"
	"github.com/lumix-ai/seglearn/internal/loss"
	"github.com/lumix-ai/seglearn/internal/model"
	"github.com/lumix-ai/seglearn/internal/multihead"
	"github.com/lumix-ai/seglearn/internal/snapshot"
	"github.com/lumix-ai/seglearn/internal/state"
	"github.com/stretchr/testify/require"
)

var tasks = []string{"Task011", "Task012"}

func netConfig() model.Config {
	return model.Config{InChannels: 1, Features: []int{3}, NumClasses: 2, DeepSupervision: 2, Seed: 1}
}

func source() data.SyntheticSource {
	return data.SyntheticSource{Config: data.SyntheticConfig{
		Batches: 2, BatchSize: 2, Channels: 1, Height: 4, Width: 4, NumClasses: 2, Noise: 0.1, Seed: 4,
	}}
}

func options(dir string) Options {
	return Options{
		OutputDir:       dir,
		Fold:            0,
		Epochs:          2,
		BatchesPerEpoch: 2,
		ValBatches:      1,
		InitialLR:       0.01,
		Momentum:        0.9,
		GradClip:        12,
		SaveEvery:       1,
	}
}

func continualOptions(strategy string) ContinualOptions {
	copts := DefaultContinualOptions()
	copts.Strategy = strategy
	copts.Extension = "seg"
	copts.PseudoEvery = 1
	copts.Scales = 2
	return copts
}

func newContinual(t *testing.T, dir string, copts ContinualOptions) (*Continual, *multihead.MultiHead) {
	t.Helper()
	reg, err := multihead.New(netConfig())
	require.NoError(t, err)
	c, err := NewContinual(context.Background(), options(dir), copts, reg, source())
	require.NoError(t, err)
	return c, reg
}

func reopenFold(t *testing.T, dir string) *state.Fold {
	t.Helper()
	st, err := state.Open(filepath.Join(dir, state.FileName("seg")))
	require.NoError(t, err)
	fold, err := st.Lookup("0")
	require.NoError(t, err)
	return fold
}

func requireReport(t *testing.T, dir, task string, heads ...string) {
	t.Helper()
	r, err := evaluation.ReadReport(filepath.Join(dir, task, "fold_0", evaluation.FileName))
	require.NoError(t, err)
	require.Equal(t, task, r.Task)
	for _, h := range heads {
		require.Contains(t, r.Dice, h)
		require.Len(t, r.Dice[h], 1)
	}
}

func TestBaseTraining(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	reg, err := multihead.New(netConfig())
	require.NoError(t, err)
	l, err := ledger.Open(":memory:")
	require.NoError(t, err)
	defer l.Close()

	b, err := NewBase(options(dir), reg)
	require.NoError(t, err)
	b.WithLedger(l)

	src := source()
	train, err := src.Train("Task011")
	require.NoError(t, err)
	val, err := src.Val("Task011")
	require.NoError(t, err)

	require.NoError(t, b.RunTraining(ctx, Job{Task: "Task011", Train: train, Val: map[string]data.Generator{"Task011": val}}))
	require.Equal(t, 2, b.Epoch())
	require.Equal(t, 4, b.Iteration())

	requireReport(t, dir, "Task011", "Task011")
	require.FileExists(t, checkpoint.Final(options(dir).TaskDir("Task011")))

	runs, err := l.Runs(ctx, "0")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, ledger.StatusFinished, runs[0].Status)
	require.Equal(t, "original", runs[0].Strategy)
	epochs, err := l.Epochs(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, epochs, 2)
}

func TestBaseTrainingChangesOnlyActiveHead(t *testing.T) {
	dir := t.TempDir()
	reg, err := multihead.New(netConfig())
	require.NoError(t, err)
	_, err = reg.AddNewTask("Task011")
	require.NoError(t, err)
	before, err := reg.AssembleModel("Task011")
	require.NoError(t, err)

	b, err := NewBase(options(dir), reg)
	require.NoError(t, err)
	src := source()
	train, _ := src.Train("Task012")
	val, _ := src.Val("Task012")
	require.NoError(t, b.RunTraining(context.Background(), Job{Task: "Task012", Train: train, Val: map[string]data.Generator{"Task012": val}}))

	after, err := reg.AssembleModel("Task011")
	require.NoError(t, err)
	for i, p := range before.Head.Parameters() {
		require.True(t, p.Tensor.Equal(after.Head.Parameters()[i].Tensor), p.Name)
	}
}

func TestContinualEWC(t *testing.T) {
	dir := t.TempDir()
	mirrorDir := t.TempDir()
	mirror, err := artifact.NewDir(mirrorDir)
	require.NoError(t, err)

	copts := continualOptions(StrategyEWC)
	copts.Mirror = mirror
	c, reg := newContinual(t, dir, copts)
	require.NoError(t, c.Run(context.Background(), tasks))

	require.Equal(t, tasks, reg.Tasks())
	require.Equal(t, loss.ModeExtended, c.Selector().Mode())
	_, err = c.snapshots.Current()
	require.ErrorIs(t, err, snapshot.ErrNoSnapshot)
	old, current := c.capture.Buffers()
	require.Empty(t, old)
	require.Empty(t, current)
	require.Nil(t, c.thresholds)

	fold := reopenFold(t, dir)
	require.Equal(t, reg.Tasks(), fold.Finished())
	require.True(t, fold.ValMetricsShouldExist)
	fisherAt, paramsAt, ok := fold.Artifacts()
	require.True(t, ok)
	require.FileExists(t, fisherAt)
	require.FileExists(t, paramsAt)

	store, err := importance.NewStore(filepath.Dir(fisherAt), "lmx", 1)
	require.NoError(t, err)
	recs, err := store.Load(context.Background(), fisherAt, paramsAt, core.DeviceCPU)
	require.NoError(t, err)
	require.Equal(t, tasks, recs.Tasks())
	rec, _ := recs.Get("Task011")
	for name := range rec.Fisher {
		require.Contains(t, name, model.TrunkLayerPrefix)
	}

	requireReport(t, dir, "Task011", "Task011")
	requireReport(t, dir, "Task012", "Task011", "Task012")
	require.FileExists(t, checkpoint.FrozenModel(options(dir).TaskDir("Task012")))
	require.NoFileExists(t, checkpoint.FrozenModel(options(dir).TaskDir("Task011")))
	require.FileExists(t, filepath.Join(mirrorDir, "importance", filepath.Base(fisherAt)))
}

func TestContinualPLOP(t *testing.T) {
	dir := t.TempDir()
	c, reg := newContinual(t, dir, continualOptions(StrategyPLOP))
	require.NoError(t, c.Run(context.Background(), tasks))

	require.Equal(t, tasks, reg.Tasks())
	require.Equal(t, loss.ModeExtended, c.Selector().Mode())
	fold := reopenFold(t, dir)
	require.Equal(t, tasks, fold.Finished())
	_, _, ok := fold.Artifacts()
	require.False(t, ok)
	requireReport(t, dir, "Task012", "Task011", "Task012")
}

func TestContinualOriginalStaysOriginal(t *testing.T) {
	dir := t.TempDir()
	c, _ := newContinual(t, dir, continualOptions(StrategyOriginal))
	require.NoError(t, c.Run(context.Background(), tasks))
	require.Equal(t, loss.ModeOriginal, c.Selector().Mode())
}

func TestContinualResumeSkipsFinished(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first, _ := newContinual(t, dir, continualOptions(StrategyEWC))
	require.NoError(t, first.Run(ctx, tasks[:1]))
	trained, err := first.Registry().AssembleModel("Task011")
	require.NoError(t, err)

	second, reg := newContinual(t, dir, continualOptions(StrategyEWC))
	require.Equal(t, 1, second.Records().Len())
	require.NoError(t, second.Run(ctx, tasks))

	require.Equal(t, tasks, reg.Tasks())
	require.Equal(t, tasks, reopenFold(t, dir).Finished())
	require.Equal(t, 2, second.Records().Len())

	// the earlier head is untouched by training the second task
	restored, err := reg.AssembleModel("Task011")
	require.NoError(t, err)
	for i, p := range trained.Head.Parameters() {
		require.True(t, p.Tensor.Equal(restored.Head.Parameters()[i].Tensor), p.Name)
	}
}

func TestConfigMismatchIsFatal(t *testing.T) {
	dir := t.TempDir()
	c, _ := newContinual(t, dir, continualOptions(StrategyEWC))
	require.NoError(t, c.Run(context.Background(), tasks[:1]))

	copts := continualOptions(StrategyEWC)
	copts.EWCLambda = 0.8
	reg, err := multihead.New(netConfig())
	require.NoError(t, err)
	_, err = NewContinual(context.Background(), options(dir), copts, reg, source())
	require.ErrorIs(t, err, state.ErrConfigMismatch)
	var mm *state.ConfigMismatchError
	require.True(t, errors.As(err, &mm))
	require.Equal(t, "used_ewc_lambda", mm.Field)
}

func TestImportanceOutOfSync(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	c, _ := newContinual(t, dir, continualOptions(StrategyOriginal))
	require.NoError(t, c.Run(ctx, tasks[:1]))

	ewc, _ := newContinual(t, dir, continualOptions(StrategyEWC))
	err := ewc.Run(ctx, tasks)
	require.ErrorIs(t, err, ErrImportanceOutOfSync)
}

func frozenTask(t *testing.T, dir, task string) (string, []string) {
	t.Helper()
	snap, err := snapshot.NewManager().Restore(checkpoint.FrozenModel(options(dir).TaskDir(task)), snapshot.Placement{})
	require.NoError(t, err)
	return snap.Task(), snap.Tasks()
}

func TestRetryAfterFailedStartKeepsFrozenModel(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	c, reg := newContinual(t, dir, continualOptions(StrategyPLOP))
	require.NoError(t, c.RunTask(ctx, "Task011"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, c.RunTask(cancelled, "Task012"), context.Canceled)
	require.Equal(t, tasks, reg.Tasks())
	require.Equal(t, "Task012", reg.ActiveTask())

	require.NoError(t, c.RunTask(ctx, "Task012"))
	task, heads := frozenTask(t, dir, "Task012")
	require.Equal(t, "Task011", task)
	require.Equal(t, []string{"Task011"}, heads)
	require.Equal(t, tasks, reopenFold(t, dir).Finished())
}

func TestRetryWithoutFrozenModelFreezesPreviousHead(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	c, reg := newContinual(t, dir, continualOptions(StrategyPLOP))
	require.NoError(t, c.RunTask(ctx, "Task011"))

	_, err := reg.AddNewTask("Task012")
	require.NoError(t, err)
	require.NoError(t, reg.Activate("Task012"))

	require.NoError(t, c.RunTask(ctx, "Task012"))
	task, _ := frozenTask(t, dir, "Task012")
	require.Equal(t, "Task011", task)
}

func TestFailedImportanceSaveLeavesRecordsUnchanged(t *testing.T) {
	dir := t.TempDir()
	c, _ := newContinual(t, dir, continualOptions(StrategyEWC))

	// a directory where the importance artifact goes makes the save fail
	blocked := filepath.Join(dir, "fold_0", "fisher_values.lmx")
	require.NoError(t, os.MkdirAll(filepath.Join(blocked, "x"), 0o755))

	require.Error(t, c.RunTask(context.Background(), "Task011"))
	require.Zero(t, c.Records().Len())
	require.Empty(t, c.Fold().Finished())
	_, _, ok := c.Fold().Artifacts()
	require.False(t, ok)
}

func TestResumeMidTask(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	c, reg := newContinual(t, dir, continualOptions(StrategyEWC))
	require.NoError(t, c.Run(ctx, tasks[:1]))

	// a crash after the first epoch of the second task leaves its latest
	// checkpoint and frozen model behind
	taskDir := options(dir).TaskDir("Task012")
	snap, err := c.snapshots.Freeze(reg, c.copts.Placement)
	require.NoError(t, err)
	require.NoError(t, snap.Save(checkpoint.FrozenModel(taskDir)))
	c.snapshots.Release()
	_, err = reg.AddNewTask("Task012")
	require.NoError(t, err)
	require.NoError(t, reg.Activate("Task012"))
	require.NoError(t, checkpoint.Save(checkpoint.Latest(taskDir), reg, 1, 2, nil))

	resumed, _ := newContinual(t, dir, continualOptions(StrategyEWC))
	require.NoError(t, resumed.Run(ctx, tasks))
	require.Equal(t, 2, resumed.Epoch())
	require.Equal(t, 4, resumed.Iteration())
	require.Equal(t, tasks, reopenFold(t, dir).Finished())
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())
	require.Error(t, Options{}.Validate())
	require.NoError(t, DefaultContinualOptions().Validate())

	bad := DefaultContinualOptions()
	bad.Strategy = "lwf"
	bad.BatchSize = 0
	err := bad.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown strategy")
	require.Contains(t, err.Error(), "batch size")
}

func TestMissingValidationFails(t *testing.T) {
	reg, err := multihead.New(netConfig())
	require.NoError(t, err)
	b, err := NewBase(options(t.TempDir()), reg)
	require.NoError(t, err)
	train, _ := source().Train("Task011")
	err = b.RunTraining(context.Background(), Job{Task: "Task011", Train: train})
	require.ErrorIs(t, err, evaluation.ErrEmptyReport)
}

func TestTaskDirLayout(t *testing.T) {
	o := options("/runs")
	o.Fold = 3
	require.Equal(t, filepath.Join("/runs", "Task011", "fold_3"), o.TaskDir("Task011"))
	require.Equal(t, "3", o.FoldKey())
	_, err := os.Stat(o.TaskDir("Task011"))
	require.Error(t, err)
}
