// internal/trainer/continual.go
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/lumix-ai/seglearn/internal/capture"
	"github.com/lumix-ai/seglearn/internal/checkpoint"
	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/data"
	"github.com/lumix-ai/seglearn/internal/importance"
	"github.com/lumix-ai/seglearn/internal/loss"
	"github.com/lumix-ai/seglearn/internal/model"
	"github.com/lumix-ai/seglearn/internal/monitoring"
	"github.com/lumix-ai/seglearn/internal/multihead"
	"github.com/lumix-ai/seglearn/internal/pseudo"
	"github.com/lumix-ai/seglearn/internal/snapshot"
	"github.com/lumix-ai/seglearn/internal/state"
)

// ErrImportanceOutOfSync - loaded importance records do not cover exactly the
// finished tasks
var ErrImportanceOutOfSync = errors.New("importance records out of sync with finished tasks")

const (
	StrategyOriginal = "original"
	StrategyEWC      = "ewc"
	StrategyPLOP     = "plop"
)

// ContinualOptions - strategy selection and the hyperparameters recorded per fold
type ContinualOptions struct {
	// Extension names the state file <extension>_trained_on.json
	Extension   string
	Strategy    string
	BatchSize   int
	EWCLambda   float64
	Alpha       float64
	PseudoEvery int
	PODLambda   float64
	Scales      int
	// PODOnly - distillation without pseudo-labelling
	PODOnly bool

	ImportanceFilter  string
	ImportanceBatches int
	ThresholdBatches  int
	CaptureFilter     string
	Placement         snapshot.Placement
	CacheSize         int
	Mirror            importance.Mirror
}

func DefaultContinualOptions() ContinualOptions {
	return ContinualOptions{
		Extension:        StrategyEWC,
		Strategy:         StrategyEWC,
		BatchSize:        2,
		EWCLambda:        0.4,
		Alpha:            0.9,
		PseudoEvery:      23,
		PODLambda:        0.01,
		Scales:           3,
		ImportanceFilter: model.TrunkLayerPrefix,
		CaptureFilter:    capture.DefaultFilter,
		CacheSize:        4,
	}
}

func (o ContinualOptions) Validate() error {
	var errs []error
	switch o.Strategy {
	case StrategyOriginal, StrategyEWC, StrategyPLOP:
	default:
		errs = append(errs, fmt.Errorf("unknown strategy %q", o.Strategy))
	}
	if strings.TrimSpace(o.Extension) == "" {
		errs = append(errs, errors.New("extension is required"))
	}
	if o.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", o.BatchSize))
	}
	if o.EWCLambda < 0 || o.PODLambda < 0 || o.Alpha < 0 {
		errs = append(errs, errors.New("loss weights must not be negative"))
	}
	if o.Scales < 1 && (o.Strategy == StrategyPLOP || o.PODLambda > 0) {
		errs = append(errs, fmt.Errorf("pooled distillation needs at least one scale, got %d", o.Scales))
	}
	if o.PseudoEvery < 0 {
		errs = append(errs, fmt.Errorf("pseudo cadence must not be negative, got %d", o.PseudoEvery))
	}
	return errors.Join(errs...)
}

// Hyperparams - the values recorded for the fold and checked on resume
func (o ContinualOptions) Hyperparams() state.Hyperparams {
	return state.Hyperparams{
		Alpha:     o.Alpha,
		Scales:    o.Scales,
		PODLambda: o.PODLambda,
		BatchSize: o.BatchSize,
		EWCLambda: o.EWCLambda,
	}
}

// Continual - multi-task trainer: snapshot, capture, thresholds and the
// importance pass around the base loop
type Continual struct {
	*Base
	copts ContinualOptions

	source     data.Source
	selector   *loss.Selector
	snapshots  *snapshot.Manager
	capture    *capture.Capture
	extractor  *pseudo.Extractor
	estimator  *importance.Estimator
	store      *importance.Store
	records    *importance.Records
	state      *state.State
	fold       *state.Fold
	thresholds *pseudo.Table
}

// NewContinual - opens the fold's training state and importance artifacts.
// Hyperparameters that differ from the fold record fail with a
// *state.ConfigMismatchError before anything is trained.
func NewContinual(ctx context.Context, opts Options, copts ContinualOptions, reg *multihead.MultiHead, source data.Source) (*Continual, error) {
	if err := copts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid continual options: %w", err)
	}
	if source == nil {
		return nil, errors.New("data source is required")
	}
	base, err := NewBase(opts, reg)
	if err != nil {
		return nil, err
	}

	st, err := state.Open(filepath.Join(opts.OutputDir, state.FileName(copts.Extension)))
	if err != nil {
		return nil, err
	}
	fold, err := st.Fold(opts.FoldKey(), copts.Hyperparams())
	if err != nil {
		return nil, err
	}

	store, err := importance.NewStore(filepath.Join(opts.OutputDir, "fold_"+opts.FoldKey()), strings.TrimPrefix(checkpoint.Ext, "."), copts.CacheSize)
	if err != nil {
		return nil, err
	}
	if copts.Mirror != nil {
		store.WithMirror(countingMirror{Mirror: copts.Mirror, metrics: base.metrics})
	}
	records := importance.NewRecords()
	if fisherAt, paramsAt, ok := fold.Artifacts(); ok {
		if records, err = store.Load(ctx, fisherAt, paramsAt, reg.Device()); err != nil {
			return nil, err
		}
	}

	levels := reg.Config().DeepSupervision
	var extended loss.Strategy
	switch copts.Strategy {
	case StrategyEWC:
		extended = loss.NewEWC(loss.EWCOptions{
			Levels:      levels,
			Lambda:      copts.EWCLambda,
			Schedule:    loss.NewSchedule(opts.Epochs, copts.Alpha),
			PseudoEvery: copts.PseudoEvery,
			PODLambda:   copts.PODLambda,
			Scales:      copts.Scales,
		})
	case StrategyPLOP:
		extended = loss.NewPLOP(loss.PLOPOptions{
			Levels:    levels,
			PODLambda: copts.PODLambda,
			Scales:    copts.Scales,
			PODOnly:   copts.PODOnly,
		})
	}

	batches := func(n int) int {
		if n < 1 {
			return opts.BatchesPerEpoch
		}
		return n
	}
	extractor := pseudo.NewExtractor(reg.Config().NumClasses, batches(copts.ThresholdBatches))
	extractor.Progress = opts.Progress
	estimator := importance.NewEstimator(copts.ImportanceFilter, batches(copts.ImportanceBatches))
	estimator.Progress = opts.Progress

	c := &Continual{
		Base:      base,
		copts:     copts,
		source:    source,
		selector:  loss.NewSelector(base.original, extended),
		snapshots: snapshot.NewManager(),
		capture:   capture.New(copts.CaptureFilter),
		extractor: extractor,
		estimator: estimator,
		store:     store,
		records:   records,
		state:     st,
		fold:      fold,
	}
	c.log = c.log.With().Str("fold", opts.FoldKey()).Str("strategy", copts.Strategy).Logger()
	return c, nil
}

// WithMetrics - as Base.WithMetrics, keeping the Continual type
func (c *Continual) WithMetrics(m *monitoring.Collector) *Continual {
	c.Base.WithMetrics(m)
	if c.copts.Mirror != nil {
		c.store.WithMirror(countingMirror{Mirror: c.copts.Mirror, metrics: c.metrics})
	}
	return c
}

func (c *Continual) Selector() *loss.Selector     { return c.selector }
func (c *Continual) Fold() *state.Fold            { return c.fold }
func (c *Continual) Records() *importance.Records { return c.records }

// Run - train tasks in order. Tasks the fold already finished are skipped
// after their heads are restored from the last finished task's checkpoint.
func (c *Continual) Run(ctx context.Context, tasks []string) error {
	if err := c.restoreFinished(); err != nil {
		return err
	}
	for _, task := range tasks {
		if c.fold.HasFinished(task) {
			c.log.Info().Msgf("Skipping %s, already trained", task)
			continue
		}
		if err := c.RunTask(ctx, task); err != nil {
			return fmt.Errorf("task %s: %w", task, err)
		}
	}
	return nil
}

func (c *Continual) restoreFinished() error {
	finished := c.fold.Finished()
	if len(finished) == 0 {
		return nil
	}
	for _, task := range finished {
		if _, err := c.reg.AddNewTask(task); err != nil && !errors.Is(err, multihead.ErrDuplicateTask) {
			return err
		}
	}
	last := finished[len(finished)-1]
	if _, err := c.LoadCheckpoint(checkpoint.Final(c.opts.TaskDir(last))); err != nil {
		return fmt.Errorf("restore finished tasks %v: %w", finished, err)
	}
	c.metrics.SetHeads(c.reg.Len())
	return nil
}

// RunTask - one task transition, training and bookkeeping
func (c *Continual) RunTask(ctx context.Context, task string) (err error) {
	finished := c.fold.Finished()
	firstTask := len(finished) == 0
	extended := c.selector.Extended()
	needsImportance := extended != nil && extended.Requires().Importance

	// 1. records must cover exactly the finished tasks
	if needsImportance {
		if c.records.Len() != len(finished) || !slices.Equal(sorted(c.records.Tasks()), sorted(finished)) {
			return fmt.Errorf("%w: records for %v, finished %v", ErrImportanceOutOfSync, c.records.Tasks(), finished)
		}
	}

	// 2. freeze the previous model before the new head exists
	dir := c.opts.TaskDir(task)
	var snap *snapshot.Snapshot
	if !firstTask && extended != nil && extended.Requires().Snapshot {
		if snap, err = c.takeSnapshot(task, dir); err != nil {
			return err
		}
		defer func() {
			c.snapshots.Release()
			c.metrics.SnapshotReleased()
		}()
	}

	// 3. new head, resumed when a latest checkpoint exists
	if _, err := c.BeginTask(task); err != nil {
		return err
	}

	// 4. one-way strategy switch
	strategy := c.selector.Resolve(c.reg.Len(), firstTask)
	c.metrics.SetLossMode(c.selector.Mode().String(), loss.ModeOriginal.String(), loss.ModeExtended.String())
	req := strategy.Requires()
	c.log.Info().Msgf("Task %s: %s with %s (heads %v)", task, c.selector.Mode(), strategy.Name(), c.reg.Tasks())

	net, err := c.reg.Network()
	if err != nil {
		return err
	}

	// 5. instrument both models
	if req.Activations && snap != nil {
		c.capture.Instrument(net, capture.Current)
		c.capture.Instrument(snap.Network(), capture.Old)
		defer func() {
			c.capture.Detach(net, capture.Current)
			c.capture.Detach(snap.Network(), capture.Old)
			c.capture.Clear()
		}()
	}

	// 6. thresholds from the frozen model, cleared once the task ends
	if req.Thresholds && snap != nil {
		if err := c.extractThresholds(ctx, task, snap); err != nil {
			return err
		}
		strategy.SetThresholds(c.thresholds)
		defer func() {
			c.thresholds = nil
			strategy.SetThresholds(nil)
		}()
	}

	// 7. penalty over every earlier task
	if req.Importance {
		strategy.SetImportance(c.records)
	}

	train, err := c.source.Train(task)
	if err != nil {
		return err
	}
	val := make(map[string]data.Generator)
	for _, t := range c.reg.Tasks() {
		if val[t], err = c.source.Val(t); err != nil {
			return err
		}
	}

	// 8. train, run the importance pass, validate
	if err := c.RunTraining(ctx, Job{Task: task, Strategy: strategy.Name(), Train: train, Val: val, Hooks: c}); err != nil {
		return err
	}

	// 9. record completion
	if err := c.fold.MarkFinished(task); err != nil {
		return err
	}
	c.fold.ValMetricsShouldExist = true
	if err := c.state.Save(); err != nil {
		return err
	}
	c.log.Info().Msgf("Task %s finished, fold %s trained on %v", task, c.opts.FoldKey(), c.fold.Finished())
	return nil
}

// takeSnapshot - freeze the registry, or restore the frozen model saved when
// the task first started. Once the task's head exists (resume, or a retry in
// this process) the registry no longer holds the previous model.
func (c *Continual) takeSnapshot(task, dir string) (*snapshot.Snapshot, error) {
	old := checkpoint.FrozenModel(dir)
	retry := c.reg.Has(task)
	if retry || c.resumable(task, dir) {
		if _, err := os.Stat(old); err == nil {
			snap, err := c.snapshots.Restore(old, c.copts.Placement)
			if err != nil {
				return nil, err
			}
			c.metrics.SnapshotFrozen()
			c.log.Info().Msgf("Frozen model of %s restored (taken %s)", snap.Task(), snap.FrozenAt().Format(time.RFC3339))
			return snap, nil
		}
	}
	if retry {
		// no frozen model on disk, so training never started: the trunk is
		// unchanged and the last finished head is the previous model
		finished := c.fold.Finished()
		if err := c.reg.Activate(finished[len(finished)-1]); err != nil {
			return nil, err
		}
	}
	snap, err := c.snapshots.Freeze(c.reg, c.copts.Placement)
	if err != nil {
		return nil, err
	}
	c.metrics.SnapshotFrozen()
	if err := snap.Save(old); err != nil {
		c.snapshots.Release()
		return nil, err
	}
	return snap, nil
}

// resumable - a latest checkpoint of this task exists
func (c *Continual) resumable(task, dir string) bool {
	meta, err := checkpoint.ReadMeta(checkpoint.Latest(dir))
	return err == nil && meta.Active == task
}

func (c *Continual) extractThresholds(ctx context.Context, task string, snap *snapshot.Snapshot) error {
	start := time.Now()
	gen, err := c.source.Train(task)
	if err != nil {
		return err
	}
	table, err := c.extractor.Extract(ctx, snap, gen)
	if err != nil {
		return fmt.Errorf("extract thresholds: %w", err)
	}
	c.thresholds = table
	c.metrics.ObservePass("thresholds", time.Since(start))
	return nil
}

// RunIteration - both forwards fill the activation buffers, the active
// strategy computes the loss, and the buffers are emptied again
func (c *Continual) RunIteration(ctx context.Context, net *model.Network, batch data.Batch, it Iter) (loss.Result, error) {
	strategy := c.selector.Active()
	req := strategy.Requires()
	c.capture.Clear()
	defer c.capture.Clear()

	outs, err := net.Forward(batch.Data)
	if err != nil {
		return loss.Result{}, err
	}

	var oldOuts []*core.Tensor
	if req.Snapshot {
		snap, err := c.snapshots.Current()
		if err != nil {
			return loss.Result{}, err
		}
		if oldOuts, err = snap.Forward(batch.Data); err != nil {
			return loss.Result{}, fmt.Errorf("frozen forward: %w", err)
		}
		for l := range oldOuts {
			oldOuts[l] = oldOuts[l].To(net.Device())
		}
	}

	if req.Activations {
		c.capture.AlignDevices(net.Device())
		if err := c.capture.Ready(); err != nil {
			return loss.Result{}, err
		}
		old, current := c.capture.Buffers()
		strategy.UpdateActivations(old, current)
	}
	strategy.UpdateParameters(net.NamedParameters())

	return strategy.Compute(loss.Input{
		Outputs:    outs,
		OldOutputs: oldOuts,
		Target:     batch.Target,
		Epoch:      it.Epoch,
		Iteration:  it.Iteration,
	})
}

// AfterTraining - importance pass with the base loss, written together with
// every earlier task's record
func (c *Continual) AfterTraining(ctx context.Context, task string, net *model.Network) error {
	extended := c.selector.Extended()
	if extended == nil || !extended.Requires().Importance {
		return nil
	}
	c.capture.Detach(net, capture.Current)
	start := time.Now()

	gen, err := c.source.Train(task)
	if err != nil {
		return err
	}
	rec, err := c.estimator.Estimate(ctx, net, gen, c.original)
	if err != nil {
		return err
	}
	// the in-memory records only grow once the artifacts are on disk
	next, err := c.records.With(task, rec)
	if err != nil {
		return err
	}
	fisherAt, paramsAt, err := c.store.Save(ctx, next)
	if err != nil {
		return err
	}
	c.records = next
	if err := c.fold.RecordArtifacts(fisherAt, paramsAt); err != nil {
		return err
	}
	c.metrics.ObservePass("importance", time.Since(start))
	return nil
}

func sorted(s []string) []string {
	s = slices.Clone(s)
	slices.Sort(s)
	return s
}

// countingMirror - counts failed uploads
type countingMirror struct {
	importance.Mirror
	metrics *monitoring.Collector
}

func (m countingMirror) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	err := m.Mirror.Put(ctx, key, r, size)
	if err != nil {
		m.metrics.MirrorFailed()
	}
	return err
}
