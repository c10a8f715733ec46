// internal/trainer/base.go
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lumix-ai/seglearn/internal/checkpoint"
	"github.com/lumix-ai/seglearn/internal/data"
	"github.com/lumix-ai/seglearn/internal/evaluation"
	"github.com/lumix-ai/seglearn/internal/learning"
	"github.com/lumix-ai/seglearn/internal/ledger"
	"github.com/lumix-ai/seglearn/internal/loss"
	"github.com/lumix-ai/seglearn/internal/model"
	"github.com/lumix-ai/seglearn/internal/monitoring"
	"github.com/lumix-ai/seglearn/internal/multihead"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options - single-task loop settings
type Options struct {
	OutputDir       string
	Fold            int
	Epochs          int
	BatchesPerEpoch int
	ValBatches      int
	InitialLR       float64
	Momentum        float64
	WeightDecay     float64
	GradClip        float64
	// SaveEvery - epochs between latest checkpoints, 0 saves only at the end
	SaveEvery int
	Progress  io.Writer
}

func DefaultOptions() Options {
	return Options{
		OutputDir:       "runs",
		Epochs:          10,
		BatchesPerEpoch: 50,
		ValBatches:      10,
		InitialLR:       0.01,
		Momentum:        0.99,
		WeightDecay:     3e-5,
		GradClip:        12,
		SaveEvery:       5,
	}
}

func (o Options) Validate() error {
	var errs []error
	if o.OutputDir == "" {
		errs = append(errs, errors.New("output dir is required"))
	}
	if o.Fold < 0 {
		errs = append(errs, fmt.Errorf("fold must not be negative, got %d", o.Fold))
	}
	if o.Epochs < 1 {
		errs = append(errs, fmt.Errorf("epochs must be positive, got %d", o.Epochs))
	}
	if o.BatchesPerEpoch < 1 {
		errs = append(errs, fmt.Errorf("batches per epoch must be positive, got %d", o.BatchesPerEpoch))
	}
	if o.ValBatches < 1 {
		errs = append(errs, fmt.Errorf("validation batches must be positive, got %d", o.ValBatches))
	}
	if o.InitialLR <= 0 {
		errs = append(errs, fmt.Errorf("initial lr must be positive, got %v", o.InitialLR))
	}
	if o.Momentum < 0 || o.Momentum >= 1 {
		errs = append(errs, fmt.Errorf("momentum must be in [0, 1), got %v", o.Momentum))
	}
	if o.GradClip < 0 {
		errs = append(errs, fmt.Errorf("grad clip must not be negative, got %v", o.GradClip))
	}
	return errors.Join(errs...)
}

// FoldKey - fold as it is keyed in the training state
func (o Options) FoldKey() string { return strconv.Itoa(o.Fold) }

// TaskDir - <output>/<task>/fold_<k>, home of checkpoints and val_metrics.json
func (o Options) TaskDir(task string) string {
	return filepath.Join(o.OutputDir, task, "fold_"+o.FoldKey())
}

// Iter - position of one training iteration
type Iter struct {
	Task      string
	Epoch     int
	Iteration int
}

// Hooks - the parts of the loop a trainer variant replaces
type Hooks interface {
	// RunIteration - forward and loss for one batch. The loop runs the
	// backward pass and the optimizer step on the returned gradients.
	RunIteration(ctx context.Context, net *model.Network, batch data.Batch, it Iter) (loss.Result, error)
	// AfterTraining - runs after the last epoch, before validation and the
	// final checkpoint
	AfterTraining(ctx context.Context, task string, net *model.Network) error
}

// Job - one task's training
type Job struct {
	Task     string
	Strategy string
	Train    data.Generator
	// Val - validation stream per task; every listed head is evaluated
	Val   map[string]data.Generator
	Hooks Hooks
}

// Base - reference single-task trainer over a multi-head registry
type Base struct {
	opts     Options
	reg      *multihead.MultiHead
	optim    *learning.SGD
	original *loss.Original
	metrics  *monitoring.Collector
	ledger   *ledger.Ledger

	task      string
	epoch     int
	iteration int

	log zerolog.Logger
}

func NewBase(opts Options, reg *multihead.MultiHead) (*Base, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trainer options: %w", err)
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	return &Base{
		opts:     opts,
		reg:      reg,
		optim:    learning.NewSGD(opts.Momentum, opts.WeightDecay, opts.GradClip),
		original: loss.NewOriginal(reg.Config().DeepSupervision),
		metrics:  monitoring.NewCollector(),
		log:      log.With().Str("component", "trainer").Logger(),
	}, nil
}

// WithMetrics - report into c instead of a private collector
func (b *Base) WithMetrics(c *monitoring.Collector) *Base {
	if c != nil {
		b.metrics = c
	}
	return b
}

// WithLedger - record runs, epochs and validations in l
func (b *Base) WithLedger(l *ledger.Ledger) *Base {
	b.ledger = l
	return b
}

func (b *Base) Options() Options               { return b.opts }
func (b *Base) Registry() *multihead.MultiHead { return b.reg }
func (b *Base) Metrics() *monitoring.Collector { return b.metrics }
func (b *Base) Epoch() int                     { return b.epoch }
func (b *Base) Iteration() int                 { return b.iteration }

func (b *Base) paramKey(task string) func(string) string {
	return func(name string) string {
		if strings.HasPrefix(name, model.HeadLayerPrefix) {
			return multihead.HeadKey(task, name)
		}
		return multihead.TrunkKey(name)
	}
}

// BeginTask - register and activate task with fresh loop counters. When a
// latest checkpoint of this task exists it is loaded and resumed is true.
func (b *Base) BeginTask(task string) (resumed bool, err error) {
	if _, err := b.reg.AddNewTask(task); err != nil {
		return false, err
	}
	if err := b.reg.Activate(task); err != nil {
		return false, err
	}
	b.task, b.epoch, b.iteration = task, 0, 0
	b.optim.Reset()
	b.metrics.SetHeads(b.reg.Len())

	latest := checkpoint.Latest(b.opts.TaskDir(task))
	if _, err := os.Stat(latest); err != nil {
		return false, nil
	}
	meta, err := checkpoint.ReadMeta(latest)
	if err != nil {
		return false, err
	}
	if meta.Active != task {
		return false, nil
	}
	if _, err := b.LoadCheckpoint(latest); err != nil {
		return false, fmt.Errorf("resume %s: %w", task, err)
	}
	b.log.Info().Msgf("Resuming %s from epoch %d", task, b.epoch)
	return true, nil
}

// RunTraining - epochs × batches of iteration, backward, clip and step,
// then the after-training hook, validation and the final checkpoint
func (b *Base) RunTraining(ctx context.Context, job Job) (err error) {
	if job.Hooks == nil {
		job.Hooks = b
	}
	if job.Strategy == "" {
		job.Strategy = b.original.Name()
	}
	if b.task != job.Task {
		if _, err := b.BeginTask(job.Task); err != nil {
			return err
		}
	}
	net, err := b.reg.Network()
	if err != nil {
		return err
	}
	dir := b.opts.TaskDir(job.Task)

	runID := ""
	if b.ledger != nil {
		if runID, err = b.ledger.StartRun(ctx, b.opts.FoldKey(), job.Task, job.Strategy, b.reg.Len()); err != nil {
			return err
		}
		defer func() {
			status := ledger.StatusFinished
			if err != nil {
				status = ledger.StatusFailed
			}
			if ferr := b.ledger.FinishRun(context.WithoutCancel(ctx), runID, status); ferr != nil {
				b.log.Warn().Err(ferr).Str("run", runID).Msg("ledger finish failed")
			}
		}()
	}

	b.log.Info().Msgf("Training %s (fold %d, strategy %s, heads %v)", job.Task, b.opts.Fold, job.Strategy, b.reg.Tasks())
	net.Train()
	key := b.paramKey(job.Task)

	for b.epoch < b.opts.Epochs {
		start := time.Now()
		lr := learning.PolyLR(b.opts.InitialLR, b.epoch, b.opts.Epochs)
		var total float64
		terms := make(map[string]float64)

		for i := 0; i < b.opts.BatchesPerEpoch; i++ {
			batch, err := job.Train.Next(ctx)
			if err != nil {
				return fmt.Errorf("epoch %d batch %d: %w", b.epoch, i, err)
			}
			batch = data.Batch{Data: batch.Data.To(net.Device()), Target: batch.Target.To(net.Device())}

			res, err := job.Hooks.RunIteration(ctx, net, batch, Iter{Task: job.Task, Epoch: b.epoch, Iteration: b.iteration})
			if err != nil {
				return fmt.Errorf("epoch %d iteration %d: %w", b.epoch, b.iteration, err)
			}
			norm, err := b.step(net, res, key, lr)
			if err != nil {
				return fmt.Errorf("epoch %d iteration %d: %w", b.epoch, b.iteration, err)
			}

			b.iteration++
			total += res.Value
			for k, v := range res.Terms {
				terms[k] += v
			}
			b.metrics.ObserveIteration(job.Task, res.Terms, norm)
		}
		b.epoch++

		n := float64(b.opts.BatchesPerEpoch)
		mean := total / n
		for k := range terms {
			terms[k] /= n
		}
		b.metrics.ObserveEpoch(job.Task, mean, lr)
		b.log.Info().Msgf("Epoch %d/%d: loss %.4f, lr %.5f (%s)", b.epoch, b.opts.Epochs, mean, lr, time.Since(start).Round(time.Millisecond))
		if b.ledger != nil {
			if err := b.ledger.RecordEpoch(ctx, runID, ledger.Epoch{
				Epoch: b.epoch, Loss: mean, Terms: terms, LR: lr, Seconds: time.Since(start).Seconds(),
			}); err != nil {
				return err
			}
		}
		if b.opts.SaveEvery > 0 && b.epoch%b.opts.SaveEvery == 0 && b.epoch < b.opts.Epochs {
			if err := b.SaveCheckpoint(checkpoint.Latest(dir)); err != nil {
				return err
			}
		}
	}

	if err := job.Hooks.AfterTraining(ctx, job.Task, net); err != nil {
		return fmt.Errorf("after training %s: %w", job.Task, err)
	}
	net.Train()

	report, err := b.Validate(ctx, job.Task, job.Val)
	if err != nil {
		return err
	}
	if b.ledger != nil {
		if err := b.ledger.RecordValidation(ctx, runID, b.epoch, report.Dice[job.Task]); err != nil {
			return err
		}
	}
	if err := b.SaveCheckpoint(checkpoint.Latest(dir)); err != nil {
		return err
	}
	return b.SaveCheckpoint(checkpoint.Final(dir))
}

// step - backward on the output gradients, add direct parameter gradients,
// then one optimizer update. Gradients are cleared afterwards.
func (b *Base) step(net *model.Network, res loss.Result, key func(string) string, lr float64) (float64, error) {
	defer net.ZeroGrad()
	if err := net.Backward(res.OutputGrads); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}
	params := net.NamedParameters()
	for _, p := range params {
		g, ok := res.ParamGrads[p.Name]
		if !ok {
			continue
		}
		if err := p.Tensor.AccumulateGrad(g.To(p.Tensor.Device())); err != nil {
			return 0, fmt.Errorf("%s: %w", p.Name, err)
		}
	}
	return b.optim.Step(params, key, lr)
}

// RunIteration - base loss only
func (b *Base) RunIteration(ctx context.Context, net *model.Network, batch data.Batch, it Iter) (loss.Result, error) {
	outs, err := net.Forward(batch.Data)
	if err != nil {
		return loss.Result{}, err
	}
	return b.original.Compute(loss.Input{Outputs: outs, Target: batch.Target, Epoch: it.Epoch, Iteration: it.Iteration})
}

func (b *Base) AfterTraining(context.Context, string, *model.Network) error { return nil }

// Validate - Dice of every head with a validation stream, written to the
// trained task's val_metrics.json
func (b *Base) Validate(ctx context.Context, task string, val map[string]data.Generator) (*evaluation.Report, error) {
	start := time.Now()
	report := evaluation.NewReport(task, b.opts.Fold, b.epoch)
	for _, t := range b.reg.Tasks() {
		gen, ok := val[t]
		if !ok {
			continue
		}
		net, err := b.reg.AssembleModel(t)
		if err != nil {
			return nil, err
		}
		dice, err := evaluation.Evaluate(ctx, net, gen, b.opts.ValBatches)
		if err != nil {
			return nil, fmt.Errorf("validate %s: %w", t, err)
		}
		report.Add(t, dice)
		b.metrics.SetDice(t, report.MeanDice[t])
	}
	path, err := report.Write(b.opts.TaskDir(task))
	if err != nil {
		return nil, err
	}
	b.metrics.ObservePass("validation", time.Since(start))
	b.log.Info().Msgf("Validation written: %s (mean dice %v)", path, report.MeanDice)
	return report, nil
}

// SaveCheckpoint - registry, loop position and optimizer velocity
func (b *Base) SaveCheckpoint(path string) error {
	return checkpoint.Save(path, b.reg, b.epoch, b.iteration, b.optim.State())
}

// LoadCheckpoint - restore the registry and loop position saved at path
func (b *Base) LoadCheckpoint(path string) (*checkpoint.Checkpoint, error) {
	ckpt, err := checkpoint.Load(path, b.reg)
	if err != nil {
		return nil, err
	}
	b.task = ckpt.Active
	b.epoch, b.iteration = ckpt.Epoch, ckpt.Iteration
	b.optim.Load(ckpt.Momentum, b.reg.Device())
	return ckpt, nil
}
