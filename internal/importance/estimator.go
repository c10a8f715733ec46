// internal/importance/estimator.go
package importance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/data"
	"github.com/lumix-ai/seglearn/internal/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
)

var ErrRecordExists = errors.New("importance record already exists")

// Record - per-parameter importance and the reference values it was measured at
type Record struct {
	Fisher map[string]*core.Tensor
	Params map[string]*core.Tensor
}

// Records - task to record, add-only
type Records struct {
	mu     sync.RWMutex
	order  []string
	byTask map[string]*Record
}

func NewRecords() *Records {
	return &Records{byTask: make(map[string]*Record)}
}

func (r *Records) Add(task string, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byTask[task]; ok {
		return fmt.Errorf("%w: %s", ErrRecordExists, task)
	}
	r.byTask[task] = rec
	r.order = append(r.order, task)
	return nil
}

func (r *Records) Get(task string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byTask[task]
	return rec, ok
}

// Tasks - recorded tasks in insertion order
func (r *Records) Tasks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Records) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// With - copy of r with rec added for task; r itself is unchanged
func (r *Records) With(task string, rec *Record) (*Records, error) {
	out := r.shallow()
	if err := out.Add(task, rec); err != nil {
		return nil, err
	}
	return out, nil
}

// shallow - new container sharing the immutable records
func (r *Records) shallow() *Records {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRecords()
	for _, t := range r.order {
		out.order = append(out.order, t)
		out.byTask[t] = r.byTask[t]
	}
	return out
}

func (r *Records) groups() (fisher, params map[string]map[string]*core.Tensor) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fisher = make(map[string]map[string]*core.Tensor, len(r.order))
	params = make(map[string]map[string]*core.Tensor, len(r.order))
	for _, t := range r.order {
		fisher[t] = r.byTask[t].Fisher
		params[t] = r.byTask[t].Params
	}
	return fisher, params
}

// Objective - loss whose output gradients drive the importance pass
type Objective interface {
	OutputGradients(outputs []*core.Tensor, target *core.Tensor) (float64, []*core.Tensor, error)
}

// Estimator - squared-gradient importance over one epoch
type Estimator struct {
	// Filter keeps parameters whose name contains it; empty keeps all
	Filter   string
	Batches  int
	Progress io.Writer

	log zerolog.Logger
}

func NewEstimator(filter string, batches int) *Estimator {
	return &Estimator{
		Filter:  filter,
		Batches: batches,
		log:     log.With().Str("component", "importance").Logger(),
	}
}

// Estimate - forward and backward over Batches batches with gradients
// accumulating and no optimizer step. Parameters without a gradient get an
// importance of exactly 1, the rest grad^2. Gradients are cleared afterwards.
func (e *Estimator) Estimate(ctx context.Context, net *model.Network, gen data.Generator, obj Objective) (*Record, error) {
	if e.Batches < 1 {
		return nil, fmt.Errorf("importance pass needs at least one batch, got %d", e.Batches)
	}
	start := time.Now()
	device := net.Device()

	out := e.Progress
	if out == nil {
		out = io.Discard
	}
	bar := progressbar.NewOptions(e.Batches,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("importance"),
	)

	wasTraining := net.Training()
	net.Train()
	net.ZeroGrad()
	defer func() {
		net.ZeroGrad()
		if !wasTraining {
			net.Eval()
		}
	}()

	var total float64
	for i := 0; i < e.Batches; i++ {
		batch, err := gen.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("importance batch %d: %w", i, err)
		}
		outs, err := net.Forward(batch.Data.To(device))
		if err != nil {
			return nil, fmt.Errorf("importance forward: %w", err)
		}
		l, grads, err := obj.OutputGradients(outs, batch.Target.To(device))
		if err != nil {
			return nil, fmt.Errorf("importance loss: %w", err)
		}
		if err := net.Backward(grads); err != nil {
			return nil, fmt.Errorf("importance backward: %w", err)
		}
		total += l
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	rec := &Record{Fisher: map[string]*core.Tensor{}, Params: map[string]*core.Tensor{}}
	var sentinels []string
	for _, p := range net.NamedParameters() {
		if e.Filter != "" && !strings.Contains(p.Name, e.Filter) {
			continue
		}
		if g := p.Tensor.Grad(); g != nil {
			rec.Fisher[p.Name] = g.Square()
		} else {
			rec.Fisher[p.Name] = core.Full([]int{1}, device, 1)
			sentinels = append(sentinels, p.Name)
		}
		rec.Params[p.Name] = p.Tensor.Clone()
	}
	sort.Strings(sentinels)

	e.log.Info().
		Int("params", len(rec.Fisher)).
		Strs("no_grad", sentinels).
		Float64("mean_loss", total/float64(e.Batches)).
		Dur("took", time.Since(start)).
		Msg("importance estimated")
	return rec, nil
}
