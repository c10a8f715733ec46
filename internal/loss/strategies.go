// internal/loss/strategies.go
package loss

import (
	"fmt"

	"github.com/lumix-ai/seglearn/internal/capture"
	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/importance"
	"github.com/lumix-ai/seglearn/internal/model"
	"github.com/lumix-ai/seglearn/internal/pseudo"
)

// Schedule - weight of the regularisation terms over a task: zero for the
// first T1 epochs, a linear ramp up to Alpha at epoch T2, Alpha afterwards
type Schedule struct {
	T1    int
	T2    int
	Alpha float64
}

// NewSchedule - T1 is a tenth of the epochs, T2 the epochs left after it
func NewSchedule(numEpochs int, alpha float64) Schedule {
	t1 := numEpochs / 10
	return Schedule{T1: t1, T2: numEpochs - t1, Alpha: alpha}
}

func (s Schedule) Weight(epoch int) float64 {
	switch {
	case epoch < s.T1:
		return 0
	case epoch >= s.T2:
		return s.Alpha
	default:
		return s.Alpha * float64(epoch-s.T1) / float64(s.T2-s.T1)
	}
}

// Penalty - Σ over recorded tasks of Σ F (θ - θ*)^2 for every live parameter
// the record covers, and its gradient 2 F (θ - θ*). A single-element F is a
// scalar importance.
func Penalty(records *importance.Records, params []model.NamedParameter) (float64, map[string]*core.Tensor, error) {
	var total float64
	grads := make(map[string]*core.Tensor)
	for _, task := range records.Tasks() {
		rec, _ := records.Get(task)
		for _, p := range params {
			f, ok := rec.Fisher[p.Name]
			if !ok {
				continue
			}
			ref, ok := rec.Params[p.Name]
			if !ok {
				return 0, nil, fmt.Errorf("%s/%s: %w", task, p.Name, importance.ErrArtifactMismatch)
			}
			if !core.SameShape(ref, p.Tensor) || (f.Size() != 1 && !core.SameShape(f, p.Tensor)) {
				return 0, nil, fmt.Errorf("%w: %s/%s", core.ErrShapeMismatch, task, p.Name)
			}
			if ref.Device() != p.Tensor.Device() || f.Device() != p.Tensor.Device() {
				return 0, nil, fmt.Errorf("%w: %s/%s on %s, parameter on %s", core.ErrDeviceMismatch, task, p.Name, f.Device(), p.Tensor.Device())
			}

			g, ok := grads[p.Name]
			if !ok {
				g = core.NewTensor(p.Tensor.Shape, p.Tensor.Device())
				grads[p.Name] = g
			}
			for i, v := range p.Tensor.Data {
				fi := f.Data[0]
				if f.Size() != 1 {
					fi = f.Data[i]
				}
				d := v - ref.Data[i]
				total += float64(fi) * float64(d) * float64(d)
				g.Data[i] += 2 * fi * d
			}
		}
	}
	return total, grads, nil
}

// pseudoTargets - confident background pixels relabelled from the frozen
// model, everything else ignored
func pseudoTargets(targets, oldOutputs []*core.Tensor, table *pseudo.Table, weights []float64) ([]*core.Tensor, error) {
	out := make([]*core.Tensor, len(targets))
	for l, target := range targets {
		if weights[l] == 0 {
			out[l] = target
			continue
		}
		thr, err := table.Level(l)
		if err != nil {
			return nil, err
		}
		relabelled, _, err := pseudo.Relabel(target, oldOutputs[l].To(target.Device()), thr, table.MaxEntropy, IgnoreLabel)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", l, err)
		}
		for i, y := range target.Data {
			if y != 0 {
				relabelled.Data[i] = IgnoreLabel
			}
		}
		out[l] = relabelled
	}
	return out, nil
}

func addGrads(dst, src []*core.Tensor) error {
	for l, g := range src {
		if g == nil {
			continue
		}
		if dst[l] == nil {
			dst[l] = g
			continue
		}
		if err := dst[l].AddScaled(1, g); err != nil {
			return err
		}
	}
	return nil
}

// EWCOptions - importance-penalized loss settings
type EWCOptions struct {
	Levels      int
	Lambda      float64
	Schedule    Schedule
	PseudoEvery int
	PODLambda   float64
	Scales      int
}

// EWC - base loss plus the weighted importance penalty over earlier tasks,
// an occasional pseudo-label term and an optional pooled distillation term
type EWC struct {
	opts       EWCOptions
	ce         *DeepSupervisionCE
	records    *importance.Records
	params     []model.NamedParameter
	thresholds *pseudo.Table
	old        capture.Buffer
	current    capture.Buffer
}

func NewEWC(opts EWCOptions) *EWC {
	return &EWC{opts: opts, ce: NewDeepSupervisionCE(opts.Levels)}
}

func (e *EWC) Name() string { return "ewc" }

func (e *EWC) Requires() Requirements {
	pseudoOn := e.opts.PseudoEvery > 0
	podOn := e.opts.PODLambda > 0
	return Requirements{
		Snapshot:    pseudoOn || podOn,
		Activations: podOn,
		Thresholds:  pseudoOn,
		Importance:  true,
	}
}

func (e *EWC) UpdateActivations(old, current capture.Buffer) { e.old, e.current = old, current }
func (e *EWC) UpdateParameters(params []model.NamedParameter) { e.params = params }
func (e *EWC) SetThresholds(t *pseudo.Table)                  { e.thresholds = t }
func (e *EWC) SetImportance(r *importance.Records)            { e.records = r }

// OutputGradients - base loss only, for the importance pass
func (e *EWC) OutputGradients(outputs []*core.Tensor, target *core.Tensor) (float64, []*core.Tensor, error) {
	return e.ce.OutputGradients(outputs, target)
}

func (e *EWC) Compute(in Input) (Result, error) {
	targets, err := e.ce.Targets(in.Target)
	if err != nil {
		return Result{}, err
	}
	base, grads, err := e.ce.compute(in.Outputs, targets, nil)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Value:       base,
		Terms:       map[string]float64{"ce": base},
		OutputGrads: grads,
		ParamGrads:  map[string]*core.Tensor{},
	}
	w := e.opts.Schedule.Weight(in.Epoch)

	if e.records != nil && e.records.Len() > 0 && w > 0 {
		pen, pg, err := Penalty(e.records, e.params)
		if err != nil {
			return Result{}, fmt.Errorf("importance penalty: %w", err)
		}
		scale := w * e.opts.Lambda
		for name, g := range pg {
			g.Scale(float32(scale))
			res.ParamGrads[name] = g
		}
		res.Terms["ewc"] = scale * pen
		res.Value += scale * pen
	}

	if e.opts.PseudoEvery > 0 && in.Iteration%e.opts.PseudoEvery == 0 && w > 0 &&
		e.thresholds != nil && in.OldOutputs != nil {
		pts, err := pseudoTargets(targets, in.OldOutputs, e.thresholds, e.ce.Weights)
		if err != nil {
			return Result{}, fmt.Errorf("pseudo labels: %w", err)
		}
		scale := make([]float64, len(pts))
		for l := range scale {
			scale[l] = w
		}
		v, pg, err := e.ce.compute(in.Outputs, pts, scale)
		if err != nil {
			return Result{}, fmt.Errorf("pseudo loss: %w", err)
		}
		if err := addGrads(res.OutputGrads, pg); err != nil {
			return Result{}, err
		}
		res.Terms["pseudo"] = v
		res.Value += v
	}

	if e.opts.PODLambda > 0 && len(e.current) > 0 {
		pod, err := PODDistance(e.old, e.current, e.opts.Scales)
		if err != nil {
			return Result{}, fmt.Errorf("pod: %w", err)
		}
		res.Terms["pod"] = e.opts.PODLambda * pod
		res.Value += e.opts.PODLambda * pod
	}
	return res, nil
}

// PLOPOptions - feature-distillation loss settings
type PLOPOptions struct {
	Levels    int
	PODLambda float64
	Scales    int
	// PODOnly disables pseudo-labelling
	PODOnly bool
}

// PLOP - base loss on pseudo-labelled targets plus pooled distillation
type PLOP struct {
	noHooks
	opts       PLOPOptions
	ce         *DeepSupervisionCE
	thresholds *pseudo.Table
	old        capture.Buffer
	current    capture.Buffer
}

func NewPLOP(opts PLOPOptions) *PLOP {
	return &PLOP{opts: opts, ce: NewDeepSupervisionCE(opts.Levels)}
}

func (p *PLOP) Name() string { return "plop" }

func (p *PLOP) Requires() Requirements {
	return Requirements{
		Snapshot:    true,
		Activations: true,
		Thresholds:  !p.opts.PODOnly,
	}
}

func (p *PLOP) UpdateActivations(old, current capture.Buffer) { p.old, p.current = old, current }
func (p *PLOP) SetThresholds(t *pseudo.Table)                  { p.thresholds = t }

func (p *PLOP) OutputGradients(outputs []*core.Tensor, target *core.Tensor) (float64, []*core.Tensor, error) {
	return p.ce.OutputGradients(outputs, target)
}

func (p *PLOP) Compute(in Input) (Result, error) {
	targets, err := p.ce.Targets(in.Target)
	if err != nil {
		return Result{}, err
	}
	var scale []float64
	if !p.opts.PODOnly && p.thresholds != nil && in.OldOutputs != nil {
		scale = make([]float64, len(targets))
		for l, target := range targets {
			scale[l] = 1
			if p.ce.Weights[l] == 0 {
				continue
			}
			thr, err := p.thresholds.Level(l)
			if err != nil {
				return Result{}, err
			}
			relabelled, factor, err := pseudo.Relabel(target, in.OldOutputs[l].To(target.Device()), thr, p.thresholds.MaxEntropy, IgnoreLabel)
			if err != nil {
				return Result{}, fmt.Errorf("level %d pseudo labels: %w", l, err)
			}
			targets[l], scale[l] = relabelled, factor
		}
	}

	v, grads, err := p.ce.compute(in.Outputs, targets, scale)
	if err != nil {
		return Result{}, err
	}
	res := Result{Value: v, Terms: map[string]float64{"ce": v}, OutputGrads: grads}

	if p.opts.PODLambda > 0 && len(p.current) > 0 {
		pod, err := PODDistance(p.old, p.current, p.opts.Scales)
		if err != nil {
			return Result{}, fmt.Errorf("pod: %w", err)
		}
		res.Terms["pod"] = p.opts.PODLambda * pod
		res.Value += p.opts.PODLambda * pod
	}
	return res, nil
}
