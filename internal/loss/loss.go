// internal/loss/loss.go
package loss

import (
	"github.com/lumix-ai/seglearn/internal/capture"
	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/importance"
	"github.com/lumix-ai/seglearn/internal/model"
	"github.com/lumix-ai/seglearn/internal/pseudo"
)

// Input - everything one loss evaluation sees
type Input struct {
	Outputs    []*core.Tensor // current logits, full resolution first
	OldOutputs []*core.Tensor // frozen-model logits; nil without a snapshot
	Target     *core.Tensor   // full-resolution label map
	Epoch      int
	Iteration  int
}

// Result - loss value, named terms, and gradients for the backward pass.
// ParamGrads holds contributions that act on parameters directly.
type Result struct {
	Value       float64
	Terms       map[string]float64
	OutputGrads []*core.Tensor
	ParamGrads  map[string]*core.Tensor
}

// Requirements - collaborators a strategy needs during a task
type Requirements struct {
	Snapshot    bool
	Activations bool
	Thresholds  bool
	Importance  bool
}

// Strategy - a loss with the hooks the trainer calls every iteration
type Strategy interface {
	Name() string
	Requires() Requirements
	Compute(in Input) (Result, error)

	// UpdateActivations hands over the buffers filled by the last forwards
	UpdateActivations(old, current capture.Buffer)
	// UpdateParameters refreshes the live parameter view
	UpdateParameters(params []model.NamedParameter)
	SetThresholds(t *pseudo.Table)
	SetImportance(r *importance.Records)
}

// Mode - which loss the trainer runs
type Mode int

const (
	ModeOriginal Mode = iota
	ModeExtended
)

func (m Mode) String() string {
	if m == ModeExtended {
		return "EXTENDED_LOSS"
	}
	return "ORIGINAL_LOSS"
}

// Selector - one-way switch from the base loss to the continual loss
type Selector struct {
	mode     Mode
	original Strategy
	extended Strategy
}

// NewSelector - extended may be nil, in which case the base loss is kept
func NewSelector(original, extended Strategy) *Selector {
	return &Selector{original: original, extended: extended}
}

// Resolve - called once at task start. The extended loss takes over the first
// time more than one head exists and the task is not the first trained one,
// and stays in place from then on.
func (s *Selector) Resolve(heads int, firstTask bool) Strategy {
	if s.mode == ModeOriginal && s.extended != nil && heads > 1 && !firstTask {
		s.mode = ModeExtended
	}
	return s.Active()
}

func (s *Selector) Mode() Mode { return s.mode }

func (s *Selector) Active() Strategy {
	if s.mode == ModeExtended {
		return s.extended
	}
	return s.original
}

// Extended - the strategy the selector switches to, nil if there is none
func (s *Selector) Extended() Strategy { return s.extended }

type noHooks struct{}

func (noHooks) UpdateActivations(capture.Buffer, capture.Buffer) {}
func (noHooks) UpdateParameters([]model.NamedParameter)          {}
func (noHooks) SetThresholds(*pseudo.Table)                      {}
func (noHooks) SetImportance(*importance.Records)                {}

// Original - deep-supervision cross-entropy only
type Original struct {
	noHooks
	ce *DeepSupervisionCE
}

func NewOriginal(levels int) *Original {
	return &Original{ce: NewDeepSupervisionCE(levels)}
}

func (o *Original) Name() string           { return "original" }
func (o *Original) Requires() Requirements { return Requirements{} }

func (o *Original) Compute(in Input) (Result, error) {
	v, grads, err := o.ce.OutputGradients(in.Outputs, in.Target)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: v, Terms: map[string]float64{"ce": v}, OutputGrads: grads}, nil
}

// OutputGradients - lets the base loss drive the importance pass
func (o *Original) OutputGradients(outputs []*core.Tensor, target *core.Tensor) (float64, []*core.Tensor, error) {
	return o.ce.OutputGradients(outputs, target)
}
