// internal/loss/ce.go
package loss

import (
	"fmt"
	"math"

	"github.com/lumix-ai/seglearn/internal/core"
)

// IgnoreLabel - target value excluded from cross-entropy
const IgnoreLabel float32 = -1

// DeepSupervisionCE - softmax cross-entropy summed over output levels with
// weights 1/2^l normalised to one; the coarsest level gets weight 0 when
// there is more than one level
type DeepSupervisionCE struct {
	Weights []float64
}

func NewDeepSupervisionCE(levels int) *DeepSupervisionCE {
	w := make([]float64, levels)
	var sum float64
	for l := range w {
		if levels > 1 && l == levels-1 {
			continue
		}
		w[l] = 1 / math.Pow(2, float64(l))
		sum += w[l]
	}
	for l := range w {
		w[l] /= sum
	}
	return &DeepSupervisionCE{Weights: w}
}

// Targets - label map subsampled for every level
func (d *DeepSupervisionCE) Targets(target *core.Tensor) ([]*core.Tensor, error) {
	out := make([]*core.Tensor, len(d.Weights))
	for l := range out {
		t, err := core.DownsampleNearest(target, 1<<l)
		if err != nil {
			return nil, fmt.Errorf("level %d target: %w", l, err)
		}
		out[l] = t
	}
	return out, nil
}

// OutputGradients - weighted loss and per-level gradients for a full-resolution target
func (d *DeepSupervisionCE) OutputGradients(outputs []*core.Tensor, target *core.Tensor) (float64, []*core.Tensor, error) {
	targets, err := d.Targets(target)
	if err != nil {
		return 0, nil, err
	}
	return d.compute(outputs, targets, nil)
}

// compute - scale, when given, multiplies each level's term and gradient
func (d *DeepSupervisionCE) compute(outputs, targets []*core.Tensor, scale []float64) (float64, []*core.Tensor, error) {
	if len(outputs) != len(d.Weights) || len(targets) != len(d.Weights) {
		return 0, nil, fmt.Errorf("%w: %d outputs, %d targets, %d levels", core.ErrShapeMismatch, len(outputs), len(targets), len(d.Weights))
	}
	var total float64
	grads := make([]*core.Tensor, len(outputs))
	for l, w := range d.Weights {
		if scale != nil {
			w *= scale[l]
		}
		if w == 0 {
			continue
		}
		v, g, err := CrossEntropy(outputs[l], targets[l])
		if err != nil {
			return 0, nil, fmt.Errorf("level %d: %w", l, err)
		}
		g.Scale(float32(w))
		total += w * v
		grads[l] = g
	}
	return total, grads, nil
}

// CrossEntropy - mean softmax cross-entropy over labelled pixels and its
// gradient with respect to the logits
func CrossEntropy(logits, target *core.Tensor) (float64, *core.Tensor, error) {
	b, c, h, w, err := logits.Dims4()
	if err != nil {
		return 0, nil, err
	}
	if target.Size() != b*h*w {
		return 0, nil, fmt.Errorf("%w: target %v for logits %v", core.ErrShapeMismatch, target.Shape, logits.Shape)
	}
	if target.Device() != logits.Device() {
		return 0, nil, fmt.Errorf("%w: target on %s, logits on %s", core.ErrDeviceMismatch, target.Device(), logits.Device())
	}
	probs, err := core.SoftmaxChannels(logits)
	if err != nil {
		return 0, nil, err
	}

	plane := h * w
	var counted int
	for _, y := range target.Data {
		if y != IgnoreLabel {
			counted++
		}
	}
	grad := core.NewTensor(logits.Shape, logits.Device())
	if counted == 0 {
		return 0, grad, nil
	}
	inv := 1 / float32(counted)

	var total float64
	for bi := 0; bi < b; bi++ {
		for p := 0; p < plane; p++ {
			y := target.Data[bi*plane+p]
			if y == IgnoreLabel {
				continue
			}
			cls := int(y)
			if cls < 0 || cls >= c {
				return 0, nil, fmt.Errorf("label %v outside [0, %d)", y, c)
			}
			base := bi*c*plane + p
			total -= math.Log(math.Max(float64(probs.Data[base+cls*plane]), 1e-12))
			for ci := 0; ci < c; ci++ {
				g := probs.Data[base+ci*plane]
				if ci == cls {
					g -= 1
				}
				grad.Data[base+ci*plane] = g * inv
			}
		}
	}
	return total / float64(counted), grad, nil
}
