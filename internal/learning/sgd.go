// internal/learning/sgd.go
package learning

import (
	"fmt"
	"math"

	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/model"
)

// PolyLR - lr0 * (1 - epoch/epochs)^0.9
func PolyLR(lr0 float64, epoch, epochs int) float64 {
	if epochs <= 0 || epoch >= epochs {
		return 0
	}
	return lr0 * math.Pow(1-float64(epoch)/float64(epochs), 0.9)
}

// SGD - Nesterov momentum with weight decay and global gradient-norm clipping
type SGD struct {
	Momentum    float64
	WeightDecay float64
	// Clip - max global gradient norm, 0 disables clipping
	Clip float64

	velocity map[string]*core.Tensor
}

func NewSGD(momentum, weightDecay, clip float64) *SGD {
	return &SGD{
		Momentum:    momentum,
		WeightDecay: weightDecay,
		Clip:        clip,
		velocity:    make(map[string]*core.Tensor),
	}
}

// Step - update every parameter holding a gradient. key maps a parameter name
// to the key its velocity is stored under. Returns the gradient norm before
// clipping.
func (s *SGD) Step(params []model.NamedParameter, key func(string) string, lr float64) (float64, error) {
	var sq float64
	for _, p := range params {
		if g := p.Tensor.Grad(); g != nil {
			n := g.Norm2()
			sq += n * n
		}
	}
	norm := math.Sqrt(sq)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return norm, fmt.Errorf("gradient norm is %v", norm)
	}
	clip := 1.0
	if s.Clip > 0 && norm > s.Clip {
		clip = s.Clip / norm
	}

	mu := float32(s.Momentum)
	for _, p := range params {
		grad := p.Tensor.Grad()
		if grad == nil {
			continue
		}
		g := grad.Clone()
		g.Scale(float32(clip))
		if s.WeightDecay > 0 {
			if err := g.AddScaled(float32(s.WeightDecay), p.Tensor); err != nil {
				return norm, fmt.Errorf("%s: %w", p.Name, err)
			}
		}

		k := key(p.Name)
		v, ok := s.velocity[k]
		if !ok || !core.SameShape(v, g) || v.Device() != g.Device() {
			v = core.NewTensor(g.Shape, g.Device())
			s.velocity[k] = v
		}
		v.Scale(mu)
		if err := v.AddScaled(1, g); err != nil {
			return norm, fmt.Errorf("%s: %w", p.Name, err)
		}
		if err := p.Tensor.AddScaled(float32(-lr), g); err != nil {
			return norm, fmt.Errorf("%s: %w", p.Name, err)
		}
		if err := p.Tensor.AddScaled(float32(-lr)*mu, v); err != nil {
			return norm, fmt.Errorf("%s: %w", p.Name, err)
		}
	}
	return norm, nil
}

// State - velocity buffers for checkpointing
func (s *SGD) State() map[string]*core.Tensor {
	out := make(map[string]*core.Tensor, len(s.velocity))
	for k, v := range s.velocity {
		out[k] = v.Clone()
	}
	return out
}

// Load - replace the velocity buffers, moving them onto device
func (s *SGD) Load(state map[string]*core.Tensor, device core.Device) {
	s.velocity = make(map[string]*core.Tensor, len(state))
	for k, v := range state {
		s.velocity[k] = v.To(device)
	}
}

// Reset - drop all velocity, as for a fresh task
func (s *SGD) Reset() { s.velocity = make(map[string]*core.Tensor) }
