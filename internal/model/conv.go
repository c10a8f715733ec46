// internal/model/conv.go
package model

import (
	"fmt"
	"math/rand/v2"

	"github.com/lumix-ai/seglearn/internal/core"
	"gonum.org/v1/gonum/blas/blas32"
)

// Conv - pointwise (1x1) convolution over [B, C, H, W]
type Conv struct {
	Name   string
	Weight *core.Tensor // [out, in]
	Bias   *core.Tensor // [out]
}

func NewConv(name string, in, out int, src rand.Source, device core.Device) *Conv {
	w := core.NewTensor([]int{out, in}, device)
	core.XavierUniform(w, in, out, src)
	w.SetRequiresGrad(true)
	b := core.NewTensor([]int{out}, device)
	b.SetRequiresGrad(true)
	return &Conv{Name: name, Weight: w, Bias: b}
}

func (c *Conv) cloneTo(device core.Device) *Conv {
	w := c.Weight.Clone().To(device)
	w.SetRequiresGrad(true)
	b := c.Bias.Clone().To(device)
	b.SetRequiresGrad(true)
	return &Conv{Name: c.Name, Weight: w, Bias: b}
}

func (c *Conv) shapes(x *core.Tensor) (b, cin, cout, plane int, err error) {
	bb, ci, h, w, err := x.Dims4()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if x.Device() != c.Weight.Device() {
		return 0, 0, 0, 0, fmt.Errorf("%w: input on %s, weights on %s", core.ErrDeviceMismatch, x.Device(), c.Weight.Device())
	}
	if ci != c.Weight.Shape[1] {
		return 0, 0, 0, 0, fmt.Errorf("%w: %d input channels, layer expects %d", core.ErrShapeMismatch, ci, c.Weight.Shape[1])
	}
	return bb, ci, c.Weight.Shape[0], h * w, nil
}

func (c *Conv) Forward(x *core.Tensor) (*core.Tensor, error) {
	b, cin, cout, plane, err := c.shapes(x)
	if err != nil {
		return nil, err
	}
	out := core.NewTensor([]int{b, cout, x.Shape[2], x.Shape[3]}, x.Device())
	for bi := 0; bi < b; bi++ {
		for o := 0; o < cout; o++ {
			dst := out.Data[(bi*cout+o)*plane : (bi*cout+o+1)*plane]
			for p := range dst {
				dst[p] = c.Bias.Data[o]
			}
			for i := 0; i < cin; i++ {
				axpy(c.Weight.Data[o*cin+i], x.Data[(bi*cin+i)*plane:(bi*cin+i+1)*plane], dst)
			}
		}
	}
	return out, nil
}

// Backward - accumulate weight and bias gradients and return the input gradient
func (c *Conv) Backward(x, g *core.Tensor) (*core.Tensor, error) {
	b, cin, cout, plane, err := c.shapes(x)
	if err != nil {
		return nil, err
	}
	if g.Size() != b*cout*plane {
		return nil, fmt.Errorf("%w: gradient %v for output [%d %d %d %d]", core.ErrShapeMismatch, g.Shape, b, cout, x.Shape[2], x.Shape[3])
	}

	gw := core.NewTensor(c.Weight.Shape, c.Weight.Device())
	gb := core.NewTensor(c.Bias.Shape, c.Bias.Device())
	gx := core.NewTensor(x.Shape, x.Device())
	for bi := 0; bi < b; bi++ {
		for o := 0; o < cout; o++ {
			gs := g.Data[(bi*cout+o)*plane : (bi*cout+o+1)*plane]
			var s float32
			for _, v := range gs {
				s += v
			}
			gb.Data[o] += s
			for i := 0; i < cin; i++ {
				xs := x.Data[(bi*cin+i)*plane : (bi*cin+i+1)*plane]
				gw.Data[o*cin+i] += dot(gs, xs)
				axpy(c.Weight.Data[o*cin+i], gs, gx.Data[(bi*cin+i)*plane:(bi*cin+i+1)*plane])
			}
		}
	}

	if err := c.Weight.AccumulateGrad(gw); err != nil {
		return nil, err
	}
	if err := c.Bias.AccumulateGrad(gb); err != nil {
		return nil, err
	}
	return gx, nil
}

func axpy(alpha float32, x, y []float32) {
	blas32.Axpy(alpha, blas32.Vector{N: len(x), Inc: 1, Data: x}, blas32.Vector{N: len(y), Inc: 1, Data: y})
}

func dot(x, y []float32) float32 {
	return blas32.Dot(blas32.Vector{N: len(x), Inc: 1, Data: x}, blas32.Vector{N: len(y), Inc: 1, Data: y})
}
