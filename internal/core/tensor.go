// internal/core/tensor.go
package core

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

var (
	ErrShapeMismatch  = errors.New("shape mismatch")
	ErrDeviceMismatch = errors.New("device mismatch")
)

// Tensor - dense row-major float32 storage tagged with the device that owns it
type Tensor struct {
	Data   []float32
	Shape  []int
	Stride []int

	requiresGrad bool
	grad         *Tensor
	device       Device
}

type Device string

const (
	DeviceCPU Device = "cpu"
)

// CUDA - label of accelerator i
func CUDA(i int) Device {
	return Device(fmt.Sprintf("cuda:%d", i))
}

// NewTensor - zero-filled tensor of the given shape
func NewTensor(shape []int, device Device) *Tensor {
	size := 1
	stride := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = size
		size *= shape[i]
	}

	return &Tensor{
		Data:   make([]float32, size),
		Shape:  append([]int(nil), shape...),
		Stride: stride,
		device: device,
	}
}

// FromSlice - tensor holding a copy of data
func FromSlice(data []float32, shape []int, device Device) (*Tensor, error) {
	t := NewTensor(shape, device)
	if len(data) != len(t.Data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	copy(t.Data, data)
	return t, nil
}

// Full - tensor with every element set to v
func Full(shape []int, device Device, v float32) *Tensor {
	t := NewTensor(shape, device)
	t.Fill(v)
	return t
}

func (t *Tensor) Size() int      { return len(t.Data) }
func (t *Tensor) Device() Device { return t.device }

// Clone - deep copy without gradient state
func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.Shape, t.device)
	copy(c.Data, t.Data)
	return c
}

// To - copy of t placed on device; t itself when it already lives there
func (t *Tensor) To(device Device) *Tensor {
	if t.device == device {
		return t
	}
	c := t.Clone()
	c.device = device
	return c
}

func (t *Tensor) SetRequiresGrad(v bool) { t.requiresGrad = v }
func (t *Tensor) RequiresGrad() bool     { return t.requiresGrad }

// Grad - accumulated gradient, nil when nothing was accumulated since the last ZeroGrad
func (t *Tensor) Grad() *Tensor { return t.grad }

func (t *Tensor) ZeroGrad() { t.grad = nil }

// AccumulateGrad - grad += g
func (t *Tensor) AccumulateGrad(g *Tensor) error {
	if err := t.compatible(g); err != nil {
		return fmt.Errorf("accumulate grad: %w", err)
	}
	if t.grad == nil {
		t.grad = NewTensor(t.Shape, t.device)
	}
	blas32.Axpy(1, vec(g), vec(t.grad))
	return nil
}

// AddScaled - t += alpha * x
func (t *Tensor) AddScaled(alpha float32, x *Tensor) error {
	if err := t.compatible(x); err != nil {
		return err
	}
	blas32.Axpy(alpha, vec(x), vec(t))
	return nil
}

func (t *Tensor) Scale(alpha float32) {
	if len(t.Data) == 0 {
		return
	}
	blas32.Scal(alpha, vec(t))
}

func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Dot - inner product over the flattened data
func (t *Tensor) Dot(o *Tensor) (float64, error) {
	if err := t.compatible(o); err != nil {
		return 0, err
	}
	return float64(blas32.Dot(vec(t), vec(o))), nil
}

// Norm2 - euclidean norm of the flattened data
func (t *Tensor) Norm2() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	return float64(blas32.Nrm2(vec(t)))
}

func (t *Tensor) Sum() float64 {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	return s
}

// Square - element-wise square as a new tensor
func (t *Tensor) Square() *Tensor {
	out := NewTensor(t.Shape, t.device)
	for i, v := range t.Data {
		out.Data[i] = v * v
	}
	return out
}

// Equal - same shape and bit-identical values
func (t *Tensor) Equal(o *Tensor) bool {
	if o == nil || !SameShape(t, o) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// AllClose - same shape and |a-b| <= tol everywhere
func (t *Tensor) AllClose(o *Tensor, tol float64) bool {
	if o == nil || !SameShape(t, o) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-o.Data[i])) > tol {
			return false
		}
	}
	return true
}

func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s)", t.Shape, t.device)
}

func (t *Tensor) compatible(o *Tensor) error {
	if o == nil {
		return fmt.Errorf("%w: nil operand", ErrShapeMismatch)
	}
	if t.device != o.device {
		return fmt.Errorf("%w: %s vs %s", ErrDeviceMismatch, t.device, o.device)
	}
	if !SameShape(t, o) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, t.Shape, o.Shape)
	}
	return nil
}

func vec(t *Tensor) blas32.Vector {
	return blas32.Vector{N: len(t.Data), Inc: 1, Data: t.Data}
}
