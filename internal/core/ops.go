// internal/core/ops.go
package core

import (
	"fmt"
	"math"
)

// entropyEps keeps log finite on saturated probabilities
const entropyEps = 1e-8

// Dims4 - unpack a [B, C, H, W] shape
func (t *Tensor) Dims4() (b, c, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%w: expected [B,C,H,W], got %v", ErrShapeMismatch, t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// SoftmaxChannels - softmax over the channel axis of a [B, C, H, W] tensor
func SoftmaxChannels(x *Tensor) (*Tensor, error) {
	b, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	out := NewTensor(x.Shape, x.device)
	plane := h * w
	for bi := 0; bi < b; bi++ {
		base := bi * c * plane
		for p := 0; p < plane; p++ {
			maxV := float32(math.Inf(-1))
			for ci := 0; ci < c; ci++ {
				if v := x.Data[base+ci*plane+p]; v > maxV {
					maxV = v
				}
			}
			var sum float64
			for ci := 0; ci < c; ci++ {
				e := math.Exp(float64(x.Data[base+ci*plane+p] - maxV))
				out.Data[base+ci*plane+p] = float32(e)
				sum += e
			}
			for ci := 0; ci < c; ci++ {
				out.Data[base+ci*plane+p] = float32(float64(out.Data[base+ci*plane+p]) / sum)
			}
		}
	}
	return out, nil
}

// ArgMaxChannels - index of the largest channel per pixel, laid out as [B, H, W]
func ArgMaxChannels(x *Tensor) ([]int, error) {
	b, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	plane := h * w
	out := make([]int, b*plane)
	for bi := 0; bi < b; bi++ {
		base := bi * c * plane
		for p := 0; p < plane; p++ {
			best, bestV := 0, x.Data[base+p]
			for ci := 1; ci < c; ci++ {
				if v := x.Data[base+ci*plane+p]; v > bestV {
					best, bestV = ci, v
				}
			}
			out[bi*plane+p] = best
		}
	}
	return out, nil
}

// EntropyChannels - Shannon entropy (nats) of per-pixel class distributions, laid out as [B, H, W]
func EntropyChannels(probs *Tensor) ([]float64, error) {
	b, c, h, w, err := probs.Dims4()
	if err != nil {
		return nil, err
	}
	plane := h * w
	out := make([]float64, b*plane)
	for bi := 0; bi < b; bi++ {
		base := bi * c * plane
		for p := 0; p < plane; p++ {
			var e float64
			for ci := 0; ci < c; ci++ {
				v := float64(probs.Data[base+ci*plane+p])
				e -= v * math.Log(v+entropyEps)
			}
			out[bi*plane+p] = e
		}
	}
	return out, nil
}

// AvgPool2 - 2x2 average pooling with stride 2; odd trailing rows and columns are dropped
func AvgPool2(x *Tensor) (*Tensor, error) {
	b, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	oh, ow := h/2, w/2
	if oh == 0 || ow == 0 {
		return nil, fmt.Errorf("%w: cannot pool %v", ErrShapeMismatch, x.Shape)
	}
	out := NewTensor([]int{b, c, oh, ow}, x.device)
	for n := 0; n < b*c; n++ {
		in := x.Data[n*h*w : (n+1)*h*w]
		dst := out.Data[n*oh*ow : (n+1)*oh*ow]
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				s := in[2*y*w+2*xx] + in[2*y*w+2*xx+1] + in[(2*y+1)*w+2*xx] + in[(2*y+1)*w+2*xx+1]
				dst[y*ow+xx] = s / 4
			}
		}
	}
	return out, nil
}

// AvgPool2Backward - spread a pooled gradient back onto an input of shape inShape
func AvgPool2Backward(g *Tensor, inShape []int) (*Tensor, error) {
	b, c, oh, ow, err := g.Dims4()
	if err != nil {
		return nil, err
	}
	if len(inShape) != 4 || inShape[0] != b || inShape[1] != c || inShape[2]/2 != oh || inShape[3]/2 != ow {
		return nil, fmt.Errorf("%w: pooled %v from %v", ErrShapeMismatch, g.Shape, inShape)
	}
	h, w := inShape[2], inShape[3]
	out := NewTensor(inShape, g.device)
	for n := 0; n < b*c; n++ {
		src := g.Data[n*oh*ow : (n+1)*oh*ow]
		dst := out.Data[n*h*w : (n+1)*h*w]
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				v := src[y*ow+xx] / 4
				dst[2*y*w+2*xx] += v
				dst[2*y*w+2*xx+1] += v
				dst[(2*y+1)*w+2*xx] += v
				dst[(2*y+1)*w+2*xx+1] += v
			}
		}
	}
	return out, nil
}

// DownsampleNearest - nearest-neighbour subsampling of a label map by factor
func DownsampleNearest(x *Tensor, factor int) (*Tensor, error) {
	if factor <= 1 {
		return x.Clone(), nil
	}
	b, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	oh, ow := h/factor, w/factor
	if oh == 0 || ow == 0 {
		return nil, fmt.Errorf("%w: cannot subsample %v by %d", ErrShapeMismatch, x.Shape, factor)
	}
	out := NewTensor([]int{b, c, oh, ow}, x.device)
	for n := 0; n < b*c; n++ {
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				out.Data[n*oh*ow+y*ow+xx] = x.Data[n*h*w+y*factor*w+xx*factor]
			}
		}
	}
	return out, nil
}
