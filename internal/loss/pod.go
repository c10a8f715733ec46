// internal/loss/pod.go
package loss

import (
	"fmt"
	"math"
	"sort"

	"github.com/lumix-ai/seglearn/internal/capture"
	"github.com/lumix-ai/seglearn/internal/core"
)

// PODDistance - pooled output distillation between old and current
// activations, averaged over layers. Activations are squared, pooled along
// width and along height inside 2^s x 2^s regions for every scale s, the
// poolings are concatenated and L2-normalised per sample, and the distance is
// the batch mean of the euclidean norm of the difference.
func PODDistance(old, current capture.Buffer, scales int) (float64, error) {
	if len(current) == 0 {
		return 0, nil
	}
	layers := make([]string, 0, len(current))
	for name := range current {
		layers = append(layers, name)
	}
	sort.Strings(layers)

	var total float64
	for _, name := range layers {
		o, ok := old[name]
		if !ok {
			return 0, fmt.Errorf("%w: no old activation for %s", capture.ErrIncompleteCapture, name)
		}
		d, err := layerPOD(o, current[name], scales)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		total += d
	}
	return total / float64(len(layers)), nil
}

func layerPOD(a, b *core.Tensor, scales int) (float64, error) {
	if !core.SameShape(a, b) {
		return 0, fmt.Errorf("%w: %v vs %v", core.ErrShapeMismatch, a.Shape, b.Shape)
	}
	if a.Device() != b.Device() {
		return 0, fmt.Errorf("%w: %s vs %s", core.ErrDeviceMismatch, a.Device(), b.Device())
	}
	ea, err := pooledEmbedding(a, scales)
	if err != nil {
		return 0, err
	}
	eb, err := pooledEmbedding(b, scales)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i := range ea {
		var d float64
		for k := range ea[i] {
			diff := ea[i][k] - eb[i][k]
			d += diff * diff
		}
		sum += math.Sqrt(d)
	}
	return sum / float64(len(ea)), nil
}

// pooledEmbedding - one normalised vector per sample
func pooledEmbedding(x *core.Tensor, scales int) ([][]float64, error) {
	b, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	plane := h * w
	emb := make([][]float64, b)
	for bi := 0; bi < b; bi++ {
		var v []float64
		for s := 0; s < max(scales, 1); s++ {
			n := 1 << s
			hs, ws := h/n, w/n
			if hs == 0 || ws == 0 {
				break
			}
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					for ci := 0; ci < c; ci++ {
						ch := x.Data[(bi*c+ci)*plane : (bi*c+ci+1)*plane]
						// width pooling: one mean per row of the region
						for y := i * hs; y < (i+1)*hs; y++ {
							var m float64
							for xx := j * ws; xx < (j+1)*ws; xx++ {
								m += sq(ch[y*w+xx])
							}
							v = append(v, m/float64(ws))
						}
						// height pooling: one mean per column of the region
						for xx := j * ws; xx < (j+1)*ws; xx++ {
							var m float64
							for y := i * hs; y < (i+1)*hs; y++ {
								m += sq(ch[y*w+xx])
							}
							v = append(v, m/float64(hs))
						}
					}
				}
			}
		}
		normalize(v)
		emb[bi] = v
	}
	return emb, nil
}

func sq(v float32) float64 { return float64(v) * float64(v) }

func normalize(v []float64) {
	var n float64
	for _, x := range v {
		n += x * x
	}
	n = math.Sqrt(n)
	if n < 1e-12 {
		return
	}
	for i := range v {
		v[i] /= n
	}
}
