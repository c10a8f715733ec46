// internal/pseudo/threshold.go
package pseudo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/data"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
)

const (
	NumBins      = 100
	MinThreshold = 0.001
)

var ErrNoThresholds = errors.New("threshold table empty")

// MaxEntropy - entropy of the uniform distribution over numClasses classes
func MaxEntropy(numClasses int) float64 {
	return math.Log(float64(numClasses))
}

// Histogram - per-class counts of normalised entropy values in [0, 1]
type Histogram struct {
	counts [][NumBins]int64
}

func NewHistogram(numClasses int) *Histogram {
	return &Histogram{counts: make([][NumBins]int64, numClasses)}
}

func (h *Histogram) Classes() int { return len(h.counts) }

// Add - count one pixel of class with normalised entropy e
func (h *Histogram) Add(class int, e float64) {
	bin := int(e * NumBins)
	if bin < 0 {
		bin = 0
	}
	if bin >= NumBins {
		bin = NumBins - 1
	}
	h.counts[class][bin]++
}

// AddN - count n pixels of class in bin
func (h *Histogram) AddN(class, bin int, n int64) {
	h.counts[class][bin] += n
}

func (h *Histogram) Count(class int) int64 {
	var total int64
	for _, c := range h.counts[class] {
		total += c
	}
	return total
}

// AddBatch - histogram the background pixels of target by the class the
// frozen model predicts for them
func (h *Histogram) AddBatch(oldLogits, target *core.Tensor, maxEntropy float64) error {
	b, c, hh, w, err := oldLogits.Dims4()
	if err != nil {
		return err
	}
	if c != len(h.counts) {
		return fmt.Errorf("%w: %d logit channels for %d classes", core.ErrShapeMismatch, c, len(h.counts))
	}
	if target.Size() != b*hh*w {
		return fmt.Errorf("%w: target %v for logits %v", core.ErrShapeMismatch, target.Shape, oldLogits.Shape)
	}

	probs, err := core.SoftmaxChannels(oldLogits)
	if err != nil {
		return err
	}
	labels, err := core.ArgMaxChannels(probs)
	if err != nil {
		return err
	}
	ent, err := core.EntropyChannels(probs)
	if err != nil {
		return err
	}
	for i, y := range target.Data {
		if y != 0 {
			continue
		}
		h.Add(labels[i], ent[i]/maxEntropy)
	}
	return nil
}

// Thresholds - median normalised entropy per class, floored at MinThreshold.
// Classes without mass keep 0 before the floor applies.
func (h *Histogram) Thresholds() []float64 {
	out := make([]float64, len(h.counts))
	for c := range h.counts {
		if m, ok := h.median(c); ok {
			out[c] = m
		}
		out[c] = math.Max(out[c], MinThreshold)
	}
	return out
}

// median - locate the bins holding the two middle ranks and interpolate
// linearly between their lower borders
func (h *Histogram) median(class int) (float64, bool) {
	total := h.Count(class)
	if total == 0 {
		return 0, false
	}
	pos := 0.5 * float64(total-1)
	lo, hi := int64(math.Floor(pos)), int64(math.Ceil(pos))
	vlo, vhi := h.valueAtRank(class, lo), h.valueAtRank(class, hi)
	return vlo + (pos-float64(lo))*(vhi-vlo), true
}

func (h *Histogram) valueAtRank(class int, rank int64) float64 {
	var cum int64
	for bin, n := range h.counts[class] {
		cum += n
		if rank < cum {
			return float64(bin) / NumBins
		}
	}
	return float64(NumBins-1) / NumBins
}

// Table - one threshold vector per deep-supervision level
type Table struct {
	MaxEntropy float64     `json:"max_entropy"`
	Thresholds [][]float64 `json:"thresholds"`
}

// Level - thresholds for output level l
func (t *Table) Level(l int) ([]float64, error) {
	if t == nil || len(t.Thresholds) == 0 {
		return nil, ErrNoThresholds
	}
	if l < 0 || l >= len(t.Thresholds) {
		return nil, fmt.Errorf("%w: no level %d in %d", ErrNoThresholds, l, len(t.Thresholds))
	}
	return t.Thresholds[l], nil
}

// Forwarder - a model evaluated without gradients
type Forwarder interface {
	Forward(x *core.Tensor) ([]*core.Tensor, error)
}

// Extractor - derives per-class confidence thresholds from a frozen model
type Extractor struct {
	NumClasses int
	Batches    int
	Progress   io.Writer

	log zerolog.Logger
}

func NewExtractor(numClasses, batches int) *Extractor {
	return &Extractor{
		NumClasses: numClasses,
		Batches:    batches,
		log:        log.With().Str("component", "thresholds").Logger(),
	}
}

// Extract - one pass over gen through the frozen model
func (e *Extractor) Extract(ctx context.Context, old Forwarder, gen data.Generator) (*Table, error) {
	if e.NumClasses < 2 {
		return nil, fmt.Errorf("threshold extraction needs at least 2 classes, got %d", e.NumClasses)
	}
	if e.Batches < 1 {
		return nil, fmt.Errorf("threshold extraction needs at least one batch, got %d", e.Batches)
	}
	start := time.Now()
	maxEnt := MaxEntropy(e.NumClasses)

	out := e.Progress
	if out == nil {
		out = io.Discard
	}
	bar := progressbar.NewOptions(e.Batches,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("pseudo-label thresholds"),
	)

	var hists []*Histogram
	for i := 0; i < e.Batches; i++ {
		batch, err := gen.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("threshold batch %d: %w", i, err)
		}
		outs, err := old.Forward(batch.Data)
		if err != nil {
			return nil, fmt.Errorf("threshold forward: %w", err)
		}
		if hists == nil {
			hists = make([]*Histogram, len(outs))
			for l := range hists {
				hists[l] = NewHistogram(e.NumClasses)
			}
		}
		for l, logits := range outs {
			target, err := core.DownsampleNearest(batch.Target, 1<<l)
			if err != nil {
				return nil, err
			}
			if err := hists[l].AddBatch(logits, target.To(logits.Device()), maxEnt); err != nil {
				return nil, fmt.Errorf("level %d: %w", l, err)
			}
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	table := &Table{MaxEntropy: maxEnt, Thresholds: make([][]float64, len(hists))}
	for l, h := range hists {
		table.Thresholds[l] = h.Thresholds()
	}
	e.log.Info().Dur("took", time.Since(start)).Floats64("level0", table.Thresholds[0]).Msg("pseudo-label thresholds extracted")
	return table, nil
}

// Relabel - replace background labels with the frozen model's prediction
// where its normalised entropy is below that class's threshold; unconfident
// background pixels become ignore. The returned factor is the confident share
// of background pixels.
func Relabel(target, oldLogits *core.Tensor, thresholds []float64, maxEntropy float64, ignore float32) (*core.Tensor, float64, error) {
	b, c, h, w, err := oldLogits.Dims4()
	if err != nil {
		return nil, 0, err
	}
	if len(thresholds) != c {
		return nil, 0, fmt.Errorf("%w: %d thresholds for %d classes", core.ErrShapeMismatch, len(thresholds), c)
	}
	if target.Size() != b*h*w {
		return nil, 0, fmt.Errorf("%w: target %v for logits %v", core.ErrShapeMismatch, target.Shape, oldLogits.Shape)
	}
	probs, err := core.SoftmaxChannels(oldLogits)
	if err != nil {
		return nil, 0, err
	}
	labels, err := core.ArgMaxChannels(probs)
	if err != nil {
		return nil, 0, err
	}
	ent, err := core.EntropyChannels(probs)
	if err != nil {
		return nil, 0, err
	}

	out := target.Clone()
	var background, confident int
	for i, y := range target.Data {
		if y != 0 {
			continue
		}
		background++
		pl := labels[i]
		if ent[i]/maxEntropy < thresholds[pl] {
			out.Data[i] = float32(pl)
			confident++
		} else {
			out.Data[i] = ignore
		}
	}
	factor := 1.0
	if background > 0 {
		factor = float64(confident) / float64(background)
	}
	return out, factor, nil
}
