// internal/evaluation/evaluator.go
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/data"
	"github.com/lumix-ai/seglearn/internal/model"
)

// FileName - written into every task output folder after validation
const FileName = "val_metrics.json"

var ErrEmptyReport = errors.New("validation report has no scores")

// Scores - per-class confusion counts, background included
type Scores struct {
	tp, fp, fn []int64
}

func NewScores(numClasses int) *Scores {
	return &Scores{
		tp: make([]int64, numClasses),
		fp: make([]int64, numClasses),
		fn: make([]int64, numClasses),
	}
}

// Add - compare the argmax of logits [B, C, H, W] with labels [B, 1, H, W].
// Labels outside [0, C) are skipped.
func (s *Scores) Add(logits, target *core.Tensor) error {
	pred, err := core.ArgMaxChannels(logits)
	if err != nil {
		return err
	}
	if len(pred) != target.Size() {
		return fmt.Errorf("%w: %d predictions for %d labels", core.ErrShapeMismatch, len(pred), target.Size())
	}
	c := len(s.tp)
	for i, p := range pred {
		y := int(target.Data[i])
		if y < 0 || y >= c {
			continue
		}
		if p == y {
			s.tp[y]++
			continue
		}
		s.fp[p]++
		s.fn[y]++
	}
	return nil
}

// Dice - foreground classes only. A class absent from both prediction and
// labels scores 1.
func (s *Scores) Dice() []float64 {
	out := make([]float64, 0, len(s.tp)-1)
	for c := 1; c < len(s.tp); c++ {
		den := 2*s.tp[c] + s.fp[c] + s.fn[c]
		if den == 0 {
			out = append(out, 1)
			continue
		}
		out = append(out, float64(2*s.tp[c])/float64(den))
	}
	return out
}

// Evaluate - full-resolution Dice of net over batches batches of gen
func Evaluate(ctx context.Context, net *model.Network, gen data.Generator, batches int) ([]float64, error) {
	if batches < 1 {
		return nil, fmt.Errorf("evaluation needs at least one batch, got %d", batches)
	}
	net.Eval()
	scores := NewScores(net.Config().NumClasses)
	device := net.Device()
	for i := 0; i < batches; i++ {
		batch, err := gen.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("validation batch %d: %w", i, err)
		}
		outs, err := net.Forward(batch.Data.To(device))
		if err != nil {
			return nil, fmt.Errorf("validation forward: %w", err)
		}
		if err := scores.Add(outs[0], batch.Target.To(device)); err != nil {
			return nil, err
		}
	}
	return scores.Dice(), nil
}

// Mean - 0 for an empty slice
func Mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

// Report - contents of val_metrics.json
type Report struct {
	Task      string               `json:"task"`
	Fold      int                  `json:"fold"`
	Epoch     int                  `json:"epoch"`
	Dice      map[string][]float64 `json:"dice"`
	MeanDice  map[string]float64   `json:"mean_dice"`
	WrittenAt time.Time            `json:"written_at"`
}

// NewReport - empty report for the task that was just trained
func NewReport(task string, fold, epoch int) *Report {
	return &Report{
		Task:     task,
		Fold:     fold,
		Epoch:    epoch,
		Dice:     make(map[string][]float64),
		MeanDice: make(map[string]float64),
	}
}

func (r *Report) Add(task string, dice []float64) {
	r.Dice[task] = dice
	r.MeanDice[task] = Mean(dice)
}

// Write - <dir>/val_metrics.json; an empty report is refused
func (r *Report) Write(dir string) (string, error) {
	if len(r.Dice) == 0 {
		return "", ErrEmptyReport
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	r.WrittenAt = time.Now().UTC()
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", FileName, err)
	}
	return path, nil
}

// ReadReport - parse a val_metrics.json written by Write
func ReadReport(path string) (*Report, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(r.Dice) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyReport)
	}
	return &r, nil
}
