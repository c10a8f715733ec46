package evaluation

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/data"
	"github.com/lumix-ai/seglearn/internal/model"
	"github.com/stretchr/testify/require"
)

func TestDiceCounts(t *testing.T) {
	// 1 image, 2 classes, 1x4: predicted classes 1,1,0,0
	logits, err := core.FromSlice([]float32{
		0, 0, 1, 1, // class 0
		1, 1, 0, 0, // class 1
	}, []int{1, 2, 1, 4}, core.DeviceCPU)
	require.NoError(t, err)
	target, err := core.FromSlice([]float32{1, 0, 0, 1}, []int{1, 1, 1, 4}, core.DeviceCPU)
	require.NoError(t, err)

	s := NewScores(2)
	require.NoError(t, s.Add(logits, target))
	// tp=1 fp=1 fn=1
	require.InDelta(t, 0.5, s.Dice()[0], 1e-12)
}

func TestDiceEmptyClassScoresOne(t *testing.T) {
	logits := core.NewTensor([]int{1, 3, 2, 2}, core.DeviceCPU)
	for i := 0; i < 4; i++ {
		logits.Data[i] = 1 // always background
	}
	target := core.NewTensor([]int{1, 1, 2, 2}, core.DeviceCPU)
	s := NewScores(3)
	require.NoError(t, s.Add(logits, target))
	require.Equal(t, []float64{1, 1}, s.Dice())
}

func TestEvaluateAndReport(t *testing.T) {
	cfg := model.Config{InChannels: 1, Features: []int{3}, NumClasses: 2, DeepSupervision: 2, Seed: 3}
	src := core.NewSource(cfg.Seed)
	net := model.NewNetwork(cfg, model.NewTrunk(cfg, src, core.DeviceCPU), model.NewHead(cfg, src, core.DeviceCPU))
	gen, err := data.Synthetic(data.SyntheticConfig{Batches: 2, BatchSize: 1, Channels: 1, Height: 4, Width: 4, NumClasses: 2, Noise: 0.1, Seed: 1}, "Task011")
	require.NoError(t, err)

	dice, err := Evaluate(context.Background(), net, gen, 2)
	require.NoError(t, err)
	require.Len(t, dice, 1)
	require.False(t, net.Training())

	dir := filepath.Join(t.TempDir(), "Task011", "fold_0")
	_, err = NewReport("Task011", 0, 3).Write(dir)
	require.ErrorIs(t, err, ErrEmptyReport)

	r := NewReport("Task011", 0, 3)
	r.Add("Task011", dice)
	path, err := r.Write(dir)
	require.NoError(t, err)

	back, err := ReadReport(path)
	require.NoError(t, err)
	require.Equal(t, dice, back.Dice["Task011"])
	require.Equal(t, Mean(dice), back.MeanDice["Task011"])
}
