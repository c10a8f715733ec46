package loss

import (
	"math"
	"testing"

	"github.com/lumix-ai/seglearn/internal/capture"
	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/importance"
	"github.com/lumix-ai/seglearn/internal/model"
	"github.com/lumix-ai/seglearn/internal/pseudo"
	"github.com/stretchr/testify/require"
)

func tensor(t *testing.T, data []float32, shape ...int) *core.Tensor {
	t.Helper()
	x, err := core.FromSlice(data, shape, core.DeviceCPU)
	require.NoError(t, err)
	return x
}

func TestDeepSupervisionWeights(t *testing.T) {
	require.Equal(t, []float64{1}, NewDeepSupervisionCE(1).Weights)
	require.Equal(t, []float64{1, 0}, NewDeepSupervisionCE(2).Weights)
	w := NewDeepSupervisionCE(3).Weights
	require.InDelta(t, 2.0/3, w[0], 1e-12)
	require.InDelta(t, 1.0/3, w[1], 1e-12)
	require.Zero(t, w[2])
}

func TestCrossEntropyGradient(t *testing.T) {
	logits := tensor(t, []float32{0.2, -1, 0.7, 0.3}, 1, 2, 1, 2)
	target := tensor(t, []float32{1, 0}, 1, 1, 1, 2)

	v, g, err := CrossEntropy(logits, target)
	require.NoError(t, err)

	const eps = 1e-3
	for i := range logits.Data {
		orig := logits.Data[i]
		logits.Data[i] = orig + eps
		up, _, _ := CrossEntropy(logits, target)
		logits.Data[i] = orig - eps
		down, _, _ := CrossEntropy(logits, target)
		logits.Data[i] = orig
		require.InDelta(t, (up-down)/(2*eps), g.Data[i], 1e-3)
	}
	require.Greater(t, v, 0.0)
}

func TestCrossEntropyIgnoresPixels(t *testing.T) {
	logits := tensor(t, []float32{0, 5, 0, -5}, 1, 2, 1, 2)
	target := tensor(t, []float32{IgnoreLabel, 0}, 1, 1, 1, 2)
	_, g, err := CrossEntropy(logits, target)
	require.NoError(t, err)
	require.Zero(t, g.Data[0])
	require.Zero(t, g.Data[2])

	all := tensor(t, []float32{IgnoreLabel, IgnoreLabel}, 1, 1, 1, 2)
	v, _, err := CrossEntropy(logits, all)
	require.NoError(t, err)
	require.Zero(t, v)

	bad := tensor(t, []float32{2, 0}, 1, 1, 1, 2)
	_, _, err = CrossEntropy(logits, bad)
	require.Error(t, err)
}

func TestSchedule(t *testing.T) {
	s := NewSchedule(100, 3)
	require.Equal(t, Schedule{T1: 10, T2: 90, Alpha: 3}, s)
	require.Zero(t, s.Weight(0))
	require.Zero(t, s.Weight(10))
	require.InDelta(t, 1.5, s.Weight(50), 1e-12)
	require.Equal(t, 3.0, s.Weight(90))
	require.Equal(t, 3.0, s.Weight(99))
}

func params(t *testing.T, values ...float32) []model.NamedParameter {
	return []model.NamedParameter{{Name: "conv_blocks.0.weight", Tensor: tensor(t, values, len(values))}}
}

func records(t *testing.T, fisher, ref []float32) *importance.Records {
	recs := importance.NewRecords()
	require.NoError(t, recs.Add("Task011", &importance.Record{
		Fisher: map[string]*core.Tensor{"conv_blocks.0.weight": tensor(t, fisher, len(fisher))},
		Params: map[string]*core.Tensor{"conv_blocks.0.weight": tensor(t, ref, len(ref))},
	}))
	return recs
}

func TestPenalty(t *testing.T) {
	v, g, err := Penalty(records(t, []float32{1, 2}, []float32{0, 0}), params(t, 1, 2))
	require.NoError(t, err)
	require.InDelta(t, 9, v, 1e-9)
	require.Equal(t, []float32{2, 8}, g["conv_blocks.0.weight"].Data)

	// scalar importance from a parameter that had no gradient
	v, _, err = Penalty(records(t, []float32{1}, []float32{0, 0}), params(t, 1, 2))
	require.NoError(t, err)
	require.InDelta(t, 5, v, 1e-9)

	onGPU := importance.NewRecords()
	require.NoError(t, onGPU.Add("t", &importance.Record{
		Fisher: map[string]*core.Tensor{"conv_blocks.0.weight": core.Full([]int{2}, core.CUDA(0), 1)},
		Params: map[string]*core.Tensor{"conv_blocks.0.weight": core.Full([]int{2}, core.CUDA(0), 0)},
	}))
	_, _, err = Penalty(onGPU, params(t, 1, 2))
	require.ErrorIs(t, err, core.ErrDeviceMismatch)
}

func batch(t *testing.T) Input {
	return Input{
		Outputs: []*core.Tensor{
			tensor(t, []float32{0.5, -0.5, 0.1, 0.2, -0.3, 0.4, 0.9, -0.1}, 1, 2, 2, 2),
			tensor(t, []float32{0.3, -0.3}, 1, 2, 1, 1),
		},
		OldOutputs: []*core.Tensor{
			tensor(t, []float32{-9, -9, -9, -9, 9, 9, 9, 9}, 1, 2, 2, 2),
			tensor(t, []float32{0, 0}, 1, 2, 1, 1),
		},
		Target: tensor(t, []float32{0, 0, 1, 0}, 1, 1, 2, 2),
		Epoch:  50,
	}
}

func TestEWCPenaltyVanishesAtReference(t *testing.T) {
	e := NewEWC(EWCOptions{Levels: 2, Lambda: 0.4, Schedule: NewSchedule(100, 3)})
	e.SetImportance(records(t, []float32{5, 5}, []float32{1, 2}))
	e.UpdateParameters(params(t, 1, 2))

	res, err := e.Compute(batch(t))
	require.NoError(t, err)
	require.Equal(t, res.Terms["ce"], res.Value)
	require.Zero(t, res.Terms["ewc"])

	base, _, err := NewOriginal(2).OutputGradients(batch(t).Outputs, batch(t).Target)
	require.NoError(t, err)
	require.InDelta(t, base, res.Value, 1e-12)
}

func TestEWCWeightsPenalty(t *testing.T) {
	e := NewEWC(EWCOptions{Levels: 2, Lambda: 0.4, Schedule: NewSchedule(100, 3)})
	e.SetImportance(records(t, []float32{1, 2}, []float32{0, 0}))
	e.UpdateParameters(params(t, 1, 2))

	in := batch(t)
	res, err := e.Compute(in)
	require.NoError(t, err)
	// schedule weight 1.5 at epoch 50
	require.InDelta(t, 1.5*0.4*9, res.Terms["ewc"], 1e-9)
	require.InDelta(t, res.Terms["ce"]+res.Terms["ewc"], res.Value, 1e-9)
	require.InDelta(t, 1.5*0.4*8, res.ParamGrads["conv_blocks.0.weight"].Data[1], 1e-5)

	in.Epoch = 5
	res, err = e.Compute(in)
	require.NoError(t, err)
	require.NotContains(t, res.Terms, "ewc")
}

func TestEWCPseudoCadence(t *testing.T) {
	e := NewEWC(EWCOptions{Levels: 2, Lambda: 1, Schedule: NewSchedule(100, 3), PseudoEvery: 23})
	e.SetThresholds(&pseudo.Table{MaxEntropy: pseudo.MaxEntropy(2), Thresholds: [][]float64{{0.5, 0.5}, {0.5, 0.5}}})
	require.True(t, e.Requires().Thresholds)

	in := batch(t)
	in.Iteration = 46
	res, err := e.Compute(in)
	require.NoError(t, err)
	require.Contains(t, res.Terms, "pseudo")
	require.Greater(t, res.Terms["pseudo"], 0.0)

	in.Iteration = 47
	res, err = e.Compute(in)
	require.NoError(t, err)
	require.NotContains(t, res.Terms, "pseudo")
}

func TestPODDistance(t *testing.T) {
	a := capture.Buffer{"seg_outputs.0": tensor(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, 1, 2, 2, 2)}
	b := capture.Buffer{"seg_outputs.0": tensor(t, []float32{1, 2, 3, 4, 8, 7, 6, 5}, 1, 2, 2, 2)}

	d, err := PODDistance(a, a, 2)
	require.NoError(t, err)
	require.Zero(t, d)

	d, err = PODDistance(a, b, 2)
	require.NoError(t, err)
	require.Greater(t, d, 0.0)
	require.LessOrEqual(t, d, 2.0)

	_, err = PODDistance(capture.Buffer{}, b, 1)
	require.ErrorIs(t, err, capture.ErrIncompleteCapture)
}

func TestPLOPAddsWeightedPOD(t *testing.T) {
	p := NewPLOP(PLOPOptions{Levels: 2, PODLambda: 0.01, Scales: 2, PODOnly: true})
	old := capture.Buffer{"seg_outputs.0": tensor(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, 1, 2, 2, 2)}
	cur := capture.Buffer{"seg_outputs.0": tensor(t, []float32{1, 2, 3, 4, 8, 7, 6, 5}, 1, 2, 2, 2)}
	p.UpdateActivations(old, cur)

	res, err := p.Compute(batch(t))
	require.NoError(t, err)
	pod, err := PODDistance(old, cur, 2)
	require.NoError(t, err)
	require.InDelta(t, 0.01*pod, res.Terms["pod"], 1e-12)
	require.InDelta(t, res.Terms["ce"]+res.Terms["pod"], res.Value, 1e-12)
	require.False(t, p.Requires().Thresholds)
}

func TestPLOPPseudoLabelsBackground(t *testing.T) {
	p := NewPLOP(PLOPOptions{Levels: 2, Scales: 1})
	in := batch(t)
	plain, err := p.Compute(in)
	require.NoError(t, err)

	// the frozen model confidently predicts class 1 on every pixel, so the
	// background pixels now count as class 1
	p.SetThresholds(&pseudo.Table{MaxEntropy: pseudo.MaxEntropy(2), Thresholds: [][]float64{{0.5, 0.5}, {0.5, 0.5}}})
	relabelled, err := p.Compute(in)
	require.NoError(t, err)
	require.NotEqual(t, plain.Value, relabelled.Value)

	all := tensor(t, []float32{1, 1, 1, 1}, 1, 1, 2, 2)
	want, _, err := CrossEntropy(in.Outputs[0], all)
	require.NoError(t, err)
	require.InDelta(t, want, relabelled.Terms["ce"], 1e-9)
}

func TestSelectorIsOneWay(t *testing.T) {
	orig, ext := NewOriginal(1), NewEWC(EWCOptions{Levels: 1})
	s := NewSelector(orig, ext)

	require.Same(t, orig, s.Resolve(1, true))
	require.Same(t, orig, s.Resolve(2, true))
	require.Equal(t, ModeOriginal, s.Mode())
	require.Same(t, ext, s.Resolve(2, false))
	require.Equal(t, "EXTENDED_LOSS", s.Mode().String())
	require.Same(t, ext, s.Resolve(1, true))

	plain := NewSelector(orig, nil)
	require.Same(t, orig, plain.Resolve(5, false))
}

func TestOriginalMatchesWeightedLevels(t *testing.T) {
	in := batch(t)
	res, err := NewOriginal(2).Compute(in)
	require.NoError(t, err)
	lvl0, _, err := CrossEntropy(in.Outputs[0], in.Target)
	require.NoError(t, err)
	require.InDelta(t, lvl0, res.Value, 1e-12)
	require.Nil(t, res.OutputGrads[1])
	require.False(t, math.IsNaN(res.Value))
}
