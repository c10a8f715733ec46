// internal/model/segnet.go
package model

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/lumix-ai/seglearn/internal/core"
)

var ErrNoGradientTape = errors.New("no gradient tape: last forward ran without gradient tracking")

// Config - architecture of the segmentation network
type Config struct {
	InChannels      int    `yaml:"in_channels" json:"in_channels"`
	Features        []int  `yaml:"features" json:"features"`
	NumClasses      int    `yaml:"num_classes" json:"num_classes"`
	DeepSupervision int    `yaml:"deep_supervision" json:"deep_supervision"`
	Seed            uint64 `yaml:"seed" json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		InChannels:      1,
		Features:        []int{16, 16},
		NumClasses:      3,
		DeepSupervision: 2,
		Seed:            42,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.InChannels < 1 {
		errs = append(errs, fmt.Errorf("in_channels must be positive, got %d", c.InChannels))
	}
	if len(c.Features) == 0 {
		errs = append(errs, errors.New("features must name at least one trunk block"))
	}
	for i, f := range c.Features {
		if f < 1 {
			errs = append(errs, fmt.Errorf("features[%d] must be positive, got %d", i, f))
		}
	}
	if c.NumClasses < 2 {
		errs = append(errs, fmt.Errorf("num_classes must be at least 2, got %d", c.NumClasses))
	}
	if c.DeepSupervision < 1 {
		errs = append(errs, fmt.Errorf("deep_supervision must be at least 1, got %d", c.DeepSupervision))
	}
	return errors.Join(errs...)
}

// Compatible - parameters of one config can be loaded into the other
func (c Config) Compatible(o Config) bool {
	if c.InChannels != o.InChannels || c.NumClasses != o.NumClasses ||
		c.DeepSupervision != o.DeepSupervision || len(c.Features) != len(o.Features) {
		return false
	}
	for i := range c.Features {
		if c.Features[i] != o.Features[i] {
			return false
		}
	}
	return true
}

// NamedParameter - a trainable tensor and its stable name
type NamedParameter struct {
	Name   string
	Tensor *core.Tensor
}

// Trunk - shared body of pointwise conv + ReLU blocks
type Trunk struct {
	Blocks []*Conv
}

// Head - task specific segmentation outputs, one per deep-supervision level
type Head struct {
	Outputs []*Conv
}

func NewTrunk(cfg Config, src rand.Source, device core.Device) *Trunk {
	t := &Trunk{}
	in := cfg.InChannels
	for i, f := range cfg.Features {
		t.Blocks = append(t.Blocks, NewConv(TrunkLayerPrefix+strconv.Itoa(i), in, f, src, device))
		in = f
	}
	return t
}

func NewHead(cfg Config, src rand.Source, device core.Device) *Head {
	h := &Head{}
	in := cfg.Features[len(cfg.Features)-1]
	for l := 0; l < cfg.DeepSupervision; l++ {
		h.Outputs = append(h.Outputs, NewConv(HeadLayerPrefix+strconv.Itoa(l), in, cfg.NumClasses, src, device))
	}
	return h
}

const (
	TrunkLayerPrefix = "conv_blocks."
	HeadLayerPrefix  = "seg_outputs."
)

func (t *Trunk) Parameters() []NamedParameter { return convParameters(t.Blocks) }
func (h *Head) Parameters() []NamedParameter  { return convParameters(h.Outputs) }

// CloneTo - deep copy with every tensor placed on device
func (t *Trunk) CloneTo(device core.Device) *Trunk {
	out := &Trunk{Blocks: make([]*Conv, len(t.Blocks))}
	for i, c := range t.Blocks {
		out.Blocks[i] = c.cloneTo(device)
	}
	return out
}

func (h *Head) CloneTo(device core.Device) *Head {
	out := &Head{Outputs: make([]*Conv, len(h.Outputs))}
	for i, c := range h.Outputs {
		out.Outputs[i] = c.cloneTo(device)
	}
	return out
}

func (t *Trunk) Clone() *Trunk { return t.CloneTo(t.device()) }
func (h *Head) Clone() *Head   { return h.CloneTo(h.device()) }

func (t *Trunk) device() core.Device {
	if len(t.Blocks) == 0 {
		return core.DeviceCPU
	}
	return t.Blocks[0].Weight.Device()
}

func (h *Head) device() core.Device {
	if len(h.Outputs) == 0 {
		return core.DeviceCPU
	}
	return h.Outputs[0].Weight.Device()
}

func convParameters(convs []*Conv) []NamedParameter {
	params := make([]NamedParameter, 0, 2*len(convs))
	for _, c := range convs {
		params = append(params,
			NamedParameter{Name: c.Name + ".weight", Tensor: c.Weight},
			NamedParameter{Name: c.Name + ".bias", Tensor: c.Bias},
		)
	}
	return params
}

// Network - trunk combined with one head
type Network struct {
	cfg      Config
	Trunk    *Trunk
	Head     *Head
	hooks    *HookTable
	training bool
	tape     *tape
}

// tape - activations kept by a training forward for the matching Backward
type tape struct {
	trunkIn  []*core.Tensor
	trunkPre []*core.Tensor
	headIn   []*core.Tensor
}

func NewNetwork(cfg Config, trunk *Trunk, head *Head) *Network {
	return &Network{
		cfg:   cfg,
		Trunk: trunk,
		Head:  head,
		hooks: NewHookTable(),
	}
}

func (n *Network) Config() Config      { return n.cfg }
func (n *Network) Hooks() *HookTable   { return n.hooks }
func (n *Network) Device() core.Device { return n.Trunk.device() }
func (n *Network) Training() bool      { return n.training }

// Train - enable gradient tracking for subsequent forwards
func (n *Network) Train() { n.training = true }

// Eval - disable gradient tracking; Backward fails until the next training forward
func (n *Network) Eval() {
	n.training = false
	n.tape = nil
}

// NamedParameters - trunk parameters followed by head parameters
func (n *Network) NamedParameters() []NamedParameter {
	return append(n.Trunk.Parameters(), n.Head.Parameters()...)
}

func (n *Network) ZeroGrad() {
	for _, p := range n.NamedParameters() {
		p.Tensor.ZeroGrad()
	}
}

// LayerNames - every hookable layer in forward order
func (n *Network) LayerNames() []string {
	names := make([]string, 0, len(n.Trunk.Blocks)+len(n.Head.Outputs))
	for _, c := range n.Trunk.Blocks {
		names = append(names, c.Name)
	}
	for _, c := range n.Head.Outputs {
		names = append(names, c.Name)
	}
	return names
}

// Clone - independent copy with an empty hook table
func (n *Network) Clone() *Network {
	return NewNetwork(n.cfg, n.Trunk.Clone(), n.Head.Clone())
}

// Forward - logits for every deep-supervision level, full resolution first.
// Registered hooks observe each conv output synchronously.
func (n *Network) Forward(x *core.Tensor) ([]*core.Tensor, error) {
	var tp *tape
	if n.training {
		tp = &tape{}
	}

	h := x
	for _, blk := range n.Trunk.Blocks {
		z, err := blk.Forward(h)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", blk.Name, err)
		}
		n.hooks.fire(blk.Name, z)
		if tp != nil {
			tp.trunkIn = append(tp.trunkIn, h)
			tp.trunkPre = append(tp.trunkPre, z)
		}
		h = relu(z)
	}

	outs := make([]*core.Tensor, len(n.Head.Outputs))
	feat := h
	for l, conv := range n.Head.Outputs {
		if l > 0 {
			pooled, err := core.AvgPool2(feat)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", conv.Name, err)
			}
			feat = pooled
		}
		out, err := conv.Forward(feat)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", conv.Name, err)
		}
		n.hooks.fire(conv.Name, out)
		if tp != nil {
			tp.headIn = append(tp.headIn, feat)
		}
		outs[l] = out
	}

	n.tape = tp
	return outs, nil
}

// Backward - accumulate parameter gradients from per-level output gradients.
// A nil entry means that level does not contribute. The tape is consumed.
func (n *Network) Backward(grads []*core.Tensor) error {
	tp := n.tape
	if tp == nil {
		return ErrNoGradientTape
	}
	n.tape = nil
	if len(grads) != len(n.Head.Outputs) {
		return fmt.Errorf("%w: %d output gradients for %d levels", core.ErrShapeMismatch, len(grads), len(n.Head.Outputs))
	}

	// walk the pyramid from the coarsest level, carrying feature gradients upward
	var carry *core.Tensor
	for l := len(n.Head.Outputs) - 1; l >= 0; l-- {
		var gFeat *core.Tensor
		if grads[l] != nil {
			g, err := n.Head.Outputs[l].Backward(tp.headIn[l], grads[l])
			if err != nil {
				return fmt.Errorf("%s: %w", n.Head.Outputs[l].Name, err)
			}
			gFeat = g
		}
		if carry != nil {
			if gFeat == nil {
				gFeat = carry
			} else if err := gFeat.AddScaled(1, carry); err != nil {
				return err
			}
		}
		carry = nil
		if gFeat == nil {
			continue
		}
		if l == 0 {
			carry = gFeat
			break
		}
		up, err := core.AvgPool2Backward(gFeat, tp.headIn[l-1].Shape)
		if err != nil {
			return err
		}
		carry = up
	}

	gh := carry
	for i := len(n.Trunk.Blocks) - 1; i >= 0 && gh != nil; i-- {
		z := tp.trunkPre[i]
		gz := gh.Clone()
		for k, v := range z.Data {
			if v <= 0 {
				gz.Data[k] = 0
			}
		}
		g, err := n.Trunk.Blocks[i].Backward(tp.trunkIn[i], gz)
		if err != nil {
			return fmt.Errorf("%s: %w", n.Trunk.Blocks[i].Name, err)
		}
		gh = g
	}
	return nil
}

func relu(x *core.Tensor) *core.Tensor {
	out := x.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	return out
}
