// internal/capture/capture.go
package capture

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/model"
)

var ErrIncompleteCapture = errors.New("activation capture incomplete")

// DefaultFilter - only the segmentation output convolutions are distilled
const DefaultFilter = model.HeadLayerPrefix

// Which - buffer an instrumented network writes into
type Which int

const (
	Current Which = iota
	Old
)

func (w Which) String() string {
	if w == Old {
		return "old"
	}
	return "current"
}

// Buffer - layer name to detached activation
type Buffer map[string]*core.Tensor

// Instrumentable - a network exposing its layers and observer table
type Instrumentable interface {
	LayerNames() []string
	Hooks() *model.HookTable
}

// Capture - the current/old activation buffers filled by forward hooks
type Capture struct {
	mu      sync.Mutex
	filter  string
	buffers [2]Buffer
	layers  [2][]string
}

func New(filter string) *Capture {
	c := &Capture{filter: filter}
	c.buffers[Current] = Buffer{}
	c.buffers[Old] = Buffer{}
	return c
}

// Instrument - register a store hook on every layer of net whose name contains
// the filter. Re-instrumenting replaces the previous registration for that buffer.
func (c *Capture) Instrument(net Instrumentable, which Which) []string {
	var layers []string
	for _, name := range net.LayerNames() {
		if !strings.Contains(name, c.filter) {
			continue
		}
		layers = append(layers, name)
		net.Hooks().Register(name, func(layer string, out *core.Tensor) {
			c.store(which, layer, out)
		})
	}

	c.mu.Lock()
	c.layers[which] = layers
	c.mu.Unlock()
	return layers
}

// Detach - remove this capture's hooks from net
func (c *Capture) Detach(net Instrumentable, which Which) {
	c.mu.Lock()
	layers := c.layers[which]
	c.layers[which] = nil
	c.mu.Unlock()
	for _, name := range layers {
		net.Hooks().Remove(name)
	}
}

func (c *Capture) store(which Which, layer string, out *core.Tensor) {
	detached := out.Clone()
	c.mu.Lock()
	c.buffers[which][layer] = detached
	c.mu.Unlock()
}

// Buffers - the old and current buffers as of now
func (c *Capture) Buffers() (old, current Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyBuffer(c.buffers[Old]), copyBuffer(c.buffers[Current])
}

// Ready - both buffers hold every instrumented layer with matching shapes
func (c *Capture) Ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.layers[Current]) == 0 && len(c.layers[Old]) == 0 {
		return fmt.Errorf("%w: nothing instrumented", ErrIncompleteCapture)
	}
	var missing []string
	for _, w := range []Which{Current, Old} {
		for _, layer := range c.layers[w] {
			if _, ok := c.buffers[w][layer]; !ok {
				missing = append(missing, w.String()+"/"+layer)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing %s", ErrIncompleteCapture, strings.Join(missing, ", "))
	}
	for layer, cur := range c.buffers[Current] {
		old, ok := c.buffers[Old][layer]
		if !ok {
			return fmt.Errorf("%w: no old activation for %s", ErrIncompleteCapture, layer)
		}
		if !core.SameShape(cur, old) {
			return fmt.Errorf("%w: %s has shape %v, old %v", core.ErrShapeMismatch, layer, cur.Shape, old.Shape)
		}
	}
	return nil
}

// AlignDevices - move old activations onto device
func (c *Capture) AlignDevices(device core.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for layer, t := range c.buffers[Old] {
		c.buffers[Old][layer] = t.To(device)
	}
}

// Clear - empty both buffers
func (c *Capture) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffers[Current] = Buffer{}
	c.buffers[Old] = Buffer{}
}

func copyBuffer(b Buffer) Buffer {
	out := make(Buffer, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}
