// internal/multihead/multihead.go
package multihead

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrDuplicateTask = errors.New("duplicate task")
	ErrEmptyTaskID   = errors.New("empty task id")
)

// StructuralRestoreError - a stored parameter set does not fit the current head layout
type StructuralRestoreError struct {
	Reason string
}

func (e *StructuralRestoreError) Error() string {
	return "structural restore: " + e.Reason
}

func restoreErrorf(format string, args ...any) error {
	return &StructuralRestoreError{Reason: fmt.Sprintf(format, args...)}
}

const (
	trunkKeyPrefix = "trunk."
	headKeyPrefix  = "heads."
)

// MultiHead - one shared trunk plus an ordered set of task heads
type MultiHead struct {
	mu     sync.RWMutex
	cfg    model.Config
	trunk  *model.Trunk
	heads  map[string]*model.Head
	order  []string
	active string
	live   *model.Network
	src    rand.Source
	device core.Device
	strict bool
	log    zerolog.Logger
}

type Option func(*MultiHead)

// WithStrict - AddNewTask on a known id returns ErrDuplicateTask instead of doing nothing
func WithStrict() Option { return func(m *MultiHead) { m.strict = true } }

func WithDevice(d core.Device) Option { return func(m *MultiHead) { m.device = d } }

func New(cfg model.Config, opts ...Option) (*MultiHead, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}
	m := &MultiHead{
		cfg:    cfg,
		heads:  make(map[string]*model.Head),
		src:    core.NewSource(cfg.Seed),
		device: core.DeviceCPU,
		log:    log.With().Str("component", "multihead").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.trunk = model.NewTrunk(cfg, m.src, m.device)
	return m, nil
}

func (m *MultiHead) Config() model.Config { return m.cfg }
func (m *MultiHead) Device() core.Device  { return m.device }

// AddNewTask - create a randomly initialised head for id. Known ids are a no-op
// (created == false) unless the registry is strict.
func (m *MultiHead) AddNewTask(id string) (bool, error) {
	if id == "" {
		return false, ErrEmptyTaskID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.heads[id]; ok {
		if m.strict {
			return false, fmt.Errorf("%w: %s", ErrDuplicateTask, id)
		}
		return false, nil
	}
	m.heads[id] = model.NewHead(m.cfg, m.src, m.device)
	m.order = append(m.order, id)
	m.log.Debug().Str("task", id).Int("heads", len(m.order)).Msg("head added")
	return true, nil
}

// Activate - make id the head used by Network
func (m *MultiHead) Activate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	head, ok := m.heads[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if m.active == id && m.live != nil {
		return nil
	}
	m.active = id
	m.live = model.NewNetwork(m.cfg, m.trunk, head)
	return nil
}

func (m *MultiHead) ActiveTask() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Network - live network for the active task. It shares storage with the
// registry, so training it updates the trunk and the active head in place.
func (m *MultiHead) Network() (*model.Network, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.live == nil {
		return nil, fmt.Errorf("%w: no active task", ErrUnknownTask)
	}
	return m.live, nil
}

// AssembleModel - independent copy of the trunk combined with head id
func (m *MultiHead) AssembleModel(id string) (*model.Network, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	head, ok := m.heads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return model.NewNetwork(m.cfg, m.trunk.Clone(), head.Clone()), nil
}

// RemoveTask - drop head id; removing the active task leaves no active task
func (m *MultiHead) RemoveTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.heads[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	delete(m.heads, id)
	for i, t := range m.order {
		if t == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.active == id {
		m.active = ""
		m.live = nil
	}
	return nil
}

// Tasks - task ids in insertion order
func (m *MultiHead) Tasks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *MultiHead) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.heads[id]
	return ok
}

func (m *MultiHead) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// Head - stored head for id; the returned value aliases registry storage
func (m *MultiHead) Head(id string) (*model.Head, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	head, ok := m.heads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return head, nil
}

func (m *MultiHead) Trunk() *model.Trunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trunk
}

// StateDict - every parameter keyed as trunk.<name> or heads.<task>.<name>
func (m *MultiHead) StateDict() map[string]*core.Tensor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sd := make(map[string]*core.Tensor)
	for _, p := range m.trunk.Parameters() {
		sd[TrunkKey(p.Name)] = p.Tensor.Clone()
	}
	for _, id := range m.order {
		for _, p := range m.heads[id].Parameters() {
			sd[HeadKey(id, p.Name)] = p.Tensor.Clone()
		}
	}
	return sd
}

// LoadStateDict - restore values saved by StateDict. The saved head set must
// match the current one and every tensor must keep its shape; otherwise nothing
// is modified and a *StructuralRestoreError is returned. Head order follows tasks.
func (m *MultiHead) LoadStateDict(tasks []string, sd map[string]*core.Tensor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkStructure(tasks, sd); err != nil {
		return err
	}
	m.order = append([]string(nil), tasks...)
	for _, p := range m.trunk.Parameters() {
		copy(p.Tensor.Data, sd[TrunkKey(p.Name)].Data)
		p.Tensor.ZeroGrad()
	}
	for _, id := range m.order {
		for _, p := range m.heads[id].Parameters() {
			copy(p.Tensor.Data, sd[HeadKey(id, p.Name)].Data)
			p.Tensor.ZeroGrad()
		}
	}
	return nil
}

func (m *MultiHead) checkStructure(tasks []string, sd map[string]*core.Tensor) error {
	if len(tasks) != len(m.order) {
		return restoreErrorf("checkpoint has heads %v, registry has %v", tasks, m.order)
	}
	for _, id := range tasks {
		if _, ok := m.heads[id]; !ok {
			return restoreErrorf("checkpoint has heads %v, registry has %v", tasks, m.order)
		}
	}

	expected := 0
	check := func(key string, want *core.Tensor) error {
		got, ok := sd[key]
		if !ok {
			return restoreErrorf("missing parameter %s", key)
		}
		if !core.SameShape(got, want) {
			return restoreErrorf("parameter %s has shape %v, expected %v", key, got.Shape, want.Shape)
		}
		expected++
		return nil
	}
	for _, p := range m.trunk.Parameters() {
		if err := check(TrunkKey(p.Name), p.Tensor); err != nil {
			return err
		}
	}
	for _, id := range m.order {
		for _, p := range m.heads[id].Parameters() {
			if err := check(HeadKey(id, p.Name), p.Tensor); err != nil {
				return err
			}
		}
	}
	if expected != len(sd) {
		var extra []string
		for k := range sd {
			if !m.knownKey(k) {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		return restoreErrorf("unexpected parameters %s", strings.Join(extra, ", "))
	}
	return nil
}

func (m *MultiHead) knownKey(key string) bool {
	if name, ok := strings.CutPrefix(key, trunkKeyPrefix); ok {
		for _, p := range m.trunk.Parameters() {
			if p.Name == name {
				return true
			}
		}
		return false
	}
	for _, id := range m.order {
		if name, ok := strings.CutPrefix(key, headKeyPrefix+id+"."); ok {
			for _, p := range m.heads[id].Parameters() {
				if p.Name == name {
					return true
				}
			}
		}
	}
	return false
}

// TrunkKey - state dict key of a trunk parameter
func TrunkKey(param string) string { return trunkKeyPrefix + param }

// HeadKey - state dict key of a parameter of task's head
func HeadKey(task, param string) string {
	return headKeyPrefix + task + "." + param
}
