// internal/snapshot/snapshot.go
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/model"
	"github.com/lumix-ai/seglearn/internal/multihead"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSnapshotLive = errors.New("a snapshot is already live")
	ErrNoSnapshot   = errors.New("no live snapshot")
)

// Placement - where the frozen model is evaluated
type Placement struct {
	Primary           core.Device
	Secondary         core.Device
	DualDevice        bool
	SharedTransformer bool
}

// Device - the secondary device when dual-device execution is on and the
// architecture does not share a transformer block, otherwise the primary one
func (p Placement) Device() core.Device {
	if p.DualDevice && !p.SharedTransformer && p.Secondary != "" {
		return p.Secondary
	}
	if p.Primary == "" {
		return core.DeviceCPU
	}
	return p.Primary
}

// Snapshot - frozen copy of the trunk and every head taken at freeze time
type Snapshot struct {
	task     string
	tasks    []string
	values   map[string]*core.Tensor
	net      *model.Network
	device   core.Device
	frozenAt time.Time
}

// Task - the head that was active when the snapshot was taken
func (s *Snapshot) Task() string            { return s.task }
func (s *Snapshot) Tasks() []string         { return append([]string(nil), s.tasks...) }
func (s *Snapshot) Device() core.Device     { return s.device }
func (s *Snapshot) FrozenAt() time.Time     { return s.frozenAt }
func (s *Snapshot) Network() *model.Network { return s.net }

// Forward - evaluate the frozen model without gradient tracking. The input is
// moved to the snapshot device first.
func (s *Snapshot) Forward(x *core.Tensor) ([]*core.Tensor, error) {
	return s.net.Forward(x.To(s.device))
}

type snapshotMeta struct {
	Task     string       `json:"task"`
	Tasks    []string     `json:"tasks"`
	Device   core.Device  `json:"device"`
	Config   model.Config `json:"config"`
	FrozenAt int64        `json:"frozen_at"`
}

// Save - persist the frozen values as <path> plus a <path>.meta sidecar
func (s *Snapshot) Save(path string) error {
	meta, err := json.MarshalIndent(snapshotMeta{
		Task:     s.task,
		Tasks:    s.tasks,
		Device:   s.device,
		Config:   s.net.Config(),
		FrozenAt: s.frozenAt.Unix(),
	}, "", "  ")
	if err != nil {
		return err
	}
	err = core.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		return core.EncodeTensors(w, s.values)
	})
	if err != nil {
		return fmt.Errorf("write snapshot values: %w", err)
	}
	err = core.WriteFileAtomic(path+".meta", 0o644, func(w io.Writer) error {
		_, err := w.Write(meta)
		return err
	})
	if err != nil {
		return fmt.Errorf("write snapshot meta: %w", err)
	}
	return nil
}

// Manager - owns at most one live snapshot
type Manager struct {
	mu      sync.Mutex
	current *Snapshot
	log     zerolog.Logger
}

func NewManager() *Manager {
	return &Manager{log: log.With().Str("component", "snapshot").Logger()}
}

// Freeze - deep copy of the registry's trunk and heads, evaluated through the
// head that is active right now. Later training does not affect the copy.
func (m *Manager) Freeze(reg *multihead.MultiHead, placement Placement) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, ErrSnapshotLive
	}
	task := reg.ActiveTask()
	if task == "" {
		return nil, fmt.Errorf("freeze: %w", multihead.ErrUnknownTask)
	}
	head, err := reg.Head(task)
	if err != nil {
		return nil, fmt.Errorf("freeze: %w", err)
	}

	device := placement.Device()
	net := model.NewNetwork(reg.Config(), reg.Trunk().CloneTo(device), head.CloneTo(device))
	net.Eval()

	values := reg.StateDict()
	for k, v := range values {
		values[k] = v.To(device)
	}

	m.current = &Snapshot{
		task:     task,
		tasks:    reg.Tasks(),
		values:   values,
		net:      net,
		device:   device,
		frozenAt: time.Now(),
	}
	m.log.Info().Str("task", task).Str("device", string(device)).Int("heads", len(m.current.tasks)).Msg("snapshot frozen")
	return m.current, nil
}

// Restore - bring back a snapshot written by Save, for resuming a task whose
// frozen model can no longer be taken from the registry
func (m *Manager) Restore(path string, placement Placement) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, ErrSnapshotLive
	}
	raw, err := os.ReadFile(path + ".meta")
	if err != nil {
		return nil, fmt.Errorf("read snapshot meta: %w", err)
	}
	var meta snapshotMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode snapshot meta: %w", err)
	}

	device := placement.Device()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	values, err := core.DecodeTensors(f, device)
	if err != nil {
		return nil, fmt.Errorf("read snapshot values: %w", err)
	}

	src := core.NewSource(meta.Config.Seed)
	trunk := model.NewTrunk(meta.Config, src, device)
	head := model.NewHead(meta.Config, src, device)
	if err := fill(trunk.Parameters(), values, multihead.TrunkKey); err != nil {
		return nil, err
	}
	headKey := func(name string) string { return multihead.HeadKey(meta.Task, name) }
	if err := fill(head.Parameters(), values, headKey); err != nil {
		return nil, err
	}
	net := model.NewNetwork(meta.Config, trunk, head)
	net.Eval()

	m.current = &Snapshot{
		task:     meta.Task,
		tasks:    meta.Tasks,
		values:   values,
		net:      net,
		device:   device,
		frozenAt: time.Unix(meta.FrozenAt, 0),
	}
	m.log.Info().Str("task", meta.Task).Str("path", path).Msg("snapshot restored")
	return m.current, nil
}

func fill(params []model.NamedParameter, values map[string]*core.Tensor, key func(string) string) error {
	for _, p := range params {
		v, ok := values[key(p.Name)]
		if !ok {
			return fmt.Errorf("snapshot has no value for %s", key(p.Name))
		}
		if !core.SameShape(v, p.Tensor) {
			return fmt.Errorf("%w: %s", core.ErrShapeMismatch, key(p.Name))
		}
		copy(p.Tensor.Data, v.Data)
	}
	return nil
}

func (m *Manager) Current() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoSnapshot
	}
	return m.current, nil
}

// Release - drop the live snapshot; a no-op when none is live
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.log.Debug().Str("task", m.current.task).Msg("snapshot released")
	}
	m.current = nil
}
