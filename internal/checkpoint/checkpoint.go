// internal/checkpoint/checkpoint.go
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/model"
	"github.com/lumix-ai/seglearn/internal/multihead"
	"github.com/rs/zerolog/log"
)

const (
	Version = "1.0.0"

	// Ext - file extension of checkpoints and the frozen model
	Ext = ".lmx"

	modelGroup    = "model"
	momentumGroup = "momentum"
)

var ErrIncompatibleConfig = errors.New("incompatible model configuration")

// Meta - sidecar stored as <path>.meta
type Meta struct {
	Config    model.Config `json:"config"`
	Version   string       `json:"version"`
	Tasks     []string     `json:"tasks"`
	Active    string       `json:"active"`
	Epoch     int          `json:"epoch"`
	Iteration int          `json:"iteration"`
	Timestamp int64        `json:"timestamp"`
}

// Checkpoint - everything needed to resume a task
type Checkpoint struct {
	Meta
	// Momentum - optimizer velocity keyed like the registry state dict
	Momentum map[string]*core.Tensor
}

// Latest - <dir>/model_latest.lmx
func Latest(dir string) string { return filepath.Join(dir, "model_latest"+Ext) }

// FrozenModel - <dir>/model_old.lmx, kept next to the latest checkpoint
func FrozenModel(dir string) string { return filepath.Join(dir, "model_old"+Ext) }

// Final - written once a task's training and importance pass are done
func Final(dir string) string { return filepath.Join(dir, "model_final"+Ext) }

// Save - writes the registry (trunk plus every head) and optimizer state
func Save(path string, reg *multihead.MultiHead, epoch, iteration int, momentum map[string]*core.Tensor) error {
	meta := Meta{
		Config:    reg.Config(),
		Version:   Version,
		Tasks:     reg.Tasks(),
		Active:    reg.ActiveTask(),
		Epoch:     epoch,
		Iteration: iteration,
		Timestamp: time.Now().Unix(),
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint meta: %w", err)
	}

	groups := map[string]map[string]*core.Tensor{modelGroup: reg.StateDict()}
	if len(momentum) > 0 {
		groups[momentumGroup] = momentum
	}
	// weights before the sidecar, so a new sidecar always follows its weights
	err = core.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		return core.EncodeGroups(w, groups)
	})
	if err != nil {
		return fmt.Errorf("write checkpoint weights: %w", err)
	}
	err = core.WriteFileAtomic(path+".meta", 0o644, func(w io.Writer) error {
		_, err := w.Write(append(metaJSON, '\n'))
		return err
	})
	if err != nil {
		return fmt.Errorf("write checkpoint meta: %w", err)
	}

	log.Info().Msgf("Checkpoint saved: %s (epoch: %d, heads: %v)", path, epoch, meta.Tasks)
	return nil
}

// ReadMeta - sidecar only, no weights
func ReadMeta(path string) (Meta, error) {
	var meta Meta
	f, err := os.Open(path + ".meta")
	if err != nil {
		return meta, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&meta); err != nil {
		return meta, fmt.Errorf("decode checkpoint meta: %w", err)
	}
	return meta, nil
}

// Load - restores path into reg. A head set that differs from the saved one
// yields *multihead.StructuralRestoreError and leaves reg untouched.
func Load(path string, reg *multihead.MultiHead) (*Checkpoint, error) {
	meta, err := ReadMeta(path)
	if err != nil {
		return nil, err
	}
	if !reg.Config().Compatible(meta.Config) {
		return nil, fmt.Errorf("%w: %s", ErrIncompatibleConfig, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	groups, err := core.DecodeGroups(f, reg.Device())
	if err != nil {
		return nil, fmt.Errorf("read checkpoint weights: %w", err)
	}

	if err := reg.LoadStateDict(meta.Tasks, groups[modelGroup]); err != nil {
		return nil, err
	}
	if meta.Active != "" {
		if err := reg.Activate(meta.Active); err != nil {
			return nil, err
		}
	}

	log.Info().Msgf("Checkpoint loaded: %s (epoch: %d)", path, meta.Epoch)
	return &Checkpoint{Meta: meta, Momentum: groups[momentumGroup]}, nil
}
