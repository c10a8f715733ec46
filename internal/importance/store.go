// internal/importance/store.go
package importance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrArtifactMismatch = errors.New("importance and parameter artifacts disagree")

const (
	fisherBase = "fisher_values"
	paramsBase = "param_values"
)

// Mirror - secondary copy of written artifacts, read back when a local
// artifact is gone
type Mirror interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Store - importance artifacts on disk, loaded copies cached
type Store struct {
	dir    string
	ext    string
	cache  *lru.Cache[string, *Records]
	mirror Mirror
	log    zerolog.Logger
}

func NewStore(dir, ext string, cacheSize int) (*Store, error) {
	if ext == "" {
		return nil, errors.New("artifact extension is empty")
	}
	if cacheSize < 1 {
		cacheSize = 4
	}
	cache, err := lru.New[string, *Records](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{
		dir:   dir,
		ext:   ext,
		cache: cache,
		log:   log.With().Str("component", "importance-store").Logger(),
	}, nil
}

// WithMirror - also upload every saved artifact to m
func (s *Store) WithMirror(m Mirror) *Store {
	s.mirror = m
	return s
}

// Paths - where Save writes the importance and parameter maps
func (s *Store) Paths() (fisherAt, paramsAt string) {
	return filepath.Join(s.dir, fisherBase+"."+s.ext), filepath.Join(s.dir, paramsBase+"."+s.ext)
}

// Save - write both maps; either both files are replaced or neither
func (s *Store) Save(ctx context.Context, recs *Records) (fisherAt, paramsAt string, err error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create artifact dir: %w", err)
	}
	fisherAt, paramsAt = s.Paths()
	order := recs.Tasks()
	fisher, params := recs.groups()

	fisherTmp, err := writeTemp(s.dir, order, fisher)
	if err != nil {
		return "", "", fmt.Errorf("write importance: %w", err)
	}
	defer os.Remove(fisherTmp)
	paramsTmp, err := writeTemp(s.dir, order, params)
	if err != nil {
		return "", "", fmt.Errorf("write parameter values: %w", err)
	}
	defer os.Remove(paramsTmp)

	if err := replacePair(fisherTmp, fisherAt, paramsTmp, paramsAt); err != nil {
		return "", "", fmt.Errorf("replace importance artifacts: %w", err)
	}
	s.cache.Purge()
	s.log.Info().Strs("tasks", recs.Tasks()).Str("fisher_at", fisherAt).Msg("importance artifacts saved")

	if s.mirror != nil {
		for _, p := range []string{fisherAt, paramsAt} {
			if err := s.upload(ctx, p); err != nil {
				s.log.Warn().Err(err).Str("path", p).Msg("artifact mirror failed")
			}
		}
	}
	return fisherAt, paramsAt, nil
}

// Load - read both maps onto device, in the order the tasks were recorded.
// The two files must list the same tasks in the same order and the same
// parameter names. A missing file is fetched from the mirror when one is set.
func (s *Store) Load(ctx context.Context, fisherAt, paramsAt string, device core.Device) (*Records, error) {
	key := fisherAt + "|" + paramsAt + "|" + string(device)
	if recs, ok := s.cache.Get(key); ok {
		return recs.shallow(), nil
	}
	for _, p := range []string{fisherAt, paramsAt} {
		if err := s.fetchMissing(ctx, p); err != nil {
			return nil, err
		}
	}

	order, fisher, err := readGroups(fisherAt, device)
	if err != nil {
		return nil, fmt.Errorf("load importance: %w", err)
	}
	paramsOrder, params, err := readGroups(paramsAt, device)
	if err != nil {
		return nil, fmt.Errorf("load parameter values: %w", err)
	}
	if !slices.Equal(order, paramsOrder) {
		return nil, fmt.Errorf("%w: tasks %v vs %v", ErrArtifactMismatch, order, paramsOrder)
	}

	recs := NewRecords()
	for _, task := range order {
		p, ok := params[task]
		if !ok {
			return nil, fmt.Errorf("%w: no parameter values for %s", ErrArtifactMismatch, task)
		}
		for name := range fisher[task] {
			if _, ok := p[name]; !ok {
				return nil, fmt.Errorf("%w: %s/%s has no reference value", ErrArtifactMismatch, task, name)
			}
		}
		if err := recs.Add(task, &Record{Fisher: fisher[task], Params: p}); err != nil {
			return nil, err
		}
	}
	s.cache.Add(key, recs)
	return recs.shallow(), nil
}

// fetchMissing - copy an artifact absent on disk back from the mirror
func (s *Store) fetchMissing(ctx context.Context, path string) error {
	if s.mirror == nil {
		return nil
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		return nil
	}
	data, err := s.mirror.Get(ctx, mirrorKey(path))
	if err != nil {
		return fmt.Errorf("fetch %s from mirror: %w", filepath.Base(path), err)
	}
	err = core.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return err
	}
	s.log.Warn().Str("path", path).Msg("artifact restored from mirror")
	return nil
}

func mirrorKey(path string) string { return "importance/" + filepath.Base(path) }

func (s *Store) upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return s.mirror.Put(ctx, mirrorKey(path), f, info.Size())
}

// replacePair - rename both temp files over their targets. When the second
// rename fails the first target is put back from a hard-link backup, or
// removed if it did not exist before.
func replacePair(fisherTmp, fisherAt, paramsTmp, paramsAt string) error {
	backup := fisherAt + ".bak"
	_ = os.Remove(backup)
	hadFisher := true
	if err := os.Link(fisherAt, backup); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("back up %s: %w", filepath.Base(fisherAt), err)
		}
		hadFisher = false
	}
	defer os.Remove(backup)

	if err := os.Rename(fisherTmp, fisherAt); err != nil {
		return err
	}
	if err := os.Rename(paramsTmp, paramsAt); err != nil {
		var rollback error
		if hadFisher {
			rollback = os.Rename(backup, fisherAt)
		} else {
			rollback = os.Remove(fisherAt)
		}
		return errors.Join(err, rollback)
	}
	return core.SyncDir(filepath.Dir(fisherAt))
}

func writeTemp(dir string, order []string, groups map[string]map[string]*core.Tensor) (string, error) {
	f, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return "", err
	}
	if err := core.EncodeOrderedGroups(f, order, groups); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func readGroups(path string, device core.Device) ([]string, map[string]map[string]*core.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return core.DecodeOrderedGroups(f, device)
}
