// internal/artifact/mirror.go
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Driver - backend of the artifact mirror
type Driver string

const (
	DriverNone       Driver = ""
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
)

// Config - mirror settings, the `artifacts.mirror` section of the run config
type Config struct {
	Driver Driver `yaml:"driver"`
	// Root - target directory for the fs driver
	Root string   `yaml:"root"`
	S3   S3Config `yaml:"s3"`
}

// Mirror - where saved artifacts are copied to
type Mirror interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) ([]byte, error)
	Driver() Driver
}

// Open - nil Mirror and nil error when no driver is configured
func Open(ctx context.Context, cfg Config) (Mirror, error) {
	switch cfg.Driver {
	case DriverNone:
		return nil, nil
	case DriverFilesystem:
		return NewDir(cfg.Root)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown artifact driver %q", cfg.Driver)
	}
}

// Dir - mirror into a local or mounted directory
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("mirror root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Driver() Driver { return DriverFilesystem }

func (d *Dir) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(d.root, clean), nil
}

func (d *Dir) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".mirror-*")
	if err != nil {
		return err
	}
	n, err := io.Copy(tmp, r)
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("copied %d bytes, expected %d", n, size)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("mirror %s: %w", key, err)
	}
	return os.Rename(tmp.Name(), path)
}

func (d *Dir) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := d.path(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}
