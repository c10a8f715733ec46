// internal/state/state.go
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/tidwall/gjson"
)

// SchemaVersion - the only fold layout this package reads and writes
const SchemaVersion = 1

var (
	ErrUnsupportedVersion = errors.New("unsupported training state version")
	ErrConfigMismatch     = errors.New("hyperparameters differ from the recorded run")
	ErrArtifactsRecorded  = errors.New("artifact paths already recorded")
	ErrUnknownFold        = errors.New("fold not recorded")
)

// FileName - <extension>_trained_on.json
func FileName(extension string) string {
	return extension + "_trained_on.json"
}

// Hyperparams - the values a resumed run must share with the recorded one
type Hyperparams struct {
	Alpha     float64 `yaml:"alpha" json:"alpha"`
	Scales    int     `yaml:"scales" json:"scales"`
	PODLambda float64 `yaml:"pod_lambda" json:"pod_lambda"`
	BatchSize int     `yaml:"batch_size" json:"batch_size"`
	EWCLambda float64 `yaml:"ewc_lambda" json:"ewc_lambda"`
}

// ConfigMismatchError - a resume request disagreeing with the fold record
type ConfigMismatchError struct {
	Fold      string
	Field     string
	Recorded  any
	Requested any
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("fold %s: %s recorded as %v, requested %v", e.Fold, e.Field, e.Recorded, e.Requested)
}

func (e *ConfigMismatchError) Unwrap() error { return ErrConfigMismatch }

// Fold - persisted record of one cross-validation fold
type Fold struct {
	Version               int      `json:"version"`
	FisherAt              *string  `json:"fisher_at"`
	ParamsAt              *string  `json:"params_at"`
	UsedAlpha             float64  `json:"used_alpha"`
	UsedScales            int      `json:"used_scales"`
	UsedPODLambda         float64  `json:"used_pod_lambda"`
	UsedBatchSize         int      `json:"used_batch_size"`
	UsedEWCLambda         float64  `json:"used_ewc_lambda"`
	FinishedTrainingOn    []string `json:"finished_training_on"`
	ValMetricsShouldExist bool     `json:"val_metrics_should_exist"`
}

func newFold(hp Hyperparams) *Fold {
	return &Fold{
		Version:            SchemaVersion,
		UsedAlpha:          hp.Alpha,
		UsedScales:         hp.Scales,
		UsedPODLambda:      hp.PODLambda,
		UsedBatchSize:      hp.BatchSize,
		UsedEWCLambda:      hp.EWCLambda,
		FinishedTrainingOn: []string{},
	}
}

// Validate - structural checks applied after every load and before every save
func (f *Fold) Validate() error {
	var errs []error
	if f.Version != SchemaVersion {
		errs = append(errs, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Version))
	}
	if (f.FisherAt == nil) != (f.ParamsAt == nil) {
		errs = append(errs, errors.New("fisher_at and params_at must be set together"))
	}
	if f.UsedBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("used_batch_size must be positive, got %d", f.UsedBatchSize))
	}
	if f.UsedScales < 0 {
		errs = append(errs, fmt.Errorf("used_scales must not be negative, got %d", f.UsedScales))
	}
	if f.FinishedTrainingOn == nil {
		errs = append(errs, errors.New("finished_training_on must be an array"))
	}
	seen := make(map[string]bool, len(f.FinishedTrainingOn))
	for _, task := range f.FinishedTrainingOn {
		if strings.TrimSpace(task) == "" {
			errs = append(errs, errors.New("finished_training_on holds an empty task id"))
			continue
		}
		if seen[task] {
			errs = append(errs, fmt.Errorf("task %s finished twice", task))
		}
		seen[task] = true
	}
	return errors.Join(errs...)
}

func (f *Fold) Hyperparams() Hyperparams {
	return Hyperparams{
		Alpha:     f.UsedAlpha,
		Scales:    f.UsedScales,
		PODLambda: f.UsedPODLambda,
		BatchSize: f.UsedBatchSize,
		EWCLambda: f.UsedEWCLambda,
	}
}

func (f *Fold) check(fold string, hp Hyperparams) error {
	rec := f.Hyperparams()
	switch {
	case rec.Scales != hp.Scales:
		return &ConfigMismatchError{Fold: fold, Field: "used_scales", Recorded: rec.Scales, Requested: hp.Scales}
	case rec.BatchSize != hp.BatchSize:
		return &ConfigMismatchError{Fold: fold, Field: "used_batch_size", Recorded: rec.BatchSize, Requested: hp.BatchSize}
	case rec.Alpha != hp.Alpha:
		return &ConfigMismatchError{Fold: fold, Field: "used_alpha", Recorded: rec.Alpha, Requested: hp.Alpha}
	case rec.PODLambda != hp.PODLambda:
		return &ConfigMismatchError{Fold: fold, Field: "used_pod_lambda", Recorded: rec.PODLambda, Requested: hp.PODLambda}
	case rec.EWCLambda != hp.EWCLambda:
		return &ConfigMismatchError{Fold: fold, Field: "used_ewc_lambda", Recorded: rec.EWCLambda, Requested: hp.EWCLambda}
	}
	return nil
}

// RecordArtifacts - writes the importance artifact paths the first time only.
// Recording the same paths again is a no-op.
func (f *Fold) RecordArtifacts(fisherAt, paramsAt string) error {
	if f.FisherAt != nil {
		if *f.FisherAt == fisherAt && *f.ParamsAt == paramsAt {
			return nil
		}
		return fmt.Errorf("%w: %s, %s", ErrArtifactsRecorded, *f.FisherAt, *f.ParamsAt)
	}
	f.FisherAt, f.ParamsAt = &fisherAt, &paramsAt
	return nil
}

// Artifacts - recorded paths, ok is false until RecordArtifacts ran
func (f *Fold) Artifacts() (fisherAt, paramsAt string, ok bool) {
	if f.FisherAt == nil || f.ParamsAt == nil {
		return "", "", false
	}
	return *f.FisherAt, *f.ParamsAt, true
}

// MarkFinished - appends task to the completion order; a task already
// listed keeps its position
func (f *Fold) MarkFinished(task string) error {
	if strings.TrimSpace(task) == "" {
		return errors.New("task id is required")
	}
	if f.HasFinished(task) {
		return nil
	}
	f.FinishedTrainingOn = append(f.FinishedTrainingOn, task)
	return nil
}

func (f *Fold) HasFinished(task string) bool { return slices.Contains(f.FinishedTrainingOn, task) }

func (f *Fold) Finished() []string { return slices.Clone(f.FinishedTrainingOn) }

// State - all folds of one <extension>_trained_on.json file
type State struct {
	path  string
	folds map[string]*Fold
}

// Open - a missing file yields an empty state bound to path
func Open(path string) (*State, error) {
	s := &State{path: path, folds: make(map[string]*Fold)}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read training state: %w", err)
	}
	if err := peekVersions(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := decodeStrict(data, &s.folds); err != nil {
		return nil, fmt.Errorf("decode training state %s: %w", path, err)
	}
	for name, f := range s.folds {
		if f == nil {
			return nil, fmt.Errorf("fold %s: empty record", name)
		}
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("invalid fold %s on disk: %w", name, err)
		}
	}
	return s, nil
}

// peekVersions - rejects unknown layouts before attempting a typed decode
func peekVersions(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.New("invalid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return errors.New("training state must be a JSON object")
	}
	var err error
	root.ForEach(func(fold, rec gjson.Result) bool {
		v := rec.Get("version")
		if !v.Exists() {
			err = fmt.Errorf("%w: fold %s has no version", ErrUnsupportedVersion, fold.String())
			return false
		}
		if v.Int() != SchemaVersion {
			err = fmt.Errorf("%w: fold %s has version %s", ErrUnsupportedVersion, fold.String(), v.Raw)
			return false
		}
		return true
	})
	return err
}

func decodeStrict(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing content")
	}
	return nil
}

func (s *State) Path() string { return s.path }

// Folds - recorded fold names, sorted
func (s *State) Folds() []string {
	out := make([]string, 0, len(s.folds))
	for name := range s.folds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup - read access without a hyperparameter check
func (s *State) Lookup(fold string) (*Fold, error) {
	f, ok := s.folds[fold]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFold, fold)
	}
	return f, nil
}

// Fold - the record for fold, created from hp if absent. An existing record
// must have been produced with the same hyperparameters.
func (s *State) Fold(fold string, hp Hyperparams) (*Fold, error) {
	if f, ok := s.folds[fold]; ok {
		if err := f.check(fold, hp); err != nil {
			return nil, err
		}
		return f, nil
	}
	f := newFold(hp)
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("fold %s: %w", fold, err)
	}
	s.folds[fold] = f
	return f, nil
}

// Save - durable atomic write (temp file, fsync, rename, dir fsync)
func (s *State) Save() error {
	for name, f := range s.folds {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("invalid fold %s: %w", name, err)
		}
	}
	data, err := json.MarshalIndent(s.folds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal training state: %w", err)
	}
	write := func(w io.Writer) error {
		_, err := w.Write(append(data, '\n'))
		return err
	}
	if err := core.WriteFileAtomic(s.path, 0o644, write); err != nil {
		return fmt.Errorf("write training state: %w", err)
	}
	return nil
}
