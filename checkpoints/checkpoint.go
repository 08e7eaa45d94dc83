package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/go-denoise/layers"
	"github.com/tsawler/go-denoise/log"
)

var logger = log.New("checkpoint")

var (
	// ErrWeightMismatch is returned when stored weights do not fit the model.
	ErrWeightMismatch = errors.New("checkpoint weights do not match model")
	// ErrUnsupportedFormat is returned for an unknown or unreadable format.
	ErrUnsupportedFormat = errors.New("unsupported checkpoint format")
)

// Format defines the serialization format.
type Format int

const (
	FormatJSON Format = iota
	FormatONNX
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatONNX:
		return "onnx"
	default:
		return "unknown"
	}
}

// Extension returns the file extension including the dot.
func (f Format) Extension() string {
	return "." + f.String()
}

// ParseFormat maps "json" or "onnx" (a leading dot is allowed) to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "json":
		return FormatJSON, nil
	case "onnx":
		return FormatONNX, nil
	}
	return 0, fmt.Errorf("%q: %w", s, ErrUnsupportedFormat)
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	return ParseFormat(filepath.Ext(path))
}

// Checkpoint is a weights-only snapshot of a model. Optimizer state is not
// stored.
type Checkpoint struct {
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`
	Metadata  Metadata          `json:"metadata"`
}

// WeightTensor is one named parameter.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// Metadata describes when and by what a checkpoint was written.
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Epoch       int       `json:"epoch"`
	Description string    `json:"description,omitempty"`
}

const (
	framework = "go-denoise"
	version   = "1.0.0"
)

// WeightMap indexes weights by name.
func (c *Checkpoint) WeightMap() map[string]WeightTensor {
	m := make(map[string]WeightTensor, len(c.Weights))
	for _, w := range c.Weights {
		m[w.Name] = w
	}
	return m
}

// Validate checks that the weights cover exactly the parameters of the
// model spec, with matching shapes and data lengths.
func (c *Checkpoint) Validate() error {
	if c.ModelSpec == nil {
		return fmt.Errorf("checkpoint has no model spec: %w", ErrWeightMismatch)
	}

	weights := c.WeightMap()
	if len(weights) != len(c.Weights) {
		return fmt.Errorf("duplicate weight names: %w", ErrWeightMismatch)
	}

	expected := 0
	for _, layer := range c.ModelSpec.Layers {
		for i, name := range layer.ParameterNames() {
			expected++
			w, ok := weights[name]
			if !ok {
				return fmt.Errorf("missing %s: %w", name, ErrWeightMismatch)
			}
			if !shapeEqual(w.Shape, layer.ParameterShapes[i]) {
				return fmt.Errorf("%s has shape %v, model expects %v: %w", name, w.Shape, layer.ParameterShapes[i], ErrWeightMismatch)
			}
			if len(w.Data) != numElements(w.Shape) {
				return fmt.Errorf("%s has %d values for shape %v: %w", name, len(w.Data), w.Shape, ErrWeightMismatch)
			}
		}
	}
	if expected != len(c.Weights) {
		return fmt.Errorf("checkpoint has %d weights, model has %d parameters: %w", len(c.Weights), expected, ErrWeightMismatch)
	}
	return nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Saver writes and reads checkpoints in one format.
type Saver struct {
	format Format
}

// NewSaver creates a saver for format.
func NewSaver(format Format) *Saver {
	return &Saver{format: format}
}

// Format returns the saver's serialization format.
func (s *Saver) Format() Format {
	return s.format
}

// Path returns <dir>/<prefix>_<version><ext>.
func (s *Saver) Path(dir, prefix, version string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", prefix, version, s.format.Extension()))
}

// Save writes the checkpoint atomically: a temporary file in the target
// directory is renamed over path once fully written.
func (s *Saver) Save(checkpoint *Checkpoint, path string) error {
	if err := checkpoint.Validate(); err != nil {
		return err
	}
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = framework
		checkpoint.Metadata.Version = version
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var (
		data []byte
		err  error
	)
	switch s.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatONNX:
		data, err = MarshalONNX(checkpoint)
	default:
		return fmt.Errorf("%s: %w", s.format, ErrUnsupportedFormat)
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}

	logger.Debugf("wrote %s checkpoint %s (%d bytes)", s.format, path, len(data))
	return nil
}

// Load reads a checkpoint in the saver's format and validates it.
func (s *Saver) Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	var checkpoint *Checkpoint
	switch s.format {
	case FormatJSON:
		checkpoint = &Checkpoint{}
		if err := json.Unmarshal(data, checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
	case FormatONNX:
		if checkpoint, err = UnmarshalONNX(data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%s: %w", s.format, ErrUnsupportedFormat)
	}

	if checkpoint.ModelSpec != nil {
		spec, err := layers.Compile(checkpoint.ModelSpec.Name, checkpoint.ModelSpec.InputShape, checkpoint.ModelSpec.Layers)
		if err != nil {
			return nil, fmt.Errorf("invalid model spec in checkpoint: %w", err)
		}
		checkpoint.ModelSpec = spec
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// Load reads a checkpoint, choosing the format from the file extension.
func Load(path string) (*Checkpoint, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	return NewSaver(format).Load(path)
}
