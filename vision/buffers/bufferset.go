package buffers

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-denoise/tensor"
)

var (
	// ErrUnknownRole is returned for a file that does not match any role suffix.
	ErrUnknownRole = errors.New("unrecognized buffer role")
	// ErrDuplicateRole is returned when two files in a sample claim the same role.
	ErrDuplicateRole = errors.New("duplicate buffer role")
	// ErrIncompleteSample is returned when a sample lacks one or more roles.
	ErrIncompleteSample = errors.New("incomplete sample")
	// ErrChannelCount is returned when a buffer has the wrong channel count or size.
	ErrChannelCount = errors.New("unexpected buffer shape")
)

// BufferSet is one decoded sample. Every field holds a [C,H,W] tensor.
type BufferSet struct {
	Dir     string
	FrameID string

	Noisy     *tensor.Tensor
	Albedo    *tensor.Tensor
	Converged *tensor.Tensor
	Depth     *tensor.Tensor
	Emission  *tensor.Tensor
	Normals   *tensor.Tensor
	Shape     *tensor.Tensor
	Specular  *tensor.Tensor
}

// Get returns the buffer stored for role.
func (b *BufferSet) Get(role Role) *tensor.Tensor {
	switch role {
	case Noisy:
		return b.Noisy
	case Albedo:
		return b.Albedo
	case Converged:
		return b.Converged
	case Depth:
		return b.Depth
	case Emission:
		return b.Emission
	case Normals:
		return b.Normals
	case Shape:
		return b.Shape
	case Specular:
		return b.Specular
	}
	return nil
}

func (b *BufferSet) set(role Role, t *tensor.Tensor) {
	switch role {
	case Noisy:
		b.Noisy = t
	case Albedo:
		b.Albedo = t
	case Converged:
		b.Converged = t
	case Depth:
		b.Depth = t
	case Emission:
		b.Emission = t
	case Normals:
		b.Normals = t
	case Shape:
		b.Shape = t
	case Specular:
		b.Specular = t
	}
}

// Size returns the shared spatial size of the buffers.
func (b *BufferSet) Size() (height, width int) {
	if b.Noisy == nil || len(b.Noisy.Shape) != 3 {
		return 0, 0
	}
	return b.Noisy.Shape[1], b.Noisy.Shape[2]
}

// Bytes is the decoded size of all buffers.
func (b *BufferSet) Bytes() int64 {
	var total int64
	for _, role := range Roles() {
		total += b.Get(role).Bytes()
	}
	return total
}

// Validate checks that every role is present with its expected channel
// count and that all buffers share one spatial size.
func (b *BufferSet) Validate() error {
	var h, w int
	for i, role := range Roles() {
		t := b.Get(role)
		if t == nil {
			return fmt.Errorf("%s: missing %s: %w", b.Dir, role, ErrIncompleteSample)
		}
		if len(t.Shape) != 3 || t.Shape[0] != role.Channels() {
			return fmt.Errorf("%s: %s has shape %v, expected %d channels: %w",
				b.Dir, role, t.Shape, role.Channels(), ErrChannelCount)
		}
		if i == 0 {
			h, w = t.Shape[1], t.Shape[2]
			continue
		}
		if t.Shape[1] != h || t.Shape[2] != w {
			return fmt.Errorf("%s: %s is %dx%d, expected %dx%d: %w",
				b.Dir, role, t.Shape[2], t.Shape[1], w, h, ErrChannelCount)
		}
	}
	return nil
}
