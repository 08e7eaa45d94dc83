package training

import (
	"fmt"

	"github.com/tsawler/go-denoise/tensor"
	"github.com/tsawler/go-denoise/vision/buffers"
	"github.com/tsawler/go-denoise/vision/dataloader"
)

// inputRoles is the order in which roles enter the network. The converged
// buffer is the target and never part of the input.
var inputRoles = []buffers.Role{
	buffers.Noisy,
	buffers.Normals,
	buffers.Depth,
	buffers.Albedo,
	buffers.Shape,
	buffers.Emission,
	buffers.Specular,
}

// Assembler turns a RoleBatch into a network input and training target,
// rejecting any batch that does not match the network before it runs.
type Assembler struct {
	mode          Mode
	inputChannels int
	inputDepth    int
	height        int
	width         int
}

// NewAssembler builds an assembler for net. A zero height or width accepts
// any frame size.
func NewAssembler(net *Denoiser, height, width int) *Assembler {
	return &Assembler{
		mode:          net.Mode(),
		inputChannels: net.InputChannels(),
		inputDepth:    net.InputDepth(),
		height:        height,
		width:         width,
	}
}

// Assemble returns ([B,C,H,W] input, [B,3,H,W] target) in 2D mode and
// ([B,3,7,H,W] input, [B,3,1,H,W] target) in 3D mode.
func (a *Assembler) Assemble(batch *dataloader.RoleBatch) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := a.check(batch); err != nil {
		return nil, nil, err
	}

	switch a.mode {
	case Mode2D:
		return a.assemble2D(batch)
	case Mode3D:
		return a.assemble3D(batch)
	}
	return nil, nil, fmt.Errorf("unsupported mode %s", a.mode)
}

func (a *Assembler) check(batch *dataloader.RoleBatch) error {
	target := batch.Converged
	if target == nil || len(target.Shape) != 4 {
		return fmt.Errorf("converged buffer missing or not [B,C,H,W]: %w", ErrShapeMismatch)
	}
	b, h, w := target.Shape[0], target.Shape[2], target.Shape[3]
	if target.Shape[1] != colorChannels {
		return fmt.Errorf("converged has %d channels, expected %d: %w", target.Shape[1], colorChannels, ErrShapeMismatch)
	}
	if b != batch.Size() {
		return fmt.Errorf("converged batch size %d, expected %d: %w", b, batch.Size(), ErrShapeMismatch)
	}
	if (a.height > 0 && h != a.height) || (a.width > 0 && w != a.width) {
		return fmt.Errorf("frame size %dx%d, expected %dx%d: %w", w, h, a.width, a.height, ErrShapeMismatch)
	}

	for _, role := range inputRoles {
		t := batch.Get(role)
		if t == nil || len(t.Shape) != 4 {
			return fmt.Errorf("%s buffer missing or not [B,C,H,W]: %w", role, ErrShapeMismatch)
		}
		if t.Shape[0] != b {
			return fmt.Errorf("%s batch size %d, converged has %d: %w", role, t.Shape[0], b, ErrShapeMismatch)
		}
		if t.Shape[2] != h || t.Shape[3] != w {
			return fmt.Errorf("%s is %dx%d, converged is %dx%d: %w", role, t.Shape[3], t.Shape[2], w, h, ErrShapeMismatch)
		}
		if t.Shape[1] != role.Channels() {
			return fmt.Errorf("%s has %d channels, expected %d: %w", role, t.Shape[1], role.Channels(), ErrShapeMismatch)
		}
	}
	return nil
}

func (a *Assembler) assemble2D(batch *dataloader.RoleBatch) (*tensor.Tensor, *tensor.Tensor, error) {
	parts := make([]*tensor.Tensor, len(inputRoles))
	for i, role := range inputRoles {
		parts[i] = batch.Get(role)
	}

	input, err := tensor.Concat(1, parts...)
	if err != nil {
		return nil, nil, err
	}
	if input.Shape[1] != a.inputChannels {
		return nil, nil, fmt.Errorf("assembled %d input channels, network expects %d: %w",
			input.Shape[1], a.inputChannels, ErrShapeMismatch)
	}
	return input, batch.Converged, nil
}

func (a *Assembler) assemble3D(batch *dataloader.RoleBatch) (*tensor.Tensor, *tensor.Tensor, error) {
	parts := make([]*tensor.Tensor, len(inputRoles))
	for i, role := range inputRoles {
		t := batch.Get(role)
		if role.SingleChannel() {
			var err error
			if t, err = tensor.Repeat(t, 1, colorChannels); err != nil {
				return nil, nil, err
			}
		}
		u, err := tensor.Unsqueeze(t, 2)
		if err != nil {
			return nil, nil, err
		}
		parts[i] = u
	}

	input, err := tensor.Concat(2, parts...)
	if err != nil {
		return nil, nil, err
	}
	if input.Shape[1] != a.inputChannels || input.Shape[2] != a.inputDepth {
		return nil, nil, fmt.Errorf("assembled %d channels x %d depth, network expects %d x %d: %w",
			input.Shape[1], input.Shape[2], a.inputChannels, a.inputDepth, ErrShapeMismatch)
	}

	target, err := tensor.Unsqueeze(batch.Converged, 2)
	if err != nil {
		return nil, nil, err
	}
	return input, target, nil
}
