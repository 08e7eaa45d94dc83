package training

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/tsawler/go-denoise/layers"
)

// Mode selects how role buffers are assembled into a network input.
type Mode int

const (
	// Mode2D concatenates roles along the channel axis.
	Mode2D Mode = iota
	// Mode3D stacks roles along an added depth axis.
	Mode3D
)

func (m Mode) String() string {
	switch m {
	case Mode2D:
		return "2d"
	case Mode3D:
		return "3d"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "2d" or "3d", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "2d":
		return Mode2D, nil
	case "3d":
		return Mode3D, nil
	}
	return 0, fmt.Errorf("unknown mode %q (expected 2d or 3d)", s)
}

const (
	// Input2DChannels is noisy(3) + normals(3) + depth(1) + albedo(3) +
	// shape(3) + emission(3) + specular(1).
	Input2DChannels = 17
	// Input3DDepth is the number of roles stacked along the depth axis.
	Input3DDepth = 7
	colorChannels = 3
)

// DenoiserConfig sizes a network. Height and Width only feed the compiled
// spec; the layers accept any frame size.
type DenoiserConfig struct {
	Hidden    int
	BatchSize int
	Height    int
	Width     int
	Seed      int64
}

func (c DenoiserConfig) withDefaults() DenoiserConfig {
	if c.Hidden <= 0 {
		c.Hidden = 32
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.Height <= 0 {
		c.Height = 240
	}
	if c.Width <= 0 {
		c.Width = 426
	}
	return c
}

// Denoiser is a trainable network together with its compiled description.
type Denoiser struct {
	*Sequential
	spec *layers.ModelSpec
	mode Mode
}

// Spec2D describes the three-layer 2D convolutional denoiser.
func Spec2D(cfg DenoiserConfig) (*layers.ModelSpec, error) {
	cfg = cfg.withDefaults()
	return layers.NewModelBuilder("cnn_2d", []int{cfg.BatchSize, Input2DChannels, cfg.Height, cfg.Width}).
		AddConv2D(cfg.Hidden, 3, 1, true, "conv1").
		AddReLU("relu1").
		AddConv2D(cfg.Hidden, 3, 1, true, "conv2").
		AddReLU("relu2").
		AddConv2D(colorChannels, 3, 1, true, "conv3").
		AddReLU("relu3").
		Compile()
}

// Spec3D describes six depthwise/pointwise blocks that fold the 7-deep role
// axis down to a single RGB slice.
func Spec3D(cfg DenoiserConfig) (*layers.ModelSpec, error) {
	cfg = cfg.withDefaults()
	b := layers.NewModelBuilder("cnn_3d", []int{cfg.BatchSize, colorChannels, Input3DDepth, cfg.Height, cfg.Width})
	blocks := Input3DDepth - 1
	for i := 1; i <= blocks; i++ {
		out := cfg.Hidden
		if i == blocks {
			out = colorChannels
		}
		b.AddDepthwiseConv3D(2, true, fmt.Sprintf("block%d.depthwise", i)).
			AddPointwiseConv3D(out, true, fmt.Sprintf("block%d.pointwise", i)).
			AddReLU(fmt.Sprintf("block%d.relu", i))
	}
	return b.Compile()
}

// NewDenoiser2D builds the 2D channel-concatenation network.
func NewDenoiser2D(cfg DenoiserConfig) (*Denoiser, error) {
	spec, err := Spec2D(cfg)
	if err != nil {
		return nil, err
	}
	return NewDenoiserFromSpec(spec, cfg.Seed)
}

// NewDenoiser3D builds the 3D depthwise/pointwise network.
func NewDenoiser3D(cfg DenoiserConfig) (*Denoiser, error) {
	spec, err := Spec3D(cfg)
	if err != nil {
		return nil, err
	}
	return NewDenoiserFromSpec(spec, cfg.Seed)
}

// NewDenoiser builds the network for mode.
func NewDenoiser(mode Mode, cfg DenoiserConfig) (*Denoiser, error) {
	switch mode {
	case Mode2D:
		return NewDenoiser2D(cfg)
	case Mode3D:
		return NewDenoiser3D(cfg)
	}
	return nil, fmt.Errorf("unsupported mode %s", mode)
}

// NewDenoiserFromSpec instantiates a network from a compiled spec. The mode
// is inferred from the rank of the input shape.
func NewDenoiserFromSpec(spec *layers.ModelSpec, seed int64) (*Denoiser, error) {
	var mode Mode
	switch len(spec.InputShape) {
	case 4:
		mode = Mode2D
	case 5:
		mode = Mode3D
	default:
		return nil, fmt.Errorf("model %q has input shape %v, expected rank 4 or 5", spec.Name, spec.InputShape)
	}

	seq, err := BuildSequential(spec, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, err
	}
	return &Denoiser{Sequential: seq, spec: spec, mode: mode}, nil
}

// Name is the model name stored in checkpoints.
func (d *Denoiser) Name() string { return d.spec.Name }

// Mode reports whether the network is 2D or 3D.
func (d *Denoiser) Mode() Mode { return d.mode }

// Spec returns the compiled layer description.
func (d *Denoiser) Spec() *layers.ModelSpec { return d.spec }

// InputChannels is the declared channel count of the assembled input.
func (d *Denoiser) InputChannels() int { return d.spec.InputChannels() }

// InputDepth is the size of the role axis in 3D mode, 0 otherwise.
func (d *Denoiser) InputDepth() int {
	if d.mode != Mode3D {
		return 0
	}
	return d.spec.InputShape[2]
}

// OutputChannels is the channel count of the denoised image.
func (d *Denoiser) OutputChannels() int {
	if len(d.spec.OutputShape) < 2 {
		return 0
	}
	return d.spec.OutputShape[1]
}

// ParameterBytes is the memory held by weights and gradients.
func (d *Denoiser) ParameterBytes() int64 {
	var total int64
	for _, p := range d.Parameters() {
		total += p.Value.Bytes() + p.Grad.Bytes()
	}
	return total
}
