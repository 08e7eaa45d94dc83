package training

import (
	"testing"

	"github.com/tsawler/go-denoise/tensor"
)

func TestDenoiserSpecs(t *testing.T) {
	t.Run("2D", func(t *testing.T) {
		net, err := NewDenoiser(Mode2D, DenoiserConfig{})
		if err != nil {
			t.Fatalf("Failed to create 2D denoiser: %v", err)
		}
		if net.InputChannels() != Input2DChannels {
			t.Errorf("Expected %d input channels, got %d", Input2DChannels, net.InputChannels())
		}
		if net.OutputChannels() != 3 {
			t.Errorf("Expected 3 output channels, got %d", net.OutputChannels())
		}
		if net.InputDepth() != 0 {
			t.Errorf("Expected no depth axis, got %d", net.InputDepth())
		}
		// 17*32*9+32 + 32*32*9+32 + 32*3*9+3
		if net.Spec().TotalParameters != 15043 {
			t.Errorf("Expected 15043 parameters, got %d", net.Spec().TotalParameters)
		}
	})

	t.Run("3D", func(t *testing.T) {
		net, err := NewDenoiser(Mode3D, DenoiserConfig{Hidden: 8, Height: 4, Width: 4})
		if err != nil {
			t.Fatalf("Failed to create 3D denoiser: %v", err)
		}
		if net.InputDepth() != Input3DDepth {
			t.Errorf("Expected depth %d, got %d", Input3DDepth, net.InputDepth())
		}
		if !tensor.ShapesEqual(net.Spec().OutputShape, []int{1, 3, 1, 4, 4}) {
			t.Errorf("Expected output shape [1 3 1 4 4], got %v", net.Spec().OutputShape)
		}
		if len(net.Spec().Layers) != 18 {
			t.Errorf("Expected 18 layers, got %d", len(net.Spec().Layers))
		}
	})
}

func TestDenoiserDeterministicInit(t *testing.T) {
	cfg := DenoiserConfig{Hidden: 4, Height: 4, Width: 4, Seed: 7}
	a, _ := NewDenoiser2D(cfg)
	b, _ := NewDenoiser2D(cfg)
	cfg.Seed = 8
	c, _ := NewDenoiser2D(cfg)

	pa, pb, pc := a.Parameters(), b.Parameters(), c.Parameters()
	for i := range pa {
		if !pa[i].Value.Equal(pb[i].Value) {
			t.Errorf("%s differs between runs with the same seed", pa[i].Name)
		}
	}
	if pa[0].Value.Equal(pc[0].Value) {
		t.Error("Expected different weights for a different seed")
	}
}

func TestNewDenoiserFromSpecInfersMode(t *testing.T) {
	spec, _ := Spec3D(DenoiserConfig{Hidden: 4, Height: 2, Width: 2})
	net, err := NewDenoiserFromSpec(spec, 1)
	if err != nil {
		t.Fatalf("Failed to build from spec: %v", err)
	}
	if net.Mode() != Mode3D {
		t.Errorf("Expected mode 3d, got %s", net.Mode())
	}
	if net.ParameterBytes() != 2*4*spec.TotalParameters {
		t.Errorf("Expected %d parameter bytes, got %d", 8*spec.TotalParameters, net.ParameterBytes())
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"2d", Mode2D, true},
		{" 3D ", Mode3D, true},
		{"4d", 0, false},
	}
	for _, test := range tests {
		got, err := ParseMode(test.in)
		if (err == nil) != test.ok {
			t.Errorf("ParseMode(%q): unexpected error state %v", test.in, err)
			continue
		}
		if test.ok && got != test.want {
			t.Errorf("ParseMode(%q): expected %s, got %s", test.in, test.want, got)
		}
	}
}
