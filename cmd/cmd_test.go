package cmd

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli"

	"github.com/tsawler/go-denoise/checkpoints"
	"github.com/tsawler/go-denoise/vision/buffers"
)

func writeSample(t *testing.T, dir, frame string, w, h int, seed int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create %s: %v", dir, err)
	}
	for i, role := range buffers.Roles() {
		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := uint8((seed*31 + i*17 + x*7 + y*13) % 256)
				img.Set(x, y, color.NRGBA{R: v, G: v / 2, B: 255 - v, A: 255})
			}
		}
		path := filepath.Join(dir, fmt.Sprintf("scene-%s-%s.png", role, frame))
		f, err := os.Create(path)
		if err != nil {
			t.Fatalf("Failed to create %s: %v", path, err)
		}
		if err := png.Encode(f, img); err != nil {
			f.Close()
			t.Fatalf("Failed to encode %s: %v", path, err)
		}
		f.Close()
	}
}

// writeDataset creates train/ with two samples and val/ with one.
func writeDataset(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeSample(t, filepath.Join(root, "train", "0001"), "0001", 4, 4, 1)
	writeSample(t, filepath.Join(root, "train", "0002"), "0002", 4, 4, 2)
	writeSample(t, filepath.Join(root, "val", "0003"), "0003", 4, 4, 3)
	return root
}

func testApp(out *bytes.Buffer) *cli.App {
	app := NewApp()
	app.Writer = out
	app.ErrWriter = out
	return app
}

func stubExit(t *testing.T) {
	t.Helper()
	prev := cli.OsExiter
	cli.OsExiter = func(int) {}
	t.Cleanup(func() { cli.OsExiter = prev })
}

func train2D(t *testing.T, root, experiment string) {
	t.Helper()
	var out bytes.Buffer
	err := testApp(&out).Run([]string{"denoiser", "train",
		"--root", root,
		"--experiment", experiment,
		"--ext", "png",
		"--epochs", "1",
		"--batch-size", "1",
		"--workers", "2",
		"--train-limit", "0",
		"--val-limit", "0",
		"--hidden", "4",
		"--height", "4",
		"--width", "4",
		"--no-menu",
	})
	if err != nil {
		t.Fatalf("train failed: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "Training finished") {
		t.Errorf("Expected completion message, got:\n%s", out.String())
	}
}

func TestTrainWritesCheckpoint(t *testing.T) {
	stubExit(t)
	root := writeDataset(t)
	experiment := t.TempDir()

	train2D(t, root, experiment)

	path := filepath.Join(experiment, "cnn_240p_den_v1.json")
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		t.Fatalf("Failed to load %s: %v", path, err)
	}
	if len(ckpt.Weights) == 0 {
		t.Error("Expected weights in checkpoint")
	}
}

func TestTrainRequiresRoot(t *testing.T) {
	stubExit(t)
	var out bytes.Buffer
	err := testApp(&out).Run([]string{"denoiser", "train", "--no-menu"})
	if err == nil {
		t.Fatal("Expected error without a dataset root")
	}
}

func TestExport(t *testing.T) {
	stubExit(t)
	root := writeDataset(t)
	experiment := t.TempDir()
	train2D(t, root, experiment)

	var out bytes.Buffer
	err := testApp(&out).Run([]string{"denoiser", "export",
		"--experiment", experiment,
		"--mode", "2d",
		"--from", "json",
		"--to", "onnx",
	})
	if err != nil {
		t.Fatalf("export failed: %v\n%s", err, out.String())
	}

	src, err := checkpoints.Load(filepath.Join(experiment, "cnn_240p_den_v1.json"))
	if err != nil {
		t.Fatalf("Failed to load source: %v", err)
	}
	dst, err := checkpoints.Load(filepath.Join(experiment, "cnn_240p_den_v1.onnx"))
	if err != nil {
		t.Fatalf("Failed to load export: %v", err)
	}
	if len(dst.Weights) != len(src.Weights) {
		t.Fatalf("Expected %d weights, got %d", len(src.Weights), len(dst.Weights))
	}
	want := src.WeightMap()
	for _, w := range dst.Weights {
		s, ok := want[w.Name]
		if !ok {
			t.Fatalf("Unexpected weight %s", w.Name)
		}
		for i := range w.Data {
			if w.Data[i] != s.Data[i] {
				t.Fatalf("Expected %s[%d] = %v, got %v", w.Name, i, s.Data[i], w.Data[i])
			}
		}
	}

	t.Run("ModeMismatch", func(t *testing.T) {
		err := testApp(&out).Run([]string{"denoiser", "export",
			"--experiment", experiment,
			"--mode", "3d",
		})
		if err == nil {
			t.Error("Expected error exporting a 2d checkpoint as 3d")
		}
	})

	t.Run("MissingSource", func(t *testing.T) {
		err := testApp(&out).Run([]string{"denoiser", "export",
			"--experiment", t.TempDir(),
		})
		if err == nil {
			t.Error("Expected error for a missing checkpoint")
		}
	})
}

func TestInspect(t *testing.T) {
	stubExit(t)
	root := writeDataset(t)

	var out bytes.Buffer
	err := testApp(&out).Run([]string{"denoiser", "inspect",
		"--root", root,
		"--split", "train",
		"--ext", "png",
		"--workers", "2",
	})
	if err != nil {
		t.Fatalf("inspect failed: %v\n%s", err, out.String())
	}

	text := out.String()
	for _, want := range []string{"0001", "0002", "4x4", "depth:1", "noisy:3", "2 samples", "partition 0 [0:1)", "partition 1 [1:2)"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, text)
		}
	}
}
