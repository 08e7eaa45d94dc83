package dataset

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tsawler/go-denoise/vision/buffers"
)

func fakeDirs(n int) []string {
	dirs := make([]string, n)
	for i := range dirs {
		dirs[i] = fmt.Sprintf("sample_%03d", i)
	}
	return dirs
}

func fakeParse(dir string) (*buffers.BufferSet, error) {
	return &buffers.BufferSet{Dir: dir}, nil
}

func TestPlanPartitions(t *testing.T) {
	tests := []struct {
		n, workers int
		sizes      []int
	}{
		{9, 3, []int{3, 3, 3}},
		{10, 3, []int{3, 3, 4}},
		{100, 10, []int{10, 10, 10, 10, 10, 10, 10, 10, 10, 10}},
		{3, 10, []int{1, 1, 1}},
		{1, 1, []int{1}},
		{7, 2, []int{3, 4}},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("%d/%d", test.n, test.workers), func(t *testing.T) {
			parts, err := PlanPartitions(test.n, test.workers)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(parts) != len(test.sizes) {
				t.Fatalf("Expected %d partitions, got %d", len(test.sizes), len(parts))
			}
			next := 0
			for i, p := range parts {
				if p.Start != next {
					t.Errorf("Expected partition %d to start at %d, got %d", i, next, p.Start)
				}
				if p.Len() != test.sizes[i] {
					t.Errorf("Expected partition %d size %d, got %d", i, test.sizes[i], p.Len())
				}
				next = p.End
			}
			if next != test.n {
				t.Errorf("Expected partitions to cover %d samples, got %d", test.n, next)
			}
		})
	}

	if _, err := PlanPartitions(5, 0); !errors.Is(err, ErrInvalidWorkers) {
		t.Errorf("Expected ErrInvalidWorkers, got %v", err)
	}
	if _, err := PlanPartitions(0, 4); !errors.Is(err, ErrNoSamples) {
		t.Errorf("Expected ErrNoSamples, got %v", err)
	}
}

func TestLoadPreservesOrder(t *testing.T) {
	for _, workers := range []int{1, 3, 4, 9, 20} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			dirs := fakeDirs(9)
			parse := func(dir string) (*buffers.BufferSet, error) {
				// later samples finish first
				var idx int
				fmt.Sscanf(dir, "sample_%d", &idx)
				time.Sleep(time.Duration(9-idx) * time.Millisecond)
				return fakeParse(dir)
			}

			ds, err := NewLoader(parse, Options{Workers: workers}).Load(context.Background(), dirs)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if ds.Len() != len(dirs) {
				t.Fatalf("Expected %d samples, got %d", len(dirs), ds.Len())
			}
			for i, dir := range dirs {
				if ds.Dir(i) != dir {
					t.Errorf("Expected sample %d to be %s, got %s", i, dir, ds.Dir(i))
				}
			}
		})
	}
}

func TestLoadNineSamplesThreeWorkers(t *testing.T) {
	var calls int32
	parse := func(dir string) (*buffers.BufferSet, error) {
		atomic.AddInt32(&calls, 1)
		return fakeParse(dir)
	}

	ds, err := NewLoader(parse, Options{Workers: 3}).Load(context.Background(), fakeDirs(9))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	parts := ds.Partitions()
	if len(parts) != 3 {
		t.Fatalf("Expected 3 partitions, got %d", len(parts))
	}
	for _, p := range parts {
		if p.Len() != 3 {
			t.Errorf("Expected %s to hold 3 samples, got %d", p, p.Len())
		}
	}
	if ds.Len() != 9 || calls != 9 {
		t.Errorf("Expected 9 samples and 9 parses, got %d and %d", ds.Len(), calls)
	}
}

func TestLoadLimit(t *testing.T) {
	ds, err := NewLoader(fakeParse, Options{Workers: 4, Limit: 5}).Load(context.Background(), fakeDirs(12))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ds.Len() != 5 {
		t.Errorf("Expected 5 samples, got %d", ds.Len())
	}
	if ds.Dir(4) != "sample_004" {
		t.Errorf("Expected last sample to be sample_004, got %s", ds.Dir(4))
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("ParseError", func(t *testing.T) {
		bad := errors.New("bad buffer")
		parse := func(dir string) (*buffers.BufferSet, error) {
			if dir == "sample_005" {
				return nil, fmt.Errorf("%s: %w", dir, bad)
			}
			return fakeParse(dir)
		}

		ds, err := NewLoader(parse, Options{Workers: 3}).Load(context.Background(), fakeDirs(9))
		if !errors.Is(err, bad) {
			t.Fatalf("Expected parse error, got %v", err)
		}
		if ds != nil {
			t.Error("Expected no dataset on failure")
		}
	})

	t.Run("LostSample", func(t *testing.T) {
		parse := func(dir string) (*buffers.BufferSet, error) {
			if dir == "sample_002" {
				return nil, nil
			}
			return fakeParse(dir)
		}

		_, err := NewLoader(parse, Options{Workers: 2}).Load(context.Background(), fakeDirs(4))
		if !errors.Is(err, ErrPartitionAccounting) {
			t.Fatalf("Expected ErrPartitionAccounting, got %v", err)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := NewLoader(fakeParse, Options{Workers: 2}).Load(ctx, fakeDirs(4))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := NewLoader(fakeParse, Options{Workers: 2}).Load(context.Background(), nil)
		if !errors.Is(err, ErrNoSamples) {
			t.Fatalf("Expected ErrNoSamples, got %v", err)
		}
	})
}

func writeSample(t *testing.T, dir, frame string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create %s: %v", dir, err)
	}
	img := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	for _, role := range buffers.Roles() {
		path := filepath.Join(dir, fmt.Sprintf("set-%s-%s.png", role, frame))
		f, err := os.Create(path)
		if err != nil {
			t.Fatalf("Failed to create %s: %v", path, err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatalf("Failed to encode %s: %v", path, err)
		}
		f.Close()
	}
}

func TestLoadSplit(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		writeSample(t, filepath.Join(root, "train", fmt.Sprintf("%02d", i)), fmt.Sprint(i))
	}
	if err := os.WriteFile(filepath.Join(root, "train", "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	ds, err := LoadSplit(context.Background(), root, "train", Options{Workers: 2, Ext: "png"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ds.Len() != 5 {
		t.Fatalf("Expected 5 samples, got %d", ds.Len())
	}
	for i := 0; i < ds.Len(); i++ {
		s, _ := ds.Get(i)
		if s.FrameID != fmt.Sprint(i) {
			t.Errorf("Expected sample %d to have frame %d, got %s", i, i, s.FrameID)
		}
		if h, w := s.Size(); h != 2 || w != 4 {
			t.Errorf("Expected 2x4 buffers, got %dx%d", h, w)
		}
	}

	if _, err := LoadSplit(context.Background(), root, "val", Options{Workers: 2, Ext: "png"}); err == nil {
		t.Error("Expected error for missing split")
	}
}
