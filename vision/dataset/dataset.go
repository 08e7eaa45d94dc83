package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/go-denoise/vision/buffers"
)

// Dataset is an ordered, index-addressable collection of decoded samples.
type Dataset struct {
	samples    []*buffers.BufferSet
	partitions []Partition
}

// NewDataset wraps already decoded samples.
func NewDataset(samples []*buffers.BufferSet) *Dataset {
	return &Dataset{samples: samples}
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.samples)
}

// Get returns sample i.
func (d *Dataset) Get(i int) (*buffers.BufferSet, error) {
	if i < 0 || i >= len(d.samples) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", i, len(d.samples))
	}
	return d.samples[i], nil
}

// Dir returns the directory sample i was loaded from.
func (d *Dataset) Dir(i int) string {
	if i < 0 || i >= len(d.samples) {
		return ""
	}
	return d.samples[i].Dir
}

// Partitions returns the plan the dataset was loaded with, if any.
func (d *Dataset) Partitions() []Partition {
	return d.partitions
}

// Bytes is the total decoded size of the dataset.
func (d *Dataset) Bytes() int64 {
	var total int64
	for _, s := range d.samples {
		total += s.Bytes()
	}
	return total
}

// ListSamples returns the sample directories under root in name order.
// Hidden directories and plain files are ignored.
func ListSamples(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}

	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dirs = append(dirs, filepath.Join(root, entry.Name()))
	}
	sort.Strings(dirs)
	return dirs, nil
}
