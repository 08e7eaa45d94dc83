package dataloader

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-denoise/vision/buffers"
)

// Dataset is the indexable sample source a Loader reads from.
type Dataset interface {
	Len() int
	Get(i int) (*buffers.BufferSet, error)
}

// Config holds configuration for Loader.
type Config struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	// Pool, if set, recycles batch buffers released with RoleBatch.Release.
	Pool *Pool
}

// Loader walks a dataset in batches. The last batch may be smaller than
// BatchSize. Reset starts a new epoch with a new permutation.
type Loader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	pool      *Pool
	indices   []int
	position  int
}

// NewLoader creates a batch loader over dataset.
func NewLoader(dataset Dataset, config Config) (*Loader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}

	l := &Loader{
		dataset:   dataset,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		rng:       rand.New(rand.NewSource(config.Seed)),
		pool:      config.Pool,
		indices:   make([]int, dataset.Len()),
	}
	l.Reset()
	return l, nil
}

// Reset rewinds the loader, reshuffling when enabled.
func (l *Loader) Reset() {
	for i := range l.indices {
		l.indices[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(l.indices), func(i, j int) {
			l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
		})
	}
	l.position = 0
}

// Len returns the number of batches per epoch.
func (l *Loader) Len() int {
	return (len(l.indices) + l.batchSize - 1) / l.batchSize
}

// HasNext reports whether another batch remains in the epoch.
func (l *Loader) HasNext() bool {
	return l.position < len(l.indices)
}

// Next returns the next batch, or nil when the epoch is exhausted.
func (l *Loader) Next() (*RoleBatch, error) {
	if !l.HasNext() {
		return nil, nil
	}

	end := l.position + l.batchSize
	if end > len(l.indices) {
		end = len(l.indices)
	}
	indices := append([]int(nil), l.indices[l.position:end]...)
	l.position = end

	samples := make([]*buffers.BufferSet, len(indices))
	for i, idx := range indices {
		s, err := l.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to get sample %d: %w", idx, err)
		}
		samples[i] = s
	}

	return NewRoleBatch(samples, indices, l.pool)
}
