package dataset

import (
	"errors"
	"fmt"
)

var (
	// ErrPartitionAccounting signals that the loaded sample count differs
	// from the planned count. It indicates a loader bug, not bad data.
	ErrPartitionAccounting = errors.New("partition accounting mismatch")
	// ErrNoSamples is returned when there is nothing to load.
	ErrNoSamples = errors.New("no samples to load")
	// ErrInvalidWorkers is returned for a non-positive worker count.
	ErrInvalidWorkers = errors.New("worker count must be positive")
)

// Partition is a contiguous half-open range [Start, End) of sample indices.
type Partition struct {
	Index int
	Start int
	End   int
}

// Len returns the number of samples in the partition.
func (p Partition) Len() int {
	return p.End - p.Start
}

func (p Partition) String() string {
	return fmt.Sprintf("partition %d [%d:%d)", p.Index, p.Start, p.End)
}

// PlanPartitions splits n samples into near-equal contiguous partitions.
// The worker count is clamped to n so no partition is empty, and the final
// partition absorbs the remainder of the integer division.
func PlanPartitions(n, workers int) ([]Partition, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("%d: %w", workers, ErrInvalidWorkers)
	}
	if n <= 0 {
		return nil, ErrNoSamples
	}
	if workers > n {
		workers = n
	}

	size := n / workers
	parts := make([]Partition, workers)
	for i := range parts {
		parts[i] = Partition{Index: i, Start: i * size, End: (i + 1) * size}
	}
	parts[workers-1].End = n

	return parts, nil
}
