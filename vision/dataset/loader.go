package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/tsawler/go-denoise/log"
	"github.com/tsawler/go-denoise/vision/buffers"
)

var logger = log.New("loader")

// ParseFunc decodes one sample directory.
type ParseFunc func(dir string) (*buffers.BufferSet, error)

// Options configures a Loader.
type Options struct {
	Workers int
	// Limit caps the number of samples loaded; 0 means no cap.
	Limit int
	// Ext is the buffer file extension used by LoadSplit.
	Ext string
}

// Loader runs one worker per contiguous partition of the sample list.
type Loader struct {
	parse   ParseFunc
	workers int
	limit   int
}

// NewLoader creates a loader that decodes each directory with parse.
func NewLoader(parse ParseFunc, opts Options) *Loader {
	return &Loader{
		parse:   parse,
		workers: opts.Workers,
		limit:   opts.Limit,
	}
}

// Load parses dirs concurrently and returns them as a Dataset in input order.
// The first error in partition order aborts the load.
func (l *Loader) Load(ctx context.Context, dirs []string) (*Dataset, error) {
	if l.limit > 0 && len(dirs) > l.limit {
		dirs = dirs[:l.limit]
	}

	parts, err := PlanPartitions(len(dirs), l.workers)
	if err != nil {
		return nil, err
	}
	logger.Infof("loading %d samples with %d workers", len(dirs), len(parts))

	out := make([]*buffers.BufferSet, len(dirs))
	errs := make([]error, len(parts))
	counts := make([]int, len(parts))

	var wg sync.WaitGroup
	wg.Add(len(parts))
	for _, p := range parts {
		go func(p Partition) {
			defer wg.Done()
			start := time.Now()
			// each worker owns out[p.Start:p.End]; no locking needed
			slots := out[p.Start:p.End]
			for i, dir := range dirs[p.Start:p.End] {
				if err := ctx.Err(); err != nil {
					errs[p.Index] = err
					return
				}
				set, err := l.parse(dir)
				if err != nil {
					errs[p.Index] = fmt.Errorf("%s: %w", p, err)
					return
				}
				slots[i] = set
				counts[p.Index]++
			}
			logger.Debugf("%s done: %d samples in %v", p, counts[p.Index], time.Since(start))
		}(p)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	loaded := 0
	for i, p := range parts {
		if counts[i] != p.Len() {
			return nil, fmt.Errorf("%s loaded %d of %d samples: %w", p, counts[i], p.Len(), ErrPartitionAccounting)
		}
		loaded += counts[i]
	}
	for _, s := range out {
		if s == nil {
			loaded--
		}
	}
	if loaded != len(dirs) {
		return nil, fmt.Errorf("loaded %d of %d samples: %w", loaded, len(dirs), ErrPartitionAccounting)
	}

	return &Dataset{samples: out, partitions: parts}, nil
}

// LoadSplit lists root/split, applies the cap and loads it with the
// buffer parser for opts.Ext.
func LoadSplit(ctx context.Context, root, split string, opts Options) (*Dataset, error) {
	dirs, err := ListSamples(filepath.Join(root, split))
	if err != nil {
		return nil, fmt.Errorf("%s split: %w", split, err)
	}
	parser := buffers.NewParser(opts.Ext)
	ds, err := NewLoader(parser.Parse, opts).Load(ctx, dirs)
	if err != nil {
		return nil, fmt.Errorf("%s split: %w", split, err)
	}
	logger.Noticef("%s split: %d samples (%.1f MiB decoded)", split, ds.Len(), float64(ds.Bytes())/(1<<20))
	return ds, nil
}
