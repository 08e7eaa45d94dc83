package dataloader

import (
	"fmt"

	"github.com/tsawler/go-denoise/tensor"
	"github.com/tsawler/go-denoise/vision/buffers"
)

// RoleBatch holds one [B,C,H,W] tensor per buffer role.
type RoleBatch struct {
	// Indices are the dataset positions of the batch elements.
	Indices []int

	Noisy     *tensor.Tensor
	Albedo    *tensor.Tensor
	Converged *tensor.Tensor
	Depth     *tensor.Tensor
	Emission  *tensor.Tensor
	Normals   *tensor.Tensor
	Shape     *tensor.Tensor
	Specular  *tensor.Tensor

	pool *Pool
}

// Get returns the batched tensor for role.
func (b *RoleBatch) Get(role buffers.Role) *tensor.Tensor {
	switch role {
	case buffers.Noisy:
		return b.Noisy
	case buffers.Albedo:
		return b.Albedo
	case buffers.Converged:
		return b.Converged
	case buffers.Depth:
		return b.Depth
	case buffers.Emission:
		return b.Emission
	case buffers.Normals:
		return b.Normals
	case buffers.Shape:
		return b.Shape
	case buffers.Specular:
		return b.Specular
	}
	return nil
}

func (b *RoleBatch) set(role buffers.Role, t *tensor.Tensor) {
	switch role {
	case buffers.Noisy:
		b.Noisy = t
	case buffers.Albedo:
		b.Albedo = t
	case buffers.Converged:
		b.Converged = t
	case buffers.Depth:
		b.Depth = t
	case buffers.Emission:
		b.Emission = t
	case buffers.Normals:
		b.Normals = t
	case buffers.Shape:
		b.Shape = t
	case buffers.Specular:
		b.Specular = t
	}
}

// Size is the number of samples in the batch.
func (b *RoleBatch) Size() int {
	return len(b.Indices)
}

// Release returns pooled buffers. The batch must not be used afterwards.
func (b *RoleBatch) Release() {
	if b.pool == nil {
		return
	}
	for _, role := range buffers.Roles() {
		if t := b.Get(role); t != nil {
			b.pool.Put(t.Data)
			b.set(role, nil)
		}
	}
	b.pool = nil
}

// NewRoleBatch stacks samples role by role. pool may be nil.
func NewRoleBatch(samples []*buffers.BufferSet, indices []int, pool *Pool) (*RoleBatch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	batch := &RoleBatch{Indices: indices, pool: pool}
	parts := make([]*tensor.Tensor, len(samples))
	for _, role := range buffers.Roles() {
		first := samples[0].Get(role)
		if first == nil {
			batch.Release()
			return nil, fmt.Errorf("%s: missing %s: %w", samples[0].Dir, role, buffers.ErrIncompleteSample)
		}
		for i, s := range samples {
			t := s.Get(role)
			if t == nil || !tensor.ShapesEqual(t.Shape, first.Shape) {
				batch.Release()
				return nil, fmt.Errorf("%s: %s does not match %v: %w", s.Dir, role, first.Shape, tensor.ErrShapeMismatch)
			}
			parts[i] = t
		}

		var data []float32
		if pool != nil {
			data = pool.Get(len(samples) * first.NumElems)
		}
		out, err := tensor.Stack(parts, data)
		if err != nil {
			if pool != nil {
				pool.Put(data)
			}
			batch.Release()
			return nil, err
		}
		batch.set(role, out)
	}
	return batch, nil
}
