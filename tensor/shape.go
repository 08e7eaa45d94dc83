package tensor

import (
	"fmt"
)

// Unsqueeze returns a view with a unit dimension inserted at dim.
func Unsqueeze(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim > len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for unsqueeze operation", dim)
	}

	newShape := make([]int, len(t.Shape)+1)
	copy(newShape[:dim], t.Shape[:dim])
	newShape[dim] = 1
	copy(newShape[dim+1:], t.Shape[dim:])

	return t.Reshape(newShape)
}

// Concat joins tensors along dim. Every other dimension must agree.
func Concat(dim int, tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat requires at least one tensor")
	}

	first := tensors[0]
	if dim < 0 || dim >= len(first.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(first.Shape))
	}

	outShape := make([]int, len(first.Shape))
	copy(outShape, first.Shape)
	outShape[dim] = 0

	for n, t := range tensors {
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("concat input %d has rank %d, expected %d: %w", n, len(t.Shape), len(first.Shape), ErrShapeMismatch)
		}
		for i := range t.Shape {
			if i != dim && t.Shape[i] != first.Shape[i] {
				return nil, fmt.Errorf("concat input %d has shape %v, incompatible with %v along dim %d: %w",
					n, t.Shape, first.Shape, dim, ErrShapeMismatch)
			}
		}
		outShape[dim] += t.Shape[dim]
	}

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	outer := 1
	for _, d := range first.Shape[:dim] {
		outer *= d
	}
	inner := 1
	for _, d := range first.Shape[dim+1:] {
		inner *= d
	}

	dst := 0
	for o := 0; o < outer; o++ {
		for _, t := range tensors {
			chunk := t.Shape[dim] * inner
			copy(out.Data[dst:dst+chunk], t.Data[o*chunk:(o+1)*chunk])
			dst += chunk
		}
	}

	return out, nil
}

// Repeat tiles the tensor times-fold along dim.
func Repeat(t *Tensor, dim, times int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(t.Shape))
	}
	if times <= 0 {
		return nil, fmt.Errorf("repeat count must be positive, got %d", times)
	}

	copies := make([]*Tensor, times)
	for i := range copies {
		copies[i] = t
	}
	return Concat(dim, copies...)
}

// Stack joins equally shaped tensors along a new leading dimension. data is
// used as backing storage when non-nil and must hold exactly the result.
func Stack(tensors []*Tensor, data []float32) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("stack requires at least one tensor")
	}

	first := tensors[0]
	outShape := append([]int{len(tensors)}, first.Shape...)
	out, err := NewTensor(outShape, data)
	if err != nil {
		return nil, err
	}

	for i, t := range tensors {
		if !ShapesEqual(t.Shape, first.Shape) {
			return nil, fmt.Errorf("stack input %d has shape %v, expected %v: %w", i, t.Shape, first.Shape, ErrShapeMismatch)
		}
		copy(out.Data[i*first.NumElems:(i+1)*first.NumElems], t.Data)
	}

	return out, nil
}
