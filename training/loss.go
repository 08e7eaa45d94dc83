package training

import (
	"fmt"

	"github.com/tsawler/go-denoise/tensor"
)

// Loss compares a prediction against a target.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (float64, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// MSELoss is the mean squared error over all elements.
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a mean squared error loss. reduction is "mean" or "sum".
func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

func (mse *MSELoss) check(predicted, target *tensor.Tensor) error {
	if !tensor.ShapesEqual(predicted.Shape, target.Shape) {
		return fmt.Errorf("loss: prediction %v vs target %v: %w", predicted.Shape, target.Shape, ErrShapeMismatch)
	}
	return nil
}

// Forward computes L = (1/N) * sum((y_pred - y_true)^2).
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := mse.check(predicted, target); err != nil {
		return 0, err
	}

	var sum float64
	for i, p := range predicted.Data {
		d := float64(p - target.Data[i])
		sum += d * d
	}
	if mse.reduction == "sum" {
		return sum, nil
	}
	return sum / float64(predicted.NumElems), nil
}

// Backward returns dL/dy_pred = 2(y_pred - y_true)/N.
func (mse *MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := mse.check(predicted, target); err != nil {
		return nil, err
	}

	scale := float32(2.0)
	if mse.reduction != "sum" {
		scale /= float32(predicted.NumElems)
	}
	grad, err := tensor.Zeros(predicted.Shape)
	if err != nil {
		return nil, err
	}
	for i, p := range predicted.Data {
		grad.Data[i] = scale * (p - target.Data[i])
	}
	return grad, nil
}
