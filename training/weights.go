package training

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-denoise/checkpoints"
	"github.com/tsawler/go-denoise/tensor"
)

// ExportCheckpoint snapshots the network weights. Gradients and optimizer
// state are not included.
func ExportCheckpoint(net *Denoiser, epoch int, description string) *checkpoints.Checkpoint {
	layerOf := make(map[string]string)
	for _, layer := range net.spec.Layers {
		for _, name := range layer.ParameterNames() {
			layerOf[name] = layer.Name
		}
	}

	ckpt := &checkpoints.Checkpoint{
		ModelSpec: net.spec,
		Metadata:  checkpoints.Metadata{Epoch: epoch, Description: description},
	}
	for _, p := range net.Parameters() {
		kind := "weight"
		if strings.HasSuffix(p.Name, ".bias") {
			kind = "bias"
		}
		ckpt.Weights = append(ckpt.Weights, checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float32(nil), p.Value.Data...),
			Layer: layerOf[p.Name],
			Type:  kind,
		})
	}
	return ckpt
}

// LoadWeights copies checkpoint weights into net by parameter name.
func LoadWeights(net *Denoiser, ckpt *checkpoints.Checkpoint) error {
	weights := ckpt.WeightMap()
	params := net.Parameters()
	if len(weights) != len(params) {
		return fmt.Errorf("checkpoint has %d weights, %s has %d parameters: %w",
			len(weights), net.Name(), len(params), checkpoints.ErrWeightMismatch)
	}

	for _, p := range params {
		w, ok := weights[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no %s: %w", p.Name, checkpoints.ErrWeightMismatch)
		}
		if !tensor.ShapesEqual(w.Shape, p.Value.Shape) || len(w.Data) != len(p.Value.Data) {
			return fmt.Errorf("%s: checkpoint shape %v, model shape %v: %w",
				p.Name, w.Shape, p.Value.Shape, checkpoints.ErrWeightMismatch)
		}
	}
	for _, p := range params {
		copy(p.Value.Data, weights[p.Name].Data)
		p.Grad.Zero()
	}
	return nil
}

