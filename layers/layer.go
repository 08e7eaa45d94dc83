package layers

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// LayerType represents the type of a network layer.
type LayerType int

const (
	Conv2D LayerType = iota
	DepthwiseConv3D
	PointwiseConv3D
	ReLU
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2D:
		return "Conv2D"
	case DepthwiseConv3D:
		return "DepthwiseConv3D"
	case PointwiseConv3D:
		return "PointwiseConv3D"
	case ReLU:
		return "ReLU"
	default:
		return "Unknown"
	}
}

// LayerSpec is the configuration of one layer. Shapes and parameter counts
// are filled in by ModelBuilder.Compile.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	InputShape      []int   `json:"input_shape,omitempty"`
	OutputShape     []int   `json:"output_shape,omitempty"`
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ParameterNames returns "<layer>.weight" and, when present, "<layer>.bias",
// matching the order of ParameterShapes.
func (ls LayerSpec) ParameterNames() []string {
	switch len(ls.ParameterShapes) {
	case 0:
		return nil
	case 1:
		return []string{ls.Name + ".weight"}
	default:
		return []string{ls.Name + ".weight", ls.Name + ".bias"}
	}
}

// IntParam reads an integer parameter, accepting the float64 values a JSON
// round trip produces.
func (ls LayerSpec) IntParam(key string, defaultValue int) int {
	return getIntParam(ls.Parameters, key, defaultValue)
}

// BoolParam returns the boolean parameter key, or defaultValue when unset.
func (ls LayerSpec) BoolParam(key string, defaultValue bool) bool {
	return getBoolParam(ls.Parameters, key, defaultValue)
}

// ModelSpec describes a complete network as a list of layers.
type ModelSpec struct {
	Name   string      `json:"name"`
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder accumulates layer specs for Compile.
type ModelBuilder struct {
	name       string
	layers     []LayerSpec
	inputShape []int
}

// NewModelBuilder creates a builder for inputs of the given shape. The batch
// dimension comes first and is carried through unchanged.
func NewModelBuilder(name string, inputShape []int) *ModelBuilder {
	shape := make([]int, len(inputShape))
	copy(shape, inputShape)
	return &ModelBuilder{name: name, inputShape: shape}
}

// AddLayer appends an arbitrary layer spec.
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddConv2D adds a square-kernel, stride-1 convolution.
func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize, padding int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddDepthwiseConv3D adds a per-channel convolution with kernel
// (kernelDepth, 1, 1) that shrinks the depth axis by kernelDepth-1.
func (mb *ModelBuilder) AddDepthwiseConv3D(kernelDepth int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: DepthwiseConv3D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_depth": kernelDepth,
			"use_bias":     useBias,
		},
	})
}

// AddPointwiseConv3D adds a 1x1x1 convolution mixing channels.
func (mb *ModelBuilder) AddPointwiseConv3D(outputChannels int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: PointwiseConv3D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"use_bias":        useBias,
		},
	})
}

// AddReLU appends a ReLU activation.
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// Compile computes shapes and parameter counts for every layer.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	return Compile(mb.name, mb.inputShape, mb.layers)
}

// Compile recomputes a model from its input shape and layer configuration.
// It is also used to rebuild a spec read back from a checkpoint.
func Compile(name string, inputShape []int, layers []LayerSpec) (*ModelSpec, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	model := &ModelSpec{
		Name:       name,
		Layers:     make([]LayerSpec, len(layers)),
		InputShape: append([]int(nil), inputShape...),
	}

	seen := make(map[string]bool)
	currentShape := model.InputShape
	for i := range layers {
		layer := layers[i]
		if layer.Name == "" {
			return nil, fmt.Errorf("layer %d (%s) has no name", i, layer.Type)
		}
		if seen[layer.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		seen[layer.Name] = true

		params := make(map[string]interface{}, len(layer.Parameters))
		for k, v := range layer.Parameters {
			params[k] = v
		}
		layer.Parameters = params
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(&layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount
		model.Layers[i] = layer

		model.ParameterShapes = append(model.ParameterShapes, paramShapes...)
		model.TotalParameters += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.Compiled = true
	return model, nil
}

func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case DepthwiseConv3D:
		return computeDepthwiseInfo(layer, inputShape)
	case PointwiseConv3D:
		return computePointwiseInfo(layer, inputShape)
	case ReLU:
		return append([]int(nil), inputShape...), nil, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
}

func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels := layer.IntParam("output_channels", 0)
	kernelSize := layer.IntParam("kernel_size", 0)
	padding := layer.IntParam("padding", 0)
	if outputChannels <= 0 || kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("output_channels and kernel_size must be positive")
	}

	inputChannels := inputShape[1]
	layer.Parameters["input_channels"] = inputChannels

	outputHeight := inputShape[2] + 2*padding - kernelSize + 1
	outputWidth := inputShape[3] + 2*padding - kernelSize + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, fmt.Errorf("kernel %d too large for input %v", kernelSize, inputShape)
	}

	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	paramCount := int64(outputChannels * inputChannels * kernelSize * kernelSize)
	if layer.BoolParam("use_bias", true) {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return []int{inputShape[0], outputChannels, outputHeight, outputWidth}, paramShapes, paramCount, nil
}

func computeDepthwiseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 5 {
		return nil, nil, 0, fmt.Errorf("DepthwiseConv3D layer requires 5D input [batch, channels, depth, height, width]")
	}

	kernelDepth := layer.IntParam("kernel_depth", 0)
	if kernelDepth <= 0 || kernelDepth > inputShape[2] {
		return nil, nil, 0, fmt.Errorf("kernel_depth %d invalid for depth %d", kernelDepth, inputShape[2])
	}

	channels := inputShape[1]
	layer.Parameters["input_channels"] = channels

	paramShapes := [][]int{{channels, 1, kernelDepth, 1, 1}}
	paramCount := int64(channels * kernelDepth)
	if layer.BoolParam("use_bias", true) {
		paramShapes = append(paramShapes, []int{channels})
		paramCount += int64(channels)
	}

	out := []int{inputShape[0], channels, inputShape[2] - kernelDepth + 1, inputShape[3], inputShape[4]}
	return out, paramShapes, paramCount, nil
}

func computePointwiseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 5 {
		return nil, nil, 0, fmt.Errorf("PointwiseConv3D layer requires 5D input [batch, channels, depth, height, width]")
	}

	outputChannels := layer.IntParam("output_channels", 0)
	if outputChannels <= 0 {
		return nil, nil, 0, fmt.Errorf("output_channels must be positive")
	}

	inputChannels := inputShape[1]
	layer.Parameters["input_channels"] = inputChannels

	paramShapes := [][]int{{outputChannels, inputChannels, 1, 1, 1}}
	paramCount := int64(outputChannels * inputChannels)
	if layer.BoolParam("use_bias", true) {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	out := []int{inputShape[0], outputChannels, inputShape[2], inputShape[3], inputShape[4]}
	return out, paramShapes, paramCount, nil
}

// InputChannels is the channel count the first layer expects.
func (ms *ModelSpec) InputChannels() int {
	if len(ms.InputShape) < 2 {
		return 0
	}
	return ms.InputShape[1]
}

// ParameterNames lists every parameter in layer order.
func (ms *ModelSpec) ParameterNames() []string {
	var names []string
	for _, layer := range ms.Layers {
		names = append(names, layer.ParameterNames()...)
	}
	return names
}

// Summary returns a human-readable model summary.
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model: %s\n", ms.Name)
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n", len(ms.Layers))
	return sb.String()
}

// RenderSummary writes a per-layer table.
func (ms *ModelSpec) RenderSummary(w io.Writer) error {
	if !ms.Compiled {
		return fmt.Errorf("model %q not compiled", ms.Name)
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"#", "Layer", "Type", "Input", "Output", "Params"})
	for i, layer := range ms.Layers {
		table.Append([]string{
			fmt.Sprintf("%d", i+1),
			layer.Name,
			layer.Type.String(),
			fmt.Sprintf("%v", layer.InputShape),
			fmt.Sprintf("%v", layer.OutputShape),
			fmt.Sprintf("%d", layer.ParameterCount),
		})
	}
	table.SetFooter([]string{"", "", "", "", "TOTAL", fmt.Sprintf("%d", ms.TotalParameters)})
	table.Render()

	_, err := io.Copy(w, &buf)
	return err
}

func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}
