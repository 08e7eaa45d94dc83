package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-denoise/layers"
)

// ONNX protobuf field numbers (onnx.proto3).
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelVersion         protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
	modelMetadataProps   protowire.Number = 14

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5

	attrName protowire.Number = 1
	attrI    protowire.Number = 3
	attrInts protowire.Number = 8
	attrType protowire.Number = 20

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8
	tensorRawData   protowire.Number = 9

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensor      protowire.Number = 1
	tensorElemType  protowire.Number = 1
	tensorShape     protowire.Number = 2
	shapeDim        protowire.Number = 1
	dimValue        protowire.Number = 1
	entryKey        protowire.Number = 1
	entryValue      protowire.Number = 2
	attributeInt    = 2
	attributeInts   = 7
	dataTypeFloat   = 1
	irVersion       = 7
	opsetVersionNum = 13
)

const (
	metaModelSpec = "go_denoise.model_spec"
	metaEpoch     = "go_denoise.epoch"
	metaCreatedAt = "go_denoise.created_at"
	metaVersion   = "go_denoise.version"
)

// MarshalONNX encodes a checkpoint as an ONNX ModelProto. Weights become
// float initializers, layers become Conv/Relu nodes and the model spec is
// kept as JSON in metadata_props so the file can be loaded back.
func MarshalONNX(checkpoint *Checkpoint) ([]byte, error) {
	spec := checkpoint.ModelSpec
	graph, err := buildGraph(checkpoint)
	if err != nil {
		return nil, err
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model spec: %w", err)
	}

	var b []byte
	b = protowire.AppendTag(b, modelIRVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, irVersion)
	b = appendString(b, modelProducerName, framework)
	b = appendString(b, modelProducerVersion, version)
	b = protowire.AppendTag(b, modelVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	if checkpoint.Metadata.Description != "" {
		b = appendString(b, modelDocString, checkpoint.Metadata.Description)
	}
	b = appendMessage(b, modelGraph, graph)

	var opset []byte
	opset = appendString(opset, opsetDomain, "")
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, opsetVersionNum)
	b = appendMessage(b, modelOpsetImport, opset)

	for _, kv := range [][2]string{
		{metaModelSpec, string(specJSON)},
		{metaEpoch, strconv.Itoa(checkpoint.Metadata.Epoch)},
		{metaCreatedAt, checkpoint.Metadata.CreatedAt.Format(time.RFC3339Nano)},
		{metaVersion, checkpoint.Metadata.Version},
	} {
		var entry []byte
		entry = appendString(entry, entryKey, kv[0])
		entry = appendString(entry, entryValue, kv[1])
		b = appendMessage(b, modelMetadataProps, entry)
	}
	return b, nil
}

func buildGraph(checkpoint *Checkpoint) ([]byte, error) {
	spec := checkpoint.ModelSpec
	weights := checkpoint.WeightMap()

	var g []byte
	g = appendString(g, graphName, spec.Name)

	current := "input"
	for _, layer := range spec.Layers {
		output := layer.Name + "_output"
		var node []byte
		node = appendString(node, nodeInput, current)

		switch layer.Type {
		case layers.Conv2D:
			k, p := int64(layer.IntParam("kernel_size", 0)), int64(layer.IntParam("padding", 0))
			node = appendConvInputs(node, layer)
			node = appendIntsAttr(node, "kernel_shape", k, k)
			node = appendIntsAttr(node, "pads", p, p, p, p)
			node = appendIntsAttr(node, "strides", 1, 1)
			node = appendString(node, nodeOpType, "Conv")
		case layers.DepthwiseConv3D:
			kd := int64(layer.IntParam("kernel_depth", 0))
			node = appendConvInputs(node, layer)
			node = appendIntsAttr(node, "kernel_shape", kd, 1, 1)
			node = appendIntsAttr(node, "pads", 0, 0, 0, 0, 0, 0)
			node = appendIntsAttr(node, "strides", 1, 1, 1)
			node = appendIntAttr(node, "group", int64(layer.IntParam("input_channels", 1)))
			node = appendString(node, nodeOpType, "Conv")
		case layers.PointwiseConv3D:
			node = appendConvInputs(node, layer)
			node = appendIntsAttr(node, "kernel_shape", 1, 1, 1)
			node = appendIntsAttr(node, "strides", 1, 1, 1)
			node = appendString(node, nodeOpType, "Conv")
		case layers.ReLU:
			node = appendString(node, nodeOpType, "Relu")
		default:
			return nil, fmt.Errorf("unsupported layer type for ONNX export: %s", layer.Type)
		}
		node = appendString(node, nodeOutput, output)
		node = appendString(node, nodeName, layer.Name)
		g = appendMessage(g, graphNode, node)

		for _, name := range layer.ParameterNames() {
			w, ok := weights[name]
			if !ok {
				return nil, fmt.Errorf("missing %s: %w", name, ErrWeightMismatch)
			}
			g = appendMessage(g, graphInitializer, encodeTensor(w))
		}
		current = output
	}

	g = appendMessage(g, graphInput, encodeValueInfo("input", spec.InputShape))
	g = appendMessage(g, graphOutput, encodeValueInfo(current, spec.OutputShape))
	return g, nil
}

func appendConvInputs(node []byte, layer layers.LayerSpec) []byte {
	for _, name := range layer.ParameterNames() {
		node = appendString(node, nodeInput, name)
	}
	return node
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendIntAttr(node []byte, name string, v int64) []byte {
	var a []byte
	a = appendString(a, attrName, name)
	a = protowire.AppendTag(a, attrI, protowire.VarintType)
	a = protowire.AppendVarint(a, uint64(v))
	a = protowire.AppendTag(a, attrType, protowire.VarintType)
	a = protowire.AppendVarint(a, attributeInt)
	return appendMessage(node, nodeAttribute, a)
}

func appendIntsAttr(node []byte, name string, vs ...int64) []byte {
	var a []byte
	a = appendString(a, attrName, name)
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	a = appendMessage(a, attrInts, packed)
	a = protowire.AppendTag(a, attrType, protowire.VarintType)
	a = protowire.AppendVarint(a, attributeInts)
	return appendMessage(node, nodeAttribute, a)
}

func encodeTensor(w WeightTensor) []byte {
	var t []byte
	var dims []byte
	for _, d := range w.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	t = appendMessage(t, tensorDims, dims)
	t = protowire.AppendTag(t, tensorDataType, protowire.VarintType)
	t = protowire.AppendVarint(t, dataTypeFloat)
	t = appendString(t, tensorName, w.Name)

	raw := make([]byte, 4*len(w.Data))
	for i, v := range w.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return appendMessage(t, tensorRawData, raw)
}

func encodeValueInfo(name string, shape []int) []byte {
	var s []byte
	for _, d := range shape {
		var dim []byte
		dim = protowire.AppendTag(dim, dimValue, protowire.VarintType)
		dim = protowire.AppendVarint(dim, uint64(d))
		s = appendMessage(s, shapeDim, dim)
	}
	var tt []byte
	tt = protowire.AppendTag(tt, tensorElemType, protowire.VarintType)
	tt = protowire.AppendVarint(tt, dataTypeFloat)
	tt = appendMessage(tt, tensorShape, s)

	var typ []byte
	typ = appendMessage(typ, typeTensor, tt)

	var vi []byte
	vi = appendString(vi, valueInfoName, name)
	return appendMessage(vi, valueInfoType, typ)
}

// UnmarshalONNX decodes a ModelProto written by MarshalONNX.
func UnmarshalONNX(data []byte) (*Checkpoint, error) {
	meta := make(map[string]string)
	var graph []byte
	var doc string

	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch {
		case num == modelGraph && typ == protowire.BytesType:
			graph = v
		case num == modelDocString && typ == protowire.BytesType:
			doc = string(v)
		case num == modelMetadataProps && typ == protowire.BytesType:
			var key, value string
			err := walk(v, func(n protowire.Number, t protowire.Type, b []byte, _ uint64) error {
				if t != protowire.BytesType {
					return nil
				}
				switch n {
				case entryKey:
					key = string(b)
				case entryValue:
					value = string(b)
				}
				return nil
			})
			if err != nil {
				return err
			}
			meta[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX model: %w", err)
	}

	specJSON, ok := meta[metaModelSpec]
	if !ok {
		return nil, fmt.Errorf("ONNX file has no %s metadata: %w", metaModelSpec, ErrUnsupportedFormat)
	}
	var spec layers.ModelSpec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return nil, fmt.Errorf("failed to decode model spec: %w", err)
	}

	checkpoint := &Checkpoint{
		ModelSpec: &spec,
		Metadata: Metadata{
			Framework:   framework,
			Version:     meta[metaVersion],
			Description: doc,
		},
	}
	if epoch, err := strconv.Atoi(meta[metaEpoch]); err == nil {
		checkpoint.Metadata.Epoch = epoch
	}
	if ts, err := time.Parse(time.RFC3339Nano, meta[metaCreatedAt]); err == nil {
		checkpoint.Metadata.CreatedAt = ts
	}

	layerOf := make(map[string]string)
	for _, layer := range spec.Layers {
		for _, name := range layer.ParameterNames() {
			layerOf[name] = layer.Name
		}
	}

	err = walk(graph, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != graphInitializer || typ != protowire.BytesType {
			return nil
		}
		w, err := decodeTensor(v)
		if err != nil {
			return err
		}
		w.Layer = layerOf[w.Name]
		w.Type = "weight"
		if len(w.Name) > 5 && w.Name[len(w.Name)-5:] == ".bias" {
			w.Type = "bias"
		}
		checkpoint.Weights = append(checkpoint.Weights, w)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX graph: %w", err)
	}
	return checkpoint, nil
}

func decodeTensor(data []byte) (WeightTensor, error) {
	var w WeightTensor
	var raw []byte
	var floats []float32

	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case tensorDims:
			if typ == protowire.VarintType {
				w.Shape = append(w.Shape, int(x))
				return nil
			}
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Shape = append(w.Shape, int(d))
				v = v[n:]
			}
		case tensorDataType:
			if x != dataTypeFloat {
				return fmt.Errorf("tensor data type %d: %w", x, ErrUnsupportedFormat)
			}
		case tensorName:
			w.Name = string(v)
		case tensorRawData:
			raw = v
		case tensorFloatData:
			if typ == protowire.Fixed32Type {
				floats = append(floats, math.Float32frombits(uint32(x)))
				return nil
			}
			for len(v) >= 4 {
				floats = append(floats, math.Float32frombits(binary.LittleEndian.Uint32(v)))
				v = v[4:]
			}
		}
		return nil
	})
	if err != nil {
		return w, err
	}

	if raw != nil {
		if len(raw)%4 != 0 {
			return w, fmt.Errorf("%s: raw data length %d is not a multiple of 4", w.Name, len(raw))
		}
		floats = make([]float32, len(raw)/4)
		for i := range floats {
			floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}
	w.Data = floats
	return w, nil
}

// walk calls fn for every field in a protobuf message. Varint and fixed
// values are passed in x, length-delimited payloads in v.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var f uint32
			f, n = protowire.ConsumeFixed32(b)
			x = uint64(f)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}
