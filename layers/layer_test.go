package layers

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestCompileConv2D(t *testing.T) {
	model, err := NewModelBuilder("den2d", []int{8, 17, 24, 32}).
		AddConv2D(16, 3, 1, true, "conv1").
		AddReLU("relu1").
		AddConv2D(3, 3, 1, false, "conv2").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	if !reflect.DeepEqual(model.OutputShape, []int{8, 3, 24, 32}) {
		t.Errorf("Expected output shape [8 3 24 32], got %v", model.OutputShape)
	}
	expected := int64(16*17*9 + 16 + 3*16*9)
	if model.TotalParameters != expected {
		t.Errorf("Expected %d parameters, got %d", expected, model.TotalParameters)
	}
	if model.InputChannels() != 17 {
		t.Errorf("Expected 17 input channels, got %d", model.InputChannels())
	}

	names := model.ParameterNames()
	if !reflect.DeepEqual(names, []string{"conv1.weight", "conv1.bias", "conv2.weight"}) {
		t.Errorf("Unexpected parameter names %v", names)
	}
}

func TestCompileConv3D(t *testing.T) {
	b := NewModelBuilder("den3d", []int{2, 3, 7, 4, 4})
	channels := []int{32, 32, 32, 32, 32, 3}
	for i, c := range channels {
		n := string(rune('a' + i))
		b.AddDepthwiseConv3D(2, true, "dw"+n).AddPointwiseConv3D(c, true, "pw"+n).AddReLU("relu" + n)
	}

	model, err := b.Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	if !reflect.DeepEqual(model.OutputShape, []int{2, 3, 1, 4, 4}) {
		t.Errorf("Expected output shape [2 3 1 4 4], got %v", model.OutputShape)
	}

	dw := model.Layers[0]
	if !reflect.DeepEqual(dw.ParameterShapes[0], []int{3, 1, 2, 1, 1}) {
		t.Errorf("Expected depthwise weight [3 1 2 1 1], got %v", dw.ParameterShapes[0])
	}
	pw := model.Layers[1]
	if !reflect.DeepEqual(pw.ParameterShapes[0], []int{32, 3, 1, 1, 1}) {
		t.Errorf("Expected pointwise weight [32 3 1 1 1], got %v", pw.ParameterShapes[0])
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		builder *ModelBuilder
	}{
		{"Empty", NewModelBuilder("m", []int{1, 3, 4, 4})},
		{"WrongRank", NewModelBuilder("m", []int{1, 3, 4}).AddConv2D(3, 3, 1, true, "c")},
		{"DepthTooSmall", NewModelBuilder("m", []int{1, 3, 1, 4, 4}).AddDepthwiseConv3D(2, true, "d")},
		{"DuplicateName", NewModelBuilder("m", []int{1, 3, 4, 4}).AddReLU("r").AddReLU("r")},
		{"KernelTooLarge", NewModelBuilder("m", []int{1, 3, 2, 2}).AddConv2D(3, 5, 0, true, "c")},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := test.builder.Compile(); err == nil {
				t.Error("Expected compile error")
			}
		})
	}
}

func TestRecompileAfterJSON(t *testing.T) {
	model, err := NewModelBuilder("m", []int{1, 5, 6, 6}).
		AddConv2D(4, 3, 1, true, "conv").
		AddReLU("relu").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	raw, err := json.Marshal(model)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	var decoded ModelSpec
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}

	again, err := Compile(decoded.Name, decoded.InputShape, decoded.Layers)
	if err != nil {
		t.Fatalf("Failed to recompile: %v", err)
	}
	if !reflect.DeepEqual(again.ParameterShapes, model.ParameterShapes) {
		t.Errorf("Expected parameter shapes %v, got %v", model.ParameterShapes, again.ParameterShapes)
	}
	if again.Layers[0].IntParam("kernel_size", 0) != 3 {
		t.Errorf("Expected kernel_size 3 after round trip, got %d", again.Layers[0].IntParam("kernel_size", 0))
	}
}

func TestRenderSummary(t *testing.T) {
	model, err := NewModelBuilder("den2d", []int{1, 17, 8, 8}).
		AddConv2D(3, 3, 1, true, "conv1").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	var buf bytes.Buffer
	if err := model.RenderSummary(&buf); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"conv1", "Conv2D", "462", "TOTAL"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected summary to contain %q:\n%s", want, out)
		}
	}
	if !strings.Contains(model.Summary(), "Total Parameters: 462") {
		t.Errorf("Unexpected summary: %s", model.Summary())
	}
}
