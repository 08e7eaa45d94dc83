package training

import (
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-denoise/tensor"
)

func randomTensor(t *testing.T, rng *rand.Rand, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.Uniform(shape, 1, rng)
	if err != nil {
		t.Fatalf("Failed to create tensor %v: %v", shape, err)
	}
	return x
}

// checkGradients compares Backward against central differences of
// L = sum(out * coeff) for every parameter and input element.
func checkGradients(t *testing.T, m Module, input *tensor.Tensor) {
	t.Helper()

	m.Train()
	out, err := m.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	coeff := make([]float32, len(out.Data))
	for i := range coeff {
		coeff[i] = float32(i%7)*0.25 - 0.5
	}
	gradOut, _ := tensor.NewTensor(out.Shape, coeff)
	for _, p := range m.Parameters() {
		p.Grad.Zero()
	}
	gradIn, err := m.Backward(gradOut)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if !tensor.ShapesEqual(gradIn.Shape, input.Shape) {
		t.Fatalf("Expected input gradient shape %v, got %v", input.Shape, gradIn.Shape)
	}

	m.Eval()
	loss := func() float64 {
		out, err := m.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		var sum float64
		for i, v := range out.Data {
			sum += float64(v) * float64(coeff[i])
		}
		return sum
	}

	const eps = 1e-2
	check := func(name string, values, analytic []float32) {
		for i := range values {
			orig := values[i]
			values[i] = orig + eps
			plus := loss()
			values[i] = orig - eps
			minus := loss()
			values[i] = orig

			numeric := (plus - minus) / (2 * eps)
			if diff := math.Abs(numeric - float64(analytic[i])); diff > 1e-2*math.Max(1, math.Abs(numeric)) {
				t.Errorf("%s[%d]: expected gradient %.5f, got %.5f", name, i, numeric, analytic[i])
			}
		}
	}
	for _, p := range m.Parameters() {
		check(p.Name, p.Value.Data, p.Grad.Data)
	}
	check("input", input.Data, gradIn.Data)
}

func TestConv2DGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, padding := range []int{0, 1} {
		conv, err := NewConv2D("conv", 2, 3, 3, padding, true, rng)
		if err != nil {
			t.Fatalf("Failed to create conv: %v", err)
		}
		checkGradients(t, conv, randomTensor(t, rng, 2, 2, 4, 5))
	}
}

func filled(shape []int, v float32) *tensor.Tensor {
	t, _ := tensor.Zeros(shape)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func TestConv2DForward(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	conv, _ := NewConv2D("conv", 1, 1, 3, 1, false, rng)
	for i := range conv.weight.Value.Data {
		conv.weight.Value.Data[i] = 1
	}
	input := filled([]int{1, 1, 3, 3}, 1)

	out, err := conv.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	// a 3x3 box filter over ones counts the in-bounds neighbours
	expected := []float32{4, 6, 4, 6, 9, 6, 4, 6, 4}
	for i, v := range expected {
		if out.Data[i] != v {
			t.Errorf("Expected out[%d] = %v, got %v", i, v, out.Data[i])
		}
	}

	if _, err := conv.Forward(randomTensor(t, rng, 1, 2, 3, 3)); err == nil {
		t.Error("Expected error for wrong channel count")
	}
}

func TestDepthwiseConv3DGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	dw, err := NewDepthwiseConv3D("dw", 3, 2, true, rng)
	if err != nil {
		t.Fatalf("Failed to create depthwise conv: %v", err)
	}
	checkGradients(t, dw, randomTensor(t, rng, 2, 3, 4, 2, 3))

	out, err := dw.Forward(randomTensor(t, rng, 1, 3, 7, 2, 2))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !tensor.ShapesEqual(out.Shape, []int{1, 3, 6, 2, 2}) {
		t.Errorf("Expected shape [1 3 6 2 2], got %v", out.Shape)
	}
}

func TestPointwiseConv3DGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	pw, err := NewPointwiseConv3D("pw", 3, 2, true, rng)
	if err != nil {
		t.Fatalf("Failed to create pointwise conv: %v", err)
	}
	checkGradients(t, pw, randomTensor(t, rng, 2, 3, 2, 2, 2))
}

func TestReLU(t *testing.T) {
	relu := NewReLU()
	input, _ := tensor.NewTensor([]int{4}, []float32{-1, 0, 2, -3})

	out, err := relu.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for i, v := range []float32{0, 0, 2, 0} {
		if out.Data[i] != v {
			t.Errorf("Expected out[%d] = %v, got %v", i, v, out.Data[i])
		}
	}
	if input.Data[0] != -1 {
		t.Error("Forward modified its input")
	}

	grad := filled([]int{4}, 1)
	gradIn, err := relu.Backward(grad)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for i, v := range []float32{0, 0, 1, 0} {
		if gradIn.Data[i] != v {
			t.Errorf("Expected grad[%d] = %v, got %v", i, v, gradIn.Data[i])
		}
	}

	if _, err := relu.Backward(grad); err == nil {
		t.Error("Expected error for backward without forward")
	}
}

func TestEvalModeKeepsNoState(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	conv, _ := NewConv2D("conv", 1, 1, 3, 1, true, rng)
	conv.Eval()
	if conv.IsTraining() {
		t.Fatal("Expected eval mode")
	}
	out, err := conv.Forward(randomTensor(t, rng, 1, 1, 3, 3))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if _, err := conv.Backward(out); err == nil {
		t.Error("Expected error for backward after an eval forward")
	}
}

func TestBuildSequentialParameterNames(t *testing.T) {
	spec, err := Spec2D(DenoiserConfig{Hidden: 4, Height: 8, Width: 8})
	if err != nil {
		t.Fatalf("Failed to build spec: %v", err)
	}
	seq, err := BuildSequential(spec, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Failed to build network: %v", err)
	}

	names := spec.ParameterNames()
	params := seq.Parameters()
	if len(params) != len(names) {
		t.Fatalf("Expected %d parameters, got %d", len(names), len(params))
	}
	var count int64
	for i, p := range params {
		if p.Name != names[i] {
			t.Errorf("Expected parameter %d to be %s, got %s", i, names[i], p.Name)
		}
		if !tensor.ShapesEqual(p.Value.Shape, spec.ParameterShapes[i]) {
			t.Errorf("%s: expected shape %v, got %v", p.Name, spec.ParameterShapes[i], p.Value.Shape)
		}
		count += int64(p.Value.NumElems)
	}
	if count != spec.TotalParameters {
		t.Errorf("Expected %d parameters in total, got %d", spec.TotalParameters, count)
	}
}
