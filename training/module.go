package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-denoise/layers"
	"github.com/tsawler/go-denoise/tensor"
)

// Parameter is a trainable tensor and its accumulated gradient.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

func newParameter(name string, value *tensor.Tensor) *Parameter {
	grad, _ := tensor.Zeros(value.Shape)
	return &Parameter{Name: name, Value: value, Grad: grad}
}

// Module is a differentiable network component. Forward in training mode
// keeps what Backward needs; Backward accumulates into parameter gradients
// and returns the gradient with respect to the module input.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
	Train()
	Eval()
	IsTraining() bool
}

type mode struct {
	training bool
}

func (m *mode) Train()           { m.training = true }
func (m *mode) Eval()            { m.training = false }
func (m *mode) IsTraining() bool { return m.training }

func shapeError(layer string, got []int, want string) error {
	return fmt.Errorf("%s: input shape %v, expected %s: %w", layer, got, want, ErrShapeMismatch)
}

// Conv2D is a stride-1 convolution with a square kernel and zero padding.
type Conv2D struct {
	mode
	name    string
	weight  *Parameter
	bias    *Parameter
	padding int
	input   *tensor.Tensor
}

// NewConv2D initializes weights and bias from U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func NewConv2D(name string, inputChannels, outputChannels, kernelSize, padding int, bias bool, rng *rand.Rand) (*Conv2D, error) {
	bound := 1.0 / math.Sqrt(float64(inputChannels*kernelSize*kernelSize))
	w, err := tensor.Uniform([]int{outputChannels, inputChannels, kernelSize, kernelSize}, bound, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	c := &Conv2D{mode: mode{true}, name: name, weight: newParameter(name+".weight", w), padding: padding}
	if bias {
		b, err := tensor.Uniform([]int{outputChannels}, bound, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		c.bias = newParameter(name+".bias", b)
	}
	return c, nil
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	ws := c.weight.Value.Shape
	outC, inC, k := ws[0], ws[1], ws[2]
	if len(input.Shape) != 4 || input.Shape[1] != inC {
		return nil, shapeError(c.name, input.Shape, fmt.Sprintf("[B %d H W]", inC))
	}
	b, h, w := input.Shape[0], input.Shape[2], input.Shape[3]
	p := c.padding
	oh, ow := h+2*p-k+1, w+2*p-k+1
	if oh <= 0 || ow <= 0 {
		return nil, shapeError(c.name, input.Shape, fmt.Sprintf("spatial size >= %d", k-2*p))
	}

	out, err := tensor.Zeros([]int{b, outC, oh, ow})
	if err != nil {
		return nil, err
	}
	in, wt := input.Data, c.weight.Value.Data

	parallelFor(b*outC, func(i int) {
		n, o := i/outC, i%outC
		dst := out.Data[i*oh*ow : (i+1)*oh*ow]
		if c.bias != nil {
			bv := c.bias.Value.Data[o]
			for j := range dst {
				dst[j] = bv
			}
		}
		for ci := 0; ci < inC; ci++ {
			src := in[(n*inC+ci)*h*w : (n*inC+ci+1)*h*w]
			for ky := 0; ky < k; ky++ {
				y0, y1 := span(oh, h, ky-p)
				for kx := 0; kx < k; kx++ {
					wv := wt[((o*inC+ci)*k+ky)*k+kx]
					x0, x1 := span(ow, w, kx-p)
					for y := y0; y < y1; y++ {
						row := dst[y*ow : (y+1)*ow]
						srow := src[(y+ky-p)*w:]
						for x := x0; x < x1; x++ {
							row[x] += wv * srow[x+kx-p]
						}
					}
				}
			}
		}
	})

	if c.training {
		c.input = input
	}
	return out, nil
}

// span returns the output range [lo, hi) whose shifted index o+shift lies
// inside [0, size).
func span(outSize, size, shift int) (int, int) {
	lo, hi := 0, outSize
	if -shift > lo {
		lo = -shift
	}
	if size-shift < hi {
		hi = size - shift
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func (c *Conv2D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, fmt.Errorf("%s: backward called without a training forward pass", c.name)
	}
	input := c.input
	c.input = nil

	ws := c.weight.Value.Shape
	outC, inC, k := ws[0], ws[1], ws[2]
	b, h, w := input.Shape[0], input.Shape[2], input.Shape[3]
	p := c.padding
	oh, ow := h+2*p-k+1, w+2*p-k+1
	if !tensor.ShapesEqual(gradOutput.Shape, []int{b, outC, oh, ow}) {
		return nil, shapeError(c.name+" backward", gradOutput.Shape, fmt.Sprintf("[%d %d %d %d]", b, outC, oh, ow))
	}

	gradIn, err := tensor.Zeros(input.Shape)
	if err != nil {
		return nil, err
	}
	in, g, wt := input.Data, gradOutput.Data, c.weight.Value.Data
	gw := c.weight.Grad.Data

	// weight and bias gradients, one output channel per task
	parallelFor(outC, func(o int) {
		for n := 0; n < b; n++ {
			gsrc := g[(n*outC+o)*oh*ow : (n*outC+o+1)*oh*ow]
			if c.bias != nil {
				var sum float32
				for _, v := range gsrc {
					sum += v
				}
				c.bias.Grad.Data[o] += sum
			}
			for ci := 0; ci < inC; ci++ {
				src := in[(n*inC+ci)*h*w : (n*inC+ci+1)*h*w]
				for ky := 0; ky < k; ky++ {
					y0, y1 := span(oh, h, ky-p)
					for kx := 0; kx < k; kx++ {
						x0, x1 := span(ow, w, kx-p)
						var sum float32
						for y := y0; y < y1; y++ {
							grow := gsrc[y*ow:]
							srow := src[(y+ky-p)*w:]
							for x := x0; x < x1; x++ {
								sum += grow[x] * srow[x+kx-p]
							}
						}
						gw[((o*inC+ci)*k+ky)*k+kx] += sum
					}
				}
			}
		}
	})

	// input gradient, one batch element per task
	parallelFor(b, func(n int) {
		for o := 0; o < outC; o++ {
			gsrc := g[(n*outC+o)*oh*ow : (n*outC+o+1)*oh*ow]
			for ci := 0; ci < inC; ci++ {
				dst := gradIn.Data[(n*inC+ci)*h*w : (n*inC+ci+1)*h*w]
				for ky := 0; ky < k; ky++ {
					y0, y1 := span(oh, h, ky-p)
					for kx := 0; kx < k; kx++ {
						wv := wt[((o*inC+ci)*k+ky)*k+kx]
						x0, x1 := span(ow, w, kx-p)
						for y := y0; y < y1; y++ {
							grow := gsrc[y*ow:]
							drow := dst[(y+ky-p)*w:]
							for x := x0; x < x1; x++ {
								drow[x+kx-p] += wv * grow[x]
							}
						}
					}
				}
			}
		}
	})

	return gradIn, nil
}

func (c *Conv2D) Parameters() []*Parameter {
	if c.bias == nil {
		return []*Parameter{c.weight}
	}
	return []*Parameter{c.weight, c.bias}
}

// DepthwiseConv3D convolves each channel independently along the depth axis
// with a (kd, 1, 1) kernel, without padding.
type DepthwiseConv3D struct {
	mode
	name   string
	weight *Parameter
	bias   *Parameter
	input  *tensor.Tensor
}

// NewDepthwiseConv3D creates a per-channel convolution over the depth axis.
func NewDepthwiseConv3D(name string, channels, kernelDepth int, bias bool, rng *rand.Rand) (*DepthwiseConv3D, error) {
	bound := 1.0 / math.Sqrt(float64(kernelDepth))
	w, err := tensor.Uniform([]int{channels, 1, kernelDepth, 1, 1}, bound, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	d := &DepthwiseConv3D{mode: mode{true}, name: name, weight: newParameter(name+".weight", w)}
	if bias {
		b, err := tensor.Uniform([]int{channels}, bound, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		d.bias = newParameter(name+".bias", b)
	}
	return d, nil
}

func (d *DepthwiseConv3D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	c, kd := d.weight.Value.Shape[0], d.weight.Value.Shape[2]
	if len(input.Shape) != 5 || input.Shape[1] != c || input.Shape[2] < kd {
		return nil, shapeError(d.name, input.Shape, fmt.Sprintf("[B %d D>=%d H W]", c, kd))
	}
	b, depth := input.Shape[0], input.Shape[2]
	plane := input.Shape[3] * input.Shape[4]
	od := depth - kd + 1

	out, err := tensor.Zeros([]int{b, c, od, input.Shape[3], input.Shape[4]})
	if err != nil {
		return nil, err
	}
	wt := d.weight.Value.Data

	parallelFor(b*c, func(i int) {
		ch := i % c
		src := input.Data[i*depth*plane : (i+1)*depth*plane]
		dst := out.Data[i*od*plane : (i+1)*od*plane]
		if d.bias != nil {
			bv := d.bias.Value.Data[ch]
			for j := range dst {
				dst[j] = bv
			}
		}
		for z := 0; z < od; z++ {
			drow := dst[z*plane : (z+1)*plane]
			for k := 0; k < kd; k++ {
				wv := wt[ch*kd+k]
				srow := src[(z+k)*plane : (z+k+1)*plane]
				for j := range drow {
					drow[j] += wv * srow[j]
				}
			}
		}
	})

	if d.training {
		d.input = input
	}
	return out, nil
}

func (d *DepthwiseConv3D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if d.input == nil {
		return nil, fmt.Errorf("%s: backward called without a training forward pass", d.name)
	}
	input := d.input
	d.input = nil

	c, kd := d.weight.Value.Shape[0], d.weight.Value.Shape[2]
	b, depth := input.Shape[0], input.Shape[2]
	plane := input.Shape[3] * input.Shape[4]
	od := depth - kd + 1
	if !tensor.ShapesEqual(gradOutput.Shape, []int{b, c, od, input.Shape[3], input.Shape[4]}) {
		return nil, shapeError(d.name+" backward", gradOutput.Shape, "matching forward output")
	}

	gradIn, err := tensor.Zeros(input.Shape)
	if err != nil {
		return nil, err
	}
	wt := d.weight.Value.Data

	// each task owns one channel across the batch
	parallelFor(c, func(ch int) {
		for n := 0; n < b; n++ {
			i := n*c + ch
			src := input.Data[i*depth*plane : (i+1)*depth*plane]
			g := gradOutput.Data[i*od*plane : (i+1)*od*plane]
			dst := gradIn.Data[i*depth*plane : (i+1)*depth*plane]
			if d.bias != nil {
				var sum float32
				for _, v := range g {
					sum += v
				}
				d.bias.Grad.Data[ch] += sum
			}
			for z := 0; z < od; z++ {
				grow := g[z*plane : (z+1)*plane]
				for k := 0; k < kd; k++ {
					wv := wt[ch*kd+k]
					srow := src[(z+k)*plane : (z+k+1)*plane]
					drow := dst[(z+k)*plane : (z+k+1)*plane]
					var sum float32
					for j, gv := range grow {
						sum += gv * srow[j]
						drow[j] += gv * wv
					}
					d.weight.Grad.Data[ch*kd+k] += sum
				}
			}
		}
	})

	return gradIn, nil
}

func (d *DepthwiseConv3D) Parameters() []*Parameter {
	if d.bias == nil {
		return []*Parameter{d.weight}
	}
	return []*Parameter{d.weight, d.bias}
}

// PointwiseConv3D is a 1x1x1 convolution mixing channels at every voxel.
type PointwiseConv3D struct {
	mode
	name   string
	weight *Parameter
	bias   *Parameter
	input  *tensor.Tensor
}

// NewPointwiseConv3D creates a 1x1x1 convolution mixing channels.
func NewPointwiseConv3D(name string, inputChannels, outputChannels int, bias bool, rng *rand.Rand) (*PointwiseConv3D, error) {
	bound := 1.0 / math.Sqrt(float64(inputChannels))
	w, err := tensor.Uniform([]int{outputChannels, inputChannels, 1, 1, 1}, bound, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	p := &PointwiseConv3D{mode: mode{true}, name: name, weight: newParameter(name+".weight", w)}
	if bias {
		b, err := tensor.Uniform([]int{outputChannels}, bound, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		p.bias = newParameter(name+".bias", b)
	}
	return p, nil
}

func (p *PointwiseConv3D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	outC, inC := p.weight.Value.Shape[0], p.weight.Value.Shape[1]
	if len(input.Shape) != 5 || input.Shape[1] != inC {
		return nil, shapeError(p.name, input.Shape, fmt.Sprintf("[B %d D H W]", inC))
	}
	b := input.Shape[0]
	vol := input.Shape[2] * input.Shape[3] * input.Shape[4]

	out, err := tensor.Zeros([]int{b, outC, input.Shape[2], input.Shape[3], input.Shape[4]})
	if err != nil {
		return nil, err
	}
	wt := p.weight.Value.Data

	parallelFor(b*outC, func(i int) {
		n, o := i/outC, i%outC
		dst := out.Data[i*vol : (i+1)*vol]
		if p.bias != nil {
			bv := p.bias.Value.Data[o]
			for j := range dst {
				dst[j] = bv
			}
		}
		for ci := 0; ci < inC; ci++ {
			wv := wt[o*inC+ci]
			src := input.Data[(n*inC+ci)*vol : (n*inC+ci+1)*vol]
			for j, v := range src {
				dst[j] += wv * v
			}
		}
	})

	if p.training {
		p.input = input
	}
	return out, nil
}

func (p *PointwiseConv3D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if p.input == nil {
		return nil, fmt.Errorf("%s: backward called without a training forward pass", p.name)
	}
	input := p.input
	p.input = nil

	outC, inC := p.weight.Value.Shape[0], p.weight.Value.Shape[1]
	b := input.Shape[0]
	vol := input.Shape[2] * input.Shape[3] * input.Shape[4]
	if !tensor.ShapesEqual(gradOutput.Shape, []int{b, outC, input.Shape[2], input.Shape[3], input.Shape[4]}) {
		return nil, shapeError(p.name+" backward", gradOutput.Shape, "matching forward output")
	}

	gradIn, err := tensor.Zeros(input.Shape)
	if err != nil {
		return nil, err
	}
	wt := p.weight.Value.Data

	parallelFor(outC, func(o int) {
		for n := 0; n < b; n++ {
			g := gradOutput.Data[(n*outC+o)*vol : (n*outC+o+1)*vol]
			if p.bias != nil {
				var sum float32
				for _, v := range g {
					sum += v
				}
				p.bias.Grad.Data[o] += sum
			}
			for ci := 0; ci < inC; ci++ {
				src := input.Data[(n*inC+ci)*vol : (n*inC+ci+1)*vol]
				var sum float32
				for j, gv := range g {
					sum += gv * src[j]
				}
				p.weight.Grad.Data[o*inC+ci] += sum
			}
		}
	})

	parallelFor(b*inC, func(i int) {
		n, ci := i/inC, i%inC
		dst := gradIn.Data[i*vol : (i+1)*vol]
		for o := 0; o < outC; o++ {
			wv := wt[o*inC+ci]
			g := gradOutput.Data[(n*outC+o)*vol : (n*outC+o+1)*vol]
			for j, gv := range g {
				dst[j] += wv * gv
			}
		}
	})

	return gradIn, nil
}

func (p *PointwiseConv3D) Parameters() []*Parameter {
	if p.bias == nil {
		return []*Parameter{p.weight}
	}
	return []*Parameter{p.weight, p.bias}
}

// ReLU is the rectified linear activation.
type ReLU struct {
	mode
	output *tensor.Tensor
}

// NewReLU creates a ReLU activation.
func NewReLU() *ReLU {
	return &ReLU{mode: mode{true}}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	if r.training {
		r.output = out
	}
	return out, nil
}

func (r *ReLU) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if r.output == nil {
		return nil, fmt.Errorf("relu: backward called without a training forward pass")
	}
	if !tensor.ShapesEqual(gradOutput.Shape, r.output.Shape) {
		return nil, shapeError("relu backward", gradOutput.Shape, fmt.Sprintf("%v", r.output.Shape))
	}
	grad := gradOutput.Clone()
	for i, v := range r.output.Data {
		if v <= 0 {
			grad.Data[i] = 0
		}
	}
	r.output = nil
	return grad, nil
}

func (r *ReLU) Parameters() []*Parameter {
	return nil
}

// Sequential chains modules; Backward runs them in reverse.
type Sequential struct {
	modules []Module
}

// NewSequential chains modules in order.
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules}
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	for i, m := range s.modules {
		var err error
		out, err = m.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("module %d forward: %w", i, err)
		}
	}
	return out, nil
}

func (s *Sequential) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	grad := gradOutput
	for i := len(s.modules) - 1; i >= 0; i-- {
		var err error
		grad, err = s.modules[i].Backward(grad)
		if err != nil {
			return nil, fmt.Errorf("module %d backward: %w", i, err)
		}
	}
	return grad, nil
}

func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	for _, m := range s.modules {
		m.Train()
	}
}

func (s *Sequential) Eval() {
	for _, m := range s.modules {
		m.Eval()
	}
}

func (s *Sequential) IsTraining() bool {
	return len(s.modules) > 0 && s.modules[0].IsTraining()
}

// BuildSequential instantiates the layers of a compiled spec.
func BuildSequential(spec *layers.ModelSpec, rng *rand.Rand) (*Sequential, error) {
	if !spec.Compiled {
		return nil, fmt.Errorf("model %q is not compiled", spec.Name)
	}

	seq := NewSequential()
	for _, l := range spec.Layers {
		var (
			m   Module
			err error
		)
		useBias := l.BoolParam("use_bias", true)
		switch l.Type {
		case layers.Conv2D:
			m, err = NewConv2D(l.Name, l.IntParam("input_channels", 0), l.IntParam("output_channels", 0),
				l.IntParam("kernel_size", 0), l.IntParam("padding", 0), useBias, rng)
		case layers.DepthwiseConv3D:
			m, err = NewDepthwiseConv3D(l.Name, l.IntParam("input_channels", 0), l.IntParam("kernel_depth", 0), useBias, rng)
		case layers.PointwiseConv3D:
			m, err = NewPointwiseConv3D(l.Name, l.IntParam("input_channels", 0), l.IntParam("output_channels", 0), useBias, rng)
		case layers.ReLU:
			m = NewReLU()
		default:
			err = fmt.Errorf("unsupported layer type %s", l.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.Name, err)
		}
		seq.modules = append(seq.modules, m)
	}
	return seq, nil
}
