package training

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// ParamGroup is a set of parameters sharing one learning rate.
type ParamGroup struct {
	Params []*Parameter
	LR     float64
}

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	Name() string
	Step() error
	ZeroGrad()
	// GetLR returns the learning rate of the first group.
	GetLR() float64
	// SetLR applies lr to every parameter group.
	SetLR(lr float64)
	LearningRates() []float64
	State() OptimizerState
	LoadState(state OptimizerState) error
}

// OptimizerState is the in-memory snapshot of an optimizer, keyed by
// parameter name so it can be reattached to a reloaded model.
type OptimizerState struct {
	Name          string
	LearningRates []float64
	Steps         map[string]int64
	// Adam first and second moments, or SGD velocity in First.
	First  map[string][]float32
	Second map[string][]float32
}

// NewOptimizer creates an optimizer by name ("adam" or "sgd") over a single
// parameter group.
func NewOptimizer(name string, params []*Parameter, lr float64) (Optimizer, error) {
	groups := []ParamGroup{{Params: params, LR: lr}}
	switch strings.ToLower(name) {
	case "adam":
		return NewAdam(groups, 0.9, 0.999, 1e-8, 0), nil
	case "sgd":
		return NewSGD(groups, 0.9, 0), nil
	}
	return nil, fmt.Errorf("unknown optimizer %q", name)
}

type groups []ParamGroup

func (g groups) zeroGrad() {
	for _, group := range g {
		for _, p := range group.Params {
			p.Grad.Zero()
		}
	}
}

func (g groups) learningRates() []float64 {
	lrs := make([]float64, len(g))
	for i, group := range g {
		lrs[i] = group.LR
	}
	return lrs
}

func (g groups) setLR(lr float64) {
	for i := range g {
		g[i].LR = lr
	}
}

func (g groups) loadLearningRates(lrs []float64) error {
	if len(lrs) == 0 {
		return nil
	}
	if len(lrs) != len(g) {
		return fmt.Errorf("state has %d learning rates for %d parameter groups", len(lrs), len(g))
	}
	for i := range g {
		g[i].LR = lrs[i]
	}
	return nil
}

func copyBuffers(src map[string][]float32) map[string][]float32 {
	out := make(map[string][]float32, len(src))
	for k, v := range src {
		out[k] = append([]float32(nil), v...)
	}
	return out
}

func (g groups) loadBuffers(dst, src map[string][]float32) error {
	sizes := make(map[string]int)
	for _, group := range g {
		for _, p := range group.Params {
			sizes[p.Name] = p.Value.NumElems
		}
	}
	for name, buf := range src {
		size, ok := sizes[name]
		if !ok {
			return fmt.Errorf("state references unknown parameter %q", name)
		}
		if len(buf) != size {
			return fmt.Errorf("state for %q has %d values, parameter has %d", name, len(buf), size)
		}
		dst[name] = append([]float32(nil), buf...)
	}
	return nil
}

// Adam implements the Adam optimizer with per-parameter step counts.
type Adam struct {
	groups      groups
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	steps       map[string]int64
	m           map[string][]float32
	v           map[string][]float32
	mutex       sync.Mutex
}

// NewAdam creates an Adam optimizer over paramGroups.
func NewAdam(paramGroups []ParamGroup, beta1, beta2, eps, weightDecay float64) *Adam {
	return &Adam{
		groups:      paramGroups,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		steps:       make(map[string]int64),
		m:           make(map[string][]float32),
		v:           make(map[string][]float32),
	}
}

func (adam *Adam) Name() string { return "adam" }

func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	for _, group := range adam.groups {
		for _, p := range group.Params {
			m, ok := adam.m[p.Name]
			if !ok {
				m = make([]float32, p.Value.NumElems)
				adam.m[p.Name] = m
				adam.v[p.Name] = make([]float32, p.Value.NumElems)
			}
			v := adam.v[p.Name]
			if len(m) != len(p.Grad.Data) {
				return fmt.Errorf("adam: moment size %d does not match parameter %s", len(m), p.Name)
			}

			adam.steps[p.Name]++
			step := float64(adam.steps[p.Name])
			bias1 := 1.0 - math.Pow(adam.beta1, step)
			bias2 := 1.0 - math.Pow(adam.beta2, step)
			stepSize := group.LR / bias1

			b1, b2 := float32(adam.beta1), float32(adam.beta2)
			for i, g := range p.Grad.Data {
				if adam.weightDecay > 0 {
					g += float32(adam.weightDecay) * p.Value.Data[i]
				}
				m[i] = b1*m[i] + (1-b1)*g
				v[i] = b2*v[i] + (1-b2)*g*g
				denom := math.Sqrt(float64(v[i])/bias2) + adam.eps
				p.Value.Data[i] -= float32(stepSize * float64(m[i]) / denom)
			}
		}
	}
	return nil
}

func (adam *Adam) ZeroGrad()                { adam.groups.zeroGrad() }
func (adam *Adam) GetLR() float64           { return adam.groups[0].LR }
func (adam *Adam) SetLR(lr float64)         { adam.groups.setLR(lr) }
func (adam *Adam) LearningRates() []float64 { return adam.groups.learningRates() }

func (adam *Adam) State() OptimizerState {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	steps := make(map[string]int64, len(adam.steps))
	for k, v := range adam.steps {
		steps[k] = v
	}
	return OptimizerState{
		Name:          adam.Name(),
		LearningRates: adam.groups.learningRates(),
		Steps:         steps,
		First:         copyBuffers(adam.m),
		Second:        copyBuffers(adam.v),
	}
}

func (adam *Adam) LoadState(state OptimizerState) error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	if state.Name != adam.Name() {
		return fmt.Errorf("cannot load %q state into adam", state.Name)
	}
	m, v := make(map[string][]float32), make(map[string][]float32)
	if err := adam.groups.loadBuffers(m, state.First); err != nil {
		return err
	}
	if err := adam.groups.loadBuffers(v, state.Second); err != nil {
		return err
	}
	if err := adam.groups.loadLearningRates(state.LearningRates); err != nil {
		return err
	}
	adam.m, adam.v = m, v
	adam.steps = make(map[string]int64, len(state.Steps))
	for k, s := range state.Steps {
		adam.steps[k] = s
	}
	return nil
}

// SGD implements stochastic gradient descent with optional momentum.
type SGD struct {
	groups      groups
	momentum    float64
	weightDecay float64
	velocities  map[string][]float32
	mutex       sync.Mutex
}

// NewSGD creates an SGD optimizer with optional momentum.
func NewSGD(paramGroups []ParamGroup, momentum, weightDecay float64) *SGD {
	return &SGD{
		groups:      paramGroups,
		momentum:    momentum,
		weightDecay: weightDecay,
		velocities:  make(map[string][]float32),
	}
}

func (sgd *SGD) Name() string { return "sgd" }

func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, group := range sgd.groups {
		lr := float32(group.LR)
		for _, p := range group.Params {
			var vel []float32
			if sgd.momentum > 0 {
				var ok bool
				vel, ok = sgd.velocities[p.Name]
				if !ok {
					vel = make([]float32, p.Value.NumElems)
					sgd.velocities[p.Name] = vel
				}
			}
			for i, g := range p.Grad.Data {
				if sgd.weightDecay > 0 {
					g += float32(sgd.weightDecay) * p.Value.Data[i]
				}
				if vel != nil {
					vel[i] = float32(sgd.momentum)*vel[i] + g
					g = vel[i]
				}
				p.Value.Data[i] -= lr * g
			}
		}
	}
	return nil
}

func (sgd *SGD) ZeroGrad()                { sgd.groups.zeroGrad() }
func (sgd *SGD) GetLR() float64           { return sgd.groups[0].LR }
func (sgd *SGD) SetLR(lr float64)         { sgd.groups.setLR(lr) }
func (sgd *SGD) LearningRates() []float64 { return sgd.groups.learningRates() }

func (sgd *SGD) State() OptimizerState {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	return OptimizerState{
		Name:          sgd.Name(),
		LearningRates: sgd.groups.learningRates(),
		First:         copyBuffers(sgd.velocities),
	}
}

func (sgd *SGD) LoadState(state OptimizerState) error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	if state.Name != sgd.Name() {
		return fmt.Errorf("cannot load %q state into sgd", state.Name)
	}
	vel := make(map[string][]float32)
	if err := sgd.groups.loadBuffers(vel, state.First); err != nil {
		return err
	}
	if err := sgd.groups.loadLearningRates(state.LearningRates); err != nil {
		return err
	}
	sgd.velocities = vel
	return nil
}
