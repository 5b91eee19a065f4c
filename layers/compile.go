package layers

import (
	"container/heap"
	"fmt"
	"strings"
)

// Compile orders the sub-graph feeding output, infers every node's shape
// and collects parameter metadata. inputShapes gives the shape of each
// Variable by name, in NCHW layout for image inputs.
func (g *Graph) Compile(output Symbol, inputShapes map[string][]int) (*ModelSpec, error) {
	if g.err != nil {
		return nil, fmt.Errorf("failed to build graph: %w", g.err)
	}
	if output.g != g || !output.Valid() {
		return nil, &GraphError{Kind: ErrForeignSymbol, Layer: output.Name(), Msg: "output"}
	}

	order, err := g.topoOrder(output.id)
	if err != nil {
		return nil, err
	}

	model := &ModelSpec{
		Layers:      make([]LayerSpec, 0, len(order)),
		InputShapes: make(map[string][]int),
		Output:      output.Name(),
	}

	// Every node, parameter and label name shares one namespace
	names := make(map[string]string, len(order)*3)
	for _, id := range order {
		names[g.nodes[id].spec.Name] = g.nodes[id].spec.Name
	}
	claim := func(owner, name string) error {
		if prev, taken := names[name]; taken {
			return &GraphError{Kind: ErrDuplicateName, Layer: owner, Msg: fmt.Sprintf("%q already used by %q", name, prev)}
		}
		names[name] = owner
		return nil
	}

	shapes := make(map[int][]int, len(order))
	for _, id := range order {
		n := g.nodes[id]
		layer := n.spec
		layer.Inputs = append([]string(nil), n.spec.Inputs...)

		inShapes := make([][]int, len(n.inputs))
		for i, in := range n.inputs {
			inShapes[i] = cloneShape(shapes[in])
		}
		if layer.Type == Variable {
			if len(n.inputs) != 0 {
				return nil, invalidf(layer.Name, "variable cannot take inputs")
			}
			shape, ok := inputShapes[layer.Name]
			if !ok {
				return nil, shapef(layer.Name, "no shape given for input variable")
			}
			for _, d := range shape {
				if d <= 0 {
					return nil, shapef(layer.Name, "input shape %v has a non-positive dimension", shape)
				}
			}
			model.InputShapes[layer.Name] = cloneShape(shape)
			inShapes = [][]int{cloneShape(shape)}
		}

		outShape, params, err := computeLayerInfo(&layer, inShapes)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %s (%s) info: %w", layer.Name, layer.Type, err)
		}

		if layer.Type != Variable {
			layer.InputShapes = inShapes
		}
		layer.OutputShape = outShape
		layer.Parameters = params
		layer.ParameterCount = 0
		for _, p := range params {
			if err := claim(layer.Name, p.Name); err != nil {
				return nil, err
			}
			if p.Aux {
				model.AuxParameters += p.Size()
			} else {
				layer.ParameterCount += p.Size()
			}
		}
		if layer.Type == SoftmaxOutput {
			label := layer.Name + "_label"
			if err := claim(layer.Name, label); err != nil {
				return nil, err
			}
			if model.LabelShapes == nil {
				model.LabelShapes = make(map[string][]int)
			}
			model.LabelShapes[label] = []int{outShape[0]}
		}

		model.TotalParameters += layer.ParameterCount
		shapes[id] = outShape
		model.Layers = append(model.Layers, layer)
	}

	model.OutputShape = cloneShape(shapes[output.id])
	model.Compiled = true
	return model, nil
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder returns the nodes reachable from out in a deterministic
// topological order: among ready nodes the one inserted first goes first.
func (g *Graph) topoOrder(out int) ([]int, error) {
	reach := make(map[int]bool)
	stack := []int{out}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reach[id] {
			continue
		}
		reach[id] = true
		stack = append(stack, g.nodes[id].inputs...)
	}

	indeg := make(map[int]int, len(reach))
	consumers := make(map[int][]int, len(reach))
	for id := range reach {
		indeg[id] = len(g.nodes[id].inputs)
		for _, in := range g.nodes[id].inputs {
			consumers[in] = append(consumers[in], id)
		}
	}

	ready := &intMinHeap{}
	for id, d := range indeg {
		if d == 0 {
			*ready = append(*ready, id)
		}
	}
	heap.Init(ready)

	order := make([]int, 0, len(reach))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(int)
		order = append(order, id)
		for _, c := range consumers[id] {
			indeg[c]--
			if indeg[c] == 0 {
				heap.Push(ready, c)
			}
		}
	}
	if len(order) != len(reach) {
		return nil, &GraphError{Kind: ErrCycle, Msg: strings.Join(g.findCycle(reach), " -> ")}
	}
	return order, nil
}

// findCycle returns one cycle among the reachable nodes as a closed path of
// names, scanning nodes in insertion order.
func (g *Graph) findCycle(reach map[int]bool) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.nodes[u].inputs {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range g.nodes {
		if reach[i] && color[i] == white && dfs(i) {
			break
		}
	}

	// Edges were walked consumer -> input, so the collected path already
	// reads in data-flow order.
	out := make([]string, len(cycle))
	for i, id := range cycle {
		out[i] = g.nodes[id].spec.Name
	}
	return out
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, in [][]int) ([]int, []Parameter, error) {
	switch layer.Type {
	case Variable:
		return in[0], nil, nil
	case Concat:
		return computeConcatInfo(layer, in)
	}

	if len(in) != 1 {
		return nil, nil, invalidf(layer.Name, "%s takes exactly one input, got %d", layer.Type, len(in))
	}
	switch layer.Type {
	case Convolution, QConvolution:
		return computeConvInfo(layer, in[0])
	case BatchNorm:
		return computeBatchNormInfo(layer, in[0])
	case Activation, QActivation:
		return computeActivationInfo(layer, in[0])
	case Pooling:
		return computePoolingInfo(layer, in[0])
	case Flatten:
		return computeFlattenInfo(layer, in[0])
	case FullyConnected:
		return computeFullyConnectedInfo(layer, in[0])
	case SoftmaxOutput:
		if len(in[0]) < 2 {
			return nil, nil, shapef(layer.Name, "softmax needs at least 2D input, got %v", in[0])
		}
		return cloneShape(in[0]), nil, nil
	default:
		return nil, nil, invalidf(layer.Name, "unsupported layer type: %s", layer.Type)
	}
}

// computeConvInfo computes convolution layer information.
// Weight layout is [filters, channels, kh, kw].
func computeConvInfo(layer *LayerSpec, in []int) ([]int, []Parameter, error) {
	p := layer.Params
	if len(in) != 4 {
		return nil, nil, shapef(layer.Name, "convolution requires 4D input [batch, channels, height, width], got %v", in)
	}
	if p.NumFilter <= 0 {
		return nil, nil, invalidf(layer.Name, "num_filter must be positive, got %d", p.NumFilter)
	}
	if layer.Type == QConvolution {
		if err := checkActBit(layer); err != nil {
			return nil, nil, err
		}
	}

	out := []int{in[0], p.NumFilter, 0, 0}
	for axis := 0; axis < 2; axis++ {
		size, err := windowOutput(layer.Name, in[2+axis], p.Kernel[axis], p.Stride[axis], p.Pad[axis], false)
		if err != nil {
			return nil, nil, err
		}
		out[2+axis] = size
	}

	params := []Parameter{{
		Name:  layer.Name + "_weight",
		Shape: []int{p.NumFilter, in[1], p.Kernel[0], p.Kernel[1]},
	}}
	if !p.NoBias {
		params = append(params, Parameter{Name: layer.Name + "_bias", Shape: []int{p.NumFilter}})
	}
	return out, params, nil
}

// computeBatchNormInfo computes batch normalization layer information.
// gamma is allocated even when fix_gamma holds it constant.
func computeBatchNormInfo(layer *LayerSpec, in []int) ([]int, []Parameter, error) {
	if len(in) < 2 {
		return nil, nil, shapef(layer.Name, "batch norm requires at least 2D input, got %v", in)
	}
	c := in[1]
	return cloneShape(in), []Parameter{
		{Name: layer.Name + "_gamma", Shape: []int{c}},
		{Name: layer.Name + "_beta", Shape: []int{c}},
		{Name: layer.Name + "_moving_mean", Shape: []int{c}, Aux: true},
		{Name: layer.Name + "_moving_var", Shape: []int{c}, Aux: true},
	}, nil
}

func computeActivationInfo(layer *LayerSpec, in []int) ([]int, []Parameter, error) {
	switch layer.Params.ActType {
	case ActReLU, ActSigmoid, ActTanh, ActSoftReLU:
	default:
		return nil, nil, invalidf(layer.Name, "unknown act_type %q", layer.Params.ActType)
	}
	if layer.Type == QActivation {
		if err := checkActBit(layer); err != nil {
			return nil, nil, err
		}
	}
	return cloneShape(in), nil, nil
}

func computePoolingInfo(layer *LayerSpec, in []int) ([]int, []Parameter, error) {
	p := layer.Params
	if len(in) != 4 {
		return nil, nil, shapef(layer.Name, "pooling requires 4D input [batch, channels, height, width], got %v", in)
	}
	switch p.PoolType {
	case PoolMax, PoolAvg, PoolSum:
	default:
		return nil, nil, invalidf(layer.Name, "unknown pool_type %q", p.PoolType)
	}
	if p.GlobalPool {
		return []int{in[0], in[1], 1, 1}, nil, nil
	}

	var ceil bool
	switch p.PoolingConvention {
	case ConventionValid, "":
	case ConventionFull:
		ceil = true
	default:
		return nil, nil, invalidf(layer.Name, "unknown pooling_convention %q", p.PoolingConvention)
	}

	out := []int{in[0], in[1], 0, 0}
	for axis := 0; axis < 2; axis++ {
		size, err := windowOutput(layer.Name, in[2+axis], p.Kernel[axis], p.Stride[axis], p.Pad[axis], ceil)
		if err != nil {
			return nil, nil, err
		}
		out[2+axis] = size
	}
	return out, nil, nil
}

// computeConcatInfo joins inputs along axis 1. Every other axis must agree.
func computeConcatInfo(layer *LayerSpec, in [][]int) ([]int, []Parameter, error) {
	if len(in) == 0 {
		return nil, nil, invalidf(layer.Name, "concat needs at least one input")
	}
	first := in[0]
	if len(first) < 2 {
		return nil, nil, shapef(layer.Name, "concat requires at least 2D inputs, got %v", first)
	}
	out := cloneShape(first)
	out[1] = 0
	for i, s := range in {
		if len(s) != len(first) {
			return nil, nil, shapef(layer.Name, "input %d (%s) has rank %d, want %d", i, layer.Inputs[i], len(s), len(first))
		}
		for axis := range s {
			if axis != 1 && s[axis] != first[axis] {
				return nil, nil, shapef(layer.Name, "input %d (%s) shape %v does not match %v outside the channel axis", i, layer.Inputs[i], s, first)
			}
		}
		out[1] += s[1]
	}
	return out, nil, nil
}

func computeFlattenInfo(layer *LayerSpec, in []int) ([]int, []Parameter, error) {
	if len(in) < 2 {
		return nil, nil, shapef(layer.Name, "flatten requires at least 2D input, got %v", in)
	}
	return []int{in[0], volume(in[1:])}, nil, nil
}

// computeFullyConnectedInfo flattens its input implicitly.
// Weight layout is [hidden, features].
func computeFullyConnectedInfo(layer *LayerSpec, in []int) ([]int, []Parameter, error) {
	p := layer.Params
	if len(in) < 2 {
		return nil, nil, shapef(layer.Name, "fully connected layer requires at least 2D input, got %v", in)
	}
	if p.NumHidden <= 0 {
		return nil, nil, invalidf(layer.Name, "num_hidden must be positive, got %d", p.NumHidden)
	}
	params := []Parameter{{Name: layer.Name + "_weight", Shape: []int{p.NumHidden, volume(in[1:])}}}
	if !p.NoBias {
		params = append(params, Parameter{Name: layer.Name + "_bias", Shape: []int{p.NumHidden}})
	}
	return []int{in[0], p.NumHidden}, params, nil
}

func checkActBit(layer *LayerSpec) error {
	if b := layer.Params.ActBit; b < 1 || b > 32 {
		return invalidf(layer.Name, "act_bit must be within [1, 32], got %d", b)
	}
	return nil
}

// windowOutput computes the output extent of a sliding window along one axis
func windowOutput(layer string, size, kernel, stride, pad int, ceil bool) (int, error) {
	if kernel <= 0 || stride <= 0 || pad < 0 {
		return 0, invalidf(layer, "unsupported window kernel=%d stride=%d pad=%d", kernel, stride, pad)
	}
	span := size + 2*pad - kernel
	if span < 0 {
		return 0, shapef(layer, "kernel %d exceeds padded input %d", kernel, size+2*pad)
	}
	if ceil {
		return (span+stride-1)/stride + 1, nil
	}
	return span/stride + 1, nil
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func cloneShape(shape []int) []int {
	if shape == nil {
		return nil
	}
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
