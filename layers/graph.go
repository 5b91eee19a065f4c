package layers

import (
	"fmt"
)

// Symbol is a handle to a node of a Graph. The zero Symbol is invalid.
//
// Symbols are returned by the operator constructors on Graph and are passed
// back into them as inputs to wire the data flow.
type Symbol struct {
	g  *Graph
	id int
}

// Name returns the unique node name, or "" for an invalid symbol
func (s Symbol) Name() string {
	if !s.Valid() {
		return ""
	}
	return s.g.nodes[s.id].spec.Name
}

// Type returns the operator of the node
func (s Symbol) Type() LayerType {
	if !s.Valid() {
		return Variable
	}
	return s.g.nodes[s.id].spec.Type
}

// Graph returns the graph owning the symbol
func (s Symbol) Graph() *Graph {
	return s.g
}

// Valid reports whether s refers to a node
func (s Symbol) Valid() bool {
	return s.g != nil && s.id >= 0 && s.id < len(s.g.nodes)
}

type node struct {
	spec   LayerSpec
	inputs []int
}

// Graph collects symbolic nodes. It acts as a builder: each operator
// constructor appends a node and returns its Symbol.
//
// The first construction error is kept and every later constructor call
// becomes a no-op returning an invalid Symbol. Check Err, or let Compile
// report it.
//
// A Graph is not safe for concurrent use by multiple goroutines.
type Graph struct {
	nodes []*node
	index map[string]int
	err   error
}

// NewGraph creates an empty graph
func NewGraph() *Graph {
	return &Graph{index: make(map[string]int)}
}

// Err returns the first error encountered while building the graph
func (g *Graph) Err() error {
	return g.err
}

// Len returns the number of nodes in the graph
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Lookup returns the node named name
func (g *Graph) Lookup(name string) (Symbol, bool) {
	id, ok := g.index[name]
	if !ok {
		return Symbol{}, false
	}
	return Symbol{g: g, id: id}, true
}

// Layers returns a copy of the node specs in insertion order
func (g *Graph) Layers() []LayerSpec {
	out := make([]LayerSpec, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.spec
		out[i].Inputs = append([]string(nil), n.spec.Inputs...)
	}
	return out
}

func (g *Graph) setErr(err error) {
	if g.err == nil {
		g.err = err
	}
}

// add appends a node after checking its name and inputs
func (g *Graph) add(spec LayerSpec, inputs ...Symbol) Symbol {
	if g.err != nil {
		return Symbol{}
	}
	if spec.Name == "" {
		g.setErr(invalidf("", "%s node without a name", spec.Type))
		return Symbol{}
	}
	if _, exists := g.index[spec.Name]; exists {
		g.setErr(&GraphError{Kind: ErrDuplicateName, Layer: spec.Name})
		return Symbol{}
	}

	ids := make([]int, len(inputs))
	spec.Inputs = make([]string, len(inputs))
	for i, in := range inputs {
		if in.g != g {
			if in.g == nil {
				g.setErr(invalidf(spec.Name, "input %d is not a valid symbol", i))
			} else {
				g.setErr(&GraphError{Kind: ErrForeignSymbol, Layer: spec.Name, Msg: fmt.Sprintf("input %d (%s)", i, in.Name())})
			}
			return Symbol{}
		}
		ids[i] = in.id
		spec.Inputs[i] = in.Name()
	}

	id := len(g.nodes)
	g.nodes = append(g.nodes, &node{spec: spec, inputs: ids})
	g.index[spec.Name] = id
	return Symbol{g: g, id: id}
}

// NewGraphFromSpecs rebuilds a graph from node specs, resolving inputs by
// name. Inputs may refer to nodes listed later, so the result is not
// guaranteed to be acyclic; Compile rejects cycles.
func NewGraphFromSpecs(specs []LayerSpec) (*Graph, error) {
	g := NewGraph()
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, invalidf("", "%s node without a name", spec.Type)
		}
		if _, exists := g.index[spec.Name]; exists {
			return nil, &GraphError{Kind: ErrDuplicateName, Layer: spec.Name}
		}
		spec.Inputs = append([]string(nil), spec.Inputs...)
		spec.InputShapes = nil
		spec.OutputShape = nil
		spec.Parameters = nil
		spec.ParameterCount = 0
		g.index[spec.Name] = len(g.nodes)
		g.nodes = append(g.nodes, &node{spec: spec})
	}
	for _, n := range g.nodes {
		n.inputs = make([]int, len(n.spec.Inputs))
		for i, name := range n.spec.Inputs {
			id, ok := g.index[name]
			if !ok {
				return nil, invalidf(n.spec.Name, "unknown input %q", name)
			}
			n.inputs[i] = id
		}
	}
	return g, nil
}

// ConvOpts holds the spatial hyperparameters of a convolution.
// A zero Kernel means 1x1 and a zero Stride means 1x1.
type ConvOpts struct {
	Kernel Pair
	Stride Pair
	Pad    Pair
	NoBias bool
}

func (o ConvOpts) normalized() ConvOpts {
	if o.Kernel.isZero() {
		o.Kernel = P(1, 1)
	}
	if o.Stride.isZero() {
		o.Stride = P(1, 1)
	}
	return o
}

// PoolOpts holds pooling hyperparameters. A zero Stride means 1x1 and an
// empty Convention means ConventionValid.
type PoolOpts struct {
	Kernel     Pair
	Stride     Pair
	Pad        Pair
	PoolType   string
	Convention string
	Global     bool
}

// Variable adds a free input node, such as the image data
func (g *Graph) Variable(name string) Symbol {
	return g.add(LayerSpec{Type: Variable, Name: name})
}

// Convolution adds a 2D convolution producing numFilter channels
func (g *Graph) Convolution(name string, data Symbol, numFilter int, opts ConvOpts) Symbol {
	opts = opts.normalized()
	return g.add(LayerSpec{
		Type: Convolution,
		Name: name,
		Params: Params{
			NumFilter: numFilter,
			Kernel:    opts.Kernel,
			Stride:    opts.Stride,
			Pad:       opts.Pad,
			NoBias:    opts.NoBias,
		},
	}, data)
}

// QConvolution adds a quantized 2D convolution whose inputs and weights are
// binarized to actBit bits
func (g *Graph) QConvolution(name string, data Symbol, numFilter, actBit int, opts ConvOpts) Symbol {
	opts = opts.normalized()
	return g.add(LayerSpec{
		Type: QConvolution,
		Name: name,
		Params: Params{
			NumFilter: numFilter,
			Kernel:    opts.Kernel,
			Stride:    opts.Stride,
			Pad:       opts.Pad,
			NoBias:    opts.NoBias,
			ActBit:    actBit,
		},
	}, data)
}

// BatchNorm adds batch normalization with the default eps and momentum.
// With fixGamma the scale is held at one during training.
func (g *Graph) BatchNorm(name string, data Symbol, fixGamma bool) Symbol {
	return g.add(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Params: Params{
			FixGamma: fixGamma,
			Eps:      DefaultBatchNormEps,
			Momentum: DefaultBatchNormMomentum,
		},
	}, data)
}

// Activation adds an element-wise activation
func (g *Graph) Activation(name string, data Symbol, actType string) Symbol {
	return g.add(LayerSpec{
		Type:   Activation,
		Name:   name,
		Params: Params{ActType: actType},
	}, data)
}

// QActivation adds a quantizing activation. backwardOnly applies the
// activation's gradient while leaving the forward pass to the quantizer.
func (g *Graph) QActivation(name string, data Symbol, actType string, actBit int, backwardOnly bool) Symbol {
	return g.add(LayerSpec{
		Type: QActivation,
		Name: name,
		Params: Params{
			ActType:      actType,
			ActBit:       actBit,
			BackwardOnly: backwardOnly,
		},
	}, data)
}

// Pooling adds a 2D pooling node
func (g *Graph) Pooling(name string, data Symbol, opts PoolOpts) Symbol {
	if opts.Stride.isZero() {
		opts.Stride = P(1, 1)
	}
	if opts.Convention == "" {
		opts.Convention = ConventionValid
	}
	return g.add(LayerSpec{
		Type: Pooling,
		Name: name,
		Params: Params{
			Kernel:            opts.Kernel,
			Stride:            opts.Stride,
			Pad:               opts.Pad,
			PoolType:          opts.PoolType,
			PoolingConvention: opts.Convention,
			GlobalPool:        opts.Global,
		},
	}, data)
}

// Concat joins its inputs along the channel axis, in argument order
func (g *Graph) Concat(name string, inputs ...Symbol) Symbol {
	if len(inputs) == 0 && g.err == nil {
		g.setErr(invalidf(name, "concat needs at least one input"))
		return Symbol{}
	}
	return g.add(LayerSpec{Type: Concat, Name: name}, inputs...)
}

// Flatten collapses every axis after the batch axis
func (g *Graph) Flatten(name string, data Symbol) Symbol {
	return g.add(LayerSpec{Type: Flatten, Name: name}, data)
}

// FullyConnected adds a dense layer with numHidden outputs
func (g *Graph) FullyConnected(name string, data Symbol, numHidden int, noBias bool) Symbol {
	return g.add(LayerSpec{
		Type:   FullyConnected,
		Name:   name,
		Params: Params{NumHidden: numHidden, NoBias: noBias},
	}, data)
}

// SoftmaxOutput adds the softmax loss head. It implicitly takes a label
// input named "<name>_label".
func (g *Graph) SoftmaxOutput(name string, data Symbol) Symbol {
	return g.add(LayerSpec{Type: SoftmaxOutput, Name: name}, data)
}
