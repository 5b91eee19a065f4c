package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hpi-xnor/qinception/layers"
)

// symbolNode is one entry of a symbol file. Parameters and labels are
// written as "null" nodes, the same as data inputs.
type symbolNode struct {
	Op     string            `json:"op"`
	Name   string            `json:"name"`
	Attrs  map[string]string `json:"attrs,omitempty"`
	Inputs [][3]int          `json:"inputs"`
}

// symbolFile is the framework symbol JSON document
type symbolFile struct {
	Nodes    []symbolNode `json:"nodes"`
	ArgNodes []int        `json:"arg_nodes"`
	Heads    [][3]int     `json:"heads"`
}

// SaveSymbolJSON writes the compiled model as a symbol JSON document
func SaveSymbolJSON(w io.Writer, model *layers.ModelSpec) error {
	doc, err := encodeSymbol(model)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode symbol: %v", err)
	}
	return nil
}

func encodeSymbol(model *layers.ModelSpec) (*symbolFile, error) {
	if model == nil || !model.Compiled {
		return nil, layers.ErrNotCompiled
	}

	doc := &symbolFile{}
	index := make(map[string]int, len(model.Layers))
	addNull := func(name string) int {
		id := len(doc.Nodes)
		doc.Nodes = append(doc.Nodes, symbolNode{Op: "null", Name: name, Inputs: [][3]int{}})
		doc.ArgNodes = append(doc.ArgNodes, id)
		return id
	}

	for _, l := range model.Layers {
		if l.Type == layers.Variable {
			index[l.Name] = addNull(l.Name)
			continue
		}

		node := symbolNode{
			Op:     l.Type.OpName(),
			Name:   l.Name,
			Attrs:  encodeAttrs(l),
			Inputs: make([][3]int, 0, len(l.Inputs)+len(l.Parameters)),
		}
		for _, in := range l.Inputs {
			id, ok := index[in]
			if !ok {
				return nil, fmt.Errorf("layer %s: input %s not yet written", l.Name, in)
			}
			node.Inputs = append(node.Inputs, [3]int{id, 0, 0})
		}
		for _, p := range l.Parameters {
			node.Inputs = append(node.Inputs, [3]int{addNull(p.Name), 0, 0})
		}
		if l.Type == layers.SoftmaxOutput {
			node.Inputs = append(node.Inputs, [3]int{addNull(l.Name + "_label"), 0, 0})
		}
		index[l.Name] = len(doc.Nodes)
		doc.Nodes = append(doc.Nodes, node)
	}

	head, ok := index[model.Output]
	if !ok {
		return nil, fmt.Errorf("output %s missing from model", model.Output)
	}
	doc.Heads = [][3]int{{head, 0, 0}}
	return doc, nil
}

// LoadSymbolJSON reads a symbol JSON document back into a graph. Null
// nodes consumed only as parameter or label inputs are dropped; the graph
// layer recreates them on Compile.
func LoadSymbolJSON(r io.Reader) (*layers.Graph, layers.Symbol, error) {
	var doc symbolFile
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, layers.Symbol{}, fmt.Errorf("failed to decode symbol: %v", err)
	}
	if len(doc.Heads) != 1 {
		return nil, layers.Symbol{}, fmt.Errorf("%w: symbol must have exactly one head, got %d", layers.ErrInvalidGraph, len(doc.Heads))
	}

	types := make([]layers.LayerType, len(doc.Nodes))
	for i, n := range doc.Nodes {
		lt, err := layers.ParseLayerType(n.Op)
		if err != nil {
			return nil, layers.Symbol{}, fmt.Errorf("%w: node %s: %v", layers.ErrInvalidGraph, n.Name, err)
		}
		types[i] = lt
	}

	// A null node is data if any operator consumes it in a data slot
	isData := make([]bool, len(doc.Nodes))
	for i, n := range doc.Nodes {
		if types[i] != layers.Variable {
			isData[i] = true
		}
		for j, in := range n.Inputs {
			if in[0] < 0 || in[0] >= len(doc.Nodes) {
				return nil, layers.Symbol{}, fmt.Errorf("%w: node %s: input %d out of range", layers.ErrInvalidGraph, n.Name, in[0])
			}
			if j < dataInputs(types[i], len(n.Inputs)) {
				isData[in[0]] = true
			}
		}
	}
	head := doc.Heads[0][0]
	if head < 0 || head >= len(doc.Nodes) {
		return nil, layers.Symbol{}, fmt.Errorf("%w: head %d out of range", layers.ErrInvalidGraph, head)
	}
	isData[head] = true

	specs := make([]layers.LayerSpec, 0, len(doc.Nodes))
	for i, n := range doc.Nodes {
		if !isData[i] {
			continue
		}
		spec := layers.LayerSpec{Type: types[i], Name: n.Name}
		params, err := decodeAttrs(n.Attrs)
		if err != nil {
			return nil, layers.Symbol{}, fmt.Errorf("%w: node %s: %v", layers.ErrInvalidGraph, n.Name, err)
		}
		spec.Params = params
		for j := 0; j < dataInputs(types[i], len(n.Inputs)); j++ {
			src := n.Inputs[j][0]
			spec.Inputs = append(spec.Inputs, doc.Nodes[src].Name)
		}
		specs = append(specs, spec)
	}

	g, err := layers.NewGraphFromSpecs(specs)
	if err != nil {
		return nil, layers.Symbol{}, err
	}
	out, _ := g.Lookup(doc.Nodes[head].Name)
	return g, out, nil
}

// dataInputs returns how many leading inputs of an operator carry data
func dataInputs(lt layers.LayerType, n int) int {
	switch lt {
	case layers.Variable:
		return 0
	case layers.Concat:
		return n
	default:
		if n == 0 {
			return 0
		}
		return 1
	}
}

// encodeAttrs writes the hyperparameters relevant to the layer type as
// strings, in the framework's notation.
func encodeAttrs(l layers.LayerSpec) map[string]string {
	p := l.Params
	attrs := make(map[string]string)
	conv := func() {
		attrs["num_filter"] = strconv.Itoa(p.NumFilter)
		attrs["kernel"] = p.Kernel.String()
		attrs["stride"] = p.Stride.String()
		attrs["pad"] = p.Pad.String()
		attrs["no_bias"] = formatBool(p.NoBias)
	}

	switch l.Type {
	case layers.Convolution:
		conv()
	case layers.QConvolution:
		conv()
		attrs["act_bit"] = strconv.Itoa(p.ActBit)
	case layers.BatchNorm:
		attrs["fix_gamma"] = formatBool(p.FixGamma)
		attrs["eps"] = formatFloat(p.Eps)
		attrs["momentum"] = formatFloat(p.Momentum)
	case layers.Activation:
		attrs["act_type"] = p.ActType
	case layers.QActivation:
		attrs["act_type"] = p.ActType
		attrs["act_bit"] = strconv.Itoa(p.ActBit)
		attrs["backward_only"] = formatBool(p.BackwardOnly)
	case layers.Pooling:
		attrs["kernel"] = p.Kernel.String()
		attrs["stride"] = p.Stride.String()
		attrs["pad"] = p.Pad.String()
		attrs["pool_type"] = p.PoolType
		attrs["pooling_convention"] = p.PoolingConvention
		attrs["global_pool"] = formatBool(p.GlobalPool)
	case layers.FullyConnected:
		attrs["num_hidden"] = strconv.Itoa(p.NumHidden)
		attrs["no_bias"] = formatBool(p.NoBias)
	case layers.Concat:
		attrs["num_args"] = strconv.Itoa(len(l.Inputs))
		attrs["dim"] = "1"
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

func decodeAttrs(attrs map[string]string) (layers.Params, error) {
	var p layers.Params
	var err error
	for key, val := range attrs {
		switch key {
		case "num_filter":
			p.NumFilter, err = strconv.Atoi(val)
		case "kernel":
			p.Kernel, err = parsePair(val)
		case "stride":
			p.Stride, err = parsePair(val)
		case "pad":
			p.Pad, err = parsePair(val)
		case "no_bias":
			p.NoBias, err = parseBool(val)
		case "fix_gamma":
			p.FixGamma, err = parseBool(val)
		case "eps":
			p.Eps, err = parseFloat(val)
		case "momentum":
			p.Momentum, err = parseFloat(val)
		case "act_type":
			p.ActType = val
		case "act_bit":
			p.ActBit, err = strconv.Atoi(val)
		case "backward_only":
			p.BackwardOnly, err = parseBool(val)
		case "pool_type":
			p.PoolType = val
		case "pooling_convention":
			p.PoolingConvention = val
		case "global_pool":
			p.GlobalPool, err = parseBool(val)
		case "num_hidden":
			p.NumHidden, err = strconv.Atoi(val)
		case "num_args":
		case "dim":
			if val != "1" {
				return p, fmt.Errorf("concat only supports dim 1, got %s", val)
			}
		default:
			return p, fmt.Errorf("unknown attribute %q", key)
		}
		if err != nil {
			return p, fmt.Errorf("attribute %s=%q: %v", key, val, err)
		}
	}
	return p, nil
}

func parsePair(s string) (layers.Pair, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return layers.Pair{}, fmt.Errorf("expected two values")
	}
	var p layers.Pair
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return layers.Pair{}, err
		}
		p[i] = v
	}
	return p, nil
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func parseBool(s string) (bool, error) {
	switch s {
	case "True", "true", "1":
		return true, nil
	case "False", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean")
}

func formatFloat(f float32) string {
	return strconv.FormatFloat(float64(f), 'g', -1, 32)
}

func parseFloat(s string) (float32, error) {
	f, err := strconv.ParseFloat(s, 32)
	return float32(f), err
}
