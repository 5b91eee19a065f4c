package layers

import (
	"fmt"
)

// LayerType represents the operator a graph node applies
type LayerType int

const (
	Variable LayerType = iota
	Convolution
	QConvolution
	BatchNorm
	Activation
	QActivation
	Pooling
	Concat
	Flatten
	FullyConnected
	SoftmaxOutput
)

func (lt LayerType) String() string {
	switch lt {
	case Variable:
		return "Variable"
	case Convolution:
		return "Convolution"
	case QConvolution:
		return "QConvolution"
	case BatchNorm:
		return "BatchNorm"
	case Activation:
		return "Activation"
	case QActivation:
		return "QActivation"
	case Pooling:
		return "Pooling"
	case Concat:
		return "Concat"
	case Flatten:
		return "Flatten"
	case FullyConnected:
		return "FullyConnected"
	case SoftmaxOutput:
		return "SoftmaxOutput"
	default:
		return "Unknown"
	}
}

// OpName returns the operator name used in serialized symbol files.
// Variables are written as "null", as the framework symbol format expects.
func (lt LayerType) OpName() string {
	if lt == Variable {
		return "null"
	}
	return lt.String()
}

// ParseLayerType is the inverse of OpName. It also accepts "Variable".
func ParseLayerType(op string) (LayerType, error) {
	if op == "null" {
		return Variable, nil
	}
	for lt := Variable; lt <= SoftmaxOutput; lt++ {
		if lt.String() == op {
			return lt, nil
		}
	}
	return 0, fmt.Errorf("unknown operator %q", op)
}

// Pair holds a (height, width) hyperparameter such as a kernel, stride or pad
type Pair [2]int

// P is shorthand for building a Pair
func P(h, w int) Pair {
	return Pair{h, w}
}

func (p Pair) String() string {
	return fmt.Sprintf("(%d, %d)", p[0], p[1])
}

func (p Pair) isZero() bool {
	return p[0] == 0 && p[1] == 0
}

// Activation types understood by Activation and QActivation
const (
	ActReLU     = "relu"
	ActSigmoid  = "sigmoid"
	ActTanh     = "tanh"
	ActSoftReLU = "softrelu"
)

// Pool types understood by Pooling
const (
	PoolMax = "max"
	PoolAvg = "avg"
	PoolSum = "sum"
)

// Pooling conventions. Valid floors the output size, full ceils it.
const (
	ConventionValid = "valid"
	ConventionFull  = "full"
)

// BatchNorm defaults, matching the framework the graphs are exported to
const (
	DefaultBatchNormEps      float32 = 1e-3
	DefaultBatchNormMomentum float32 = 0.9
)

// Params holds operator hyperparameters.
// Only the fields relevant to a node's LayerType are set.
type Params struct {
	NumFilter int  `json:"num_filter,omitempty"`
	Kernel    Pair `json:"kernel,omitzero"`
	Stride    Pair `json:"stride,omitzero"`
	Pad       Pair `json:"pad,omitzero"`
	NoBias    bool `json:"no_bias,omitempty"`

	FixGamma bool    `json:"fix_gamma,omitempty"`
	Eps      float32 `json:"eps,omitempty"`
	Momentum float32 `json:"momentum,omitempty"`

	ActType      string `json:"act_type,omitempty"`
	ActBit       int    `json:"act_bit,omitempty"`
	BackwardOnly bool   `json:"backward_only,omitempty"`

	PoolType          string `json:"pool_type,omitempty"`
	PoolingConvention string `json:"pooling_convention,omitempty"`
	GlobalPool        bool   `json:"global_pool,omitempty"`

	NumHidden int `json:"num_hidden,omitempty"`
}

// Parameter describes one tensor a layer owns. Auxiliary tensors (batch norm
// moving statistics) are carried in the graph but are not learnable.
type Parameter struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Aux   bool   `json:"aux,omitempty"`
}

// Size returns the number of elements in the parameter
func (p Parameter) Size() int64 {
	n := int64(1)
	for _, d := range p.Shape {
		n *= int64(d)
	}
	return n
}

// LayerSpec defines one node of the graph.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type   LayerType `json:"type"`
	Name   string    `json:"name"`
	Inputs []string  `json:"inputs,omitempty"`
	Params Params    `json:"params"`

	// Shape information (computed during model compilation)
	InputShapes [][]int `json:"input_shapes,omitempty"`
	OutputShape []int   `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	Parameters     []Parameter `json:"parameters,omitempty"`
	ParameterCount int64       `json:"parameter_count,omitempty"`
}

// Channels returns the channel (axis 1) count of the compiled output
func (ls LayerSpec) Channels() int {
	if len(ls.OutputShape) < 2 {
		return 0
	}
	return ls.OutputShape[1]
}

// MarshalText encodes the layer type by name
func (lt LayerType) MarshalText() ([]byte, error) {
	if lt < Variable || lt > SoftmaxOutput {
		return nil, fmt.Errorf("invalid layer type %d", int(lt))
	}
	return []byte(lt.String()), nil
}

// UnmarshalText decodes a layer type name
func (lt *LayerType) UnmarshalText(text []byte) error {
	parsed, err := ParseLayerType(string(text))
	if err != nil {
		return err
	}
	*lt = parsed
	return nil
}
