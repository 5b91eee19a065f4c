package checkpoints

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/hpi-xnor/qinception/layers"
)

// QuantizedDomain is the ONNX operator domain of the quantized operators
const QuantizedDomain = "ai.quantized"

// ONNX protobuf field numbers (onnx.proto, IR version 7)
const (
	modelIrVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelModelVersion    protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	graphNode   protowire.Number = 1
	graphName   protowire.Number = 2
	graphInput  protowire.Number = 11
	graphOutput protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5
	nodeDomain    protowire.Number = 7

	attrName protowire.Number = 1
	attrF    protowire.Number = 2
	attrI    protowire.Number = 3
	attrS    protowire.Number = 4
	attrInts protowire.Number = 8
	attrType protowire.Number = 20

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensorType protowire.Number = 1
	tensorElemType protowire.Number = 1
	tensorShape    protowire.Number = 2
	shapeDim       protowire.Number = 1
	dimValue       protowire.Number = 1
)

// AttributeProto.AttributeType values
const (
	attrTypeFloat  = 1
	attrTypeInt    = 2
	attrTypeString = 3
	attrTypeInts   = 7
)

const elemTypeFloat = 1

// ONNXExporter converts compiled models to ONNX. Only the structure is
// written: parameters become shaped graph inputs rather than initializers.
type ONNXExporter struct {
	IrVersion    int64
	Opset        int64
	ProducerName string
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{
		IrVersion:    7,
		Opset:        13,
		ProducerName: frameworkName,
	}
}

// ExportToONNX writes the checkpoint's model to path
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	data, err := oe.Encode(checkpoint.ModelSpec, checkpoint.Metadata.Description)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %v", err)
	}
	return nil
}

// Encode serializes model as an ONNX ModelProto
func (oe *ONNXExporter) Encode(model *layers.ModelSpec, doc string) ([]byte, error) {
	if model == nil || !model.Compiled {
		return nil, layers.ErrNotCompiled
	}

	graph, err := oe.buildGraph(model)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %v", err)
	}

	var b []byte
	b = appendVarint(b, modelIrVersion, uint64(oe.IrVersion))
	b = appendString(b, modelProducerName, oe.ProducerName)
	b = appendString(b, modelProducerVersion, frameworkVersion)
	b = appendVarint(b, modelModelVersion, 1)
	if doc != "" {
		b = appendString(b, modelDocString, doc)
	}
	b = appendMessage(b, modelGraph, graph)
	b = appendMessage(b, modelOpsetImport, opset("", oe.Opset))
	b = appendMessage(b, modelOpsetImport, opset(QuantizedDomain, 1))
	return b, nil
}

func opset(domain string, version int64) []byte {
	var b []byte
	if domain != "" {
		b = appendString(b, opsetDomain, domain)
	}
	return appendVarint(b, opsetVersion, uint64(version))
}

// buildGraph creates the GraphProto. Each node's output tensor carries the
// node's name, which the graph layer keeps unique.
func (oe *ONNXExporter) buildGraph(model *layers.ModelSpec) ([]byte, error) {
	var b []byte
	b = appendString(b, graphName, model.Output)

	var inputs [][]byte
	for _, l := range model.Layers {
		if l.Type == layers.Variable {
			inputs = append(inputs, valueInfo(l.Name, l.OutputShape))
			continue
		}
		for _, p := range l.Parameters {
			inputs = append(inputs, valueInfo(p.Name, p.Shape))
		}

		node, err := oe.createNode(l)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %v", l.Name, err)
		}
		b = appendMessage(b, graphNode, node)
	}
	for _, in := range inputs {
		b = appendMessage(b, graphInput, in)
	}
	b = appendMessage(b, graphOutput, valueInfo(model.Output, model.OutputShape))
	return b, nil
}

// createNode maps one layer to a NodeProto
func (oe *ONNXExporter) createNode(l layers.LayerSpec) ([]byte, error) {
	p := l.Params
	inputs := append([]string(nil), l.Inputs...)
	for _, param := range l.Parameters {
		inputs = append(inputs, param.Name)
	}

	var (
		opType string
		domain string
		attrs  [][]byte
	)
	window := func(kernel, stride, pad layers.Pair) {
		attrs = append(attrs,
			intsAttr("kernel_shape", kernel[0], kernel[1]),
			intsAttr("strides", stride[0], stride[1]),
			intsAttr("pads", pad[0], pad[1], pad[0], pad[1]),
		)
	}

	switch l.Type {
	case layers.Convolution:
		opType = "Conv"
		window(p.Kernel, p.Stride, p.Pad)
	case layers.QConvolution:
		opType, domain = "QConv", QuantizedDomain
		window(p.Kernel, p.Stride, p.Pad)
		attrs = append(attrs, intAttr("act_bit", int64(p.ActBit)))
	case layers.BatchNorm:
		opType = "BatchNormalization"
		attrs = append(attrs, floatAttr("epsilon", p.Eps), floatAttr("momentum", p.Momentum))
	case layers.Activation:
		switch p.ActType {
		case layers.ActReLU:
			opType = "Relu"
		case layers.ActSigmoid:
			opType = "Sigmoid"
		case layers.ActTanh:
			opType = "Tanh"
		case layers.ActSoftReLU:
			opType = "Softplus"
		default:
			return nil, fmt.Errorf("unsupported act_type %q", p.ActType)
		}
	case layers.QActivation:
		opType, domain = "QActivation", QuantizedDomain
		attrs = append(attrs,
			stringAttr("act_type", p.ActType),
			intAttr("act_bit", int64(p.ActBit)),
			intAttr("backward_only", boolInt(p.BackwardOnly)),
		)
	case layers.Pooling:
		switch {
		case p.GlobalPool && p.PoolType == layers.PoolMax:
			opType = "GlobalMaxPool"
		case p.GlobalPool && p.PoolType == layers.PoolAvg:
			opType = "GlobalAveragePool"
		case p.PoolType == layers.PoolMax:
			opType = "MaxPool"
		case p.PoolType == layers.PoolAvg:
			opType = "AveragePool"
			attrs = append(attrs, intAttr("count_include_pad", 1))
		default:
			return nil, fmt.Errorf("pool_type %q has no ONNX equivalent", p.PoolType)
		}
		if !p.GlobalPool {
			window(p.Kernel, p.Stride, p.Pad)
			if p.PoolingConvention == layers.ConventionFull {
				attrs = append(attrs, intAttr("ceil_mode", 1))
			}
		}
	case layers.Concat:
		opType = "Concat"
		attrs = append(attrs, intAttr("axis", 1))
	case layers.Flatten:
		opType = "Flatten"
		attrs = append(attrs, intAttr("axis", 1))
	case layers.FullyConnected:
		opType = "Gemm"
		attrs = append(attrs, intAttr("transB", 1))
	case layers.SoftmaxOutput:
		opType = "Softmax"
		attrs = append(attrs, intAttr("axis", 1))
	default:
		return nil, fmt.Errorf("unsupported layer type for ONNX export: %s", l.Type)
	}

	var b []byte
	for _, in := range inputs {
		b = appendString(b, nodeInput, in)
	}
	b = appendString(b, nodeOutput, l.Name)
	b = appendString(b, nodeName, l.Name)
	b = appendString(b, nodeOpType, opType)
	for _, a := range attrs {
		b = appendMessage(b, nodeAttribute, a)
	}
	if domain != "" {
		b = appendString(b, nodeDomain, domain)
	}
	return b, nil
}

// valueInfo creates a float tensor ValueInfoProto
func valueInfo(name string, shape []int) []byte {
	var dims []byte
	for _, d := range shape {
		dims = appendMessage(dims, shapeDim, appendVarint(nil, dimValue, uint64(d)))
	}
	var tensor []byte
	tensor = appendVarint(tensor, tensorElemType, elemTypeFloat)
	tensor = appendMessage(tensor, tensorShape, dims)

	var b []byte
	b = appendString(b, valueInfoName, name)
	b = appendMessage(b, valueInfoType, appendMessage(nil, typeTensorType, tensor))
	return b
}

func intAttr(name string, v int64) []byte {
	b := appendString(nil, attrName, name)
	b = appendVarint(b, attrI, uint64(v))
	return appendVarint(b, attrType, attrTypeInt)
}

func intsAttr(name string, vs ...int) []byte {
	b := appendString(nil, attrName, name)
	for _, v := range vs {
		b = appendVarint(b, attrInts, uint64(int64(v)))
	}
	return appendVarint(b, attrType, attrTypeInts)
}

func floatAttr(name string, v float32) []byte {
	b := appendString(nil, attrName, name)
	b = protowire.AppendTag(b, attrF, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(v))
	return appendVarint(b, attrType, attrTypeFloat)
}

func stringAttr(name, v string) []byte {
	b := appendString(nil, attrName, name)
	b = appendString(b, attrS, v)
	return appendVarint(b, attrType, attrTypeString)
}

func boolInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
