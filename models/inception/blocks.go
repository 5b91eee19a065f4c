// Package inception defines a quantized Inception-v3 network for images of
// roughly 299x299 as a graph of layers operators.
//
// Apart from the stem convolution, every convolution is a QConv unit:
// batch norm, a quantizing activation and a quantized convolution, in that
// order, so the binarized convolution always sees normalized inputs.
//
// Reference: Szegedy et al., "Rethinking the Inception Architecture for
// Computer Vision", arXiv:1512.00567.
package inception

import (
	"fmt"

	"github.com/hpi-xnor/qinception/layers"
)

// Builder adds network units to a graph with a fixed activation bit width
type Builder struct {
	G      *layers.Graph
	ActBit int
}

// NewBuilder returns a Builder over g
func NewBuilder(g *layers.Graph, actBit int) *Builder {
	return &Builder{G: g, ActBit: actBit}
}

// Conv is the full precision unit: convolution, batch norm, relu
func (b *Builder) Conv(data layers.Symbol, numFilter int, opts layers.ConvOpts, name, suffix string) layers.Symbol {
	opts.NoBias = true
	conv := b.G.Convolution(fmt.Sprintf("%s%s_conv2d", name, suffix), data, numFilter, opts)
	bn := b.G.BatchNorm(fmt.Sprintf("%s%s_batchnorm", name, suffix), conv, true)
	return b.G.Activation(fmt.Sprintf("%s%s_relu", name, suffix), bn, layers.ActReLU)
}

// QConv is the quantized unit: batch norm, quantizing relu, quantized
// convolution. withBNOut appends a batch norm over the convolution output.
func (b *Builder) QConv(data layers.Symbol, numFilter int, opts layers.ConvOpts, name, suffix string, withBNOut bool) layers.Symbol {
	opts.NoBias = true
	bn := b.G.BatchNorm(fmt.Sprintf("%s%s_batchnorm", name, suffix), data, true)
	act := b.G.QActivation(fmt.Sprintf("%s%s_relu", name, suffix), bn, layers.ActReLU, b.ActBit, true)
	conv := b.G.QConvolution(fmt.Sprintf("%s%s_conv2d", name, suffix), act, numFilter, b.ActBit, opts)
	if !withBNOut {
		return conv
	}
	return b.G.BatchNorm(fmt.Sprintf("%s%s_out_batchnorm", name, suffix), conv, true)
}

// q is QConv without the trailing batch norm
func (b *Builder) q(data layers.Symbol, numFilter int, opts layers.ConvOpts, name, suffix string) layers.Symbol {
	return b.QConv(data, numFilter, opts, name, suffix, false)
}

func (b *Builder) pool(data layers.Symbol, poolType string, kernel, stride, pad layers.Pair, name string) layers.Symbol {
	return b.G.Pooling(name, data, layers.PoolOpts{Kernel: kernel, Stride: stride, Pad: pad, PoolType: poolType})
}

// concat joins the towers and normalizes the result
func (b *Builder) concat(name string, towers ...layers.Symbol) layers.Symbol {
	c := b.G.Concat(fmt.Sprintf("ch_concat_%s_chconcat", name), towers...)
	return b.G.BatchNorm(name+"_batchnorm", c, true)
}

var (
	k1x1 = layers.ConvOpts{}
	k3x3 = layers.ConvOpts{Kernel: layers.P(3, 3), Pad: layers.P(1, 1)}
	k5x5 = layers.ConvOpts{Kernel: layers.P(5, 5), Pad: layers.P(2, 2)}
	k1x7 = layers.ConvOpts{Kernel: layers.P(1, 7), Pad: layers.P(0, 3)}
	k7x1 = layers.ConvOpts{Kernel: layers.P(7, 1), Pad: layers.P(3, 0)}
	k1x3 = layers.ConvOpts{Kernel: layers.P(1, 3), Pad: layers.P(0, 1)}
	k3x1 = layers.ConvOpts{Kernel: layers.P(3, 1), Pad: layers.P(1, 0)}

	// 3x3 stride 2 without padding, the downsampling convolution
	k3x3s2 = layers.ConvOpts{Kernel: layers.P(3, 3), Stride: layers.P(2, 2)}
)

// Inception7A is the 35x35 block: a 1x1 tower, a 5x5 tower, a double 3x3
// tower and a pooled projection.
func (b *Builder) Inception7A(data layers.Symbol,
	num1x1,
	num3x3Red, num3x3_1, num3x3_2,
	num5x5Red, num5x5 int,
	pool string, proj int,
	name string) layers.Symbol {

	tower1x1 := b.q(data, num1x1, k1x1, name+"_conv", "")
	tower5x5 := b.q(data, num5x5Red, k1x1, name+"_tower", "_conv")
	tower5x5 = b.q(tower5x5, num5x5, k5x5, name+"_tower", "_conv_1")
	tower3x3 := b.q(data, num3x3Red, k1x1, name+"_tower_1", "_conv")
	tower3x3 = b.q(tower3x3, num3x3_1, k3x3, name+"_tower_1", "_conv_1")
	tower3x3 = b.q(tower3x3, num3x3_2, k3x3, name+"_tower_1", "_conv_2")
	pooling := b.pool(data, pool, layers.P(3, 3), layers.P(1, 1), layers.P(1, 1), fmt.Sprintf("%s_pool_%s_pool", pool, name))
	cproj := b.q(pooling, proj, k1x1, name+"_tower_2", "_conv")
	return b.concat(name, tower1x1, tower5x5, tower3x3, cproj)
}

// Inception7B is the first grid reduction, 35x35 to 17x17
func (b *Builder) Inception7B(data layers.Symbol,
	num3x3,
	numD3x3Red, numD3x3_1, numD3x3_2 int,
	pool string,
	name string) layers.Symbol {

	tower3x3 := b.q(data, num3x3, k3x3s2, name+"_conv", "")
	towerD3x3 := b.q(data, numD3x3Red, k1x1, name+"_tower", "_conv")
	towerD3x3 = b.q(towerD3x3, numD3x3_1, k3x3, name+"_tower", "_conv_1")
	towerD3x3 = b.q(towerD3x3, numD3x3_2, k3x3s2, name+"_tower", "_conv_2")
	pooling := b.pool(data, layers.PoolMax, layers.P(3, 3), layers.P(2, 2), layers.Pair{}, fmt.Sprintf("max_pool_%s_pool", name))
	return b.concat(name, tower3x3, towerD3x3, pooling)
}

// Inception7C is the 17x17 block with 7x7 convolutions factorized into
// 1x7 and 7x1 pairs.
func (b *Builder) Inception7C(data layers.Symbol,
	num1x1,
	numD7Red, numD7_1, numD7_2,
	numQ7Red, numQ7_1, numQ7_2, numQ7_3, numQ7_4 int,
	pool string, proj int,
	name string) layers.Symbol {

	tower1x1 := b.q(data, num1x1, k1x1, name+"_conv", "")
	towerD7 := b.q(data, numD7Red, k1x1, name+"_tower", "_conv")
	towerD7 = b.q(towerD7, numD7_1, k1x7, name+"_tower", "_conv_1")
	towerD7 = b.q(towerD7, numD7_2, k7x1, name+"_tower", "_conv_2")
	towerQ7 := b.q(data, numQ7Red, k1x1, name+"_tower_1", "_conv")
	towerQ7 = b.q(towerQ7, numQ7_1, k7x1, name+"_tower_1", "_conv_1")
	towerQ7 = b.q(towerQ7, numQ7_2, k1x7, name+"_tower_1", "_conv_2")
	towerQ7 = b.q(towerQ7, numQ7_3, k7x1, name+"_tower_1", "_conv_3")
	towerQ7 = b.q(towerQ7, numQ7_4, k1x7, name+"_tower_1", "_conv_4")
	pooling := b.pool(data, pool, layers.P(3, 3), layers.P(1, 1), layers.P(1, 1), fmt.Sprintf("%s_pool_%s_pool", pool, name))
	cproj := b.q(pooling, proj, k1x1, name+"_tower_2", "_conv")
	return b.concat(name, tower1x1, towerD7, towerQ7, cproj)
}

// Inception7D is the second grid reduction, 17x17 to 8x8
func (b *Builder) Inception7D(data layers.Symbol,
	num3x3Red, num3x3,
	numD7_3x3Red, numD7_1, numD7_2, numD7_3x3 int,
	pool string,
	name string) layers.Symbol {

	tower3x3 := b.q(data, num3x3Red, k1x1, name+"_tower", "_conv")
	tower3x3 = b.q(tower3x3, num3x3, k3x3s2, name+"_tower", "_conv_1")
	towerD7 := b.q(data, numD7_3x3Red, k1x1, name+"_tower_1", "_conv")
	towerD7 = b.q(towerD7, numD7_1, k1x7, name+"_tower_1", "_conv_1")
	towerD7 = b.q(towerD7, numD7_2, k7x1, name+"_tower_1", "_conv_2")
	towerD7 = b.q(towerD7, numD7_3x3, k3x3s2, name+"_tower_1", "_conv_3")
	pooling := b.pool(data, pool, layers.P(3, 3), layers.P(2, 2), layers.Pair{}, fmt.Sprintf("%s_pool_%s_pool", pool, name))
	return b.concat(name, tower3x3, towerD7, pooling)
}

// Inception7E is the 8x8 block with expanded filter banks: each 3x3 tower
// ends in parallel 1x3 and 3x1 convolutions.
func (b *Builder) Inception7E(data layers.Symbol,
	num1x1,
	numD3Red, numD3_1, numD3_2,
	num3x3D3Red, num3x3, num3x3D3_1, num3x3D3_2 int,
	pool string, proj int,
	name string) layers.Symbol {

	tower1x1 := b.q(data, num1x1, k1x1, name+"_conv", "")
	towerD3 := b.q(data, numD3Red, k1x1, name+"_tower", "_conv")
	towerD3a := b.q(towerD3, numD3_1, k1x3, name+"_tower", "_mixed_conv")
	towerD3b := b.q(towerD3, numD3_2, k3x1, name+"_tower", "_mixed_conv_1")
	tower3x3D3 := b.q(data, num3x3D3Red, k1x1, name+"_tower_1", "_conv")
	tower3x3D3 = b.q(tower3x3D3, num3x3, k3x3, name+"_tower_1", "_conv_1")
	tower3x3D3a := b.q(tower3x3D3, num3x3D3_1, k1x3, name+"_tower_1", "_mixed_conv")
	tower3x3D3b := b.q(tower3x3D3, num3x3D3_2, k3x1, name+"_tower_1", "_mixed_conv_1")
	pooling := b.pool(data, pool, layers.P(3, 3), layers.P(1, 1), layers.P(1, 1), fmt.Sprintf("%s_pool_%s_pool", pool, name))
	cproj := b.q(pooling, proj, k1x1, name+"_tower_2", "_conv")
	return b.concat(name, tower1x1, towerD3a, towerD3b, tower3x3D3a, tower3x3D3b, cproj)
}
