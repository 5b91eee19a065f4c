package inception

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hpi-xnor/qinception/layers"
)

// Config holds the network hyperparameters
type Config struct {
	NumClasses int    `json:"num_classes"`
	ActBit     int    `json:"act_bit"`
	InputShape []int  `json:"input_shape"`
	DataName   string `json:"data_name"`
	OutputName string `json:"output_name"`
}

// DefaultConfig returns the ImageNet setup: 1000 classes, binary
// activations and a single 3x299x299 image.
func DefaultConfig() Config {
	return Config{
		NumClasses: 1000,
		ActBit:     1,
		InputShape: []int{1, 3, 299, 299},
		DataName:   "data",
		OutputName: "softmax",
	}
}

// LoadConfig reads a JSON config file. Fields missing from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the config for values the network cannot be built with
func (c Config) Validate() error {
	if c.NumClasses <= 0 {
		return fmt.Errorf("num_classes must be positive, got %d", c.NumClasses)
	}
	if c.ActBit < 1 || c.ActBit > 32 {
		return fmt.Errorf("act_bit must be within [1, 32], got %d", c.ActBit)
	}
	if len(c.InputShape) != 4 {
		return fmt.Errorf("input_shape must be [batch, channels, height, width], got %v", c.InputShape)
	}
	if c.DataName == "" || c.OutputName == "" {
		return fmt.Errorf("data_name and output_name must be set")
	}
	return nil
}

// GetSymbol builds the whole network and returns its graph and softmax head
func GetSymbol(cfg Config) (*layers.Graph, layers.Symbol, error) {
	if err := cfg.Validate(); err != nil {
		return nil, layers.Symbol{}, err
	}

	g := layers.NewGraph()
	b := NewBuilder(g, cfg.ActBit)
	data := g.Variable(cfg.DataName)

	// stage 1
	conv := b.Conv(data, 32, k3x3s2, "conv", "")
	conv1 := b.QConv(conv, 32, layers.ConvOpts{Kernel: layers.P(3, 3)}, "conv_1", "", false)
	conv2 := b.QConv(conv1, 64, k3x3, "conv_2", "", true)
	pool := b.pool(conv2, layers.PoolMax, layers.P(3, 3), layers.P(2, 2), layers.Pair{}, "pool")
	// stage 2
	conv3 := b.QConv(pool, 80, k1x1, "conv_3", "", false)
	conv4 := b.QConv(conv3, 192, layers.ConvOpts{Kernel: layers.P(3, 3)}, "conv_4", "", true)
	pool1 := b.pool(conv4, layers.PoolMax, layers.P(3, 3), layers.P(2, 2), layers.Pair{}, "pool1")
	// stage 3
	in3a := b.Inception7A(pool1, 64,
		64, 96, 96,
		48, 64,
		layers.PoolAvg, 32, "mixed")
	in3b := b.Inception7A(in3a, 64,
		64, 96, 96,
		48, 64,
		layers.PoolAvg, 64, "mixed_1")
	in3c := b.Inception7A(in3b, 64,
		64, 96, 96,
		48, 64,
		layers.PoolAvg, 64, "mixed_2")
	in3d := b.Inception7B(in3c, 384,
		64, 96, 96,
		layers.PoolMax, "mixed_3")
	// stage 4
	in4a := b.Inception7C(in3d, 192,
		128, 128, 192,
		128, 128, 128, 128, 192,
		layers.PoolAvg, 192, "mixed_4")
	in4b := b.Inception7C(in4a, 192,
		160, 160, 192,
		160, 160, 160, 160, 192,
		layers.PoolAvg, 192, "mixed_5")
	in4c := b.Inception7C(in4b, 192,
		160, 160, 192,
		160, 160, 160, 160, 192,
		layers.PoolAvg, 192, "mixed_6")
	in4d := b.Inception7C(in4c, 192,
		192, 192, 192,
		192, 192, 192, 192, 192,
		layers.PoolAvg, 192, "mixed_7")
	in4e := b.Inception7D(in4d, 192, 320,
		192, 192, 192, 192,
		layers.PoolMax, "mixed_8")
	// stage 5
	in5a := b.Inception7E(in4e, 320,
		384, 384, 384,
		448, 384, 384, 384,
		layers.PoolAvg, 192, "mixed_9")
	in5b := b.Inception7E(in5a, 320,
		384, 384, 384,
		448, 384, 384, 384,
		layers.PoolMax, 192, "mixed_10")
	// pool
	gpool := b.pool(in5b, layers.PoolAvg, layers.P(8, 8), layers.P(1, 1), layers.Pair{}, "global_pool")
	flatten := g.Flatten("flatten", gpool)
	fc1 := g.FullyConnected("fc1", flatten, cfg.NumClasses, false)
	softmax := g.SoftmaxOutput(cfg.OutputName, fc1)

	if err := g.Err(); err != nil {
		return nil, layers.Symbol{}, fmt.Errorf("failed to build inception graph: %w", err)
	}
	return g, softmax, nil
}

// Build builds and compiles the network for cfg.InputShape
func Build(cfg Config) (*layers.ModelSpec, error) {
	g, out, err := GetSymbol(cfg)
	if err != nil {
		return nil, err
	}
	model, err := g.Compile(out, map[string][]int{cfg.DataName: cfg.InputShape})
	if err != nil {
		return nil, fmt.Errorf("failed to compile inception graph: %w", err)
	}
	return model, nil
}
