package inception_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hpi-xnor/qinception/layers"
	"github.com/hpi-xnor/qinception/models/inception"
)

func buildDefault(t *testing.T) *layers.ModelSpec {
	t.Helper()
	model, err := inception.Build(inception.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to build inception: %v", err)
	}
	return model
}

func TestSingleOutput(t *testing.T) {
	model := buildDefault(t)
	if diff := cmp.Diff([]string{"softmax"}, model.Outputs()); diff != "" {
		t.Errorf("Outputs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 1000}, model.OutputShape); diff != "" {
		t.Errorf("Output shape mismatch (-want +got):\n%s", diff)
	}
	last := model.Layers[len(model.Layers)-1]
	if last.Name != "softmax" || last.Type != layers.SoftmaxOutput {
		t.Errorf("Expected softmax head last, got %s (%s)", last.Name, last.Type)
	}

	// Nothing else in the graph may go unconsumed
	consumed := make(map[string]bool)
	for _, l := range model.Layers {
		for _, in := range l.Inputs {
			consumed[in] = true
		}
	}
	for _, l := range model.Layers {
		if !consumed[l.Name] && l.Name != model.Output {
			t.Errorf("Layer %s is a dangling head", l.Name)
		}
	}
}

func TestEveryNodeReachable(t *testing.T) {
	g, out, err := inception.GetSymbol(inception.DefaultConfig())
	if err != nil {
		t.Fatalf("GetSymbol failed: %v", err)
	}
	model, err := g.Compile(out, map[string][]int{"data": {1, 3, 299, 299}})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if g.Len() != 324 {
		t.Errorf("Expected 324 nodes, got %d", g.Len())
	}
	if len(model.Layers) != g.Len() {
		t.Errorf("Compiled %d of %d nodes", len(model.Layers), g.Len())
	}

	counts := make(map[layers.LayerType]int)
	for _, l := range model.Layers {
		counts[l.Type]++
	}
	if counts[layers.Convolution] != 1 {
		t.Errorf("Expected one full precision convolution, got %d", counts[layers.Convolution])
	}
	if counts[layers.QConvolution] != 93 {
		t.Errorf("Expected 93 quantized convolutions, got %d", counts[layers.QConvolution])
	}
	if counts[layers.QActivation] != counts[layers.QConvolution] {
		t.Errorf("Every quantized convolution needs one quantizing activation: %d vs %d",
			counts[layers.QActivation], counts[layers.QConvolution])
	}
}

func TestConcatChannelCounts(t *testing.T) {
	model := buildDefault(t)

	want := []struct {
		block    string
		channels []int
		size     int
	}{
		{"mixed", []int{64, 64, 96, 32}, 35},
		{"mixed_1", []int{64, 64, 96, 64}, 35},
		{"mixed_2", []int{64, 64, 96, 64}, 35},
		{"mixed_3", []int{384, 96, 288}, 17},
		{"mixed_4", []int{192, 192, 192, 192}, 17},
		{"mixed_5", []int{192, 192, 192, 192}, 17},
		{"mixed_6", []int{192, 192, 192, 192}, 17},
		{"mixed_7", []int{192, 192, 192, 192}, 17},
		{"mixed_8", []int{320, 192, 768}, 8},
		{"mixed_9", []int{320, 384, 384, 384, 384, 192}, 8},
		{"mixed_10", []int{320, 384, 384, 384, 384, 192}, 8},
	}

	got := model.ConcatChannels()
	if len(got) != len(want) {
		t.Fatalf("Expected %d concat nodes, got %d", len(want), len(got))
	}
	for i, w := range want {
		c := got[i]
		if c.Name != "ch_concat_"+w.block+"_chconcat" {
			t.Errorf("Concat %d: expected block %s, got %s", i, w.block, c.Name)
			continue
		}
		if diff := cmp.Diff(w.channels, c.InputChannels); diff != "" {
			t.Errorf("%s tower channels mismatch (-want +got):\n%s", c.Name, diff)
		}
		sum := 0
		for _, ch := range w.channels {
			sum += ch
		}
		if c.Channels != sum {
			t.Errorf("%s: expected %d channels, got %d", c.Name, sum, c.Channels)
		}
		if c.Height != w.size || c.Width != w.size {
			t.Errorf("%s: expected %dx%d, got %dx%d", c.Name, w.size, w.size, c.Height, c.Width)
		}

		bn, ok := model.Layer(w.block + "_batchnorm")
		if !ok {
			t.Errorf("Missing batch norm after %s", c.Name)
			continue
		}
		if diff := cmp.Diff([]string{c.Name}, bn.Inputs); diff != "" {
			t.Errorf("%s_batchnorm inputs mismatch (-want +got):\n%s", w.block, diff)
		}
	}
}

func TestStemShapes(t *testing.T) {
	model := buildDefault(t)
	want := map[string][]int{
		"conv_relu":            {1, 32, 149, 149},
		"conv_1_conv2d":        {1, 32, 147, 147},
		"conv_2_out_batchnorm": {1, 64, 147, 147},
		"pool":                 {1, 64, 73, 73},
		"conv_3_conv2d":        {1, 80, 73, 73},
		"conv_4_out_batchnorm": {1, 192, 71, 71},
		"pool1":                {1, 192, 35, 35},
		"global_pool":          {1, 2048, 1, 1},
		"flatten":              {1, 2048},
		"fc1":                  {1, 1000},
	}
	for name, shape := range want {
		l, ok := model.Layer(name)
		if !ok {
			t.Errorf("Missing layer %s", name)
			continue
		}
		if diff := cmp.Diff(shape, l.OutputShape); diff != "" {
			t.Errorf("%s shape mismatch (-want +got):\n%s", name, diff)
		}
	}

	fc, _ := model.Layer("fc1")
	wantParams := []layers.Parameter{
		{Name: "fc1_weight", Shape: []int{1000, 2048}},
		{Name: "fc1_bias", Shape: []int{1000}},
	}
	if diff := cmp.Diff(wantParams, fc.Parameters); diff != "" {
		t.Errorf("fc1 parameters mismatch (-want +got):\n%s", diff)
	}
}

func TestQConvUnit(t *testing.T) {
	model := buildDefault(t)

	bn, _ := model.Layer("mixed_4_tower_1_conv_3_batchnorm")
	act, _ := model.Layer("mixed_4_tower_1_conv_3_relu")
	conv, ok := model.Layer("mixed_4_tower_1_conv_3_conv2d")
	if !ok {
		t.Fatalf("Missing quantized convolution")
	}
	if bn.Type != layers.BatchNorm || !bn.Params.FixGamma {
		t.Errorf("Expected fix_gamma batch norm, got %+v", bn)
	}
	if act.Type != layers.QActivation || act.Params.ActBit != 1 || !act.Params.BackwardOnly {
		t.Errorf("Expected 1 bit backward-only activation, got %+v", act.Params)
	}
	if diff := cmp.Diff([]string{bn.Name}, act.Inputs); diff != "" {
		t.Errorf("Activation inputs mismatch (-want +got):\n%s", diff)
	}
	want := layers.Params{NumFilter: 128, Kernel: layers.P(7, 1), Stride: layers.P(1, 1), Pad: layers.P(3, 0), NoBias: true, ActBit: 1}
	if diff := cmp.Diff(want, conv.Params); diff != "" {
		t.Errorf("Convolution params mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{act.Name}, conv.Inputs); diff != "" {
		t.Errorf("Convolution inputs mismatch (-want +got):\n%s", diff)
	}
}

func TestDeterministic(t *testing.T) {
	a := buildDefault(t)
	b := buildDefault(t)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("Two builds differ (-first +second):\n%s", diff)
	}
	fa, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	fb, _ := b.Fingerprint()
	if fa != fb {
		t.Errorf("Fingerprints differ: %s vs %s", fa, fb)
	}

	cfg := inception.DefaultConfig()
	cfg.ActBit = 2
	c, err := inception.Build(cfg)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	fc, _ := c.Fingerprint()
	if fc == fa {
		t.Errorf("Expected act_bit to change the fingerprint")
	}
}

func TestNumClasses(t *testing.T) {
	cfg := inception.DefaultConfig()
	cfg.NumClasses = 10
	cfg.InputShape = []int{8, 3, 299, 299}
	model, err := inception.Build(cfg)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if diff := cmp.Diff([]int{8, 10}, model.OutputShape); diff != "" {
		t.Errorf("Output shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string][]int{"softmax_label": {8}}, model.LabelShapes); diff != "" {
		t.Errorf("Label shapes mismatch (-want +got):\n%s", diff)
	}
}

func TestInputTooSmall(t *testing.T) {
	cfg := inception.DefaultConfig()
	cfg.InputShape = []int{1, 3, 64, 64}
	_, err := inception.Build(cfg)
	if !errors.Is(err, layers.ErrShape) {
		t.Errorf("Expected ErrShape for a 64x64 input, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*inception.Config)
	}{
		{"zero classes", func(c *inception.Config) { c.NumClasses = 0 }},
		{"zero bits", func(c *inception.Config) { c.ActBit = 0 }},
		{"too many bits", func(c *inception.Config) { c.ActBit = 33 }},
		{"3D input", func(c *inception.Config) { c.InputShape = []int{3, 299, 299} }},
		{"no output name", func(c *inception.Config) { c.OutputName = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := inception.DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error")
			}
			if _, _, err := inception.GetSymbol(cfg); err == nil {
				t.Errorf("Expected GetSymbol to reject the config")
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inception.json")
	if err := os.WriteFile(path, []byte(`{"num_classes": 200, "act_bit": 2}`), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	cfg, err := inception.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	want := inception.DefaultConfig()
	want.NumClasses = 200
	want.ActBit = 2
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Config mismatch (-want +got):\n%s", diff)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`{"act_bit": 64}`), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := inception.LoadConfig(bad); err == nil {
		t.Errorf("Expected error for act_bit 64")
	}
	if _, err := inception.LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Errorf("Expected error for missing file")
	}
}

func TestBlocksStandalone(t *testing.T) {
	g := layers.NewGraph()
	b := inception.NewBuilder(g, 1)
	data := g.Variable("data")
	out := b.Inception7E(data, 8, 4, 4, 4, 4, 4, 4, 4, layers.PoolAvg, 8, "e")
	model, err := g.Compile(out, map[string][]int{"data": {2, 16, 8, 8}})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if diff := cmp.Diff([]int{2, 32, 8, 8}, model.OutputShape); diff != "" {
		t.Errorf("Output shape mismatch (-want +got):\n%s", diff)
	}
	if model.Output != "e_batchnorm" {
		t.Errorf("Expected block to end in e_batchnorm, got %s", model.Output)
	}
}
