package checkpoints

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/hpi-xnor/qinception/layers"
	"github.com/hpi-xnor/qinception/models/inception"
)

func testModel(t *testing.T) *layers.ModelSpec {
	t.Helper()
	g := layers.NewGraph()
	data := g.Variable("data")
	bn := g.BatchNorm("bn", data, true)
	act := g.QActivation("act", bn, layers.ActReLU, 2, true)
	conv := g.QConvolution("conv", act, 4, 2, layers.ConvOpts{Kernel: layers.P(3, 3), Pad: layers.P(1, 1), NoBias: true})
	side := g.Convolution("side", data, 2, layers.ConvOpts{})
	cat := g.Concat("cat", conv, side)
	pool := g.Pooling("pool", cat, layers.PoolOpts{Kernel: layers.P(2, 2), Stride: layers.P(2, 2), PoolType: layers.PoolMax, Convention: layers.ConventionFull})
	fc := g.FullyConnected("fc", pool, 3, false)
	out := g.SoftmaxOutput("softmax", fc)

	model, err := g.Compile(out, map[string][]int{"data": {2, 3, 5, 5}})
	if err != nil {
		t.Fatalf("Failed to create test model: %v", err)
	}
	return model
}

func inceptionModel(t *testing.T) *layers.ModelSpec {
	t.Helper()
	model, err := inception.Build(inception.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to build inception: %v", err)
	}
	return model
}

func TestSymbolJSONRoundTrip(t *testing.T) {
	for name, model := range map[string]*layers.ModelSpec{
		"small":     testModel(t),
		"inception": inceptionModel(t),
	} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := SaveSymbolJSON(&buf, model); err != nil {
				t.Fatalf("SaveSymbolJSON failed: %v", err)
			}

			g, out, err := LoadSymbolJSON(&buf)
			if err != nil {
				t.Fatalf("LoadSymbolJSON failed: %v", err)
			}
			if out.Name() != model.Output {
				t.Errorf("Expected head %s, got %s", model.Output, out.Name())
			}
			loaded, err := g.Compile(out, model.InputShapes)
			if err != nil {
				t.Fatalf("Failed to compile loaded graph: %v", err)
			}
			if diff := cmp.Diff(model, loaded); diff != "" {
				t.Errorf("Round trip changed the model (-saved +loaded):\n%s", diff)
			}

			want, _ := model.Fingerprint()
			got, _ := loaded.Fingerprint()
			if want != got {
				t.Errorf("Fingerprint changed: %s vs %s", want, got)
			}
		})
	}
}

func TestSymbolJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := SaveSymbolJSON(&buf, testModel(t)); err != nil {
		t.Fatalf("SaveSymbolJSON failed: %v", err)
	}
	doc := buf.String()
	for _, want := range []string{
		`"op": "null"`,
		`"name": "conv_weight"`,
		`"name": "bn_moving_var"`,
		`"name": "softmax_label"`,
		`"kernel": "(3, 3)"`,
		`"fix_gamma": "True"`,
		`"act_bit": "2"`,
		`"pooling_convention": "full"`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("Symbol JSON missing %s", want)
		}
	}
}

func TestLoadSymbolJSONErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{nodes`},
		{"two heads", `{"nodes":[{"op":"null","name":"data","inputs":[]}],"arg_nodes":[0],"heads":[[0,0,0],[0,0,0]]}`},
		{"unknown op", `{"nodes":[{"op":"Deconvolution","name":"d","inputs":[]}],"arg_nodes":[],"heads":[[0,0,0]]}`},
		{"input out of range", `{"nodes":[{"op":"Flatten","name":"f","inputs":[[3,0,0]]}],"arg_nodes":[],"heads":[[0,0,0]]}`},
		{"bad attribute", `{"nodes":[{"op":"null","name":"data","inputs":[]},{"op":"Activation","name":"a","attrs":{"act_bit":"x"},"inputs":[[0,0,0]]}],"arg_nodes":[0],"heads":[[1,0,0]]}`},
		{"duplicate names", `{"nodes":[{"op":"null","name":"data","inputs":[]},{"op":"Flatten","name":"data","inputs":[[0,0,0]]}],"arg_nodes":[0],"heads":[[1,0,0]]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := LoadSymbolJSON(strings.NewReader(tt.doc)); err == nil {
				t.Errorf("Expected error")
			}
		})
	}

	_, _, err := LoadSymbolJSON(strings.NewReader(`{"nodes":[{"op":"null","name":"data","inputs":[]}],"arg_nodes":[0],"heads":[]}`))
	if !errors.Is(err, layers.ErrInvalidGraph) {
		t.Errorf("Expected ErrInvalidGraph for a symbol without heads, got %v", err)
	}
}

func TestCheckpointJSONSaveLoad(t *testing.T) {
	model := inceptionModel(t)
	checkpoint := &Checkpoint{
		ModelSpec: model,
		Metadata: CheckpointMetadata{
			Description: "Test checkpoint",
			Tags:        []string{"test", "imagenet"},
		},
	}

	saver := NewCheckpointSaver(FormatJSON)
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	if diff := cmp.Diff(model, loaded.ModelSpec, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Model changed (-saved +loaded):\n%s", diff)
	}
	if loaded.Metadata.Framework != frameworkName || loaded.Metadata.Version != frameworkVersion {
		t.Errorf("Unexpected framework metadata: %+v", loaded.Metadata)
	}
	if loaded.Metadata.CreatedAt.IsZero() {
		t.Errorf("Expected creation time to be set")
	}
	want, _ := model.Fingerprint()
	if loaded.Metadata.Fingerprint != want {
		t.Errorf("Expected fingerprint %s, got %s", want, loaded.Metadata.Fingerprint)
	}

	t.Logf("Checkpoint round trip passed for %d layers", len(loaded.ModelSpec.Layers))
}

func TestCheckpointFingerprintMismatch(t *testing.T) {
	checkpoint := &Checkpoint{
		ModelSpec: testModel(t),
		Metadata:  CheckpointMetadata{Fingerprint: "0000", CreatedAt: time.Now()},
	}
	saver := NewCheckpointSaver(FormatJSON)
	path := filepath.Join(t.TempDir(), "tampered.json")
	if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}
	_, err := saver.LoadCheckpoint(path)
	if err == nil || !strings.Contains(err.Error(), "fingerprint mismatch") {
		t.Errorf("Expected fingerprint mismatch, got %v", err)
	}
}

func TestCheckpointFormatString(t *testing.T) {
	tests := []struct {
		format   CheckpointFormat
		expected string
	}{
		{FormatJSON, "JSON"},
		{FormatONNX, "ONNX"},
		{CheckpointFormat(999), "Unknown"},
	}

	for _, test := range tests {
		result := test.format.String()
		if result != test.expected {
			t.Errorf("Format %d: expected %s, got %s", test.format, test.expected, result)
		}
	}
}

func TestUnsupportedCheckpointFormat(t *testing.T) {
	saver := NewCheckpointSaver(CheckpointFormat(999))
	checkpoint := &Checkpoint{ModelSpec: testModel(t)}

	err := saver.SaveCheckpoint(checkpoint, filepath.Join(t.TempDir(), "test.invalid"))
	if err == nil || !strings.Contains(err.Error(), "unsupported checkpoint format") {
		t.Errorf("Expected 'unsupported checkpoint format' error, got: %v", err)
	}

	_, err = saver.LoadCheckpoint("nonexistent.invalid")
	if err == nil || !strings.Contains(err.Error(), "unsupported checkpoint format") {
		t.Errorf("Expected 'unsupported checkpoint format' error, got: %v", err)
	}

	if _, err := NewCheckpointSaver(FormatONNX).LoadCheckpoint("model.onnx"); err == nil {
		t.Errorf("Expected ONNX load to be rejected")
	}
}

func TestSaveUncompiledModel(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)
	err := saver.SaveCheckpoint(&Checkpoint{ModelSpec: &layers.ModelSpec{}}, filepath.Join(t.TempDir(), "x.json"))
	if !errors.Is(err, layers.ErrNotCompiled) {
		t.Errorf("Expected ErrNotCompiled, got %v", err)
	}
}

func TestJSONLoadFileErrors(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)

	_, err := saver.LoadCheckpoint(filepath.Join(t.TempDir(), "nonexistent.json"))
	if err == nil || !strings.Contains(err.Error(), "failed to open checkpoint file") {
		t.Errorf("Expected 'failed to open checkpoint file' error, got: %v", err)
	}

	invalid := filepath.Join(t.TempDir(), "invalid.json")
	if err := os.WriteFile(invalid, []byte("{invalid json"), 0644); err != nil {
		t.Fatalf("Failed to create invalid JSON file: %v", err)
	}
	_, err = saver.LoadCheckpoint(invalid)
	if err == nil || !strings.Contains(err.Error(), "failed to decode checkpoint") {
		t.Errorf("Expected 'failed to decode checkpoint' error, got: %v", err)
	}
}

func TestJSONSaveFileErrors(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)
	checkpoint := &Checkpoint{ModelSpec: testModel(t)}

	err := saver.SaveCheckpoint(checkpoint, "/nonexistent/path/checkpoint.json")
	if err == nil || !strings.Contains(err.Error(), "failed to create checkpoint file") {
		t.Errorf("Expected 'failed to create checkpoint file' error, got: %v", err)
	}
}
