package layers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ModelSpec is a compiled graph: the layers feeding one output, in
// topological order, with inferred shapes and parameter metadata.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	InputShapes map[string][]int `json:"input_shapes"`
	LabelShapes map[string][]int `json:"label_shapes,omitempty"`
	Output      string           `json:"output"`
	OutputShape []int            `json:"output_shape"`

	TotalParameters int64 `json:"total_parameters"`
	AuxParameters   int64 `json:"aux_parameters"`
	Compiled        bool  `json:"compiled"`
}

// Outputs returns the names of the graph heads. A compiled model always
// has exactly one.
func (ms *ModelSpec) Outputs() []string {
	if ms.Output == "" {
		return nil
	}
	return []string{ms.Output}
}

// Layer returns the compiled layer named name
func (ms *ModelSpec) Layer(name string) (LayerSpec, bool) {
	for _, l := range ms.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return LayerSpec{}, false
}

// Arguments lists every learnable parameter in layer order
func (ms *ModelSpec) Arguments() []Parameter {
	var out []Parameter
	for _, l := range ms.Layers {
		for _, p := range l.Parameters {
			if !p.Aux {
				out = append(out, p)
			}
		}
	}
	return out
}

// AuxStates lists every auxiliary (non-learnable) tensor in layer order
func (ms *ModelSpec) AuxStates() []Parameter {
	var out []Parameter
	for _, l := range ms.Layers {
		for _, p := range l.Parameters {
			if p.Aux {
				out = append(out, p)
			}
		}
	}
	return out
}

// ConcatInfo describes the channel bookkeeping of one Concat node
type ConcatInfo struct {
	Name          string   `json:"name"`
	Inputs        []string `json:"inputs"`
	InputChannels []int    `json:"input_channels"`
	Channels      int      `json:"channels"`
	Height        int      `json:"height"`
	Width         int      `json:"width"`
}

// ConcatChannels reports every Concat node in layer order
func (ms *ModelSpec) ConcatChannels() []ConcatInfo {
	var out []ConcatInfo
	for _, l := range ms.Layers {
		if l.Type != Concat {
			continue
		}
		info := ConcatInfo{
			Name:     l.Name,
			Inputs:   append([]string(nil), l.Inputs...),
			Channels: l.Channels(),
		}
		for _, s := range l.InputShapes {
			info.InputChannels = append(info.InputChannels, s[1])
		}
		if len(l.OutputShape) == 4 {
			info.Height, info.Width = l.OutputShape[2], l.OutputShape[3]
		}
		out = append(out, info)
	}
	return out
}

// Fingerprint returns a hex SHA-256 digest of the canonical JSON encoding of
// the model. Structurally identical graphs share a fingerprint.
func (ms *ModelSpec) Fingerprint() (string, error) {
	if !ms.Compiled {
		return "", ErrNotCompiled
	}
	data, err := json.Marshal(ms)
	if err != nil {
		return "", fmt.Errorf("failed to encode model: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model Summary:\n")
	names := make([]string, 0, len(ms.InputShapes))
	for name := range ms.InputShapes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "Input %s: %v\n", name, ms.InputShapes[name])
	}
	fmt.Fprintf(&b, "Output %s: %v\n", ms.Output, ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Auxiliary States: %d\n", ms.AuxParameters)
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type)
		if len(layer.Inputs) > 0 {
			fmt.Fprintf(&b, "  From:   %s\n", strings.Join(layer.Inputs, ", "))
		}
		fmt.Fprintf(&b, "  Output: %v\n", layer.OutputShape)
		if layer.ParameterCount > 0 {
			fmt.Fprintf(&b, "  Params: %d\n", layer.ParameterCount)
		}
	}

	return b.String()
}
