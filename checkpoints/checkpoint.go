package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hpi-xnor/qinception/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Checkpoint is a compiled model architecture plus metadata
type Checkpoint struct {
	ModelSpec *layers.ModelSpec  `json:"model_spec"`
	Metadata  CheckpointMetadata `json:"metadata"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

const (
	frameworkName    = "qinception"
	frameworkVersion = "1.0.0"
)

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a checkpoint. Missing metadata (framework, version,
// creation time and fingerprint) is filled in first.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint == nil || checkpoint.ModelSpec == nil || !checkpoint.ModelSpec.Compiled {
		return fmt.Errorf("cannot save checkpoint: %w", layers.ErrNotCompiled)
	}
	if err := fillMetadata(checkpoint); err != nil {
		return err
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return NewONNXExporter().ExportToONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint. Only JSON checkpoints can be
// loaded; ONNX files are an export target.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return nil, fmt.Errorf("loading ONNX checkpoints is not supported")
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func fillMetadata(checkpoint *Checkpoint) error {
	md := &checkpoint.Metadata
	if md.Framework == "" {
		md.Framework = frameworkName
		md.Version = frameworkVersion
	}
	if md.CreatedAt.IsZero() {
		md.CreatedAt = time.Now()
	}
	if md.Fingerprint == "" {
		fp, err := checkpoint.ModelSpec.Fingerprint()
		if err != nil {
			return fmt.Errorf("failed to fingerprint model: %v", err)
		}
		md.Fingerprint = fp
	}
	return nil
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return file.Close()
}

// loadJSON loads checkpoint from JSON format and checks the stored
// fingerprint against the decoded model
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	if checkpoint.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint %s has no model", path)
	}

	if want := checkpoint.Metadata.Fingerprint; want != "" {
		got, err := checkpoint.ModelSpec.Fingerprint()
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint model: %v", err)
		}
		if got != want {
			return nil, fmt.Errorf("checkpoint %s: fingerprint mismatch: stored %s, computed %s", path, want, got)
		}
	}

	return &checkpoint, nil
}
