package inference

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

const (
	// InputName is the tensor name the invoice model expects
	InputName = "input"
	// InputWidth is the length of the feature vector fed to the model
	InputWidth = 128

	LabelOutput       = "output_label"
	ProbabilityOutput = "output_probability"
)

// Tensor is a named float32 tensor
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// Output is one model output. Data holds []float32, []int64 or nil for unsupported types.
type Output struct {
	Shape []int64 `json:"shape"`
	Data  any     `json:"data"`
}

// Outputs maps output names to values
type Outputs map[string]Output

// Names returns the output names in sorted order
func (o Outputs) Names() []string {
	names := make([]string, 0, len(o))
	for name := range o {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Session is a loaded model
type Session interface {
	InputNames() []string
	OutputNames() []string
	// Run executes a single inference pass
	Run(ctx context.Context, input Tensor) (Outputs, error)
	// Close releases the session
	Close() error
}

// Engine loads models
type Engine interface {
	// Load fetches the model at modelURL and creates a session for it
	Load(ctx context.Context, modelURL string) (Session, error)
	// Close releases engine-wide resources
	Close() error
}

// PlaceholderInput returns the all-zero [1,128] input the pipeline runs.
// No feature vector is derived from the invoice yet.
func PlaceholderInput() Tensor {
	return Tensor{
		Name:  InputName,
		Shape: []int64{1, InputWidth},
		Data:  make([]float32, InputWidth),
	}
}

// Summary is the part of the model output worth keeping
type Summary struct {
	OutputNames   []string  `json:"output_names"`
	Label         []int64   `json:"label,omitempty"`
	Probabilities []float32 `json:"probabilities,omitempty"`
}

// Summarize picks the conventional label and probability outputs when present
func Summarize(outputs Outputs) Summary {
	summary := Summary{OutputNames: outputs.Names()}
	if out, ok := outputs[LabelOutput]; ok {
		if label, ok := out.Data.([]int64); ok {
			summary.Label = label
		}
	}
	if out, ok := outputs[ProbabilityOutput]; ok {
		if probs, ok := out.Data.([]float32); ok {
			summary.Probabilities = probs
		}
	}
	return summary
}

// LogOutputs logs what the model returned
func LogOutputs(outputs Outputs) {
	slog.Info("Inference outputs", "keys", outputs.Names())
	for _, name := range outputs.Names() {
		out := outputs[name]
		slog.Debug("Inference output", "name", name, "shape", out.Shape, "data", fmt.Sprint(out.Data))
	}
	if out, ok := outputs[LabelOutput]; ok && out.Data != nil {
		slog.Info("Inference label", "data", fmt.Sprint(out.Data))
	}
	if out, ok := outputs[ProbabilityOutput]; ok {
		slog.Info("Inference probability", "data", fmt.Sprint(out.Data))
	}
}
