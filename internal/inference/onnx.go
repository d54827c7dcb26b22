package inference

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
)

// maxModelSize caps the number of bytes read from a model URL
const maxModelSize = 256 << 20

// ONNX implements Engine with onnxruntime
type ONNX struct {
	libraryPath string
	client      *http.Client

	initOnce sync.Once
	initErr  error
}

// NewONNX creates an ONNX engine. libraryPath points at the onnxruntime shared
// library; when empty the platform default is used.
func NewONNX(libraryPath string, client *http.Client) *ONNX {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &ONNX{
		libraryPath: libraryPath,
		client:      client,
	}
}

func (o *ONNX) init() error {
	o.initOnce.Do(func() {
		if o.libraryPath != "" {
			ort.SetSharedLibraryPath(o.libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			o.initErr = fmt.Errorf("initializing onnxruntime: %w", err)
		}
	})
	return o.initErr
}

// Load fetches the model and creates a session bound to all of its inputs and outputs
func (o *ONNX) Load(ctx context.Context, modelURL string) (Session, error) {
	if err := o.init(); err != nil {
		return nil, err
	}

	data, err := FetchModel(ctx, o.client, modelURL)
	if err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(data)
	if err != nil {
		return nil, fmt.Errorf("reading model metadata: %w", err)
	}
	inputNames := make([]string, len(inputs))
	for i, info := range inputs {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputs))
	for i, info := range outputs {
		outputNames[i] = info.Name
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(data, inputNames, outputNames, nil)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	return &onnxSession{
		session:     session,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

// Close tears down the onnxruntime environment if it was initialized
func (o *ONNX) Close() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// FetchModel downloads model bytes from modelURL
func FetchModel(ctx context.Context, client *http.Client, modelURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, modelURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating model request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching model: unexpected status %d from %s", resp.StatusCode, modelURL)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxModelSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading model: %w", err)
	}
	if len(data) > maxModelSize {
		return nil, fmt.Errorf("model at %s exceeds %d bytes", modelURL, maxModelSize)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("model at %s is empty", modelURL)
	}

	slog.Debug("Fetched model", "url", modelURL, "bytes", len(data))
	return data, nil
}

type onnxSession struct {
	session     *ort.DynamicAdvancedSession
	inputNames  []string
	outputNames []string
}

func (s *onnxSession) InputNames() []string  { return s.inputNames }
func (s *onnxSession) OutputNames() []string { return s.outputNames }

func (s *onnxSession) Run(ctx context.Context, input Tensor) (Outputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.inputNames) != 1 || s.inputNames[0] != input.Name {
		return nil, fmt.Errorf("model inputs %v do not match %q", s.inputNames, input.Name)
	}

	tensor, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("creating input tensor: %w", err)
	}
	defer tensor.Destroy()

	// nil outputs are allocated by onnxruntime
	values := make([]ort.Value, len(s.outputNames))
	if err := s.session.Run([]ort.Value{tensor}, values); err != nil {
		return nil, fmt.Errorf("running session: %w", err)
	}
	defer func() {
		for _, v := range values {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	outputs := make(Outputs, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		outputs[s.outputNames[i]] = convertValue(v)
	}
	return outputs, nil
}

func (s *onnxSession) Close() error {
	return s.session.Destroy()
}

// convertValue copies tensor data out of onnxruntime memory
func convertValue(v ort.Value) Output {
	out := Output{Shape: append([]int64(nil), v.GetShape()...)}
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		out.Data = append([]float32(nil), t.GetData()...)
	case *ort.Tensor[int64]:
		out.Data = append([]int64(nil), t.GetData()...)
	}
	return out
}
