package classifier

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/verdantstack/verdant-diagnose/internal/taxonomy"
)

// ONNXBackend runs the leaf model through onnxruntime. The session owns a
// single pre-allocated input/output tensor pair, so runs are serialised with
// a mutex; concurrency shaping happens in the Local adapter above it.
type ONNXBackend struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewONNXBackend initialises the onnxruntime environment and loads the model
// artifact with the expected input shape (1 x size x size x 3).
func NewONNXBackend(modelPath string, inputSize int) (*ONNXBackend, error) {
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialise onnxruntime: %w", err)
	}

	inputShape := ort.NewShape(1, int64(inputSize), int64(inputSize), 3)
	outputShape := ort.NewShape(1, taxonomy.ClassCount)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("load model %s: %w", modelPath, err)
	}

	return &ONNXBackend{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Run executes one inference and returns a copy of the output logits.
func (b *ONNXBackend) Run(pixels []float32) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	input := b.inputTensor.GetData()
	if len(pixels) != len(input) {
		return nil, fmt.Errorf("input has %d values, tensor wants %d", len(pixels), len(input))
	}
	copy(input, pixels)

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}

	out := b.outputTensor.GetData()
	logits := make([]float32, len(out))
	copy(logits, out)
	return logits, nil
}

// Close releases the session and the onnxruntime environment.
func (b *ONNXBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inputTensor != nil {
		b.inputTensor.Destroy()
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
	}
	if b.session != nil {
		b.session.Destroy()
	}
	return ort.DestroyEnvironment()
}
