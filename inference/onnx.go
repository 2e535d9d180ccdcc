package inference

import (
	"context"
	"fmt"
	"runtime"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/meowid/breed-service/models"
)

// ModelSession is one runtime session bound to its own input and output tensors.
type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

type ONNXOptions struct {
	// LibraryPath is the onnxruntime shared library. Empty uses the platform default name.
	LibraryPath    string
	PoolSize       int
	AcquireTimeout time.Duration
	Threads        int
}

// ONNXModel runs an exported classifier through onnxruntime. Each Predict
// holds one pooled session for the duration of the run.
type ONNXModel struct {
	path string
	meta *Metadata
	pool *SessionPool
}

// NewONNXModel expects meta to be validated already.
func NewONNXModel(path string, meta *Metadata, opts ONNXOptions) (*ONNXModel, error) {
	if err := InitRuntime(opts.LibraryPath); err != nil {
		return nil, err
	}

	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	pool, err := NewSessionPool(opts.PoolSize, opts.AcquireTimeout, func() (*ModelSession, error) {
		return newModelSession(path, sessionIO{
			InputName:   meta.InputName,
			OutputName:  meta.OutputName,
			InputShape:  meta.TensorShape(),
			OutputShape: []int64{1, int64(meta.NumClasses)},
		}, threads)
	})
	if err != nil {
		return nil, err
	}

	return &ONNXModel{path: path, meta: meta, pool: pool}, nil
}

// sessionIO names the single input and output of a network and their shapes.
type sessionIO struct {
	InputName   string
	OutputName  string
	InputShape  []int64
	OutputShape []int64
}

func newModelSession(path string, io sessionIO, threads int) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(io.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(io.OutputShape...))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		path,
		[]string{io.InputName},
		[]string{io.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &ModelSession{Session: session, Input: input, Output: output}, nil
}

func (m *ONNXModel) Name() string {
	if m.meta.ModelType != "" {
		return m.meta.ModelType
	}
	return "onnx"
}

func (m *ONNXModel) Predict(ctx context.Context, tensor *models.InputTensor) (models.PredictionVector, error) {
	session, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}

	if m.meta.Layout == LayoutNCHW {
		toNCHW(session.Input.GetData(), tensor.Data, models.InputSize, models.InputSize, models.InputChannels)
	} else {
		copy(session.Input.GetData(), tensor.Data)
	}

	if err := session.Session.Run(); err != nil {
		m.pool.Discard(session, err)
		return nil, fmt.Errorf("run session: %w", err)
	}

	out := session.Output.GetData()
	vec := make(models.PredictionVector, len(out))
	copy(vec, out)
	m.pool.Release(session)

	if m.meta.Activation == ActivationLogits {
		logits := make([]float64, len(vec))
		for i, v := range vec {
			logits[i] = float64(v)
		}
		vec = softmax(logits)
	}
	return vec, nil
}

func (m *ONNXModel) Close() error {
	m.pool.Destroy()
	return nil
}

// Pool exposes the session pool for monitoring.
func (m *ONNXModel) Pool() *SessionPool { return m.pool }

// toNCHW transposes an interleaved HWC image into planar CHW.
func toNCHW(dst, src []float32, h, w, c int) {
	plane := h * w
	for i := 0; i < plane; i++ {
		for ch := 0; ch < c; ch++ {
			dst[ch*plane+i] = src[i*c+ch]
		}
	}
}
