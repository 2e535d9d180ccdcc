package inference

import (
	"context"
	"fmt"
	"runtime"
)

// YOLO export defaults for an 80-class COCO detector.
const (
	DefaultDetectorInputSize  = 640
	DefaultDetectorClasses    = 80
	DefaultDetectorInputName  = "images"
	DefaultDetectorOutputName = "output0"
)

type DetectorOptions struct {
	InputSize  int
	NumClasses int
	ONNX       ONNXOptions
}

// ONNXDetector runs a YOLO-style object detector. Input is planar RGB of
// InputSize x InputSize, output is [4+NumClasses, Anchors] channel-major.
type ONNXDetector struct {
	inputSize  int
	numClasses int
	anchors    int
	pool       *SessionPool
}

func NewONNXDetector(path string, opts DetectorOptions) (*ONNXDetector, error) {
	if opts.InputSize <= 0 {
		opts.InputSize = DefaultDetectorInputSize
	}
	if opts.NumClasses <= 0 {
		opts.NumClasses = DefaultDetectorClasses
	}

	local, err := localSource(path)
	if err != nil {
		return nil, err
	}
	if err := InitRuntime(opts.ONNX.LibraryPath); err != nil {
		return nil, err
	}

	threads := opts.ONNX.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	anchors := DetectorAnchors(opts.InputSize)
	io := sessionIO{
		InputName:   DefaultDetectorInputName,
		OutputName:  DefaultDetectorOutputName,
		InputShape:  []int64{1, 3, int64(opts.InputSize), int64(opts.InputSize)},
		OutputShape: []int64{1, int64(4 + opts.NumClasses), int64(anchors)},
	}

	pool, err := NewSessionPool(opts.ONNX.PoolSize, opts.ONNX.AcquireTimeout, func() (*ModelSession, error) {
		return newModelSession(local.ModelPath, io, threads)
	})
	if err != nil {
		return nil, err
	}

	return &ONNXDetector{
		inputSize:  opts.InputSize,
		numClasses: opts.NumClasses,
		anchors:    anchors,
		pool:       pool,
	}, nil
}

// DetectorAnchors returns the number of YOLOv8 grid cells over strides 8, 16 and 32.
func DetectorAnchors(inputSize int) int {
	var n int
	for _, stride := range []int{8, 16, 32} {
		cells := inputSize / stride
		n += cells * cells
	}
	return n
}

func (d *ONNXDetector) InputSize() int  { return d.inputSize }
func (d *ONNXDetector) NumClasses() int { return d.numClasses }
func (d *ONNXDetector) Anchors() int    { return d.anchors }

// Run copies input into a pooled session and returns a copy of the raw output.
func (d *ONNXDetector) Run(ctx context.Context, input []float32) ([]float32, error) {
	session, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}

	dst := session.Input.GetData()
	if len(input) != len(dst) {
		d.pool.Release(session)
		return nil, fmt.Errorf("detector input has %d values, want %d", len(input), len(dst))
	}
	copy(dst, input)

	if err := session.Session.Run(); err != nil {
		d.pool.Discard(session, err)
		return nil, fmt.Errorf("run detector: %w", err)
	}

	out := session.Output.GetData()
	predictions := make([]float32, len(out))
	copy(predictions, out)
	d.pool.Release(session)
	return predictions, nil
}

func (d *ONNXDetector) Close() error {
	d.pool.Destroy()
	return nil
}
