package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"github.com/meowid/breed-service/logger"
	"github.com/meowid/breed-service/metrics"
	"github.com/meowid/breed-service/models"
)

// probabilityTolerance bounds how far a prediction may sum from 1.
const probabilityTolerance = 1e-3

// DefaultLoadTimeout bounds one shared model load, including downloads.
const DefaultLoadTimeout = 5 * time.Minute

type Options struct {
	// Source is the default model used by EnsureLoaded. Empty selects the demo network.
	Source string
	Seed   uint64
	ONNX   ONNXOptions
	S3     S3Options

	// Loader, when set, turns a source into a Model instead of the built-in
	// demo/ONNX resolution.
	Loader func(ctx context.Context, source string) (Model, error)
}

// Engine holds at most one Model. The model is immutable once loaded and may
// be shared by any number of concurrent Predict calls.
type Engine struct {
	labels []models.BreedClass
	opts   Options

	mu     sync.RWMutex
	model  Model
	local  *localModel
	source string

	group singleflight.Group

	// newModel is replaced in tests.
	newModel func(ctx context.Context, source string) (Model, *localModel, error)
}

func NewEngine(labels []models.BreedClass, opts Options) *Engine {
	if opts.Seed == 0 {
		opts.Seed = DefaultSeed
	}
	e := &Engine{
		labels: append([]models.BreedClass(nil), labels...),
		opts:   opts,
	}
	e.newModel = e.buildModel
	if opts.Loader != nil {
		e.newModel = func(ctx context.Context, source string) (Model, *localModel, error) {
			m, err := opts.Loader(ctx, source)
			return m, nil, err
		}
	}
	return e
}

// WithModel returns an engine that already holds m.
func WithModel(labels []models.BreedClass, m Model) *Engine {
	e := NewEngine(labels, Options{})
	e.model = m
	e.source = m.Name()
	return e
}

func (e *Engine) Labels() []models.BreedClass {
	return append([]models.BreedClass(nil), e.labels...)
}

func (e *Engine) IsLoaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.model != nil
}

// ModelName returns the loaded model name or "".
func (e *Engine) ModelName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.model == nil {
		return ""
	}
	return e.model.Name()
}

// LoadModel loads source and swaps it in, closing the previously held model.
// On failure the previous model stays loaded.
func (e *Engine) LoadModel(ctx context.Context, source string) error {
	start := time.Now()
	log := logger.WithModel("", source)

	m, local, err := e.newModel(ctx, source)
	if err != nil {
		metrics.ModelLoadCount.WithLabelValues(modelLabel(source), "failure").Inc()
		log.Errorf("load model failed: %v", err)
		var le *models.ModelLoadError
		if errors.As(err, &le) {
			return err
		}
		return &models.ModelLoadError{Source: source, Message: "load model", Cause: err}
	}

	e.mu.Lock()
	prev, prevLocal := e.model, e.local
	e.model, e.local, e.source = m, local, source
	e.mu.Unlock()

	metrics.ModelLoadCount.WithLabelValues(m.Name(), "success").Inc()
	metrics.StageDuration.WithLabelValues(metrics.StageModelLoad).Observe(time.Since(start).Seconds())
	log.With("model", m.Name()).Infof("model loaded in %s", time.Since(start))

	if prev != nil {
		if err := closeModel(prev, prevLocal); err != nil {
			log.Warnf("close previous model: %v", err)
		}
	}
	return nil
}

// EnsureLoaded loads the configured default source once. Concurrent callers
// share the same load. The load runs detached from every caller, so a caller
// whose ctx ends stops waiting while the load continues for the others.
func (e *Engine) EnsureLoaded(ctx context.Context) error {
	if e.IsLoaded() {
		return nil
	}

	ch := e.group.DoChan("load", func() (any, error) {
		if e.IsLoaded() {
			return nil, nil
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultLoadTimeout)
		defer cancel()
		return nil, e.LoadModel(loadCtx, e.opts.Source)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Predict runs the loaded model. Output that is not a probability
// distribution over the label set is reported as an AnalysisError.
func (e *Engine) Predict(ctx context.Context, tensor *models.InputTensor) (models.PredictionVector, error) {
	e.mu.RLock()
	m := e.model
	e.mu.RUnlock()
	if m == nil {
		return nil, &models.NotLoadedError{}
	}

	if tensor == nil || tensor.Shape != models.ExpectedShape || len(tensor.Data) != shapeSize(tensor.Shape) {
		return nil, &models.PreprocessError{Message: fmt.Sprintf("tensor shape must be %v", models.ExpectedShape)}
	}

	start := time.Now()
	vec, err := m.Predict(ctx, tensor)
	metrics.StageDuration.WithLabelValues(metrics.StageInference).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &models.AnalysisError{Message: "forward pass failed", Cause: err}
	}

	if err := e.checkOutput(vec); err != nil {
		return nil, &models.AnalysisError{Message: "invalid model output", Cause: err}
	}
	return vec, nil
}

func (e *Engine) checkOutput(vec models.PredictionVector) error {
	if len(vec) != len(e.labels) {
		return fmt.Errorf("got %d scores for %d labels", len(vec), len(e.labels))
	}

	var sum float64
	for i, p := range vec {
		f := float64(p)
		if math.IsNaN(f) || f < 0 || f > 1 {
			return fmt.Errorf("score %d is %v", i, p)
		}
		sum += f
	}
	if math.Abs(sum-1) > probabilityTolerance {
		return fmt.Errorf("scores sum to %v", sum)
	}
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	m, local := e.model, e.local
	e.model, e.local, e.source = nil, nil, ""
	e.mu.Unlock()

	if m == nil {
		return nil
	}
	return closeModel(m, local)
}

func closeModel(m Model, local *localModel) error {
	var errs *multierror.Error
	if err := m.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if local != nil {
		if err := local.cleanup(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (e *Engine) buildModel(ctx context.Context, source string) (Model, *localModel, error) {
	if source == "" {
		m, err := NewDemoNetwork(len(e.labels), e.opts.Seed)
		if err != nil {
			return nil, nil, &models.ModelLoadError{Source: DemoModelName, Message: "build demo network", Cause: err}
		}
		return m, nil, nil
	}

	local, err := resolveSource(ctx, source, e.opts.S3)
	if err != nil {
		return nil, nil, &models.ModelLoadError{Source: source, Message: "resolve model source", Cause: err}
	}

	meta, err := LoadMetadata(local.MetadataPath)
	if err == nil {
		err = meta.Validate(e.labels)
	}
	if err != nil {
		local.cleanup()
		return nil, nil, &models.ModelLoadError{Source: source, Message: "invalid model metadata", Cause: err}
	}

	m, err := NewONNXModel(local.ModelPath, meta, e.opts.ONNX)
	if err != nil {
		local.cleanup()
		return nil, nil, &models.ModelLoadError{Source: source, Message: "create onnx model", Cause: err}
	}
	return m, local, nil
}

func modelLabel(source string) string {
	if source == "" {
		return DemoModelName
	}
	return "onnx"
}

func shapeSize(shape [4]int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
