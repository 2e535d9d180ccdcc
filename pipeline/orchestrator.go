// Package pipeline drives one image at a time through decode, validation,
// preprocessing, inference and ranking.
//
// Each upload starts a new run with a fresh id. Stages run asynchronously and
// commit their results only if their run is still current, so a reset or a new
// upload silently discards whatever the previous run produces afterwards.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/atomic"

	"github.com/meowid/breed-service/imagecodec"
	"github.com/meowid/breed-service/logger"
	"github.com/meowid/breed-service/metrics"
	"github.com/meowid/breed-service/models"
	"github.com/meowid/breed-service/presence"
	"github.com/meowid/breed-service/preprocess"
	"github.com/meowid/breed-service/ranking"
)

// Engine is the inference capability the orchestrator needs.
type Engine interface {
	IsLoaded() bool
	EnsureLoaded(ctx context.Context) error
	Predict(ctx context.Context, tensor *models.InputTensor) (models.PredictionVector, error)
	Labels() []models.BreedClass
}

// Transition is one observed state change.
type Transition struct {
	RunID uint64
	From  State
	To    State
}

// ImageInfo describes the decoded image of the current run.
type ImageInfo struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// Snapshot is a copy of the orchestrator state at one instant.
type Snapshot struct {
	State   State
	RunID   uint64
	Image   *ImageInfo
	Result  *models.ClassificationResult
	Err     error
	Timings models.ProcessingTimings
}

type Option func(o *Orchestrator)

// WithListener registers fn for every state change. fn runs synchronously
// under the orchestrator lock and must not call back into the orchestrator.
func WithListener(fn func(Transition)) Option {
	return func(o *Orchestrator) {
		o.listener = fn
	}
}

// WithSessionID tags log lines with id.
func WithSessionID(id string) Option {
	return func(o *Orchestrator) {
		o.sessionID = id
	}
}

type Orchestrator struct {
	decoder      *imagecodec.Decoder
	validator    *presence.Validator
	preprocessor *preprocess.Preprocessor
	engine       Engine
	labels       []models.BreedClass

	listener  func(Transition)
	sessionID string
	ids       *atomic.Uint64

	mu      sync.Mutex
	fsm     *fsm.FSM
	changed chan struct{}
	run     uint64
	cancel  context.CancelFunc
	raw     *models.RawImage
	bitmap  *models.DecodedBitmap
	tensor  *models.InputTensor
	image   *ImageInfo
	result  *models.ClassificationResult
	err     error
	timings models.ProcessingTimings
}

func New(decoder *imagecodec.Decoder, validator *presence.Validator, preprocessor *preprocess.Preprocessor, engine Engine, options ...Option) *Orchestrator {
	o := &Orchestrator{
		decoder:      decoder,
		validator:    validator,
		preprocessor: preprocessor,
		engine:       engine,
		labels:       engine.Labels(),
		ids:          atomic.NewUint64(0),
		changed:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(o)
	}
	o.fsm = newFSM(o.onEnterState)
	return o
}

// onEnterState runs inside fsm.Event with o.mu held.
func (o *Orchestrator) onEnterState(e *fsm.Event) {
	t := Transition{RunID: o.run, From: State(e.Src), To: State(e.Dst)}
	logger.WithRun(o.sessionID, o.run).Debugf("state %s -> %s", t.From, t.To)

	close(o.changed)
	o.changed = make(chan struct{})

	if o.listener != nil {
		o.listener(t)
	}
}

// fire must be called with o.mu held.
func (o *Orchestrator) fire(event string) error {
	return o.fsm.Event(event)
}

// Upload discards any current run and starts a new one for raw. It returns the
// new run id immediately; progress is observed through Snapshot or Await.
func (o *Orchestrator) Upload(raw models.RawImage) uint64 {
	o.mu.Lock()
	o.resetLocked()

	id := o.ids.Inc()
	ctx, cancel := context.WithCancel(context.Background())
	o.run = id
	o.cancel = cancel
	o.raw = &raw
	o.timings = models.ProcessingTimings{RunID: id}
	if err := o.fire(eventUpload); err != nil {
		logger.WithRun(o.sessionID, id).Errorf("start run: %v", err)
	}
	o.mu.Unlock()

	metrics.UploadCount.Inc()
	go o.execute(ctx, id, raw)
	return id
}

// Reset returns to Idle and drops the image, tensor, result and error. Results
// of the run in flight are ignored when they arrive.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetLocked()
}

func (o *Orchestrator) resetLocked() {
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	if !o.fsm.Is(string(StateIdle)) {
		if err := o.fire(eventReset); err != nil {
			logger.WithRun(o.sessionID, o.run).Errorf("reset: %v", err)
		}
	}

	o.run = 0
	o.raw, o.bitmap, o.tensor, o.image = nil, nil, nil, nil
	o.result, o.err = nil, nil
	o.timings = models.ProcessingTimings{}
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{
		State:   State(o.fsm.Current()),
		RunID:   o.run,
		Result:  o.result,
		Err:     o.err,
		Timings: o.timings,
	}
	if o.image != nil {
		img := *o.image
		s.Image = &img
	}
	return s
}

// Await blocks until the current run settles or ctx is done.
func (o *Orchestrator) Await(ctx context.Context) (Snapshot, error) {
	for {
		o.mu.Lock()
		s := o.snapshotLocked()
		changed := o.changed
		o.mu.Unlock()

		if s.State.Settled() {
			return s, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// Close cancels the run in flight.
func (o *Orchestrator) Close() {
	o.Reset()
}

// commit fires event for run id and applies the stage output. It returns false
// when the run is no longer current.
func (o *Orchestrator) commit(id uint64, event string, apply func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.run != id {
		logger.WithRun(o.sessionID, id).Debugf("dropping stale %s", event)
		return false
	}
	if err := o.fire(event); err != nil {
		logger.WithRun(o.sessionID, id).Errorf("transition %s: %v", event, err)
		return false
	}
	if apply != nil {
		apply()
	}
	return true
}

func (o *Orchestrator) fail(id uint64, err error) {
	err = classify(err)
	if o.commit(id, eventFail, func() {
		o.err = err
		o.settleLocked()
	}) {
		metrics.FailedCount.WithLabelValues(models.CategoryOf(err)).Inc()
		logger.WithRun(o.sessionID, id).Warnf("run failed: %v", err)
	}
}

// settleLocked drops intermediate buffers once a run finishes.
func (o *Orchestrator) settleLocked() {
	o.raw, o.bitmap, o.tensor = nil, nil, nil
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

// classify keeps known categories and folds everything else into AnalysisError.
func classify(err error) error {
	var (
		de *models.DecodeError
		te *models.TooLargeError
		ve *models.ValidationError
		pe *models.PreprocessError
		le *models.ModelLoadError
		ne *models.NotLoadedError
		ae *models.AnalysisError
	)
	switch {
	case errors.As(err, &de), errors.As(err, &te), errors.As(err, &ve), errors.As(err, &pe),
		errors.As(err, &le), errors.As(err, &ne), errors.As(err, &ae):
		return err
	}
	return &models.AnalysisError{Message: "analysis failed", Cause: err}
}

func observe(stage string, d time.Duration) {
	metrics.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (o *Orchestrator) execute(ctx context.Context, id uint64, raw models.RawImage) {
	defer func() {
		if r := recover(); r != nil {
			o.fail(id, &models.AnalysisError{Message: fmt.Sprintf("panic: %v", r)})
		}
	}()

	log := logger.WithRun(o.sessionID, id)
	total := time.Now()

	start := time.Now()
	bmp, err := o.decoder.Decode(raw)
	decodeTime := time.Since(start)
	observe(metrics.StageDecode, decodeTime)
	if err != nil {
		o.fail(id, err)
		return
	}
	if !o.commit(id, eventDecoded, func() {
		o.bitmap = bmp
		o.image = &ImageInfo{Width: bmp.Width, Height: bmp.Height, Format: bmp.Format}
		o.timings.ImageDecode = decodeTime
	}) {
		return
	}

	start = time.Now()
	err = o.validator.Validate(ctx, bmp)
	validateTime := time.Since(start)
	observe(metrics.StageValidate, validateTime)
	if err != nil {
		var ve *models.ValidationError
		if !errors.As(err, &ve) {
			o.fail(id, err)
			return
		}
		if o.commit(id, eventReject, func() {
			o.err = ve
			o.timings.Validate = validateTime
			o.timings.Total = time.Since(total)
			o.settleLocked()
		}) {
			metrics.RejectedCount.WithLabelValues(ve.Reason).Inc()
			log.Infof("image rejected: %v", ve)
		}
		return
	}
	if !o.commit(id, eventAccept, func() { o.timings.Validate = validateTime }) {
		return
	}

	start = time.Now()
	tensor, err := o.preprocessor.Process(bmp)
	preprocessTime := time.Since(start)
	observe(metrics.StagePreprocess, preprocessTime)
	if err != nil {
		o.fail(id, err)
		return
	}

	if !o.engine.IsLoaded() {
		if !o.commit(id, eventLoad, func() {
			o.tensor = tensor
			o.timings.Preprocess = preprocessTime
		}) {
			return
		}

		start = time.Now()
		err := o.engine.EnsureLoaded(ctx)
		loadTime := time.Since(start)
		if err != nil {
			o.fail(id, err)
			return
		}
		if !o.commit(id, eventInfer, func() { o.timings.ModelLoad = loadTime }) {
			return
		}
	} else if !o.commit(id, eventInfer, func() {
		o.tensor = tensor
		o.timings.Preprocess = preprocessTime
	}) {
		return
	}

	start = time.Now()
	vec, err := o.engine.Predict(ctx, tensor)
	inferenceTime := time.Since(start)
	if err != nil {
		o.fail(id, err)
		return
	}

	start = time.Now()
	result, err := ranking.Rank(vec, o.labels)
	rankTime := time.Since(start)
	observe(metrics.StageRank, rankTime)
	if err != nil {
		o.fail(id, err)
		return
	}

	if o.commit(id, eventRank, func() {
		o.result = result
		o.timings.Inference = inferenceTime
		o.timings.Rank = rankTime
		o.timings.Total = time.Since(total)
		o.settleLocked()
	}) {
		metrics.ClassifiedCount.WithLabelValues(result.Primary.Breed.Name).Inc()
		log.Infof("classified as %s (%d%%)", result.Primary.Breed.Name, result.Primary.Confidence)
		if log.IsDebug() {
			logTimings(log, o.Snapshot().Timings)
		}
	}
}

func logTimings(log *logger.SugaredLoggerOnWith, t models.ProcessingTimings) {
	log.Debugf("processing times: decode=%v validate=%v preprocess=%v model_load=%v inference=%v rank=%v total=%v",
		t.ImageDecode, t.Validate, t.Preprocess, t.ModelLoad, t.Inference, t.Rank, t.Total)
}
