package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meowid/breed-service/breeds"
	"github.com/meowid/breed-service/imagecodec"
	"github.com/meowid/breed-service/inference"
	"github.com/meowid/breed-service/inference/mocks"
	"github.com/meowid/breed-service/models"
	"github.com/meowid/breed-service/pipeline"
	"github.com/meowid/breed-service/presence"
	"github.com/meowid/breed-service/preprocess"
)

func encodePNG(t *testing.T, width, height int) models.RawImage {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 0xff})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return models.RawImage{Data: buf.Bytes(), MIMEType: "image/png"}
}

func labels(t *testing.T) []models.BreedClass {
	t.Helper()
	c, err := breeds.Default()
	require.NoError(t, err)
	return c.Labels()
}

type recorder struct {
	mu          sync.Mutex
	transitions []pipeline.Transition
}

func (r *recorder) record(tr pipeline.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, tr)
}

func (r *recorder) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = nil
}

func (r *recorder) all() []pipeline.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Transition(nil), r.transitions...)
}

func (r *recorder) states() []pipeline.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pipeline.State, 0, len(r.transitions))
	for _, tr := range r.transitions {
		out = append(out, tr.To)
	}
	return out
}

func newOrchestrator(engine pipeline.Engine, options ...pipeline.Option) *pipeline.Orchestrator {
	return pipeline.New(
		imagecodec.NewDecoder(0, 0),
		presence.NewValidator(presence.AcceptAll{}),
		preprocess.New(),
		engine,
		options...,
	)
}

func await(t *testing.T, o *pipeline.Orchestrator) pipeline.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := o.Await(ctx)
	require.NoError(t, err)
	return s
}

func TestOrchestrator_RoundTripWithDemoNetwork(t *testing.T) {
	rec := &recorder{}
	engine := inference.NewEngine(labels(t), inference.Options{})
	defer engine.Close()

	o := newOrchestrator(engine, pipeline.WithListener(rec.record), pipeline.WithSessionID("test"))
	id := o.Upload(encodePNG(t, 300, 300))
	assert.Equal(t, uint64(1), id)

	s := await(t, o)
	require.Equal(t, pipeline.StateRanked, s.State, "err: %v", s.Err)
	assert.NoError(t, s.Err)
	assert.Equal(t, id, s.RunID)
	assert.Equal(t, &pipeline.ImageInfo{Width: 300, Height: 300, Format: "png"}, s.Image)

	require.NotNil(t, s.Result)
	assert.Equal(t, 0, s.Result.Primary.Rank)
	assert.GreaterOrEqual(t, s.Result.Primary.Confidence, 0)
	assert.LessOrEqual(t, s.Result.Primary.Confidence, 100)
	require.Len(t, s.Result.Alternatives, 2)
	assert.LessOrEqual(t, s.Result.Alternatives[0].Confidence, s.Result.Primary.Confidence)
	assert.LessOrEqual(t, s.Result.Alternatives[1].Confidence, s.Result.Alternatives[0].Confidence)
	assert.NotEmpty(t, s.Result.Primary.Breed.Characteristics)
	assert.Positive(t, s.Timings.Total)
	assert.Positive(t, s.Timings.ModelLoad)

	assert.Equal(t, []pipeline.State{
		pipeline.StateDecoding,
		pipeline.StateValidating,
		pipeline.StatePreprocessing,
		pipeline.StateLoadingModel,
		pipeline.StateInferring,
		pipeline.StateRanked,
	}, rec.states())

	// The model is now loaded, so the second run skips LoadingModel.
	rec.clear()
	o.Upload(encodePNG(t, 320, 240))
	s = await(t, o)
	require.Equal(t, pipeline.StateRanked, s.State)
	assert.NotContains(t, rec.states(), pipeline.StateLoadingModel)
	assert.Equal(t, pipeline.StateIdle, rec.states()[0])
}

func TestOrchestrator_RejectionNeverReachesEngine(t *testing.T) {
	ctl := gomock.NewController(t)
	defer ctl.Finish()

	model := mocks.NewMockModel(ctl)
	model.EXPECT().Name().Return("stub").AnyTimes()
	model.EXPECT().Predict(gomock.Any(), gomock.Any()).Times(0)

	tests := []struct {
		name   string
		width  int
		height int
		reason string
	}{
		{name: "too small", width: 50, height: 50, reason: models.ReasonTooSmall},
		{name: "panorama", width: 400, height: 150, reason: models.ReasonAspectRatio},
	}

	o := newOrchestrator(inference.WithModel(labels(t), model))
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o.Upload(encodePNG(t, tc.width, tc.height))
			s := await(t, o)

			assert.Equal(t, pipeline.StateRejected, s.State)
			assert.Nil(t, s.Result)
			var ve *models.ValidationError
			require.ErrorAs(t, s.Err, &ve)
			assert.Equal(t, tc.reason, ve.Reason)
		})
	}
}

type fakeEngine struct {
	loaded  bool
	loadErr error
	predict func(ctx context.Context, tensor *models.InputTensor) (models.PredictionVector, error)
	labels  []models.BreedClass
}

func (f *fakeEngine) IsLoaded() bool { return f.loaded }

func (f *fakeEngine) EnsureLoaded(context.Context) error {
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded = true
	return nil
}

func (f *fakeEngine) Predict(ctx context.Context, tensor *models.InputTensor) (models.PredictionVector, error) {
	return f.predict(ctx, tensor)
}

func (f *fakeEngine) Labels() []models.BreedClass { return f.labels }

func TestOrchestrator_Failures(t *testing.T) {
	uniform := func(context.Context, *models.InputTensor) (models.PredictionVector, error) {
		return models.PredictionVector{0.2, 0.2, 0.2, 0.2, 0.1, 0.1}, nil
	}

	tests := []struct {
		name     string
		raw      models.RawImage
		engine   *fakeEngine
		decoder  *imagecodec.Decoder
		category string
	}{
		{
			name:     "undecodable bytes",
			raw:      models.RawImage{Data: []byte("definitely not an image")},
			engine:   &fakeEngine{loaded: true, predict: uniform},
			category: models.CategoryDecode,
		},
		{
			name:     "over byte limit",
			raw:      encodePNG(t, 200, 200),
			engine:   &fakeEngine{loaded: true, predict: uniform},
			decoder:  &imagecodec.Decoder{MaxBytes: 64, MaxPixels: imagecodec.DefaultMaxPixels},
			category: models.CategoryTooLarge,
		},
		{
			name:     "model load failure",
			raw:      encodePNG(t, 200, 200),
			engine:   &fakeEngine{loadErr: &models.ModelLoadError{Message: "corrupt weights"}, predict: uniform},
			category: models.CategoryModelLoad,
		},
		{
			name: "inference without model",
			raw:  encodePNG(t, 200, 200),
			engine: &fakeEngine{loaded: true, predict: func(context.Context, *models.InputTensor) (models.PredictionVector, error) {
				return nil, &models.NotLoadedError{}
			}},
			category: models.CategoryNotLoaded,
		},
		{
			name: "unexpected engine error",
			raw:  encodePNG(t, 200, 200),
			engine: &fakeEngine{loaded: true, predict: func(context.Context, *models.InputTensor) (models.PredictionVector, error) {
				return nil, errors.New("gpu on fire")
			}},
			category: models.CategoryAnalysis,
		},
		{
			name: "panicking engine",
			raw:  encodePNG(t, 200, 200),
			engine: &fakeEngine{loaded: true, predict: func(context.Context, *models.InputTensor) (models.PredictionVector, error) {
				panic("index out of range")
			}},
			category: models.CategoryAnalysis,
		},
		{
			name: "ranking mismatch",
			raw:  encodePNG(t, 200, 200),
			engine: &fakeEngine{loaded: true, predict: func(context.Context, *models.InputTensor) (models.PredictionVector, error) {
				return models.PredictionVector{1}, nil
			}},
			category: models.CategoryAnalysis,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.engine.labels = labels(t)
			decoder := tc.decoder
			if decoder == nil {
				decoder = imagecodec.NewDecoder(0, 0)
			}
			o := pipeline.New(decoder, presence.NewValidator(nil), preprocess.New(), tc.engine)

			o.Upload(tc.raw)
			s := await(t, o)

			assert.Equal(t, pipeline.StateFailed, s.State)
			assert.Nil(t, s.Result)
			assert.Equal(t, tc.category, models.CategoryOf(s.Err), "err: %v", s.Err)
		})
	}
}

func TestOrchestrator_Reset(t *testing.T) {
	engine := &fakeEngine{loaded: true, labels: labels(t), predict: func(context.Context, *models.InputTensor) (models.PredictionVector, error) {
		return models.PredictionVector{0.5, 0.1, 0.1, 0.1, 0.1, 0.1}, nil
	}}
	o := newOrchestrator(engine)

	s := o.Snapshot()
	assert.Equal(t, pipeline.StateIdle, s.State)
	o.Reset()
	assert.Equal(t, pipeline.StateIdle, o.Snapshot().State)

	o.Upload(encodePNG(t, 200, 200))
	s = await(t, o)
	require.Equal(t, pipeline.StateRanked, s.State)
	assert.Equal(t, "Persian", s.Result.Primary.Breed.Name)
	assert.Equal(t, 50, s.Result.Primary.Confidence)

	o.Reset()
	s = o.Snapshot()
	assert.Equal(t, pipeline.StateIdle, s.State)
	assert.Equal(t, uint64(0), s.RunID)
	assert.Nil(t, s.Result)
	assert.Nil(t, s.Err)
	assert.Nil(t, s.Image)
	assert.Zero(t, s.Timings)

	o.Upload(encodePNG(t, 50, 50))
	s = await(t, o)
	require.Equal(t, pipeline.StateRejected, s.State)
	o.Reset()
	assert.Nil(t, o.Snapshot().Err)
}

func TestOrchestrator_StaleRunSuppressed(t *testing.T) {
	ctl := gomock.NewController(t)
	defer ctl.Finish()

	release := make(chan struct{})
	stale := models.PredictionVector{0.9, 0.02, 0.02, 0.02, 0.02, 0.02}
	fresh := models.PredictionVector{0.02, 0.02, 0.9, 0.02, 0.02, 0.02}

	model := mocks.NewMockModel(ctl)
	model.EXPECT().Name().Return("stub").AnyTimes()
	gomock.InOrder(
		model.EXPECT().Predict(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, *models.InputTensor) (models.PredictionVector, error) {
			<-release
			return stale, nil
		}),
		model.EXPECT().Predict(gomock.Any(), gomock.Any()).Return(fresh, nil),
	)

	rec := &recorder{}
	o := newOrchestrator(inference.WithModel(labels(t), model), pipeline.WithListener(rec.record))

	first := o.Upload(encodePNG(t, 200, 200))
	require.Eventually(t, func() bool {
		return o.Snapshot().State == pipeline.StateInferring
	}, 10*time.Second, 5*time.Millisecond)

	second := o.Upload(encodePNG(t, 240, 200))
	assert.Greater(t, second, first)

	s := await(t, o)
	require.Equal(t, pipeline.StateRanked, s.State)
	assert.Equal(t, second, s.RunID)
	assert.Equal(t, "Siamese", s.Result.Primary.Breed.Name)

	// Let the superseded run finish; its result must not surface.
	close(release)
	time.Sleep(50 * time.Millisecond)

	s = o.Snapshot()
	assert.Equal(t, second, s.RunID)
	assert.Equal(t, "Siamese", s.Result.Primary.Breed.Name)

	for _, tr := range rec.all() {
		if tr.RunID == first {
			assert.NotEqual(t, pipeline.StateRanked, tr.To)
		}
	}
}

func TestOrchestrator_AwaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	engine := &fakeEngine{loaded: true, labels: labels(t), predict: func(ctx context.Context, _ *models.InputTensor) (models.PredictionVector, error) {
		<-release
		return nil, ctx.Err()
	}}
	o := newOrchestrator(engine)
	o.Upload(encodePNG(t, 200, 200))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s, err := o.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, s.State.Busy())

	o.Reset()
	s, err = o.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateIdle, s.State)
}

// slowEngine returns an engine whose default model takes delay to load and
// honours cancellation of the load context.
func slowEngine(t *testing.T, delay time.Duration) *inference.Engine {
	t.Helper()
	n := len(labels(t))
	engine := inference.NewEngine(labels(t), inference.Options{
		Source: "s3://models/cat_breed_classifier.onnx",
		Loader: func(ctx context.Context, _ string) (inference.Model, error) {
			select {
			case <-time.After(delay):
				return inference.NewDemoNetwork(n, inference.DefaultSeed)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestOrchestrator_ReuploadDuringModelLoad(t *testing.T) {
	rec := &recorder{}
	o := newOrchestrator(slowEngine(t, 200*time.Millisecond), pipeline.WithListener(rec.record))

	first := o.Upload(encodePNG(t, 300, 300))
	require.Eventually(t, func() bool {
		return o.Snapshot().State == pipeline.StateLoadingModel
	}, 10*time.Second, 2*time.Millisecond)

	second := o.Upload(encodePNG(t, 240, 200))
	s := await(t, o)
	require.Equal(t, pipeline.StateRanked, s.State, "err: %v", s.Err)
	assert.Equal(t, second, s.RunID)
	assert.NoError(t, s.Err)

	for _, tr := range rec.all() {
		if tr.RunID == first {
			assert.NotEqual(t, pipeline.StateRanked, tr.To)
			assert.NotEqual(t, pipeline.StateFailed, tr.To)
		}
	}
}

func TestOrchestrator_ResetDoesNotFailSharedLoad(t *testing.T) {
	engine := slowEngine(t, 200*time.Millisecond)
	a := newOrchestrator(engine, pipeline.WithSessionID("a"))
	b := newOrchestrator(engine, pipeline.WithSessionID("b"))

	a.Upload(encodePNG(t, 300, 300))
	require.Eventually(t, func() bool {
		return a.Snapshot().State == pipeline.StateLoadingModel
	}, 10*time.Second, 2*time.Millisecond)

	b.Upload(encodePNG(t, 300, 300))
	require.Eventually(t, func() bool {
		return b.Snapshot().State == pipeline.StateLoadingModel
	}, 10*time.Second, 2*time.Millisecond)

	a.Reset()
	assert.Equal(t, pipeline.StateIdle, a.Snapshot().State)

	s := await(t, b)
	require.Equal(t, pipeline.StateRanked, s.State, "err: %v", s.Err)
	assert.True(t, engine.IsLoaded())
}
