package presence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meowid/breed-service/models"
	"github.com/meowid/breed-service/presence"
	"github.com/meowid/breed-service/presence/mocks"
)

func newBitmap(width, height int) *models.DecodedBitmap {
	return &models.DecodedBitmap{
		Width:    width,
		Height:   height,
		Channels: 3,
		Pix:      make([]uint8, width*height*3),
	}
}

func TestValidator_CheckGeometry(t *testing.T) {
	v := presence.NewValidator(nil)

	tests := []struct {
		name   string
		width  int
		height int
		reason string
	}{
		{name: "square", width: 300, height: 300},
		{name: "minimum size", width: 100, height: 100},
		{name: "just inside wide", width: 199, height: 100},
		{name: "just inside tall", width: 101, height: 200},
		{name: "too narrow", width: 99, height: 150, reason: models.ReasonTooSmall},
		{name: "too short", width: 150, height: 99, reason: models.ReasonTooSmall},
		{name: "tiny", width: 50, height: 50, reason: models.ReasonTooSmall},
		{name: "exactly 2.0", width: 200, height: 100, reason: models.ReasonAspectRatio},
		{name: "exactly 0.5", width: 100, height: 200, reason: models.ReasonAspectRatio},
		{name: "panorama", width: 1000, height: 200, reason: models.ReasonAspectRatio},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.CheckGeometry(tc.width, tc.height)
			if tc.reason == "" {
				assert.NoError(t, err)
				return
			}

			var ve *models.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.reason, ve.Reason)
		})
	}
}

func TestValidator_Validate(t *testing.T) {
	tests := []struct {
		name   string
		bmp    *models.DecodedBitmap
		mock   func(m *mocks.MockClassifierMockRecorder)
		expect func(t *testing.T, err error)
	}{
		{
			name: "classifier accepts",
			bmp:  newBitmap(300, 300),
			mock: func(m *mocks.MockClassifierMockRecorder) {
				m.Classify(gomock.Any(), gomock.Any()).Return(presence.Decision{Accept: true, Score: 0.9}, nil).Times(1)
			},
			expect: func(t *testing.T, err error) {
				assert.NoError(t, err)
			},
		},
		{
			name: "classifier rejects",
			bmp:  newBitmap(300, 300),
			mock: func(m *mocks.MockClassifierMockRecorder) {
				m.Classify(gomock.Any(), gomock.Any()).Return(presence.Decision{Accept: false, Score: 0.1}, nil).Times(1)
			},
			expect: func(t *testing.T, err error) {
				var ve *models.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, models.ReasonNotACat, ve.Reason)
			},
		},
		{
			name: "classifier fails",
			bmp:  newBitmap(300, 300),
			mock: func(m *mocks.MockClassifierMockRecorder) {
				m.Classify(gomock.Any(), gomock.Any()).Return(presence.Decision{}, errors.New("detector offline")).Times(1)
			},
			expect: func(t *testing.T, err error) {
				var ve *models.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, models.ReasonDetectorError, ve.Reason)
				assert.ErrorContains(t, err, "detector offline")
			},
		},
		{
			name: "geometry rejects before classifier runs",
			bmp:  newBitmap(50, 50),
			mock: func(m *mocks.MockClassifierMockRecorder) {
				m.Classify(gomock.Any(), gomock.Any()).Times(0)
			},
			expect: func(t *testing.T, err error) {
				var ve *models.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, models.ReasonTooSmall, ve.Reason)
			},
		},
		{
			name: "geometry rejects even if classifier would accept",
			bmp:  newBitmap(500, 100),
			mock: func(m *mocks.MockClassifierMockRecorder) {
				m.Classify(gomock.Any(), gomock.Any()).Return(presence.Decision{Accept: true}, nil).AnyTimes()
			},
			expect: func(t *testing.T, err error) {
				var ve *models.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, models.ReasonAspectRatio, ve.Reason)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctl := gomock.NewController(t)
			defer ctl.Finish()
			classifier := mocks.NewMockClassifier(ctl)
			tc.mock(classifier.EXPECT())

			v := presence.NewValidator(classifier)
			tc.expect(t, v.Validate(context.Background(), tc.bmp))
		})
	}
}

func TestValidator_GeometryIsHardGate(t *testing.T) {
	v := presence.NewValidator(presence.AcceptAll{})

	for w := 10; w <= 400; w += 13 {
		for h := 10; h <= 400; h += 17 {
			err := v.Validate(context.Background(), newBitmap(w, h))
			ratio := float64(w) / float64(h)
			valid := w >= 100 && h >= 100 && ratio > 0.5 && ratio < 2.0
			if valid {
				assert.NoError(t, err, "%dx%d", w, h)
			} else {
				assert.Error(t, err, "%dx%d", w, h)
			}
		}
	}
}

func TestRandomClassifier(t *testing.T) {
	bmp := newBitmap(200, 200)

	always := presence.NewRandomClassifier(1, 1)
	never := presence.NewRandomClassifier(0, 1)
	for i := 0; i < 50; i++ {
		d, err := always.Classify(context.Background(), bmp)
		require.NoError(t, err)
		assert.True(t, d.Accept)

		d, err = never.Classify(context.Background(), bmp)
		require.NoError(t, err)
		assert.False(t, d.Accept)
	}

	c := presence.NewRandomClassifier(presence.DefaultAcceptRate, 42)
	var accepted int
	const n = 2000
	for i := 0; i < n; i++ {
		d, err := c.Classify(context.Background(), bmp)
		require.NoError(t, err)
		if d.Accept {
			accepted++
		}
	}
	assert.InDelta(t, 0.9, float64(accepted)/n, 0.05)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Classify(ctx, bmp)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRandomClassifier_CannotBypassGeometry(t *testing.T) {
	v := presence.NewValidator(presence.NewRandomClassifier(1, 7))
	for i := 0; i < 20; i++ {
		assert.Error(t, v.Validate(context.Background(), newBitmap(50, 50)))
	}
}
