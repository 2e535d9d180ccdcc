package inference

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exportedMetadata = `{
  "model_type": "cat_breed_classifier",
  "input_shape": [224, 224, 3],
  "num_classes": 6,
  "class_names": ["Persian", "Maine Coon", "Siamese", "British Shorthair", "Ragdoll", "Domestic Shorthair"],
  "preprocessing": {"rescale": "1/255", "target_size": [224, 224]}
}`

func TestLoadMetadata(t *testing.T) {
	p := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(p, []byte(exportedMetadata), 0o600))

	m, err := LoadMetadata(p)
	require.NoError(t, err)
	assert.Equal(t, LayoutNHWC, m.Layout)
	assert.Equal(t, ActivationSoftmax, m.Activation)
	assert.Equal(t, "input", m.InputName)
	assert.Equal(t, []int64{1, 224, 224, 3}, m.TensorShape())
	assert.Equal(t, "1/255", m.Preprocessing.Rescale)
	assert.NoError(t, m.Validate(testLabels(6)))

	_, err = LoadMetadata(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestMetadata_Validate(t *testing.T) {
	six := []string{"Persian", "Maine_Coon", "Siamese", "British_Shorthair", "Ragdoll", "Domestic_Shorthair"}

	tests := []struct {
		name   string
		meta   Metadata
		errMsg string
	}{
		{
			name: "training folder names",
			meta: Metadata{InputShape: []int64{224, 224, 3}, NumClasses: 6, ClassNames: six},
		},
		{
			name: "nchw with batch",
			meta: Metadata{InputShape: []int64{1, 3, 224, 224}, NumClasses: 6, ClassNames: six, Layout: "nchw"},
		},
		{
			name:   "wrong resolution",
			meta:   Metadata{InputShape: []int64{128, 128, 3}, NumClasses: 6, ClassNames: six},
			errMsg: "input shape",
		},
		{
			name:   "not an image",
			meta:   Metadata{InputShape: []int64{150528}, NumClasses: 6, ClassNames: six},
			errMsg: "not an image shape",
		},
		{
			name:   "class count mismatch",
			meta:   Metadata{InputShape: []int64{224, 224, 3}, NumClasses: 5, ClassNames: six[:5]},
			errMsg: "label set has 6",
		},
		{
			name:   "class order mismatch",
			meta:   Metadata{InputShape: []int64{224, 224, 3}, NumClasses: 6, ClassNames: append([]string{"Siamese", "Persian"}, six[2:]...)},
			errMsg: `class 0 is "Siamese"`,
		},
		{
			name:   "unknown layout",
			meta:   Metadata{InputShape: []int64{224, 224, 3}, NumClasses: 6, ClassNames: six, Layout: "NWHC"},
			errMsg: "unknown layout",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.meta.setDefaults()
			err := tc.meta.Validate(testLabels(6))
			if tc.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.errMsg)
		})
	}
}

func TestMetadataPath(t *testing.T) {
	assert.Equal(t, "/models/cat.json", MetadataPath("/models/cat.onnx"))
	assert.Equal(t, "models/v2/cat.json", MetadataPath("models/v2/cat.onnx"))
}
