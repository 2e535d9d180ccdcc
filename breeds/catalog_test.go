package breeds

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert := assert.New(t)
	assert.Equal([]string{"Persian", "Maine Coon", "Siamese", "British Shorthair", "Ragdoll", "Domestic Shorthair"}, c.Names())

	labels := c.Labels()
	for i, l := range labels {
		assert.Equal(i, l.Index)
		assert.NotEmpty(l.Characteristics)
		assert.NotEmpty(l.Description)
	}

	labels[0].Name = "mutated"
	assert.Equal("Persian", c.Labels()[0].Name)
}

func TestCatalog_Lookup(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	tests := []struct {
		name   string
		id     string
		expect func(t *testing.T, e Entry, ok bool)
	}{
		{
			name: "classifier breed carries characteristics",
			id:   "persian",
			expect: func(t *testing.T, e Entry, ok bool) {
				assert := assert.New(t)
				assert.True(ok)
				assert.Equal("Iran", e.Origin)
				assert.Len(e.Characteristics, 3)
			},
		},
		{
			name: "gallery-only breed",
			id:   "scottish-fold",
			expect: func(t *testing.T, e Entry, ok bool) {
				assert := assert.New(t)
				assert.True(ok)
				assert.Equal("Scottish Fold", e.Name)
				assert.Empty(e.Characteristics)
			},
		},
		{
			name: "unknown",
			id:   "sphynx",
			expect: func(t *testing.T, e Entry, ok bool) {
				assert.False(t, ok)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, ok := c.Lookup(tc.id)
			tc.expect(t, e, ok)
		})
	}

	assert.Len(t, c.Gallery(), 6)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{name: "no classes", data: "gallery: []", wantErr: "no classes"},
		{name: "unnamed class", data: "classes:\n  - id: a\n", wantErr: "has no name"},
		{name: "duplicate names", data: "classes:\n  - name: Maine Coon\n  - name: maine_coon\n", wantErr: "duplicate class name"},
		{name: "duplicate gallery", data: "classes:\n  - name: A\ngallery:\n  - id: a\n  - id: a\n", wantErr: "duplicate gallery id"},
		{name: "invalid yaml", data: "classes: [", wantErr: "parse catalog"},
		{name: "valid", data: "classes:\n  - name: A\n  - name: B\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.data))
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("classes:\n  - name: Tabby\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Tabby"}, c.Names())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "maine coon", NormalizeName("Maine_Coon"))
	assert.Equal(t, "british shorthair", NormalizeName("  British-Shorthair "))
}
