// Package breeds holds the ordered classifier label set and the display-only
// breed catalog. Both are compiled into the binary from catalog.yaml.
package breeds

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/meowid/breed-service/models"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// Entry is one display card of the breed gallery.
type Entry struct {
	ID              string   `yaml:"id" json:"id"`
	Name            string   `yaml:"name" json:"name"`
	Origin          string   `yaml:"origin" json:"origin"`
	Description     string   `yaml:"description" json:"description"`
	ImageURL        string   `yaml:"image_url" json:"image_url"`
	Characteristics []string `yaml:"-" json:"characteristics,omitempty"`
}

type classEntry struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Characteristics []string `yaml:"characteristics"`
	Description     string   `yaml:"description"`
}

type document struct {
	Classes []classEntry `yaml:"classes"`
	Gallery []Entry      `yaml:"gallery"`
}

// Catalog is immutable after construction and safe for concurrent reads.
type Catalog struct {
	labels  []models.BreedClass
	gallery []Entry
	byID    map[string]int
}

// Default parses the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(embeddedCatalog)
}

// Load parses a catalog file from disk.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML. Class names must be unique and non-empty.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	if len(doc.Classes) == 0 {
		return nil, fmt.Errorf("catalog has no classes")
	}

	c := &Catalog{
		labels:  make([]models.BreedClass, 0, len(doc.Classes)),
		gallery: doc.Gallery,
		byID:    make(map[string]int, len(doc.Gallery)),
	}

	names := make(map[string]struct{}, len(doc.Classes))
	for i, ce := range doc.Classes {
		if ce.Name == "" {
			return nil, fmt.Errorf("class %d has no name", i)
		}
		key := NormalizeName(ce.Name)
		if _, ok := names[key]; ok {
			return nil, fmt.Errorf("duplicate class name %q", ce.Name)
		}
		names[key] = struct{}{}

		c.labels = append(c.labels, models.BreedClass{
			Index:           i,
			ID:              ce.ID,
			Name:            ce.Name,
			Characteristics: ce.Characteristics,
			Description:     ce.Description,
		})
	}

	for i := range c.gallery {
		if _, ok := c.byID[c.gallery[i].ID]; ok {
			return nil, fmt.Errorf("duplicate gallery id %q", c.gallery[i].ID)
		}
		c.byID[c.gallery[i].ID] = i
	}

	return c, nil
}

// Labels returns a copy of the ordered label set.
func (c *Catalog) Labels() []models.BreedClass {
	out := make([]models.BreedClass, len(c.labels))
	copy(out, c.labels)
	return out
}

// Names returns the label names in output order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.labels))
	for i, l := range c.labels {
		names[i] = l.Name
	}
	return names
}

// Gallery returns every display entry, enriched with classifier
// characteristics where the breed is also a label.
func (c *Catalog) Gallery() []Entry {
	out := make([]Entry, len(c.gallery))
	for i, e := range c.gallery {
		out[i] = c.enrich(e)
	}
	return out
}

// Lookup returns the display entry for id.
func (c *Catalog) Lookup(id string) (Entry, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Entry{}, false
	}
	return c.enrich(c.gallery[i]), true
}

func (c *Catalog) enrich(e Entry) Entry {
	for _, l := range c.labels {
		if l.ID == e.ID {
			e.Characteristics = append([]string(nil), l.Characteristics...)
			break
		}
	}
	return e
}

// NormalizeName folds case, underscores and hyphens so that "Maine_Coon" from a
// training export matches "Maine Coon".
func NormalizeName(name string) string {
	r := strings.NewReplacer("_", " ", "-", " ")
	return strings.Join(strings.Fields(strings.ToLower(r.Replace(name))), " ")
}
