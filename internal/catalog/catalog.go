// Package catalog describes the collections the engine tracks and the
// structural rules their records must satisfy.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/draw-sync/internal/errors"
	"github.com/alexjbarnes/draw-sync/internal/models"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Collection is the definition of one draw type.
type Collection struct {
	Name string `yaml:"name"`

	// Primary and Secondary are the fixed value-set sizes. Zero Primary
	// disables the cardinality check. Zero Secondary means records carry
	// no secondary set.
	Primary   int `yaml:"primary"`
	Secondary int `yaml:"secondary"`

	// Max and SecondaryMax bound each value (1..Max). Zero disables the bound.
	Max          int `yaml:"max"`
	SecondaryMax int `yaml:"secondary_max"`

	// FullLimit overrides the default snapshot size of a full pass.
	FullLimit int `yaml:"full_limit"`

	RetentionDays int `yaml:"retention_days"`
	KeepLatest    int `yaml:"keep_latest"`
}

// RetentionPolicy returns the collection's retention policy relative to now.
func (c Collection) RetentionPolicy(now time.Time) models.RetentionPolicy {
	p := models.RetentionPolicy{KeepLatest: c.KeepLatest}
	if c.RetentionDays > 0 {
		p.Before = now.UTC().AddDate(0, 0, -c.RetentionDays)
	}

	return p
}

// Catalog is an immutable set of collection definitions.
type Catalog struct {
	byName map[string]Collection
	names  []string
}

type file struct {
	Collections []Collection `yaml:"collections"`
}

// Normalize canonicalizes a collection name. Names are compared in
// Unicode NFC so visually identical names map to the same store bucket.
func Normalize(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// New builds a catalog from definitions. Names are normalized and must be
// unique and non-empty.
func New(defs []Collection) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Collection, len(defs))}

	for i, d := range defs {
		d.Name = Normalize(d.Name)
		if d.Name == "" {
			return nil, fmt.Errorf("collection %d: name is required", i+1)
		}

		if _, dup := c.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate collection %q", d.Name)
		}

		if d.Primary < 0 || d.Secondary < 0 || d.Max < 0 || d.SecondaryMax < 0 {
			return nil, fmt.Errorf("collection %q: counts and bounds must not be negative", d.Name)
		}

		c.byName[d.Name] = d
		c.names = append(c.names, d.Name)
	}

	sort.Strings(c.names)

	return c, nil
}

// FromNames builds a catalog of collections with no structural rules
// beyond a valid effective date.
func FromNames(names []string) (*Catalog, error) {
	defs := make([]Collection, 0, len(names))

	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}

		defs = append(defs, Collection{Name: n})
	}

	return New(defs)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	return New(f.Collections)
}

// Load reads and parses the catalog file at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	return Parse(data)
}

// Names returns the collection names in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Lookup returns the definition of a collection.
func (c *Catalog) Lookup(name string) (Collection, bool) {
	d, ok := c.byName[Normalize(name)]
	return d, ok
}

// Has reports whether the catalog tracks name.
func (c *Catalog) Has(name string) bool {
	_, ok := c.Lookup(name)
	return ok
}

// Validate checks a record against its collection's structural rules.
// Errors wrap ErrValidation, or ErrUnknownCollection for collections the
// catalog does not define.
func (c *Catalog) Validate(r models.Record) error {
	d, ok := c.Lookup(r.Collection)
	if !ok {
		return fmt.Errorf("%w: %q", apperrors.ErrUnknownCollection, r.Collection)
	}

	return d.Validate(r)
}

// Validate checks a record against the definition's rules. A definition
// with no rules, such as one built for an untracked collection, only
// requires an effective date.
func (c Collection) Validate(r models.Record) error {
	if r.EffectiveDate.IsZero() {
		return fmt.Errorf("%w: %s: missing effective date", apperrors.ErrValidation, c.Name)
	}

	if c.Primary > 0 && len(r.Primary) != c.Primary {
		return fmt.Errorf("%w: %s %s: want %d primary values, got %d",
			apperrors.ErrValidation, c.Name, r.Key(), c.Primary, len(r.Primary))
	}

	if c.Primary > 0 && len(r.Secondary) != c.Secondary {
		return fmt.Errorf("%w: %s %s: want %d secondary values, got %d",
			apperrors.ErrValidation, c.Name, r.Key(), c.Secondary, len(r.Secondary))
	}

	if err := checkRange(r.Primary, c.Max); err != nil {
		return fmt.Errorf("%w: %s %s: primary %w", apperrors.ErrValidation, c.Name, r.Key(), err)
	}

	if err := checkRange(r.Secondary, c.SecondaryMax); err != nil {
		return fmt.Errorf("%w: %s %s: secondary %w", apperrors.ErrValidation, c.Name, r.Key(), err)
	}

	return nil
}

func checkRange(values []int, maxValue int) error {
	seen := make(map[int]struct{}, len(values))

	for _, v := range values {
		if v < 1 || (maxValue > 0 && v > maxValue) {
			return fmt.Errorf("value %d out of range", v)
		}

		if _, dup := seen[v]; dup {
			return fmt.Errorf("value %d repeated", v)
		}

		seen[v] = struct{}{}
	}

	return nil
}
