package config

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/BurntSushi/toml"
)

// Catalog lists the admissible labels of every segmentation dimension in
// display order, with their colors.
type Catalog struct {
	FallbackColor string               `toml:"fallback_color"`
	Palette       []string             `toml:"palette,omitempty"`
	Dimensions    map[string]Dimension `toml:"dimensions"`
	Survival      StatusCatalog        `toml:"survival"`
}

// Dimension is one categorical column of the segments table.
type Dimension struct {
	Column string            `toml:"column" json:"column"`
	Title  string            `toml:"title,omitempty" json:"title,omitempty"`
	Labels []string          `toml:"labels" json:"labels"`
	Colors map[string]string `toml:"colors,omitempty" json:"colors,omitempty"`
	// Aliases rewrites raw values before aggregation.
	Aliases map[string]string `toml:"aliases,omitempty" json:"-"`
	// Missing replaces empty values when set.
	Missing string `toml:"missing,omitempty" json:"-"`
}

type StatusCatalog struct {
	Statuses []string          `toml:"statuses"`
	Colors   map[string]string `toml:"colors,omitempty"`
}

const DefaultFallbackColor = "#e5e6eb"

// DefaultCatalog mirrors the segment definitions of the customer
// segmentation model.
func DefaultCatalog() *Catalog {
	return &Catalog{
		FallbackColor: DefaultFallbackColor,
		Dimensions: map[string]Dimension{
			"rfm": {
				Column: "RFM_Segment",
				Title:  "RFM-Segments",
				Labels: []string{"Prized Champs", "High-Spenders", "Loyals", "Low-Spenders", "Hesitants", "Sleepers", "Lost Inactives"},
				Colors: map[string]string{
					"Prized Champs":  "#004c4c",
					"High-Spenders":  "#66b2b2",
					"Loyals":         "#008080",
					"Low-Spenders":   "#66b2b2",
					"Hesitants":      "#b2d8d8",
					"Sleepers":       "#a7adba",
					"Lost Inactives": "#c0c5ce",
				},
			},
			"lifecycle": {
				Column: "Lifecycle_Segment",
				Title:  "Lifecycle-Segments",
				Labels: []string{"New Customer", "Regularly Active", "Leaving Customer", "Sleepers", "Lost Inactives"},
				Colors: map[string]string{
					"New Customer":     "#004c4c",
					"Regularly Active": "#008080",
					"Leaving Customer": "#b2d8d8",
					"Sleepers":         "#a7adba",
					"Lost Inactives":   "#c0c5ce",
				},
				Aliases: map[string]string{"Regularly Active Customer": "Regularly Active"},
			},
			"affinity": {
				Column: "Affinität_Segment",
				Title:  "Affinity-Segments",
				Labels: []string{"Fashionistas", "Gentlemen", "Mixed Fashion", "The Casuals", "Cozy Home", "Missing SAP", "None"},
				Colors: map[string]string{
					"Fashionistas":  "#004c4c",
					"Gentlemen":     "#66b2b2",
					"Mixed Fashion": "#008080",
					"The Casuals":   "#66b2b2",
					"Cozy Home":     "#b2d8d8",
					"Missing SAP":   "#a7adba",
					"None":          "#c0c5ce",
				},
				Aliases: map[string]string{"Missing SAP Product Categories": "Missing SAP"},
				Missing: "None",
			},
		},
		Survival: StatusCatalog{
			Statuses: []string{
				"Approved CCF", "Approved CCL", "Fallback CCL", "Approved PP",
				"Fallback PP", "Rejected CCF", "Rejected CCL",
			},
			Colors: map[string]string{
				"Approved CCF": "#004c4c",
				"Approved CCL": "#008080",
				"Fallback CCL": "#66b2b2",
				"Approved PP":  "#b2d8d8",
				"Fallback PP":  "#a7adba",
				"Rejected CCF": "#c0c5ce",
				"Rejected CCL": "#e5e6eb",
			},
		},
	}
}

// LoadCatalog decodes the catalog at path. A missing file yields the
// default catalog; dimensions and statuses absent from the file keep their
// defaults.
func LoadCatalog(path string) (*Catalog, error) {
	cat := DefaultCatalog()
	if path == "" {
		return cat, nil
	}

	var file Catalog
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if os.IsNotExist(err) {
			return cat, nil
		}
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}

	if file.FallbackColor != "" {
		cat.FallbackColor = file.FallbackColor
	}
	if len(file.Palette) > 0 {
		cat.Palette = file.Palette
	}
	for name, dim := range file.Dimensions {
		cat.Dimensions[name] = dim
	}
	if len(file.Survival.Statuses) > 0 {
		cat.Survival = file.Survival
	}

	if err := cat.validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return cat, nil
}

func (c *Catalog) validate() error {
	for name, dim := range c.Dimensions {
		if dim.Column == "" {
			return fmt.Errorf("dimension %q has no column", name)
		}
		if i := firstDuplicate(dim.Labels); i >= 0 {
			return fmt.Errorf("dimension %q lists label %q twice", name, dim.Labels[i])
		}
	}
	if i := firstDuplicate(c.Survival.Statuses); i >= 0 {
		return fmt.Errorf("survival status %q listed twice", c.Survival.Statuses[i])
	}
	return nil
}

func firstDuplicate(values []string) int {
	for i := range values {
		if slices.Contains(values[:i], values[i]) {
			return i
		}
	}
	return -1
}

// Dimension returns the named dimension.
func (c *Catalog) Dimension(name string) (Dimension, bool) {
	dim, ok := c.Dimensions[name]
	return dim, ok
}

// DimensionNames returns the configured dimension names in sorted order.
func (c *Catalog) DimensionNames() []string {
	names := make([]string, 0, len(c.Dimensions))
	for name := range c.Dimensions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Write encodes c as TOML.
func (c *Catalog) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
