package segments

const DefaultColor = "#e5e6eb"

// DefaultPalette is the qualitative colorway flow diagrams cycle through.
var DefaultPalette = []string{
	"#636efa", "#EF553B", "#00cc96", "#ab63fa", "#FFA15A",
	"#19d3f3", "#FF6692", "#B6E880", "#FF97FF", "#FECB52",
}

// Colors resolves display colors for category labels.
type Colors struct {
	Map      map[string]string
	Palette  []string
	Fallback string
}

func (c Colors) fallback() string {
	if c.Fallback != "" {
		return c.Fallback
	}
	return DefaultColor
}

// Lookup returns the mapped color of label or the fallback color.
func (c Colors) Lookup(label string) string {
	if color, ok := c.Map[label]; ok && color != "" {
		return color
	}
	return c.fallback()
}

// ColorFor returns the mapped color of label, otherwise the palette entry at
// index, cycling when the palette is exhausted.
func (c Colors) ColorFor(label string, index int) string {
	if color, ok := c.Map[label]; ok && color != "" {
		return color
	}
	if len(c.Palette) == 0 || index < 0 {
		return c.fallback()
	}
	return c.Palette[index%len(c.Palette)]
}
