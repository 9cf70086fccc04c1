package imagegen

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

var (
	ErrUnknownStyle     = errors.New("unknown style")
	ErrTemplateNotFound = errors.New("template not found")
)

// DefaultStyle is the style applied when a request does not name one.
const DefaultStyle = "Spring Festival"

// StyleNames lists the styles the InstantID space accepts.
var StyleNames = []string{
	"(No style)",
	"Spring Festival",
	"Watercolor",
	"Film Noir",
	"Neon",
	"Jungle",
	"Mars",
	"Vibrant Color",
	"Snow",
	"Line art",
}

// StyleCatalog resolves user supplied style names to their canonical form.
type StyleCatalog struct {
	fallback string
	byKey    map[string]string
	names    []string
}

// NewStyleCatalog builds a catalog over names. fallback is returned for empty
// lookups and must itself be one of names.
func NewStyleCatalog(names []string, fallback string) (*StyleCatalog, error) {
	c := &StyleCatalog{byKey: make(map[string]string, len(names))}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key := styleKey(name)
		if _, dup := c.byKey[key]; dup {
			continue
		}
		c.byKey[key] = name
		c.names = append(c.names, name)
	}
	if len(c.names) == 0 {
		return nil, errors.New("imagegen: at least one style is required")
	}
	if strings.TrimSpace(fallback) == "" {
		fallback = c.names[0]
	}
	canonical, ok := c.byKey[styleKey(fallback)]
	if !ok {
		return nil, fmt.Errorf("imagegen: default style %q is not a known style", fallback)
	}
	c.fallback = canonical
	return c, nil
}

// Resolve matches style case-insensitively. Unknown names wrap
// ErrUnknownStyle.
func (c *StyleCatalog) Resolve(style string) (string, error) {
	style = strings.TrimSpace(style)
	if style == "" {
		return c.fallback, nil
	}
	if canonical, ok := c.byKey[styleKey(style)]; ok {
		return canonical, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStyle, style)
}

// Names returns the accepted style names in catalog order.
func (c *StyleCatalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Default returns the style used for empty lookups.
func (c *StyleCatalog) Default() string {
	return c.fallback
}

func styleKey(name string) string {
	return cases.Fold().String(strings.Join(strings.Fields(name), " "))
}

// TemplateCatalog resolves pose template ids to {id}.png files in a
// directory. An empty directory setting disables templates.
type TemplateCatalog struct {
	dir string
}

func NewTemplateCatalog(dir string) *TemplateCatalog {
	return &TemplateCatalog{dir: strings.TrimSpace(dir)}
}

// Resolve returns the path of the template image, or "" for an empty id.
func (c *TemplateCatalog) Resolve(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", nil
	}
	filename := id + ".png"
	if c == nil || c.dir == "" || !validTemplateID(id) {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, filename)
	}
	path := filepath.Join(c.dir, filename)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, filename)
	}
	return path, nil
}

// IDs lists the available template ids, sorted.
func (c *TemplateCatalog) IDs() ([]string, error) {
	if c == nil || c.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if id, ok := strings.CutSuffix(name, ".png"); ok && validTemplateID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func validTemplateID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
