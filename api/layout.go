package api

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/hbollon/go-edlib"
)

// ErrUnknownType is returned when an object type is not part of the layout.
var ErrUnknownType = errors.New("unknown object type")

// Layout describes where each object type lives under the metadata root.
// It is the closed set of object types the catalog understands.
type Layout struct {
	// Version of the layout file format.
	Version string `hcl:"version,optional" json:"version"`
	// Extensions recognized by content search (lowercase, leading dot).
	Extensions []string `hcl:"extensions,optional" json:"extensions,omitempty"`
	// Types is the set of object types.
	Types []TypeDef `hcl:"type,block" json:"types"`

	byName map[string]int
}

// TypeDef maps one object type to the locations that hold its objects.
type TypeDef struct {
	// Name of the type, e.g. "class". Matched case-insensitively.
	Name string `hcl:"name,label" json:"name"`
	// Locations are doublestar patterns relative to the metadata root.
	Locations []string `hcl:"locations" json:"locations"`
	// PackageSegment is the path segment that names the containing package.
	PackageSegment int `hcl:"package_segment,optional" json:"package_segment,omitempty"`
}

// DefaultExtensions are searched by content search when a layout names none.
var DefaultExtensions = []string{".xml", ".xpp", ".cs", ".json", ".txt"}

// defaultFolders maps type names to their folder in a
// <Package>/<Model>/<Folder>/<Name>.xml packages tree.
var defaultFolders = map[string]string{
	"class":             "AxClass",
	"table":             "AxTable",
	"form":              "AxForm",
	"enum":              "AxEnum",
	"edt":               "AxEdt",
	"query":             "AxQuery",
	"view":              "AxView",
	"map":               "AxMap",
	"dataentity":        "AxDataEntityView",
	"menuitemdisplay":   "AxMenuItemDisplay",
	"menuitemaction":    "AxMenuItemAction",
	"menuitemoutput":    "AxMenuItemOutput",
	"securityrole":      "AxSecurityRole",
	"securityprivilege": "AxSecurityPrivilege",
	"securityduty":      "AxSecurityDuty",
	"report":            "AxReport",
	"service":           "AxService",
	"workflowtype":      "AxWorkflowType",
	"tile":              "AxTile",
	"menu":              "AxMenu",
}

// DefaultLayout returns the built-in packages-tree layout.
func DefaultLayout() *Layout {
	l := &Layout{Version: "v1", Extensions: append([]string(nil), DefaultExtensions...)}
	for name, folder := range defaultFolders {
		l.Types = append(l.Types, TypeDef{
			Name:      name,
			Locations: []string{"*/*/" + folder + "/*.xml"},
		})
	}
	sort.Slice(l.Types, func(i, j int) bool { return l.Types[i].Name < l.Types[j].Name })
	if err := l.Validate(); err != nil {
		panic(fmt.Sprintf("default layout: %v", err))
	}
	return l
}

// LoadLayout decodes a layout file. Files ending in .json use the JSON
// variant of HCL; anything else is parsed as native HCL.
func LoadLayout(filename string) (*Layout, error) {
	var l Layout
	if err := hclsimple.DecodeFile(filename, nil, &l); err != nil {
		return nil, fmt.Errorf("decode layout %s: %w", filename, err)
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("layout %s: %w", filename, err)
	}
	return &l, nil
}

// ParseLayout decodes layout source. The filename only selects the syntax
// and labels diagnostics.
func ParseLayout(filename string, src []byte) (*Layout, error) {
	var l Layout
	if err := hclsimple.Decode(filename, src, nil, &l); err != nil {
		return nil, fmt.Errorf("decode layout %s: %w", filename, err)
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("layout %s: %w", filename, err)
	}
	return &l, nil
}

// Validate normalizes names and extensions and checks the layout once.
// It must be called before Lookup or Classify.
func (l *Layout) Validate() error {
	if len(l.Types) == 0 {
		return errors.New("layout defines no object types")
	}
	l.byName = make(map[string]int, len(l.Types))
	for i := range l.Types {
		t := &l.Types[i]
		t.Name = strings.ToLower(strings.TrimSpace(t.Name))
		if t.Name == "" {
			return fmt.Errorf("type %d: empty name", i)
		}
		if _, dup := l.byName[t.Name]; dup {
			return fmt.Errorf("type %q: defined twice", t.Name)
		}
		if len(t.Locations) == 0 {
			return fmt.Errorf("type %q: no locations", t.Name)
		}
		for _, loc := range t.Locations {
			if !doublestar.ValidatePattern(loc) {
				return fmt.Errorf("type %q: invalid location pattern %q", t.Name, loc)
			}
			if path.IsAbs(loc) || hasDotDot(loc) {
				return fmt.Errorf("type %q: location %q must stay under the root", t.Name, loc)
			}
		}
		if t.PackageSegment < 0 {
			return fmt.Errorf("type %q: negative package_segment", t.Name)
		}
		l.byName[t.Name] = i
	}

	if len(l.Extensions) == 0 {
		l.Extensions = append([]string(nil), DefaultExtensions...)
	}
	l.Extensions = NormalizeExtensions(l.Extensions)
	return nil
}

// Lookup returns the type definition for name, ignoring case.
func (l *Layout) Lookup(name string) (TypeDef, bool) {
	i, ok := l.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return TypeDef{}, false
	}
	return l.Types[i], true
}

// Canonical returns the canonical type name or ErrUnknownType.
func (l *Layout) Canonical(name string) (string, error) {
	t, ok := l.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return t.Name, nil
}

// TypeNames returns all type names in sorted order.
func (l *Layout) TypeNames() []string {
	names := make([]string, 0, len(l.Types))
	for _, t := range l.Types {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// Classify returns the type whose location pattern matches the
// root-relative, slash-separated path.
func (l *Layout) Classify(relPath string) (TypeDef, bool) {
	for _, t := range l.Types {
		for _, loc := range t.Locations {
			if ok, _ := doublestar.Match(loc, relPath); ok {
				return t, true
			}
		}
	}
	return TypeDef{}, false
}

// Closest returns the known type name nearest to name by edit distance.
func (l *Layout) Closest(name string) string {
	name = strings.ToLower(name)
	best, bestDist := "", -1
	for _, t := range l.TypeNames() {
		d := edlib.LevenshteinDistance(name, t)
		if bestDist < 0 || d < bestDist {
			best, bestDist = t, d
		}
	}
	return best
}

// NormalizeExtensions lowercases extensions, adds the leading dot and
// drops blanks and duplicates.
func NormalizeExtensions(exts []string) []string {
	seen := make(map[string]bool, len(exts))
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

func hasDotDot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
