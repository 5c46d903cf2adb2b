// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"medcp/cli/internal/backend"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var embedded []byte

var (
	reValuePlaceholder      = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
	reStructuralPlaceholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
	reIdentifier            = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Catalog is the immutable set of templates, in declaration order.
type Catalog struct {
	templates []*Template
	byName    map[string]*Template
}

type document struct {
	Templates []*Template `yaml:"templates"`
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
	defaultErr  error
)

// Default returns the embedded catalog. It is parsed and validated once per process.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCat, defaultErr = Parse(embedded)
	})
	return defaultCat, defaultErr
}

// Parse decodes a catalog document strictly (unknown keys are errors) and validates it.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := &Catalog{
		templates: doc.Templates,
		byName:    make(map[string]*Template, len(doc.Templates)),
	}
	for _, t := range doc.Templates {
		if t == nil {
			return nil, errors.New("catalog: empty template entry")
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate template %q", t.Name)
		}
		c.byName[t.Name] = t
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Lookup returns the template with the given name.
func (c *Catalog) Lookup(name string) (*Template, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Templates returns all templates in declaration order.
func (c *Catalog) Templates() []*Template {
	out := make([]*Template, len(c.templates))
	copy(out, c.templates)
	return out
}

// Validate checks every template for internal consistency. All problems are
// reported together.
func (c *Catalog) Validate() error {
	if len(c.templates) == 0 {
		return errors.New("catalog: no templates")
	}
	var errs []error
	for _, t := range c.templates {
		if err := validateTemplate(t); err != nil {
			errs = append(errs, fmt.Errorf("template %q: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

func validateTemplate(t *Template) error {
	var errs []error
	fail := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !reIdentifier.MatchString(t.Name) {
		fail("name must be an identifier")
	}
	if !t.Backend.Valid() {
		fail("unknown backend %q", t.Backend)
	}
	if t.Ceiling <= 0 {
		fail("ceiling must be positive")
	}
	if len(t.Fields) == 0 {
		fail("no output fields")
	}
	seenField := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		if f == "" || seenField[f] {
			fail("output field %q is empty or duplicated", f)
		}
		seenField[f] = true
	}

	declared := make(map[string]Param, len(t.Params))
	for _, p := range t.Params {
		if !reIdentifier.MatchString(p.Name) {
			fail("parameter name %q must be an identifier", p.Name)
		}
		if _, dup := declared[p.Name]; dup {
			fail("parameter %q declared twice", p.Name)
		}
		if isReserved(p.Name) {
			fail("parameter %q uses a reserved name", p.Name)
		}
		declared[p.Name] = p
		if err := validateParam(p); err != nil {
			fail("parameter %q: %v", p.Name, err)
		}
		if p.EscapeLike && t.Backend != backend.Relational {
			fail("parameter %q: escape_like is only supported by relational templates", p.Name)
		}
	}

	values := placeholders(reValuePlaceholder, t.Query)
	structural := placeholders(reStructuralPlaceholder, t.Query)

	for name := range values {
		if name == ParamLimit || name == ParamOffset || (name == ParamSchema && t.Backend == backend.Relational) {
			continue
		}
		p, ok := declared[name]
		if !ok {
			fail("value placeholder $%s is not declared", name)
			continue
		}
		if p.Type.Structural() {
			fail("identifier parameter %q must be used as {{%s}}", name, name)
		}
	}
	for name := range structural {
		if name == ParamSchema && t.Backend == backend.Relational {
			continue
		}
		p, ok := declared[name]
		if !ok {
			fail("structural placeholder {{%s}} is not declared", name)
			continue
		}
		if !p.Type.Structural() {
			fail("parameter %q is not an identifier and cannot be rendered into the query", name)
		}
	}
	for _, p := range t.Params {
		if !values[p.Name] && !structural[p.Name] {
			fail("parameter %q is never used by the query", p.Name)
		}
	}
	if t.Paginated && !(values[ParamLimit] && values[ParamOffset]) {
		fail("paginated templates must use $limit and $offset")
	}

	return errors.Join(errs...)
}

func validateParam(p Param) error {
	switch p.Type {
	case TypeString, TypeInt, TypeNumber, TypeBool, TypeDate, TypeStringList:
	case TypeEnum, TypeIdentifier, TypeIdentifierList:
		if len(p.Values) == 0 {
			return fmt.Errorf("type %s needs values", p.Type)
		}
		if p.Type.Structural() {
			for _, v := range p.Values {
				if !reIdentifier.MatchString(v) {
					return fmt.Errorf("allowlisted identifier %q is not a plain identifier", v)
				}
			}
		}
	default:
		return fmt.Errorf("unknown type %q", p.Type)
	}
	if p.EscapeLike && p.Type != TypeString {
		return errors.New("escape_like needs a string parameter")
	}
	if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
		return errors.New("min is greater than max")
	}
	if p.MaxLength > 0 && p.MinLength > p.MaxLength {
		return errors.New("min_length is greater than max_length")
	}
	if p.MaxItems > 0 && p.MinItems > p.MaxItems {
		return errors.New("min_items is greater than max_items")
	}
	if p.Default != nil {
		if _, err := coerce(p, p.Default); err != nil {
			return fmt.Errorf("default: %s", err.reason)
		}
	}
	return nil
}

func isReserved(name string) bool {
	return name == ParamLimit || name == ParamOffset || name == ParamSchema
}

func placeholders(re *regexp.Regexp, text string) map[string]bool {
	out := make(map[string]bool)
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		out[m[1]] = true
	}
	return out
}
