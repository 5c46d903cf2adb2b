// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"medcp/cli/internal/backend"
	"medcp/cli/internal/catalog"
	"medcp/cli/internal/query"
)

// Tool is one registered tool: its exposed name and the template it runs.
type Tool struct {
	// Name is the exposed name, including the namespace prefix.
	Name     string
	Template *catalog.Template
}

// Registry is the fixed tool name to template mapping. It is built once at
// startup and never changes.
type Registry struct {
	prefix string
	tools  []Tool
	byName map[string]Tool
}

// NewRegistry registers one tool per catalog template under prefix and checks
// the mapping is complete: every template has exactly one tool, every tool one
// template, and every backend in use has a query builder.
func NewRegistry(cat *catalog.Catalog, prefix string, builders map[backend.Kind]query.Builder) (*Registry, error) {
	if cat == nil {
		return nil, errors.New("registry: no catalog")
	}
	r := &Registry{prefix: prefix, byName: make(map[string]Tool)}

	var errs []error
	for _, t := range cat.Templates() {
		name := prefix + t.Name
		if _, dup := r.byName[name]; dup {
			errs = append(errs, fmt.Errorf("registry: tool %q registered twice", name))
			continue
		}
		if _, ok := builders[t.Backend]; !ok {
			errs = append(errs, fmt.Errorf("registry: no query builder for backend %q of tool %q", t.Backend, name))
		}
		tool := Tool{Name: name, Template: t}
		r.tools = append(r.tools, tool)
		r.byName[name] = tool
	}

	for _, t := range cat.Templates() {
		if tool, ok := r.byName[prefix+t.Name]; !ok || tool.Template != t {
			errs = append(errs, fmt.Errorf("registry: template %q has no tool", t.Name))
		}
	}
	if len(r.tools) != len(cat.Templates()) {
		errs = append(errs, fmt.Errorf("registry: %d tools for %d templates", len(r.tools), len(cat.Templates())))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup resolves a tool by its exposed name. The bare template name is
// accepted as well when a namespace prefix is configured.
func (r *Registry) Lookup(name string) (Tool, bool) {
	if t, ok := r.byName[name]; ok {
		return t, true
	}
	if r.prefix != "" && !strings.HasPrefix(name, r.prefix) {
		t, ok := r.byName[r.prefix+name]
		return t, ok
	}
	return Tool{}, false
}

// Tools returns every tool in catalog order.
func (r *Registry) Tools() []Tool {
	return append([]Tool(nil), r.tools...)
}

// Prefix returns the namespace prefix of the exposed names.
func (r *Registry) Prefix() string { return r.prefix }
