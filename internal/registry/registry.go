// Coworker is a local-first filesystem coworker service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package registry is the catalog of tool types the server accepts.
// Each descriptor carries the wire-stable type ID, the mutating flag
// that gates approval, a compiled JSON Schema for parameters, and the
// list of parameters that name filesystem paths (which the gateway must
// canonicalize and check against the workspace allowlist). The mutating
// flag here is the single source of truth; no other layer hardcodes
// which tools require approval.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"coworker/pkg/coworker"
)

// Descriptor describes one tool type.
type Descriptor struct {
	Type       coworker.JobType
	Name       string
	Mutating   bool
	Required   []string
	Optional   []string
	PathParams []string // params holding workspace paths, checked when present
	ResultMIME string

	schema *jsonschema.Schema
}

// Registry holds the immutable tool catalog.
type Registry struct {
	byType map[coworker.JobType]*Descriptor
	byName map[string]*Descriptor
}

// New builds the default catalog. Schema compilation failures are
// programmer errors and surface here rather than at request time.
func New() (*Registry, error) {
	defs := []Descriptor{
		{
			Type: coworker.TypeScanIndex, Name: "scan_index",
			Required:   []string{"root"},
			Optional:   []string{"hash_files", "exclude"},
			PathParams: []string{"root"},
			ResultMIME: "application/json",
		},
		{
			Type: coworker.TypeListFiles, Name: "list_files",
			Required:   []string{"root"},
			Optional:   []string{"exclude"},
			PathParams: []string{"root"},
			ResultMIME: "application/json",
		},
		{
			Type: coworker.TypeReadFile, Name: "read_file",
			Required:   []string{"path"},
			Optional:   []string{"max_bytes"},
			PathParams: []string{"path"},
			ResultMIME: "application/json",
		},
		{
			Type: coworker.TypeOrganizePlan, Name: "organize_plan",
			Required:   []string{"root"},
			Optional:   []string{"policy", "exclude"},
			PathParams: []string{"root"},
			ResultMIME: "application/json",
		},
		{
			Type: coworker.TypeExecutePlan, Name: "execute_plan", Mutating: true,
			Required:   []string{"plan_job_id"},
			Optional:   []string{"workspace_root"},
			PathParams: []string{"workspace_root"},
			ResultMIME: "application/json",
		},
		{
			Type: coworker.TypeSoftDelete, Name: "soft_delete", Mutating: true,
			Required:   []string{"path"},
			Optional:   []string{"workspace_root"},
			PathParams: []string{"path", "workspace_root"},
			ResultMIME: "application/json",
		},
		{
			Type: coworker.TypeRestore, Name: "restore", Mutating: true,
			Required:   []string{"trash_item_path", "restore_to"},
			Optional:   []string{"workspace_root"},
			PathParams: []string{"trash_item_path", "restore_to", "workspace_root"},
			ResultMIME: "application/json",
		},
		{
			Type: coworker.TypeBrowseWeb, Name: "browse_web",
			Required:   []string{"url"},
			ResultMIME: "text/plain",
		},
		{
			Type: coworker.TypeCreateExcel, Name: "create_excel",
			Required:   []string{"path", "data"},
			PathParams: []string{"path"},
			ResultMIME: "text/plain",
		},
		{
			Type: coworker.TypeCreateWord, Name: "create_word",
			Required:   []string{"path", "content"},
			PathParams: []string{"path"},
			ResultMIME: "text/plain",
		},
		{
			Type: coworker.TypeCreatePDF, Name: "create_pdf",
			Required:   []string{"path", "content"},
			PathParams: []string{"path"},
			ResultMIME: "text/plain",
		},
		{
			Type: coworker.TypeExecuteCode, Name: "execute_code",
			Required:   []string{"code"},
			ResultMIME: "text/plain",
		},
		{
			Type: coworker.TypeSearchActions, Name: "search_past_actions",
			Required:   []string{"query"},
			Optional:   []string{"workspace_root"},
			PathParams: []string{"workspace_root"},
			ResultMIME: "application/json",
		},
		{
			Type: coworker.TypeSearchDrive, Name: "search_drive",
			Required:   []string{"query"},
			ResultMIME: "text/plain",
		},
		{
			Type: coworker.TypeListenMeeting, Name: "listen_meeting",
			Required:   []string{"duration"},
			ResultMIME: "text/plain",
		},
	}

	r := &Registry{
		byType: make(map[coworker.JobType]*Descriptor, len(defs)),
		byName: make(map[string]*Descriptor, len(defs)),
	}
	for i := range defs {
		d := &defs[i]
		s, err := compileParamSchema(d.Required, d.Optional)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", d.Name, err)
		}
		d.schema = s
		r.byType[d.Type] = d
		r.byName[d.Name] = d
	}
	return r, nil
}

// Lookup returns the descriptor for a type ID.
func (r *Registry) Lookup(t coworker.JobType) (*Descriptor, bool) {
	d, ok := r.byType[t]
	return d, ok
}

// LookupByName returns the descriptor for a tool name.
func (r *Registry) LookupByName(name string) (*Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// List returns all descriptors ordered by type ID.
func (r *Registry) List() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.byType))
	for _, d := range r.byType {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// ValidateParams checks a parameter map against the tool's schema.
func (d *Descriptor) ValidateParams(params map[string]string) error {
	obj := make(map[string]any, len(params))
	for k, v := range params {
		obj[k] = v
	}
	if err := d.schema.Validate(obj); err != nil {
		return fmt.Errorf("params for %s: %w", d.Name, err)
	}
	return nil
}

// compileParamSchema builds a closed object schema where every declared
// parameter is a string. Numeric parameters (max_bytes, duration) are
// strings on the wire and parsed by the handler.
func compileParamSchema(required, optional []string) (*jsonschema.Schema, error) {
	props := map[string]any{}
	for _, name := range required {
		props[name] = map[string]any{"type": "string"}
	}
	for _, name := range optional {
		props[name] = map[string]any{"type": "string"}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}
