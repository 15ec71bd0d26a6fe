package registry

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

import (
	"testing"

	"coworker/pkg/coworker"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New()
	if err != nil {
		t.Fatalf("New registry failed: %v", err)
	}
	return r
}

func TestCatalogCompleteAndOrdered(t *testing.T) {
	r := newTestRegistry(t)

	list := r.List()
	if len(list) != 15 {
		t.Fatalf("catalog size: got %d want 15", len(list))
	}
	for i, d := range list {
		if int(d.Type) != i+1 {
			t.Fatalf("catalog order at %d: got type %d", i, d.Type)
		}
	}
}

func TestMutatingFlags(t *testing.T) {
	r := newTestRegistry(t)

	mutating := map[coworker.JobType]bool{
		coworker.TypeExecutePlan: true,
		coworker.TypeSoftDelete:  true,
		coworker.TypeRestore:     true,
	}
	for _, d := range r.List() {
		if d.Mutating != mutating[d.Type] {
			t.Errorf("tool %s mutating=%v, want %v", d.Name, d.Mutating, mutating[d.Type])
		}
	}
}

func TestLookupByTypeAndName(t *testing.T) {
	r := newTestRegistry(t)

	d, ok := r.Lookup(coworker.TypeBrowseWeb)
	if !ok || d.Name != "browse_web" {
		t.Fatalf("Lookup(8): ok=%v d=%+v", ok, d)
	}
	d2, ok := r.LookupByName("browse_web")
	if !ok || d2 != d {
		t.Fatalf("LookupByName mismatch")
	}
	if _, ok := r.Lookup(coworker.JobType(99)); ok {
		t.Fatalf("Lookup(99) unexpectedly found a tool")
	}
}

func TestValidateParams(t *testing.T) {
	r := newTestRegistry(t)
	scan, _ := r.Lookup(coworker.TypeScanIndex)

	if err := scan.ValidateParams(map[string]string{"root": "/tmp/ws"}); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	if err := scan.ValidateParams(map[string]string{"root": "/tmp/ws", "exclude": "**/.git/**"}); err != nil {
		t.Fatalf("valid params with optional rejected: %v", err)
	}
	if err := scan.ValidateParams(map[string]string{}); err == nil {
		t.Fatalf("missing required root accepted")
	}
	if err := scan.ValidateParams(map[string]string{"root": "/tmp/ws", "bogus": "x"}); err == nil {
		t.Fatalf("unknown param accepted")
	}
}

func TestPathParamsDeclared(t *testing.T) {
	r := newTestRegistry(t)

	restore, _ := r.Lookup(coworker.TypeRestore)
	want := map[string]bool{"trash_item_path": true, "restore_to": true, "workspace_root": true}
	if len(restore.PathParams) != len(want) {
		t.Fatalf("restore path params: %v", restore.PathParams)
	}
	for _, p := range restore.PathParams {
		if !want[p] {
			t.Fatalf("unexpected path param %q", p)
		}
	}

	browse, _ := r.Lookup(coworker.TypeBrowseWeb)
	if len(browse.PathParams) != 0 {
		t.Fatalf("browse_web should have no path params: %v", browse.PathParams)
	}
}
