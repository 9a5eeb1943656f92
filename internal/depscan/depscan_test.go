package depscan

import (
	"context"
	"testing"
)

func TestExtractModuleImports(t *testing.T) {
	e := NewExtractor()
	src := []byte(`package main

import (
	"fmt"
	"hmr/internal/depgraph"
)

func main() {
	fmt.Println(depgraph.New())
}
`)
	refs, err := e.Extract(context.Background(), KindModuleImport, src)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := map[string]bool{"fmt": true, "hmr/internal/depgraph": true}
	if len(refs) != len(want) {
		t.Fatalf("expected %d refs, got %v", len(want), refs)
	}
	for _, r := range refs {
		if !want[r] {
			t.Fatalf("unexpected ref %q", r)
		}
	}
}

func TestExtractJSONManifestStrings(t *testing.T) {
	e := NewExtractor()
	src := []byte(`{
  "name": "pipeline",
  "depends_on": "shaders/common.metal"
}`)
	refs, err := e.Extract(context.Background(), KindJSONManifest, src)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	found := false
	for _, r := range refs {
		if r == "shaders/common.metal" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected shaders/common.metal among refs, got %v", refs)
	}
}

func TestExtractShaderIncludes(t *testing.T) {
	src := []byte(`#include "common.metal"
#include "lighting.metal"

fragment float4 main() { return float4(0); }
`)
	refs := extractShaderIncludes(src)
	if len(refs) != 2 || refs[0] != "common.metal" || refs[1] != "lighting.metal" {
		t.Fatalf("unexpected refs: %v", refs)
	}
}

func TestExtractUnknownKindReturnsEmpty(t *testing.T) {
	e := NewExtractor()
	refs, err := e.Extract(context.Background(), SourceKind("unknown"), []byte("x"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("expected no refs for unregistered kind, got %v", refs)
	}
}
