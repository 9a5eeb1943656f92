// Package depscan extracts outgoing dependency edges from tracked source
// kinds (spec §4.1 "Dependency inference"), for the caller to apply to
// the dependency graph. One grammar-agnostic tree-sitter extractor walks
// the generic syntax tree for import/include-like node kinds, so adding
// a new tracked source kind is a node-kind table entry, not a new parser.
package depscan

import (
	"context"
	"regexp"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	tsjson "github.com/smacker/go-tree-sitter/json"

	"hmr/internal/logging"
)

// SourceKind identifies a tracked source kind for dependency extraction.
type SourceKind string

const (
	KindShaderSource  SourceKind = "shader"
	KindJSONManifest  SourceKind = "json_manifest"
	KindModuleImport  SourceKind = "module_import"
)

// nodeKindSpec lists, for one SourceKind, the tree-sitter node types that
// represent an "import/include-like" reference, and which child node
// type carries the literal path/string being referenced.
type nodeKindSpec struct {
	referenceNodeTypes []string
	stringNodeTypes    []string
}

var nodeKindTables = map[SourceKind]nodeKindSpec{
	KindModuleImport: {
		referenceNodeTypes: []string{"import_spec"},
		stringNodeTypes:    []string{"interpreted_string_literal", "raw_string_literal"},
	},
	KindJSONManifest: {
		// JSON has no import syntax of its own; manifests (e.g. a shader
		// pipeline descriptor) encode dependency paths as string values,
		// so the extractor reports the value of every pair whose value is
		// a string literal. Pairs are not filtered by key, keys are not
		// reported, and strings inside arrays are not reported.
		referenceNodeTypes: []string{"pair"},
		stringNodeTypes:    []string{"string"},
	},
}

// Extractor parses tracked source kinds and extracts outgoing edges.
type Extractor struct {
	mu      sync.Mutex
	parsers map[SourceKind]*sitter.Parser
}

// NewExtractor constructs an Extractor with the supported tree-sitter
// grammars registered.
func NewExtractor() *Extractor {
	moduleParser := sitter.NewParser()
	moduleParser.SetLanguage(golang.GetLanguage())

	jsonParser := sitter.NewParser()
	jsonParser.SetLanguage(tsjson.GetLanguage())

	return &Extractor{
		parsers: map[SourceKind]*sitter.Parser{
			KindModuleImport: moduleParser,
			KindJSONManifest: jsonParser,
		},
	}
}

// Extract returns the set of paths/identifiers that content
// references as a dependency, for the given tracked source kind. Must be
// re-run on every file modification per spec §4.1.
func (e *Extractor) Extract(ctx context.Context, kind SourceKind, content []byte) ([]string, error) {
	if kind == KindShaderSource {
		return extractShaderIncludes(content), nil
	}

	spec, ok := nodeKindTables[kind]
	if !ok {
		logging.GraphWarn("depscan: no node-kind table registered for source kind %s", kind)
		return nil, nil
	}

	e.mu.Lock()
	parser, ok := e.parsers[kind]
	e.mu.Unlock()
	if !ok {
		return nil, nil
	}

	e.mu.Lock()
	tree, err := parser.ParseCtx(ctx, nil, content)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var refs []string
	walk(tree.RootNode(), content, spec, &refs)
	return refs, nil
}

func walk(node *sitter.Node, content []byte, spec nodeKindSpec, refs *[]string) {
	if node == nil {
		return
	}
	if containsType(spec.referenceNodeTypes, node.Type()) {
		if v := node.ChildByFieldName("value"); v != nil {
			if containsType(spec.stringNodeTypes, v.Type()) {
				*refs = append(*refs, unquote(string(content[v.StartByte():v.EndByte()])))
			}
		} else if s := findStringChild(node, content, spec.stringNodeTypes); s != "" {
			*refs = append(*refs, s)
		}
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		walk(node.NamedChild(i), content, spec, refs)
	}
}

func findStringChild(node *sitter.Node, content []byte, stringTypes []string) string {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if containsType(stringTypes, child.Type()) {
			return unquote(string(content[child.StartByte():child.EndByte()]))
		}
		if s := findStringChild(child, content, stringTypes); s != "" {
			return s
		}
	}
	return ""
}

func containsType(types []string, t string) bool {
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

func unquote(s string) string {
	s = strings.Trim(s, "\"")
	s = strings.Trim(s, "`")
	return s
}

// shaderIncludeRe matches '#include "foo.metal"'-style directives.
// Tracked shader source has no tree-sitter grammar in the dependency
// pack; a lightweight regex extractor stands in for it, matching spec
// §4.1's include-directive example without requiring a bespoke parser.
var shaderIncludeRe = regexp.MustCompile(`(?m)^\s*#include\s+"([^"]+)"`)

func extractShaderIncludes(content []byte) []string {
	matches := shaderIncludeRe.FindAllSubmatch(content, -1)
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, string(m[1]))
	}
	return refs
}
