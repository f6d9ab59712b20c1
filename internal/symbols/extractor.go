// Package symbols extracts definitions and intra-file call edges from
// source files with tree-sitter. Extraction is best-effort: unsupported
// languages and parse failures yield an empty result, never an error
// that would abort an indexing pass.
package symbols

import (
	"context"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/deckard-mcp/deckard/internal/store"
)

// maxSignatureLen caps stored signatures.
const maxSignatureLen = 160

type langSpec struct {
	language *sitter.Language
	// kinds maps definition node types to symbol kinds.
	kinds map[string]string
	// callTypes are the node types of call expressions.
	callTypes map[string]bool
	// methodsInsideClass marks languages where a function definition
	// nested in a class body is a method (Python).
	methodsInsideClass bool
}

// Extractor parses source files and pulls out symbol definitions plus
// caller -> callee edges within the file.
type Extractor struct {
	mu    sync.Mutex
	specs map[string]*langSpec
}

// NewExtractor creates an extractor for the supported languages.
func NewExtractor() *Extractor {
	return &Extractor{specs: map[string]*langSpec{
		"go": {
			language: golang.GetLanguage(),
			kinds: map[string]string{
				"function_declaration": store.SymbolFunction,
				"method_declaration":   store.SymbolMethod,
				"type_spec":            store.SymbolType,
			},
			callTypes: map[string]bool{"call_expression": true},
		},
		"python": {
			language: python.GetLanguage(),
			kinds: map[string]string{
				"function_definition": store.SymbolFunction,
				"class_definition":    store.SymbolClass,
			},
			callTypes:          map[string]bool{"call": true},
			methodsInsideClass: true,
		},
		"javascript": {
			language: javascript.GetLanguage(),
			kinds: map[string]string{
				"function_declaration": store.SymbolFunction,
				"method_definition":    store.SymbolMethod,
				"class_declaration":    store.SymbolClass,
			},
			callTypes: map[string]bool{"call_expression": true},
		},
		"typescript": {
			language: typescript.GetLanguage(),
			kinds: map[string]string{
				"function_declaration":   store.SymbolFunction,
				"method_definition":      store.SymbolMethod,
				"class_declaration":      store.SymbolClass,
				"interface_declaration":  store.SymbolType,
				"type_alias_declaration": store.SymbolType,
			},
			callTypes: map[string]bool{"call_expression": true},
		},
	}}
}

// Supports reports whether the language has a parser.
func (e *Extractor) Supports(language string) bool {
	_, ok := e.specs[language]
	return ok
}

// Extract parses source and returns its symbols and call edges. Any
// failure returns empty slices.
func (e *Extractor) Extract(ctx context.Context, language, path string, source []byte) ([]store.SymbolRecord, []store.CallEdge) {
	spec, ok := e.specs[language]
	if !ok || len(source) == 0 {
		return nil, nil
	}

	// tree-sitter parsers are not safe for concurrent use; parsing one
	// file at a time keeps the extractor simple and fast enough.
	e.mu.Lock()
	defer e.mu.Unlock()

	parser := sitter.NewParser()
	parser.SetLanguage(spec.language)
	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil || tree == nil {
		return nil, nil
	}
	defer tree.Close()

	w := &walker{
		spec:   spec,
		path:   path,
		source: source,
	}
	w.walk(tree.RootNode(), "", false)
	return w.symbols, w.edges
}

type walker struct {
	spec   *langSpec
	path   string
	source []byte

	symbols []store.SymbolRecord
	edges   []store.CallEdge
}

// walk traverses depth-first, tracking the enclosing function name for
// call attribution and whether we are inside a class body.
func (w *walker) walk(node *sitter.Node, enclosingFunc string, insideClass bool) {
	nodeType := node.Type()

	if kind, isDef := w.spec.kinds[nodeType]; isDef {
		name := w.nodeName(node)
		if name != "" {
			if w.spec.methodsInsideClass && kind == store.SymbolFunction && insideClass {
				kind = store.SymbolMethod
			}
			w.symbols = append(w.symbols, store.SymbolRecord{
				Path:      w.path,
				Name:      name,
				Kind:      kind,
				StartLine: int(node.StartPoint().Row) + 1,
				EndLine:   int(node.EndPoint().Row) + 1,
				Signature: w.signature(node),
			})
			if kind == store.SymbolFunction || kind == store.SymbolMethod {
				enclosingFunc = name
			}
			if kind == store.SymbolClass {
				insideClass = true
			}
		}
	}

	if w.spec.callTypes[nodeType] && enclosingFunc != "" {
		if callee := w.calleeName(node); callee != "" && callee != enclosingFunc {
			w.edges = append(w.edges, store.CallEdge{
				Path:   w.path,
				Caller: enclosingFunc,
				Callee: callee,
				Line:   int(node.StartPoint().Row) + 1,
			})
		}
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		w.walk(node.NamedChild(i), enclosingFunc, insideClass)
	}
}

func (w *walker) nodeName(node *sitter.Node) string {
	name := node.ChildByFieldName("name")
	if name == nil {
		return ""
	}
	return name.Content(w.source)
}

// calleeName resolves the called identifier; for selector and attribute
// expressions the rightmost component is used.
func (w *walker) calleeName(node *sitter.Node) string {
	fn := node.ChildByFieldName("function")
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "selector_expression":
		if field := fn.ChildByFieldName("field"); field != nil {
			return field.Content(w.source)
		}
	case "attribute":
		if attr := fn.ChildByFieldName("attribute"); attr != nil {
			return attr.Content(w.source)
		}
	case "member_expression":
		if prop := fn.ChildByFieldName("property"); prop != nil {
			return prop.Content(w.source)
		}
	case "identifier":
		return fn.Content(w.source)
	}
	return ""
}

// signature is the first line of the definition, trimmed and capped.
func (w *walker) signature(node *sitter.Node) string {
	content := node.Content(w.source)
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		content = content[:idx]
	}
	content = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(content), "{"))
	if len(content) > maxSignatureLen {
		content = content[:maxSignatureLen]
	}
	return content
}
