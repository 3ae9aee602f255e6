// Package fieldpath parses field path expressions into typed segments.
//
// A path expression navigates from the root of a record down to a single
// value. The grammar is an optional leading identifier followed by any
// number of attribute, mapping and sequence steps:
//
//	age
//	profile.address.city
//	tags[0]
//	meta{lang}
//	items[2].name
//	[0]
//
// Parsing is a pure compile step: it never touches record data. Parsed
// paths are cached by their source expression, so registering and querying
// with the same expression costs one parse total.
package fieldpath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/arcstep/indexedkv/ikv_errors"
	lru "github.com/hashicorp/golang-lru/v2"
)

type SegmentKind byte

const (
	Attribute SegmentKind = 'a' // .name or leading identifier
	Mapping   SegmentKind = 'm' // {key}
	Sequence  SegmentKind = 's' // [index]
)

// Segment is one step of a parsed path. Name holds the attribute name or
// mapping key; Index holds the sequence index and is meaningful only for
// Sequence segments.
type Segment struct {
	Kind  SegmentKind
	Name  string
	Index int
}

func (s Segment) String() string {
	switch s.Kind {
	case Mapping:
		return "{" + s.Name + "}"
	case Sequence:
		return "[" + strconv.Itoa(s.Index) + "]"
	default:
		return s.Name
	}
}

// Path is an immutable parsed path expression.
type Path struct {
	expr     string
	segments []Segment
}

func (p *Path) Expr() string { return p.expr }

func (p *Path) Segments() []Segment { return p.segments }

var cache, _ = lru.New[string, *Path](4096)

// Parse compiles a path expression. Results are cached; the returned Path
// is shared and must not be mutated.
func Parse(expr string) (*Path, error) {
	if p, ok := cache.Get(expr); ok {
		return p, nil
	}
	segs, err := parse(expr)
	if err != nil {
		return nil, err
	}
	p := &Path{expr: expr, segments: segs}
	cache.Add(expr, p)
	return p, nil
}

func syntaxErr(expr string, format string, args ...any) error {
	return errors.Join(ikv_errors.ErrPathSyntax,
		fmt.Errorf("path %q: "+format, append([]any{expr}, args...)...))
}

func parse(expr string) ([]Segment, error) {
	if expr == "" {
		return nil, syntaxErr(expr, "empty expression")
	}
	var segs []Segment
	i := 0
	afterDot := false // a dot must be followed by an identifier
	for i < len(expr) {
		switch c := expr[i]; {
		case c == '.':
			if afterDot || len(segs) == 0 {
				return nil, syntaxErr(expr, "unexpected dot at offset %d", i)
			}
			afterDot = true
			i++
		case c == '{':
			if afterDot {
				return nil, syntaxErr(expr, "expected identifier at offset %d", i)
			}
			end := strings.IndexByte(expr[i:], '}')
			if end < 0 {
				return nil, syntaxErr(expr, "unbalanced '{' at offset %d", i)
			}
			key := expr[i+1 : i+end]
			if key == "" {
				return nil, syntaxErr(expr, "empty mapping key at offset %d", i)
			}
			if strings.ContainsAny(key, "{[].") {
				return nil, syntaxErr(expr, "bad mapping key %q", key)
			}
			segs = append(segs, Segment{Kind: Mapping, Name: key})
			i += end + 1
		case c == '[':
			if afterDot {
				return nil, syntaxErr(expr, "expected identifier at offset %d", i)
			}
			end := strings.IndexByte(expr[i:], ']')
			if end < 0 {
				return nil, syntaxErr(expr, "unbalanced '[' at offset %d", i)
			}
			lit := expr[i+1 : i+end]
			if lit == "" {
				return nil, syntaxErr(expr, "empty sequence index at offset %d", i)
			}
			idx, err := strconv.Atoi(lit)
			if err != nil || idx < 0 {
				return nil, syntaxErr(expr, "sequence index %q is not a non-negative integer", lit)
			}
			segs = append(segs, Segment{Kind: Sequence, Index: idx})
			i += end + 1
		case c == '}' || c == ']':
			return nil, syntaxErr(expr, "unbalanced %q at offset %d", string(c), i)
		case isIdentByte(c, false):
			if len(segs) > 0 && !afterDot {
				return nil, syntaxErr(expr, "missing dot before identifier at offset %d", i)
			}
			j := i
			for j < len(expr) && isIdentByte(expr[j], j > i) {
				j++
			}
			segs = append(segs, Segment{Kind: Attribute, Name: expr[i:j]})
			afterDot = false
			i = j
		default:
			return nil, syntaxErr(expr, "unexpected character %q at offset %d", string(c), i)
		}
	}
	if afterDot {
		return nil, syntaxErr(expr, "dangling dot")
	}
	return segs, nil
}

func isIdentByte(c byte, tail bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		return true
	case c >= '0' && c <= '9':
		return tail
	}
	return false
}
