package idrepo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

// ObjectClassKind is the kind of an object class definition.
type ObjectClassKind int

const (
	ObjectClassStructural ObjectClassKind = iota
	ObjectClassAuxiliary
	ObjectClassAbstract
)

func (k ObjectClassKind) String() string {
	switch k {
	case ObjectClassAuxiliary:
		return "AUXILIARY"
	case ObjectClassAbstract:
		return "ABSTRACT"
	default:
		return "STRUCTURAL"
	}
}

// ObjectClass is one objectClasses definition of the directory schema.
type ObjectClass struct {
	OID       string
	Names     []string
	Kind      ObjectClassKind
	Superiors []string
	Must      []string
	May       []string
}

// Name returns the primary name, or the OID when the class is unnamed.
func (oc *ObjectClass) Name() string {
	if len(oc.Names) > 0 {
		return oc.Names[0]
	}
	return oc.OID
}

// Schema is a snapshot of the object class definitions of a directory.
type Schema struct {
	classes *CIMap[*ObjectClass]
}

// ParseSchema builds a schema from objectClasses attribute values.
func ParseSchema(definitions []string) (*Schema, error) {
	s := &Schema{classes: NewCIMap[*ObjectClass]()}
	for _, def := range definitions {
		oc, err := ParseObjectClass(def)
		if err != nil {
			return nil, err
		}
		s.classes.Set(oc.OID, oc)
		for _, name := range oc.Names {
			s.classes.Set(name, oc)
		}
	}
	return s, nil
}

// ObjectClass looks a class up by name or OID.
func (s *Schema) ObjectClass(name string) (*ObjectClass, bool) {
	return s.classes.Get(name)
}

// Attributes returns the MUST and MAY attributes of name, including those
// inherited from its superiors.
func (s *Schema) Attributes(name string) (must, may *CISet, err error) {
	must, may = NewCISet(), NewCISet()
	seen := NewCISet()

	var walk func(string) error
	walk = func(n string) error {
		if seen.Has(n) {
			return nil
		}
		seen.Add(n)
		oc, ok := s.ObjectClass(n)
		if !ok {
			return fmt.Errorf("object class %q is not defined in the schema", n)
		}
		must.Add(oc.Must...)
		may.Add(oc.May...)
		for _, sup := range oc.Superiors {
			if err := walk(sup); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(name); err != nil {
		return nil, nil, err
	}
	return must, may, nil
}

// ParseObjectClass parses an RFC 4512 ObjectClassDescription.
func ParseObjectClass(def string) (*ObjectClass, error) {
	tokens, err := tokenizeSchema(def)
	if err != nil {
		return nil, err
	}
	if len(tokens) < 3 || tokens[0] != "(" || tokens[len(tokens)-1] != ")" {
		return nil, fmt.Errorf("malformed object class definition %q", def)
	}

	oc := &ObjectClass{OID: tokens[1]}
	p := &schemaTokens{tokens: tokens[2 : len(tokens)-1]}

	for !p.done() {
		switch keyword := strings.ToUpper(p.next()); keyword {
		case "NAME":
			oc.Names = p.list()
		case "SUP":
			oc.Superiors = p.list()
		case "MUST":
			oc.Must = p.list()
		case "MAY":
			oc.May = p.list()
		case "STRUCTURAL":
			oc.Kind = ObjectClassStructural
		case "AUXILIARY":
			oc.Kind = ObjectClassAuxiliary
		case "ABSTRACT":
			oc.Kind = ObjectClassAbstract
		case "OBSOLETE":
		case "DESC":
			p.list()
		default:
			if strings.HasPrefix(keyword, "X-") {
				p.list()
				continue
			}
			return nil, fmt.Errorf("unexpected %q in object class definition %q", keyword, def)
		}
	}

	return oc, nil
}

type schemaTokens struct {
	tokens []string
	pos    int
}

func (p *schemaTokens) done() bool {
	return p.pos >= len(p.tokens)
}

func (p *schemaTokens) next() string {
	if p.done() {
		return ""
	}
	t := p.tokens[p.pos]
	p.pos++
	return t
}

// list reads one value or a parenthesised list of values separated by "$" or spaces.
func (p *schemaTokens) list() []string {
	t := p.next()
	if t != "(" {
		return []string{t}
	}
	var values []string
	for !p.done() {
		t = p.next()
		switch t {
		case ")":
			return values
		case "$":
		default:
			values = append(values, t)
		}
	}
	return values
}

// tokenizeSchema splits a schema definition into parentheses, "$" separators,
// quoted strings (unquoted) and bare words.
func tokenizeSchema(def string) ([]string, error) {
	var tokens []string
	runes := []rune(def)
	for i := 0; i < len(runes); i++ {
		switch c := runes[i]; {
		case unicode.IsSpace(c):
		case c == '(' || c == ')' || c == '$':
			tokens = append(tokens, string(c))
		case c == '\'':
			end := i + 1
			for end < len(runes) && runes[end] != '\'' {
				end++
			}
			if end == len(runes) {
				return nil, fmt.Errorf("unterminated quoted string in %q", def)
			}
			tokens = append(tokens, string(runes[i+1:end]))
			i = end
		default:
			end := i
			for end < len(runes) && !unicode.IsSpace(runes[end]) && !strings.ContainsRune("()$'", runes[end]) {
				end++
			}
			tokens = append(tokens, string(runes[i:end]))
			i = end - 1
		}
	}
	return tokens, nil
}

// schemaCell holds the schema once it has been read successfully.
type schemaCell struct {
	mu     sync.Mutex
	schema atomic.Pointer[Schema]
}

func (c *schemaCell) get(ctx context.Context, load func(context.Context) (*Schema, error)) (*Schema, error) {
	if s := c.schema.Load(); s != nil {
		return s, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.schema.Load(); s != nil {
		return s, nil
	}
	s, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.schema.Store(s)
	return s, nil
}

// schema returns the directory schema, reading it on first use.
func (r *Repository) schema(ctx context.Context) (*Schema, error) {
	return r.schemaCell.get(ctx, r.loadSchema)
}

func (r *Repository) loadSchema(ctx context.Context) (*Schema, error) {
	subschema := "cn=schema"
	if rootDSE, err := r.general.RootDSE(ctx, "subschemaSubentry"); err == nil {
		if dn := rootDSE.GetEqualFoldAttributeValue("subschemaSubentry"); dn != "" {
			subschema = dn
		}
	} else {
		r.logger.Debug("Root DSE lookup failed, using default subschema entry", map[string]any{"error": err.Error()})
	}

	entry, err := r.readEntry(ctx, subschema, "(objectClass=subschema)", []string{"objectClasses"})
	if err != nil {
		return nil, wrapError(KindSchemaLookup, "schema", 0, "", err)
	}
	if entry == nil {
		return nil, newError(KindSchemaLookup, "schema", 0, "", fmt.Sprintf("subschema entry %q not found", subschema))
	}

	s, err := ParseSchema(entry.GetEqualFoldAttributeValues("objectClasses"))
	if err != nil {
		return nil, wrapError(KindSchemaLookup, "schema", 0, "", err)
	}

	r.logger.Debug("Loaded directory schema", map[string]any{
		"subschema":      subschema,
		"object_classes": s.classes.Len(),
	})
	return s, nil
}
