package dbus

import "strings"

// Signature is a D-Bus type signature string: a sequence of complete
// types. It is itself a D-Bus basic type (wire code 'g').
type Signature string

// MaxSignatureLen is the longest a signature string may be.
const MaxSignatureLen = 255

// MaxArrayNesting and MaxStructNesting bound how deeply arrays and
// structs may nest within a signature, checked at parse time. Variant
// nesting is a run-time limit instead (see fragments.NestingGuard).
const (
	MaxArrayNesting  = 32
	MaxStructNesting = 32
)

// TypeKind identifies the shape of a complete type. Basic kinds match
// their D-Bus wire type codes.
type TypeKind byte

const (
	KindByte      TypeKind = 'y'
	KindBool      TypeKind = 'b'
	KindInt16     TypeKind = 'n'
	KindUint16    TypeKind = 'q'
	KindInt32     TypeKind = 'i'
	KindUint32    TypeKind = 'u'
	KindInt64     TypeKind = 'x'
	KindUint64    TypeKind = 't'
	KindFloat64   TypeKind = 'd'
	KindUnixFD    TypeKind = 'h'
	KindString    TypeKind = 's'
	KindObjPath   TypeKind = 'o'
	KindSignature TypeKind = 'g'
	KindVariant   TypeKind = 'v'
	KindArray     TypeKind = 'a'
	KindStruct    TypeKind = '('
	KindDictEntry TypeKind = '{'
)

func (k TypeKind) isBasic() bool {
	switch k {
	case KindByte, KindBool, KindInt16, KindUint16, KindInt32, KindUint32,
		KindInt64, KindUint64, KindFloat64, KindUnixFD, KindString,
		KindObjPath, KindSignature:
		return true
	}
	return false
}

// Type is one complete type in a parsed signature: a basic type code,
// a variant, an array of some element type, a struct of field types,
// or (only ever as an array's element type) a dict-entry of a key
// type and a value type.
type Type struct {
	Kind TypeKind

	Elem   *Type  // array element type, Kind == KindArray
	Fields []Type // struct field types, Kind == KindStruct
	Key    *Type  // dict-entry key type, Kind == KindDictEntry
	Value  *Type  // dict-entry value type, Kind == KindDictEntry
}

// Align returns the wire alignment, in bytes, of t.
func (t Type) Align() int {
	switch t.Kind {
	case KindByte, KindSignature, KindVariant:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindBool, KindInt32, KindUint32, KindUnixFD, KindString, KindObjPath, KindArray:
		return 4
	case KindInt64, KindUint64, KindFloat64, KindStruct, KindDictEntry:
		return 8
	default:
		return 1
	}
}

// String renders t back to its signature form.
func (t Type) String() string {
	switch t.Kind {
	case KindArray:
		return "a" + t.Elem.String()
	case KindStruct:
		var b strings.Builder
		b.WriteByte('(')
		for _, f := range t.Fields {
			b.WriteString(f.String())
		}
		b.WriteByte(')')
		return b.String()
	case KindDictEntry:
		return "{" + t.Key.String() + t.Value.String() + "}"
	default:
		return string(byte(t.Kind))
	}
}

// Types renders a sequence of complete types back to a signature
// string.
func Types(types []Type) Signature {
	var b strings.Builder
	for _, t := range types {
		b.WriteString(t.String())
	}
	return Signature(b.String())
}

// Parse parses sig into a sequence of complete types, failing with a
// SignatureError on malformed input: an unclosed '(' or '{', a
// dict-entry outside an array, a dict-entry without exactly two
// element types, a dict-entry whose key is not a basic type, an array
// with no element type, nesting beyond the parse-time limits, or an
// unknown type code.
func (sig Signature) Parse() ([]Type, error) {
	s := string(sig)
	if len(s) > MaxSignatureLen {
		return nil, SignatureError{s, "signature exceeds 255 bytes"}
	}
	p := &sigParser{s: s}
	var types []Type
	for p.pos < len(p.s) {
		t, err := p.parseOne(0, 0, false)
		if err != nil {
			return nil, SignatureError{s, err.Error()}
		}
		types = append(types, t)
	}
	return types, nil
}

// Type parses sig as a single complete type and returns it, for
// signatures known to describe exactly one type (an argument or
// property type, never a method's full parameter list). It returns
// the zero Type if sig is empty or malformed.
func (sig Signature) Type() Type {
	types, err := sig.Parse()
	if err != nil || len(types) == 0 {
		return Type{}
	}
	return types[0]
}

// ParseSignature validates s as a signature string and returns it
// typed as a Signature, failing the same way as Signature.Parse.
func ParseSignature(s string) (Signature, error) {
	if _, err := Signature(s).Parse(); err != nil {
		return "", err
	}
	return Signature(s), nil
}

// mustParse parses sig and panics if it is malformed. Intended for
// tests and package-level fixtures that already know sig is valid.
func mustParse(sig string) []Type {
	t, err := Signature(sig).Parse()
	if err != nil {
		panic(err)
	}
	return t
}

type sigParser struct {
	s   string
	pos int
}

func (p *sigParser) peek() (byte, bool) {
	if p.pos >= len(p.s) {
		return 0, false
	}
	return p.s[p.pos], true
}

// parseOne parses exactly one complete type starting at p.pos.
// arrayDepth and structDepth count enclosing 'a' prefixes and open
// '(' respectively, bounding nesting per the wire format limits.
// allowDictEntry is true only when parsing the immediate element type
// of an array, the one position where '{' is legal.
func (p *sigParser) parseOne(arrayDepth, structDepth int, allowDictEntry bool) (Type, error) {
	c, ok := p.peek()
	if !ok {
		return Type{}, errUnexpectedEnd
	}
	switch c {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 'h', 's', 'o', 'g':
		p.pos++
		return Type{Kind: TypeKind(c)}, nil
	case 'v':
		p.pos++
		return Type{Kind: KindVariant}, nil
	case 'a':
		if arrayDepth+1 > MaxArrayNesting {
			return Type{}, errArrayNesting
		}
		p.pos++
		elem, err := p.parseOne(arrayDepth+1, structDepth, true)
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: KindArray, Elem: &elem}, nil
	case '(':
		if structDepth+1 > MaxStructNesting {
			return Type{}, errStructNesting
		}
		p.pos++
		var fields []Type
		for {
			c, ok := p.peek()
			if !ok {
				return Type{}, errUnclosedParen
			}
			if c == ')' {
				p.pos++
				break
			}
			f, err := p.parseOne(arrayDepth, structDepth+1, false)
			if err != nil {
				return Type{}, err
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return Type{}, errEmptyStruct
		}
		return Type{Kind: KindStruct, Fields: fields}, nil
	case '{':
		if !allowDictEntry {
			return Type{}, errDictEntryOutsideArray
		}
		p.pos++
		key, err := p.parseOne(arrayDepth, structDepth+1, false)
		if err != nil {
			return Type{}, err
		}
		if !key.Kind.isBasic() {
			return Type{}, errDictKeyNotBasic
		}
		val, err := p.parseOne(arrayDepth, structDepth+1, false)
		if err != nil {
			return Type{}, err
		}
		c, ok := p.peek()
		if !ok || c != '}' {
			return Type{}, errDictEntryNotTwo
		}
		p.pos++
		return Type{Kind: KindDictEntry, Key: &key, Value: &val}, nil
	default:
		return Type{}, errUnknownToken
	}
}

var (
	errUnexpectedEnd         = sigErr("unexpected end of signature")
	errArrayNesting          = sigErr("array nesting exceeds limit")
	errStructNesting         = sigErr("struct nesting exceeds limit")
	errUnclosedParen         = sigErr("unclosed '('")
	errEmptyStruct           = sigErr("struct must have at least one field")
	errDictEntryOutsideArray = sigErr("dict entry '{' only valid as an array element type")
	errDictKeyNotBasic       = sigErr("dict entry key must be a basic type")
	errDictEntryNotTwo       = sigErr("dict entry must have exactly two types, closed with '}'")
	errUnknownToken          = sigErr("unknown type code")
)

type sigErr string

func (e sigErr) Error() string { return string(e) }
