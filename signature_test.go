package dbus

import (
	"strings"
	"testing"
)

func TestSignatureParse(t *testing.T) {
	tests := []struct {
		sig     string
		wantErr bool
	}{
		{"", false},
		{"y", false},
		{"b", false},
		{"s", false},
		{"o", false},
		{"g", false},
		{"v", false},
		{"as", false},
		{"a{sv}", false},
		{"(sii)", false},
		{"a(sii)", false},
		{"((y))", false},
		{"a{sv}a{sv}", false},
		{"(ii)(ss)", false},
		{"{sv}", true},  // dict entry outside an array
		{"{is}", true},  // ditto, non-string key
		{"a{s}", true},  // dict entry with only one type
		{"a{vs}", true}, // dict entry key must be basic
		{"a{sss}", true},
		{"()", true}, // struct needs at least one field
		{"(", true},  // unclosed struct
		{"a{si", true}, // unclosed dict entry
		{"a", true},   // array with no element type
		{"z", true},   // unknown type code
	}
	for _, tc := range tests {
		_, err := Signature(tc.sig).Parse()
		if (err != nil) != tc.wantErr {
			t.Errorf("Signature(%q).Parse() err = %v, wantErr %v", tc.sig, err, tc.wantErr)
		}
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	sigs := []string{"", "y", "as", "a{sv}", "(sii)", "a(oa{sv})"}
	for _, s := range sigs {
		types, err := Signature(s).Parse()
		if err != nil {
			t.Fatalf("Signature(%q).Parse(): %v", s, err)
		}
		if got := Types(types).String(); got != s {
			t.Errorf("Types(Signature(%q).Parse()) = %q, want %q", s, got, s)
		}
	}
}

func TestParseSignature(t *testing.T) {
	if _, err := ParseSignature("as"); err != nil {
		t.Errorf("ParseSignature(\"as\"): %v", err)
	}
	if _, err := ParseSignature("("); err == nil {
		t.Error("ParseSignature(\"(\") succeeded, want error")
	}
}

func TestMaxSignatureLen(t *testing.T) {
	long := make([]byte, MaxSignatureLen+1)
	for i := range long {
		long[i] = 'y'
	}
	if _, err := Signature(long).Parse(); err == nil {
		t.Error("Signature.Parse() of an over-long signature succeeded, want error")
	}
}

func TestArrayNestingLimit(t *testing.T) {
	s := strings.Repeat("a", MaxArrayNesting) + "y"
	if _, err := Signature(s).Parse(); err != nil {
		t.Errorf("Signature.Parse() at the array nesting limit: %v", err)
	}
	if _, err := Signature("a" + s).Parse(); err == nil {
		t.Error("Signature.Parse() of an over-nested array succeeded, want error")
	}
}

func TestStructNestingLimit(t *testing.T) {
	s := strings.Repeat("(", MaxStructNesting) + "y" + strings.Repeat(")", MaxStructNesting)
	if _, err := Signature(s).Parse(); err != nil {
		t.Errorf("Signature.Parse() at the struct nesting limit: %v", err)
	}
	over := "(" + s + ")"
	if _, err := Signature(over).Parse(); err == nil {
		t.Error("Signature.Parse() of an over-nested struct succeeded, want error")
	}
}

func TestTypeAlign(t *testing.T) {
	tests := []struct {
		sig  string
		want int
	}{
		{"y", 1}, {"n", 2}, {"i", 4}, {"x", 8}, {"s", 4}, {"as", 4}, {"(y)", 8},
	}
	for _, tc := range tests {
		types, err := Signature(tc.sig).Parse()
		if err != nil {
			t.Fatalf("Signature(%q).Parse(): %v", tc.sig, err)
		}
		if got := types[0].Align(); got != tc.want {
			t.Errorf("Signature(%q).Parse()[0].Align() = %d, want %d", tc.sig, got, tc.want)
		}
	}
}
