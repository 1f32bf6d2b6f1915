package dbus

import (
	"cmp"
	"encoding/xml"
	"fmt"
	"slices"
	"strings"
)

// ObjectDescription is the parsed form of the XML document a peer
// returns from org.freedesktop.DBus.Introspectable.Introspect: the
// interfaces an object claims to export and the relative paths of its
// child objects.
//
// The description is self-reported by the peer and may disagree with
// the API the object actually answers to.
type ObjectDescription struct {
	// Interfaces maps interface names to their descriptions.
	Interfaces map[string]*InterfaceDescription
	// Children holds the relative paths of child objects. A relative
	// path may span multiple path components.
	Children []string
}

// InterfaceDescription describes one interface of an introspected
// object.
type InterfaceDescription struct {
	Name       string
	Methods    []*MethodDescription
	Signals    []*SignalDescription
	Properties []*PropertyDescription
}

// MethodDescription describes a method: its input and output argument
// lists and the annotations this library acts on.
type MethodDescription struct {
	Name string
	In   []ArgumentDescription
	Out  []ArgumentDescription
	// Deprecated reports the org.freedesktop.DBus.Deprecated
	// annotation.
	Deprecated bool
	// NoReply reports the org.freedesktop.DBus.Method.NoReply
	// annotation; such methods are meant to be invoked with
	// Interface.OneWay rather than Interface.Call.
	NoReply bool
}

// SignalDescription describes a signal and its argument list.
type SignalDescription struct {
	Name       string
	Args       []ArgumentDescription
	Deprecated bool
}

// PropertyDescription describes a property: its type, access mode,
// and change-notification behavior.
type PropertyDescription struct {
	Name string
	Type Signature

	Readable bool
	Writable bool

	// Constant means the value never changes and may be cached
	// indefinitely.
	Constant bool
	// EmitsSignal means updates are announced with a
	// PropertiesChanged signal. If SignalIncludesValue is false the
	// signal only invalidates the property, and the new value must be
	// re-read with Interface.GetProperty.
	EmitsSignal         bool
	SignalIncludesValue bool

	Deprecated bool
}

// ArgumentDescription is one argument of a method or signal. The name
// is optional in the XML schema and often absent.
type ArgumentDescription struct {
	Name string
	Type Signature
}

// The raw schema of the introspection document, mapped field for
// field onto the XML. Conversion into the exported description types,
// including signature validation and annotation handling, happens in
// one pass afterward.
type xmlNode struct {
	Name       string         `xml:"name,attr"`
	Interfaces []xmlInterface `xml:"interface"`
	Children   []xmlNode      `xml:"node"`
}

type xmlInterface struct {
	Name        string          `xml:"name,attr"`
	Methods     []xmlMember     `xml:"method"`
	Signals     []xmlMember     `xml:"signal"`
	Properties  []xmlProperty   `xml:"property"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlMember struct {
	Name        string          `xml:"name,attr"`
	Args        []xmlArg        `xml:"arg"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlProperty struct {
	Name        string          `xml:"name,attr"`
	Type        string          `xml:"type,attr"`
	Access      string          `xml:"access,attr"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlArg struct {
	Name      string `xml:"name,attr"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr"`
}

type xmlAnnotation struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

const (
	annDeprecated  = "org.freedesktop.DBus.Deprecated"
	annNoReply     = "org.freedesktop.DBus.Method.NoReply"
	annEmitsSignal = "org.freedesktop.DBus.Property.EmitsChangedSignal"
)

func annotation(anns []xmlAnnotation, name, fallback string) string {
	for _, a := range anns {
		if a.Name == name {
			return a.Value
		}
	}
	return fallback
}

// parseIntrospection parses an introspection XML document into an
// ObjectDescription.
func parseIntrospection(data string) (*ObjectDescription, error) {
	var root xmlNode
	if err := xml.Unmarshal([]byte(data), &root); err != nil {
		return nil, fmt.Errorf("parsing introspection xml: %w", err)
	}
	desc := &ObjectDescription{
		Interfaces: make(map[string]*InterfaceDescription, len(root.Interfaces)),
		Children:   make([]string, 0, len(root.Children)),
	}
	for _, iface := range root.Interfaces {
		id, err := convertInterface(iface)
		if err != nil {
			return nil, err
		}
		desc.Interfaces[id.Name] = id
	}
	for _, child := range root.Children {
		desc.Children = append(desc.Children, child.Name)
	}
	return desc, nil
}

func convertInterface(raw xmlInterface) (*InterfaceDescription, error) {
	out := &InterfaceDescription{Name: raw.Name}
	// An EmitsChangedSignal annotation on the interface sets the
	// default for every property that does not carry its own.
	ifaceEmits := annotation(raw.Annotations, annEmitsSignal, "true")

	for _, m := range raw.Methods {
		md := &MethodDescription{
			Name:       m.Name,
			Deprecated: annotation(m.Annotations, annDeprecated, "") == "true",
			NoReply:    annotation(m.Annotations, annNoReply, "") == "true",
		}
		for _, arg := range m.Args {
			ad, err := convertArg(raw.Name, m.Name, arg)
			if err != nil {
				return nil, err
			}
			// For methods, an argument with no direction attribute is
			// an input.
			if arg.Direction == "out" {
				md.Out = append(md.Out, ad)
			} else {
				md.In = append(md.In, ad)
			}
		}
		out.Methods = append(out.Methods, md)
	}

	for _, s := range raw.Signals {
		sd := &SignalDescription{
			Name:       s.Name,
			Deprecated: annotation(s.Annotations, annDeprecated, "") == "true",
		}
		for _, arg := range s.Args {
			// Signal arguments are always outputs; a "direction"
			// attribute, if present, is ignored.
			ad, err := convertArg(raw.Name, s.Name, arg)
			if err != nil {
				return nil, err
			}
			sd.Args = append(sd.Args, ad)
		}
		out.Signals = append(out.Signals, sd)
	}

	for _, p := range raw.Properties {
		pd, err := convertProperty(raw.Name, p, ifaceEmits)
		if err != nil {
			return nil, err
		}
		out.Properties = append(out.Properties, pd)
	}
	return out, nil
}

func convertArg(iface, member string, arg xmlArg) (ArgumentDescription, error) {
	sig, err := ParseSignature(arg.Type)
	if err != nil {
		return ArgumentDescription{}, fmt.Errorf("%s.%s: arg %q: %w", iface, member, arg.Name, err)
	}
	return ArgumentDescription{Name: arg.Name, Type: sig}, nil
}

func convertProperty(iface string, raw xmlProperty, ifaceEmits string) (*PropertyDescription, error) {
	sig, err := ParseSignature(raw.Type)
	if err != nil {
		return nil, fmt.Errorf("%s: property %q: %w", iface, raw.Name, err)
	}
	pd := &PropertyDescription{
		Name:       raw.Name,
		Type:       sig,
		Deprecated: annotation(raw.Annotations, annDeprecated, "") == "true",
	}
	switch raw.Access {
	case "read":
		pd.Readable = true
	case "write":
		pd.Writable = true
	case "readwrite":
		pd.Readable, pd.Writable = true, true
	default:
		return nil, fmt.Errorf("%s: property %q: unknown access value %q", iface, raw.Name, raw.Access)
	}
	switch annotation(raw.Annotations, annEmitsSignal, ifaceEmits) {
	case "false":
	case "invalidates":
		pd.EmitsSignal = true
	case "const":
		pd.Constant = true
	default: // "true" and unrecognized values
		pd.EmitsSignal = true
		pd.SignalIncludesValue = true
	}
	return pd, nil
}

func (d InterfaceDescription) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "interface %s {\n", d.Name)
	for _, m := range sortedByName(d.Methods, func(m *MethodDescription) string { return m.Name }) {
		fmt.Fprintf(&b, "  %s\n", m)
	}
	for _, s := range sortedByName(d.Signals, func(s *SignalDescription) string { return s.Name }) {
		fmt.Fprintf(&b, "  %s\n", s)
	}
	for _, p := range sortedByName(d.Properties, func(p *PropertyDescription) string { return p.Name }) {
		fmt.Fprintf(&b, "  %s\n", p)
	}
	b.WriteString("}")
	return b.String()
}

func sortedByName[T any](items []T, name func(T) string) []T {
	out := slices.Clone(items)
	slices.SortFunc(out, func(a, b T) int { return cmp.Compare(name(a), name(b)) })
	return out
}

func (m MethodDescription) String() string {
	s := fmt.Sprintf("func %s(%s)", m.Name, argList(m.In))
	if len(m.Out) > 0 {
		s += fmt.Sprintf(" (%s)", argList(m.Out))
	}
	var notes []string
	if m.Deprecated {
		notes = append(notes, "deprecated")
	}
	if m.NoReply {
		notes = append(notes, "noreply")
	}
	if len(notes) > 0 {
		s += " [" + strings.Join(notes, ",") + "]"
	}
	return s
}

func (s SignalDescription) String() string {
	out := fmt.Sprintf("signal %s(%s)", s.Name, argList(s.Args))
	if s.Deprecated {
		out += " [deprecated]"
	}
	return out
}

func (p PropertyDescription) String() string {
	var notes []string
	switch {
	case p.Constant:
		notes = append(notes, "const")
	case p.Readable && p.Writable:
		notes = append(notes, "readwrite")
	case p.Readable:
		notes = append(notes, "readonly")
	case p.Writable:
		notes = append(notes, "writeonly")
	}
	if p.Deprecated {
		notes = append(notes, "deprecated")
	}
	if p.EmitsSignal {
		if p.SignalIncludesValue {
			notes = append(notes, "signals")
		} else {
			notes = append(notes, "invalidates")
		}
	}
	return fmt.Sprintf("property %s %s [%s]", p.Name, p.Type, strings.Join(notes, ","))
}

func argList(args []ArgumentDescription) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

func (a ArgumentDescription) String() string {
	if a.Name == "" {
		return string(a.Type)
	}
	// Hyphenated argument names show up in older interfaces; they are
	// not load-bearing, so normalize them for display.
	return strings.ReplaceAll(a.Name, "-", "_") + " " + string(a.Type)
}
