package dbus

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/creachadair/mds/value"
)

// MaxMatchRuleLen is the longest a match rule's string form may be.
const MaxMatchRuleLen = 1024

// MatchRule is an immutable predicate over SIGNAL messages, used both
// for local dispatch in [Signals] and, via [MatchRule.String], as the
// argument to the bus daemon's AddMatch and RemoveMatch methods.
//
// MatchRule values are built with [NewMatchRule] and its chained
// With* methods, each of which returns a new MatchRule; there is no
// way to mutate one after it is handed to [Bus.RegisterSignal]. The
// With* methods store their arguments unchecked and never fail; a
// malformed field is reported only by [MatchRule.Validate], which
// [Signals.Add] (and so [Bus.RegisterSignal]) calls.
type MatchRule struct {
	objectPath    value.Maybe[ObjectPath]
	iface         value.Maybe[string]
	signalName    value.Maybe[string]
	sender        value.Maybe[string]
	pathNamespace value.Maybe[ObjectPath]
	destination   value.Maybe[string]
	arg0Namespace value.Maybe[string]
	unicast       bool
	args          map[int]string
	argPaths      map[int]string
}

// NewMatchRule returns a rule that matches every signal.
func NewMatchRule() MatchRule {
	return MatchRule{}
}

// WithObjectPath restricts the rule to signals emitted from exactly
// path.
func (r MatchRule) WithObjectPath(path ObjectPath) MatchRule {
	r.objectPath = value.Just(path)
	return r
}

// WithPathNamespace restricts the rule to signals emitted from path,
// or from any object path nested under it.
func (r MatchRule) WithPathNamespace(path ObjectPath) MatchRule {
	r.pathNamespace = value.Just(path)
	return r
}

// WithInterface restricts the rule to signals on the given interface.
func (r MatchRule) WithInterface(iface string) MatchRule {
	r.iface = value.Just(iface)
	return r
}

// WithSignalName restricts the rule to signals with the given member
// name.
func (r MatchRule) WithSignalName(name string) MatchRule {
	r.signalName = value.Just(name)
	return r
}

// WithSender restricts the rule to signals from the given bus name.
func (r MatchRule) WithSender(sender string) MatchRule {
	r.sender = value.Just(sender)
	return r
}

// WithDestination restricts the rule to signals addressed to the
// given unique name. Mutually exclusive in practice with unicast
// mode, which derives the destination from the connection itself.
func (r MatchRule) WithDestination(dest string) MatchRule {
	r.destination = value.Just(dest)
	return r
}

// WithUnicast marks the rule as matching only signals addressed
// directly to this connection's own unique name, rather than
// broadcast signals. Unicast rules are never sent to the bus daemon
// via AddMatch: the daemon already routes unicast messages to their
// destination.
func (r MatchRule) WithUnicast() MatchRule {
	r.unicast = true
	return r
}

// WithArg0Namespace restricts the rule to signals whose first body
// argument is a string equal to ns, or with ns as a dot-separated
// prefix.
func (r MatchRule) WithArg0Namespace(ns string) MatchRule {
	r.arg0Namespace = value.Just(ns)
	return r
}

// WithArg restricts the rule to signals whose i-th body argument is
// the string val. i must be in [0,63].
func (r MatchRule) WithArg(i int, val string) MatchRule {
	r.args = cloneArgs(r.args)
	r.args[i] = val
	return r
}

// WithArgPath restricts the rule to signals whose i-th body argument
// is an object path equal to val, a prefix of val ending in "/", or
// prefixed by val ending in "/". i must be in [0,63].
func (r MatchRule) WithArgPath(i int, val string) MatchRule {
	r.argPaths = cloneArgs(r.argPaths)
	r.argPaths[i] = val
	return r
}

func cloneArgs(m map[int]string) map[int]string {
	if m == nil {
		return map[int]string{}
	}
	return maps.Clone(m)
}

// Validate checks that r is well formed: every provided field holds a
// syntactically valid value for its kind, every arg index is in
// [0,63], and the rendered string form fits within MaxMatchRuleLen.
func (r MatchRule) Validate() error {
	if p, ok := r.objectPath.GetOK(); ok {
		if err := ValidateObjectPath(p); err != nil {
			return err
		}
	}
	if p, ok := r.pathNamespace.GetOK(); ok {
		if err := ValidateObjectPath(p); err != nil {
			return err
		}
	}
	if iface, ok := r.iface.GetOK(); ok {
		if err := ValidateInterfaceName(iface); err != nil {
			return err
		}
	}
	if name, ok := r.signalName.GetOK(); ok {
		if err := ValidateMemberName(name); err != nil {
			return err
		}
	}
	if s, ok := r.sender.GetOK(); ok {
		if err := ValidateBusName(s, true); err != nil {
			return err
		}
	}
	if d, ok := r.destination.GetOK(); ok {
		if !strings.HasPrefix(d, ":") {
			return ValidationError{"match rule destination", d, "must be a unique name"}
		}
		if err := ValidateBusName(d, true); err != nil {
			return err
		}
	}
	if ns, ok := r.arg0Namespace.GetOK(); ok {
		if err := ValidateBusName(ns, false); err != nil {
			return err
		}
	}
	for i := range r.args {
		if i < 0 || i > 63 {
			return ValidationError{"match rule arg index", strconv.Itoa(i), "must be in [0,63]"}
		}
	}
	for i := range r.argPaths {
		if i < 0 || i > 63 {
			return ValidationError{"match rule argpath index", strconv.Itoa(i), "must be in [0,63]"}
		}
	}
	if len(r.String()) > MaxMatchRuleLen {
		return TooLongError{"match rule", MaxMatchRuleLen}
	}
	return nil
}

// String renders r in the "key='value'" comma-joined form the bus
// daemon's AddMatch and RemoveMatch methods expect, always prefixed
// with type='signal'.
func (r MatchRule) String() string {
	parts := []string{"type='signal'"}
	kv := func(k, v string) {
		parts = append(parts, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}
	if s, ok := r.sender.GetOK(); ok {
		kv("sender", s)
	}
	if iface, ok := r.iface.GetOK(); ok {
		kv("interface", iface)
	}
	if m, ok := r.signalName.GetOK(); ok {
		kv("member", m)
	}
	if p, ok := r.objectPath.GetOK(); ok {
		kv("path", string(p))
	}
	if p, ok := r.pathNamespace.GetOK(); ok {
		kv("path_namespace", string(p))
	}
	if d, ok := r.destination.GetOK(); ok {
		kv("destination", d)
	}
	if n, ok := r.arg0Namespace.GetOK(); ok {
		kv("arg0namespace", n)
	}
	for _, i := range slices.Sorted(maps.Keys(r.args)) {
		kv(fmt.Sprintf("arg%d", i), r.args[i])
	}
	for _, i := range slices.Sorted(maps.Keys(r.argPaths)) {
		kv(fmt.Sprintf("arg%dpath", i), r.argPaths[i])
	}
	return strings.Join(parts, ",")
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", `'\''`)
	return "'" + s + "'"
}

// Matches reports whether msg (which must be a SIGNAL message)
// satisfies r, given ownUniqueName as this connection's own unique
// bus name (used to evaluate unicast rules).
func (r MatchRule) Matches(msg *Message, ownUniqueName string) bool {
	if msg.Type != Signal {
		return false
	}
	if p, ok := r.objectPath.GetOK(); ok && msg.Path() != p {
		return false
	}
	if iface, ok := r.iface.GetOK(); ok && msg.Interface() != iface {
		return false
	}
	if name, ok := r.signalName.GetOK(); ok && msg.Member() != name {
		return false
	}
	if sender, ok := r.sender.GetOK(); ok && msg.Sender() != sender {
		return false
	}
	if r.unicast {
		if msg.Destination() != ownUniqueName {
			return false
		}
	} else if dest, ok := r.destination.GetOK(); ok && msg.Destination() != dest {
		return false
	}
	if ns, ok := r.pathNamespace.GetOK(); ok {
		if !pathInNamespace(msg.Path(), ns) {
			return false
		}
	}
	if ns, ok := r.arg0Namespace.GetOK(); ok {
		arg0, ok := firstArgString(msg)
		if !ok || !(arg0 == ns || strings.HasPrefix(arg0, ns+".")) {
			return false
		}
	}
	for i, want := range r.args {
		got, ok := argString(msg, i)
		if !ok || got != want {
			return false
		}
	}
	for i, want := range r.argPaths {
		got, ok := argString(msg, i)
		if !ok || !argPathMatches(got, want) {
			return false
		}
	}
	return true
}

func pathInNamespace(path, ns ObjectPath) bool {
	if path == ns {
		return true
	}
	prefix := string(ns)
	if prefix != "/" {
		prefix += "/"
	}
	return strings.HasPrefix(string(path), prefix)
}

func argPathMatches(got, want string) bool {
	if got == want {
		return true
	}
	if strings.HasSuffix(got, "/") && strings.HasPrefix(want, got) {
		return true
	}
	if strings.HasSuffix(want, "/") && strings.HasPrefix(got, want) {
		return true
	}
	return false
}

func firstArgString(msg *Message) (string, bool) {
	return argString(msg, 0)
}

func argString(msg *Message, i int) (string, bool) {
	if i < 0 || i >= len(msg.Body) {
		return "", false
	}
	switch v := msg.Body[i].(type) {
	case string:
		return v, true
	case ObjectPath:
		return string(v), true
	default:
		return "", false
	}
}
