package dbus

import (
	"maps"
	"reflect"
	"slices"
	"sync"
)

// SignalHandler is invoked once per matching SIGNAL message. Handlers
// run sequentially on the router's recv-loop goroutine; a handler
// that wants concurrency must hand off the work itself.
type SignalHandler func(MessageInfo)

// MethodResult is what a [MethodHandler] returns: either a reply body
// (Args, matching Sig), or a DBusError to be serialized back to the
// caller as an ERROR message.
type MethodResult struct {
	Args []any
	Sig  Signature
	Err  *DBusError
}

// MethodHandler answers an incoming METHOD_CALL.
type MethodHandler func(bus *Bus, info MessageInfo) MethodResult

type signalEntry struct {
	id      uint64
	rule    MatchRule
	handler SignalHandler
}

// Signals is the concurrent registry mapping IDs to (rule, handler)
// pairs, consulted by the router to dispatch incoming SIGNAL
// messages.
type Signals struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]signalEntry
}

func newSignals() *Signals {
	return &Signals{entries: map[uint64]signalEntry{}}
}

// Add registers handler against rule and returns its ID. It fails
// with RegisterError if an identical (rule, handler) pair is already
// registered.
func (s *Signals) Add(rule MatchRule, handler SignalHandler) (uint64, error) {
	if err := rule.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ruleStr := rule.String()
	for _, e := range s.entries {
		if e.rule.String() == ruleStr && sameFunc(e.handler, handler) {
			return 0, RegisterError{"identical signal registration already exists"}
		}
	}
	s.nextID++
	id := s.nextID
	s.entries[id] = signalEntry{id, rule, handler}
	return id, nil
}

// Remove unregisters id. It is idempotent: removing an unknown or
// already-removed ID is not an error.
func (s *Signals) Remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Matches returns the handlers whose rule matches msg, in
// registration order.
func (s *Signals) Matches(msg *Message, ownUniqueName string) []SignalHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SignalHandler
	for _, id := range sortedIDs(s.entries) {
		e := s.entries[id]
		if e.rule.Matches(msg, ownUniqueName) {
			out = append(out, e.handler)
		}
	}
	return out
}

type methodKey struct {
	path, iface, member string
}

type methodEntry struct {
	id      uint64
	handler MethodHandler
	sig     Signature
}

// Methods is the concurrent registry mapping (path, interface,
// member) triples to a registered handler and expected body
// signature, consulted by the router to dispatch incoming
// METHOD_CALL messages.
type Methods struct {
	mu      sync.Mutex
	nextID  uint64
	byID    map[uint64]methodKey
	entries map[methodKey]methodEntry
}

func newMethods() *Methods {
	return &Methods{
		byID:    map[uint64]methodKey{},
		entries: map[methodKey]methodEntry{},
	}
}

// Add registers handler for (path, iface, member), expecting a body
// matching sig. It fails with RegisterError if that triple is already
// registered.
func (m *Methods) Add(path ObjectPath, iface, member string, handler MethodHandler, sig Signature) (uint64, error) {
	if err := ValidateObjectPath(path); err != nil {
		return 0, err
	}
	if err := ValidateInterfaceName(iface); err != nil {
		return 0, err
	}
	if err := ValidateMemberName(member); err != nil {
		return 0, err
	}
	k := methodKey{string(path), iface, member}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[k]; exists {
		return 0, RegisterError{"method already registered for " + iface + "." + member + " at " + string(path)}
	}
	m.nextID++
	id := m.nextID
	m.entries[k] = methodEntry{id, handler, sig}
	m.byID[id] = k
	return id, nil
}

// Remove unregisters id. It is idempotent.
func (m *Methods) Remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	delete(m.entries, k)
}

// Find looks up the handler for an incoming METHOD_CALL. If the
// message specifies no interface, Find accepts any entry matching
// (path, *, member), choosing one in an unspecified but deterministic
// order.
func (m *Methods) Find(path ObjectPath, iface, member string) (MethodHandler, Signature, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if iface != "" {
		e, ok := m.entries[methodKey{string(path), iface, member}]
		return e.handler, e.sig, ok
	}
	for _, id := range sortedMethodIDs(m.byID) {
		k := m.byID[id]
		if k.path == string(path) && k.member == member {
			e := m.entries[k]
			return e.handler, e.sig, true
		}
	}
	return nil, "", false
}

func sameFunc(a, b SignalHandler) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func sortedIDs(m map[uint64]signalEntry) []uint64 {
	return slices.Sorted(maps.Keys(m))
}

func sortedMethodIDs(m map[uint64]methodKey) []uint64 {
	return slices.Sorted(maps.Keys(m))
}
