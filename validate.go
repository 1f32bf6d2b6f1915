package dbus

import (
	"strings"

	"github.com/opendcar/dcar/fragments"
)

// LocalPath is the reserved object path used by the bus daemon itself
// and never valid as a message's PATH header field.
const LocalPath = ObjectPath("/org/freedesktop/DBus/Local")

// LocalInterface is the reserved interface name used by the bus
// daemon itself and never valid as a message's INTERFACE header
// field.
const LocalInterface = "org.freedesktop.DBus.Local"

func isNameChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// ValidateObjectPath reports whether p is a syntactically valid D-Bus
// object path: either "/" alone, or a path that starts with "/", does
// not end with "/", is not the reserved local path, and whose
// "/"-separated elements are each non-empty and contain only
// [A-Za-z0-9_].
func ValidateObjectPath(p ObjectPath) error {
	s := string(p)
	if s == "/" {
		return nil
	}
	if s == "" || s[0] != '/' {
		return ValidationError{"object path", s, "must start with '/'"}
	}
	if strings.HasSuffix(s, "/") {
		return ValidationError{"object path", s, "must not end with '/'"}
	}
	if p == LocalPath {
		return ValidationError{"object path", s, "is the reserved local path"}
	}
	for _, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return ValidationError{"object path", s, "contains an empty path element"}
		}
		for i := 0; i < len(elem); i++ {
			if !isNameChar(elem[i]) {
				return ValidationError{"object path", s, "path elements must match [A-Za-z0-9_]+"}
			}
		}
	}
	return nil
}

func validateDottedName(kind, s string, reserved string, elementLeadingDigitOK bool) error {
	if len(s) < 1 || len(s) > 255 {
		return ValidationError{kind, s, "must be 1..255 characters"}
	}
	if s == reserved {
		return ValidationError{kind, s, "is a reserved name"}
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return ValidationError{kind, s, "must have at least two dot-separated elements"}
	}
	for _, elem := range elems {
		if elem == "" {
			return ValidationError{kind, s, "contains an empty element"}
		}
		if !elementLeadingDigitOK && isDigit(elem[0]) {
			return ValidationError{kind, s, "element must not start with a digit"}
		}
		for i := 0; i < len(elem); i++ {
			if !isNameChar(elem[i]) {
				return ValidationError{kind, s, "elements must match [A-Za-z0-9_]+"}
			}
		}
	}
	return nil
}

// ValidateInterfaceName reports whether s is a syntactically valid
// D-Bus interface name.
func ValidateInterfaceName(s string) error {
	return validateDottedName("interface name", s, LocalInterface, false)
}

// ValidateErrorName reports whether s is a syntactically valid D-Bus
// error name. Error names share the interface name grammar.
func ValidateErrorName(s string) error {
	return validateDottedName("error name", s, "", false)
}

// ValidateMemberName reports whether s is a syntactically valid
// D-Bus member (method or signal) name: 1..255 characters, no dots,
// not starting with a digit, matching [A-Za-z0-9_]+.
func ValidateMemberName(s string) error {
	if len(s) < 1 || len(s) > 255 {
		return ValidationError{"member name", s, "must be 1..255 characters"}
	}
	if isDigit(s[0]) {
		return ValidationError{"member name", s, "must not start with a digit"}
	}
	for i := 0; i < len(s); i++ {
		if !isNameChar(s[i]) {
			return ValidationError{"member name", s, "must match [A-Za-z0-9_]+"}
		}
	}
	return nil
}

// ValidateBusName reports whether s is a syntactically valid D-Bus
// bus name. Names starting with ':' are unique names, whose elements
// may begin with a digit and which the daemon mints with however many
// elements it likes; others are well-known names, subject to the
// stricter grammar. If strict is false, well-known names are not
// required to have at least two dot-separated elements.
func ValidateBusName(s string, strict bool) error {
	if len(s) < 1 || len(s) > 255 {
		return ValidationError{"bus name", s, "must be 1..255 characters"}
	}
	unique := strings.HasPrefix(s, ":")
	body := s
	if unique {
		body = s[1:]
	}
	elems := strings.Split(body, ".")
	if !unique && strict && len(elems) < 2 {
		return ValidationError{"bus name", s, "must have at least two dot-separated elements"}
	}
	for _, elem := range elems {
		if elem == "" {
			return ValidationError{"bus name", s, "contains an empty element"}
		}
		if !unique && isDigit(elem[0]) {
			return ValidationError{"bus name", s, "well-known name element must not start with a digit"}
		}
		for i := 0; i < len(elem); i++ {
			c := elem[i]
			if !isNameChar(c) && c != '-' {
				return ValidationError{"bus name", s, "elements must match [A-Za-z0-9_-]+"}
			}
		}
	}
	return nil
}

// ValidateSerial reports whether s is a valid message serial: nonzero
// and positive.
func ValidateSerial(s uint32) error {
	if s == 0 {
		return ValidationError{"serial", "0", "serial must be nonzero"}
	}
	return nil
}

// ValidateUnixFDCount reports whether n is a valid UNIX_FDS header
// field value: non-negative (trivially true for the unsigned type)
// and within the wire limit.
func ValidateUnixFDCount(n uint32) error {
	if n > fragments.MaxUnixFDs {
		return ValidationError{"unix fds", "", "exceeds maximum file descriptor count"}
	}
	return nil
}
