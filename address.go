package dbus

import (
	"os"
	"strconv"
	"strings"
)

// Address is a parsed D-Bus server address: one or more semicolon
// separated transport entries, each a "name:k=v,k=v,..." string with
// percent-escaped parameter values.
type Address struct {
	raw     string
	entries []addressEntry
	busType string
}

type addressEntry struct {
	name   string
	params map[string]string
}

// ParseAddress parses address, which may be one of the case
// insensitive well-known names "system", "session", "starter" (each
// resolved from the corresponding DBUS_*_BUS_ADDRESS environment
// variable) or a literal D-Bus server address string.
func ParseAddress(address string) (Address, error) {
	var raw, busType string
	switch strings.ToLower(address) {
	case "system":
		raw = os.Getenv("DBUS_SYSTEM_BUS_ADDRESS")
		if raw == "" {
			raw = "unix:path=/var/run/dbus/system_bus_socket"
		}
		busType = "system"
	case "session":
		raw = os.Getenv("DBUS_SESSION_BUS_ADDRESS")
		if raw == "" {
			return Address{}, AddressError{address, "no address found for SESSION bus"}
		}
		busType = "session"
	case "starter":
		raw = os.Getenv("DBUS_STARTER_ADDRESS")
		if raw == "" {
			return Address{}, AddressError{address, "no address found for STARTER bus"}
		}
		busType = os.Getenv("DBUS_STARTER_BUS_TYPE")
	default:
		raw = address
	}

	var entries []addressEntry
	for _, part := range strings.Split(raw, ";") {
		if part == "" {
			continue
		}
		name, paramStr, ok := strings.Cut(part, ":")
		if !ok {
			return Address{}, AddressError{address, "missing ':' in address entry " + strconv.Quote(part)}
		}
		params := map[string]string{}
		if paramStr != "" {
			for _, kv := range strings.Split(paramStr, ",") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return Address{}, AddressError{address, "malformed parameter " + strconv.Quote(kv)}
				}
				unescaped, err := unescapeAddressValue(v)
				if err != nil {
					return Address{}, AddressError{address, err.Error()}
				}
				params[k] = unescaped
			}
		}
		entries = append(entries, addressEntry{name, params})
	}
	if len(entries) == 0 {
		return Address{}, AddressError{address, "no transport entries"}
	}
	return Address{raw: raw, entries: entries, busType: busType}, nil
}

// BusType returns "system" or "session" for those well-known names,
// the value of $DBUS_STARTER_BUS_TYPE for "starter", or "" if the
// address was not constructed from a well-known name.
func (a Address) BusType() string { return a.busType }

// String returns the address in its original "name:k=v,..." form.
func (a Address) String() string { return a.raw }

// isOptionallyEscaped reports whether the address grammar allows b to
// appear unescaped in a parameter value.
func isOptionallyEscaped(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '-' || b == '_' || b == '/' || b == '.' || b == '\\':
		return true
	default:
		return false
	}
}

func unescapeAddressValue(s string) (string, error) {
	var out []byte
	b := []byte(s)
	for i := 0; i < len(b); {
		switch {
		case b[i] == '%':
			if i+3 > len(b) {
				return "", AddressError{s, "truncated percent escape"}
			}
			n, err := strconv.ParseUint(string(b[i+1:i+3]), 16, 8)
			if err != nil {
				return "", AddressError{s, "invalid percent escape"}
			}
			out = append(out, byte(n))
			i += 3
		case isOptionallyEscaped(b[i]):
			out = append(out, b[i])
			i++
		default:
			return "", AddressError{s, "disallowed unescaped character " + strconv.QuoteRune(rune(b[i]))}
		}
	}
	return string(out), nil
}
