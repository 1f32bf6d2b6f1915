package transport

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// authConn is the minimal surface the SASL-style handshake needs: a
// byte sink and a line-oriented source, used before any message
// framing is installed on the connection.
type authConn struct {
	w io.Writer
	r *bufio.Reader
}

// authenticate runs the SASL-style handshake over conn, returning the
// negotiated GUID and whether the server agreed to Unix FD passing.
// wantUnixFDs should be true only for Unix domain socket transports.
func authenticate(conn io.ReadWriter, wantUnixFDs bool) (guid string, unixFDsEnabled bool, err error) {
	c := authConn{w: conn, r: bufio.NewReader(conn)}

	if _, err := c.w.Write([]byte("\x00AUTH\r\n")); err != nil {
		return "", false, fmt.Errorf("dbus auth: %w", err)
	}
	reply, err := c.recvLine()
	if err != nil {
		return "", false, fmt.Errorf("dbus auth: %w", err)
	}
	fields := strings.Fields(reply)
	if len(fields) == 0 || fields[0] != "REJECTED" {
		return "", false, fmt.Errorf("dbus auth: unexpected reply %q", reply)
	}
	offered := fields[1:]

	for _, mech := range []string{"EXTERNAL", "DBUS_COOKIE_SHA1", "ANONYMOUS"} {
		if !contains(offered, mech) {
			continue
		}
		mechFields, ok, err := c.tryMechanism(mech)
		if err != nil {
			return "", false, err
		}
		if !ok {
			if _, err := c.w.Write([]byte("CANCEL\r\n")); err != nil {
				return "", false, fmt.Errorf("dbus auth %s: %w", mech, err)
			}
			if _, err := c.recvLine(); err != nil {
				return "", false, fmt.Errorf("dbus auth %s: %w", mech, err)
			}
			continue
		}
		if mechFields[0] != "OK" {
			continue
		}
		guid = mechFields[1]
		if wantUnixFDs {
			if _, err := c.w.Write([]byte("NEGOTIATE_UNIX_FD\r\n")); err != nil {
				return "", false, fmt.Errorf("dbus auth %s: %w", mech, err)
			}
			reply, err := c.recvLine()
			if err != nil {
				return "", false, fmt.Errorf("dbus auth %s: %w", mech, err)
			}
			unixFDsEnabled = strings.Fields(reply)[0] == "AGREE_UNIX_FD"
		}
		if _, err := c.w.Write([]byte("BEGIN\r\n")); err != nil {
			return "", false, fmt.Errorf("dbus auth %s: %w", mech, err)
		}
		return guid, unixFDsEnabled, nil
	}
	return "", false, fmt.Errorf("dbus auth: no supported mechanism in %q", offered)
}

// tryMechanism runs one AUTH mechanism and returns the server's final
// space-split reply fields, or ok=false if the mechanism could not
// proceed (no credentials, unreadable cookie file, etc) and the
// handshake should move on to the next offered mechanism.
func (c *authConn) tryMechanism(mech string) (fields []string, ok bool, err error) {
	switch mech {
	case "EXTERNAL":
		id := hex.EncodeToString([]byte(fmt.Sprintf("%d", os.Getuid())))
		if _, err := fmt.Fprintf(c.w, "AUTH EXTERNAL %s\r\n", id); err != nil {
			return nil, false, fmt.Errorf("dbus auth EXTERNAL: %w", err)
		}
		reply, err := c.recvLine()
		if err != nil {
			return nil, false, fmt.Errorf("dbus auth EXTERNAL: %w", err)
		}
		return strings.Fields(reply), true, nil

	case "ANONYMOUS":
		if _, err := c.w.Write([]byte("AUTH ANONYMOUS\r\n")); err != nil {
			return nil, false, fmt.Errorf("dbus auth ANONYMOUS: %w", err)
		}
		reply, err := c.recvLine()
		if err != nil {
			return nil, false, fmt.Errorf("dbus auth ANONYMOUS: %w", err)
		}
		return strings.Fields(reply), true, nil

	case "DBUS_COOKIE_SHA1":
		return c.tryCookieSHA1()

	default:
		return nil, false, nil
	}
}

// tryCookieSHA1 implements the DBUS_COOKIE_SHA1 mechanism, reading
// the shared cookie from $HOME/.dbus-keyrings per the protocol spec.
func (c *authConn) tryCookieSHA1() (fields []string, ok bool, err error) {
	keyringDir, err := cookieKeyringDir()
	if err != nil {
		return nil, false, nil
	}
	if !cookieDirPermissionsOK(keyringDir) {
		return nil, false, nil
	}

	id := hex.EncodeToString([]byte(fmt.Sprintf("%d", os.Getuid())))
	if _, err := fmt.Fprintf(c.w, "AUTH DBUS_COOKIE_SHA1 %s\r\n", id); err != nil {
		return nil, false, fmt.Errorf("dbus auth DBUS_COOKIE_SHA1: %w", err)
	}
	reply, err := c.recvLine()
	if err != nil {
		return nil, false, fmt.Errorf("dbus auth DBUS_COOKIE_SHA1: %w", err)
	}
	replyFields := strings.Fields(reply)
	if len(replyFields) < 2 || replyFields[0] != "DATA" {
		return replyFields, true, nil
	}
	decoded, err := hex.DecodeString(replyFields[1])
	if err != nil {
		return nil, false, fmt.Errorf("dbus auth DBUS_COOKIE_SHA1: malformed DATA payload")
	}
	parts := strings.Fields(string(decoded))
	if len(parts) != 3 {
		return nil, false, fmt.Errorf("dbus auth DBUS_COOKIE_SHA1: malformed challenge")
	}
	cookieCtx, cookieID, serverChallenge := parts[0], parts[1], parts[2]

	cookie, err := readCookie(keyringDir, cookieCtx, cookieID)
	if err != nil {
		return nil, false, nil
	}

	clientChallenge := make([]byte, 16)
	if _, err := rand.Read(clientChallenge); err != nil {
		return nil, false, fmt.Errorf("dbus auth DBUS_COOKIE_SHA1: %w", err)
	}
	clientChallengeHex := hex.EncodeToString(clientChallenge)

	h := sha1.New()
	fmt.Fprintf(h, "%s:%s:%s", serverChallenge, clientChallengeHex, cookie)
	digest := hex.EncodeToString(h.Sum(nil))

	resp := hex.EncodeToString([]byte(fmt.Sprintf("%s %s", clientChallengeHex, digest)))
	if _, err := fmt.Fprintf(c.w, "DATA %s\r\n", resp); err != nil {
		return nil, false, fmt.Errorf("dbus auth DBUS_COOKIE_SHA1: %w", err)
	}
	final, err := c.recvLine()
	if err != nil {
		return nil, false, fmt.Errorf("dbus auth DBUS_COOKIE_SHA1: %w", err)
	}
	return strings.Fields(final), true, nil
}

func cookieKeyringDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".dbus-keyrings"), nil
}

// cookieDirPermissionsOK reports whether the keyring directory is not
// readable by group or other, per the protocol's requirement that
// DBUS_COOKIE_SHA1 only be trusted when the directory is private to
// the user.
func cookieDirPermissionsOK(dir string) bool {
	fi, err := os.Stat(dir)
	if err != nil {
		return false
	}
	return fi.Mode().Perm()&0o077 == 0
}

func readCookie(dir, context, id string) (string, error) {
	bs, err := os.ReadFile(filepath.Join(dir, context))
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(bs), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[0] == id {
			return fields[2], nil
		}
	}
	return "", fmt.Errorf("dbus auth DBUS_COOKIE_SHA1: cookie id %q not found", id)
}

func (c *authConn) recvLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
