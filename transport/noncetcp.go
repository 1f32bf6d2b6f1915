package transport

import (
	"errors"
	"fmt"
	"os"
)

// nonceSize is the fixed length, in bytes, of the nonce a nonce-tcp
// server writes to its noncefile and expects back verbatim on every
// new connection.
const nonceSize = 16

// dialNonceTCP connects like dialTCP, then writes the contents of the
// "noncefile" address parameter to the socket before starting the
// SASL handshake, as the nonce-tcp transport requires.
func dialNonceTCP(params map[string]string) (DialResult, error) {
	noncePath, ok := params["noncefile"]
	if !ok {
		return DialResult{}, errors.New("nonce-tcp transport requires a noncefile parameter")
	}
	nonce, err := os.ReadFile(noncePath)
	if err != nil {
		return DialResult{}, err
	}
	if len(nonce) != nonceSize {
		return DialResult{}, errors.New("nonce-tcp noncefile did not contain a 16-byte nonce")
	}

	conn, err := dialTCPAddr(params)
	if err != nil {
		return DialResult{}, err
	}
	if _, err := conn.Write(nonce); err != nil {
		conn.Close()
		return DialResult{}, err
	}

	t := newTCPConn(conn)
	guid, _, err := authenticate(conn, false)
	if err != nil {
		t.Close()
		return DialResult{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return DialResult{Conn: t, GUID: guid, UnixFDsEnabled: false}, nil
}
