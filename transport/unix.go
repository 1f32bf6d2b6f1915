package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// dialUnix connects to the bus over a Unix domain socket named by
// the "path" or "abstract" address parameter, and authenticates,
// negotiating Unix FD passing.
func dialUnix(params map[string]string) (DialResult, error) {
	var name string
	if p, ok := params["path"]; ok {
		name = p
	} else if a, ok := params["abstract"]; ok {
		name = "@" + a
	} else {
		return DialResult{}, errors.New("unix transport requires a path or abstract parameter")
	}

	addr := &net.UnixAddr{Net: "unix", Name: name}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return DialResult{}, err
	}

	u := &unixConn{conn: conn, fds: queue.New[int]()}
	u.buf = bufio.NewReader(funcReader(u.readToBuf))

	guid, unixFDsEnabled, err := authenticate(conn, true)
	if err != nil {
		u.Close()
		return DialResult{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return DialResult{Conn: u, GUID: guid, UnixFDsEnabled: unixFDsEnabled}, nil
}

// unixConn is a Conn over a Unix domain socket, the only transport
// that carries file descriptors.
type unixConn struct {
	conn *net.UnixConn
	oob  [512]byte
	buf  *bufio.Reader
	fds  *queue.Queue[int]
}

func (u *unixConn) Peek(n int) ([]byte, error) {
	return u.buf.Peek(n)
}

func (u *unixConn) Recv(buf []byte) error {
	_, err := io.ReadFull(u.buf, buf)
	return err
}

func (u *unixConn) PopFDs(n int) ([]int, error) {
	out := make([]int, 0, n)
	for range n {
		fd, ok := u.fds.Pop()
		if !ok {
			for _, fd := range out {
				unix.Close(fd)
			}
			return nil, errors.New("requested unix file descriptor not available")
		}
		out = append(out, fd)
	}
	return out, nil
}

func (u *unixConn) Send(bs []byte, fds []int) error {
	if len(fds) == 0 {
		_, err := u.conn.Write(bs)
		return err
	}
	scm := unix.UnixRights(fds...)
	n, oobn, err := u.conn.WriteMsgUnix(bs, scm, nil)
	if err != nil {
		return err
	}
	if n != len(bs) || oobn != len(scm) {
		return io.ErrShortWrite
	}
	return nil
}

func (u *unixConn) SupportsFDs() bool { return true }

func (u *unixConn) Close() error {
	u.fds.Each(func(fd int) bool {
		unix.Close(fd)
		return true
	})
	u.fds.Clear()
	return u.conn.Close()
}

func (u *unixConn) readToBuf(bs []byte) (int, error) {
	n, oobn, flags, _, err := u.conn.ReadMsgUnix(bs, u.oob[:])
	if flags&unix.MSG_CTRUNC != 0 {
		return 0, errors.New("control message truncated")
	}
	if oobn > 0 {
		if oobErr := u.parseFDs(u.oob[:oobn]); oobErr != nil {
			return 0, oobErr
		}
	}
	return n, err
}

func (u *unixConn) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			u.fds.Add(fd)
		}
	}
	return errors.Join(errs...)
}

type funcReader func([]byte) (int, error)

func (f funcReader) Read(bs []byte) (int, error) {
	return f(bs)
}
