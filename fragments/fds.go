package fragments

import (
	"github.com/creachadair/mds/mapset"
	"golang.org/x/sys/unix"
)

// FDList is an ordered, deduplicated list of Unix file descriptors
// attached to a message as an out-of-band side channel. The wire
// format never encodes a raw descriptor value inline: it encodes the
// descriptor's index into this list.
type FDList struct {
	seen  mapset.Set[int] // caller descriptors already added
	origs []int           // caller descriptor behind each index
	fds   []int           // stored descriptors (duplicates, on the encode path)
}

// Add duplicates fd with unix.Dup, appends the duplicate, and returns
// its index. Deduplication is by the caller's descriptor: adding the
// same fd again returns the existing index without duplicating it a
// second time. The caller keeps ownership of fd and may close it as
// soon as Add returns; the duplicates are owned by the list until
// they are handed to a transport for sending (see Close). Add returns
// an error if the list is already at MaxUnixFDs or fd cannot be
// duplicated.
func (l *FDList) Add(fd int) (int, error) {
	if l.seen == nil {
		l.seen = mapset.New[int]()
	}
	if l.seen.Contains(fd) {
		for i, v := range l.origs {
			if v == fd {
				return i, nil
			}
		}
	}
	if len(l.fds) >= MaxUnixFDs {
		return 0, ErrTooLong
	}
	dup, err := unix.Dup(fd)
	if err != nil {
		return 0, err
	}
	l.seen.Add(fd)
	l.origs = append(l.origs, fd)
	l.fds = append(l.fds, dup)
	return len(l.fds) - 1, nil
}

// Append records fds as already-deduplicated entries received off the
// wire (e.g. from SCM_RIGHTS ancillary data), appending them in order
// without duplicating them or re-checking the sender's choices.
// Descriptors recorded with Append are owned by whoever retrieves
// them from the decoded message.
func (l *FDList) Append(fds ...int) {
	l.fds = append(l.fds, fds...)
}

// At returns the file descriptor at index i.
func (l *FDList) At(i int) (int, bool) {
	if i < 0 || i >= len(l.fds) {
		return 0, false
	}
	return l.fds[i], true
}

// Len returns the number of file descriptors in the list.
func (l *FDList) Len() int {
	return len(l.fds)
}

// All returns the file descriptors in the list, in order.
func (l *FDList) All() []int {
	return append([]int(nil), l.fds...)
}

// Close closes every descriptor in the list and empties it, releasing
// duplicates that will never be handed to a transport. The encoder's
// error paths call it so a failed marshal does not leak descriptors.
func (l *FDList) Close() {
	for _, fd := range l.fds {
		unix.Close(fd)
	}
	l.seen, l.origs, l.fds = nil, nil, nil
}
