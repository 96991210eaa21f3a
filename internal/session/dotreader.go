package session

import "bufio"

// drainUntilDot reads and discards from r until the "\r\n.\r\n"
// terminator is seen (or the connection errors out). It is used after
// rejecting an oversized DATA body: the client still has bytes in
// flight, and treating them as new command lines instead of discarding
// them is a known SMTP smuggling vector (grounded on chasquid's own
// internal/smtpsrv/dotreader.go readUntilDot, used for the same
// purpose).
func drainUntilDot(r *bufio.Reader) {
	const (
		other = iota
		cr
		crlf
	)
	state := crlf
	// last3 holds the three bytes before the current one; it starts as if
	// a line had just ended, so a "." at the very start counts as a line
	// start.
	last3 := []byte{0, '\r', '\n'}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		switch b {
		case '\r':
			state = cr
		case '\n':
			if state == cr && string(last3) == "\n.\r" {
				return
			}
			state = crlf
		default:
			state = other
		}
		copy(last3, last3[1:])
		last3[2] = b
	}
}
