package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"dmls/internal/crypto"
	"dmls/internal/protocol/mls"
)

// maxLineBytes bounds one base64 line on stdin.
const maxLineBytes = 1 << 20

func writeMessage(w io.Writer, m *mls.Message) error {
	raw, err := m.Encode()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, crypto.B64(raw))
	return err
}

func readMessage(line string) (*mls.Message, error) {
	raw, err := crypto.UnB64(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mls.ErrMalformedMessage, err)
	}
	return mls.DecodeMessage(raw)
}

// eachLine calls fn for every non-blank line of r with its 1-based number.
func eachLine(r io.Reader, fn func(n int, line string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fn(n, line)
	}
	return sc.Err()
}

// reporter prints per-item failures of a batch to w.
func reporter(w io.Writer, what string) func(n int, err error) {
	return func(n int, err error) {
		fmt.Fprintf(w, "%s on line %d: %v\n", what, n, err)
	}
}
