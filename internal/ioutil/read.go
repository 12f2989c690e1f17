package ioutil

import (
	"fmt"
	"io"
	"strings"
)

// maxDrain bounds how much of an unread body is discarded before close.
const maxDrain = 64 << 10

// ReadLimited reads up to limit bytes from r for use in error messages and
// logs. Surrounding whitespace is trimmed. A read failure is described in the
// returned string rather than dropped.
func ReadLimited(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return strings.TrimSpace(string(body))
}

// DrainAndClose discards a bounded amount of rc and closes it so the
// underlying connection can be reused.
func DrainAndClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, maxDrain))
	_ = rc.Close()
}
