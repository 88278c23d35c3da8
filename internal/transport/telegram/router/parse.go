package router

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"wadispatch/internal/domain"
)

var ridSeq atomic.Uint64

// newReqID is short and sortable: base36 time, sequence, two random chars.
func newReqID() string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	n := ridSeq.Add(1)
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36) +
		string(alpha[rand.IntN(len(alpha))]) + string(alpha[rand.IntN(len(alpha))])
}

// tokenizeCommandLine splits on whitespace and honours quotes and
// backslash escapes:
//
//	/cmd a "b c"
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ:
			if ch == qChar {
				inQ = false
			} else {
				buf.WriteByte(ch)
			}
		case ch == '"' || ch == '\'':
			inQ = true
			qChar = ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// commandWord extracts "send" from "/send@my_bot".
func commandWord(tok string) (string, bool) {
	if !strings.HasPrefix(tok, "/") {
		return "", false
	}
	w := strings.TrimPrefix(tok, "/")
	if i := strings.IndexByte(w, '@'); i >= 0 {
		w = w[:i]
	}
	return strings.ToLower(w), w != ""
}

// parseSendArgs reads "friend|group <id> [now|daily|weekly|monthly]".
// The interval defaults to now.
func parseSendArgs(args []string) (domain.Selection, domain.Interval, error) {
	if len(args) < 2 || len(args) > 3 {
		return domain.Selection{}, 0, fmt.Errorf("usage: /send friend|group <id> [now|daily|weekly|monthly]")
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || id <= 0 {
		return domain.Selection{}, 0, fmt.Errorf("invalid id %q", args[1])
	}
	sel, err := domain.ParseSelection(args[0], id)
	if err != nil {
		return domain.Selection{}, 0, err
	}
	iv := domain.Immediate
	if len(args) == 3 {
		if iv, err = domain.ParseInterval(args[2]); err != nil {
			return domain.Selection{}, 0, err
		}
	}
	return sel, iv, nil
}
