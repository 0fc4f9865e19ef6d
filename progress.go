// Progress lines on stdout while a batch is fetched. Only shown when the
// result goes to a file, so stdout is free.
package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"
)

// progressOut is os.Stdout when -o is given and not silenced, otherwise
// io.Discard.
var progressOut io.Writer = io.Discard

// progressMu keeps lines from concurrent fetches whole.
var progressMu sync.Mutex

func pprintf(format string, args ...any) {
	progressMu.Lock()
	defer progressMu.Unlock()
	fmt.Fprintf(progressOut, format, args...)
}

// shortURL returns host and path without scheme or query, truncated to 60
// characters.
func shortURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	display := strings.TrimSuffix(u.Host+u.Path, "/")
	if utf8.RuneCountInString(display) > 60 {
		runes := []rune(display)
		display = string(runes[:57]) + "..."
	}
	return display
}

// batchProgress numbers completed fetches as "[done/total]". Completion
// order, not input order.
type batchProgress struct {
	total int
	done  atomic.Int32
}

func newBatchProgress(total int) *batchProgress {
	return &batchProgress{total: total}
}

func (p *batchProgress) report(rawURL string, a *Article, err error) {
	n := p.done.Add(1)
	switch {
	case err != nil:
		pprintf("[%d/%d] %s failed: %v\n", n, p.total, shortURL(rawURL), err)
	case a == nil:
		pprintf("[%d/%d] %s not found\n", n, p.total, shortURL(rawURL))
	default:
		pprintf("[%d/%d] %s: %s\n", n, p.total, shortURL(rawURL), a.Title)
	}
}
