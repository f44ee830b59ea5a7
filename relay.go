package o2gate

import (
	"bufio"
	"bytes"
	"io"
	"sync"
	"sync/atomic"

	humanize "github.com/dustin/go-humanize"
)

// LineFilter rewrites a server line during relay. It must return the line
// terminator it was given.
type LineFilter func(line []byte) []byte

// relayOptions controls the post-authentication forwarding phase
type relayOptions struct {
	// tee logs every relayed line without altering it
	tee bool
	// downstream filters remote->client lines; nil forwards bytes verbatim
	downstream LineFilter
}

// relay forwards bytes in both directions until either side reaches end of
// input, then closes both streams. Buffered data already read by the
// handshake readers is forwarded first.
func (s *session) relay(opts relayOptions) {
	var up, down atomic.Int64
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = s.local.Close()
			_ = s.remote.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		n := s.pipe(s.lr, s.remote, "client>remote", opts.tee, nil)
		up.Store(n)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		n := s.pipe(s.rr, s.local, "remote>client", opts.tee, opts.downstream)
		down.Store(n)
	}()
	wg.Wait()

	s.log.Info("session closed",
		"sent", humanize.Bytes(uint64(up.Load())),
		"received", humanize.Bytes(uint64(down.Load())))
}

// pipe copies r to w, line by line when tee logging or filtering is active
func (s *session) pipe(r *bufio.Reader, w io.Writer, dir string, tee bool, filter LineFilter) int64 {
	if !tee && filter == nil {
		n, _ := r.WriteTo(w)
		return n
	}
	var n int64
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if filter != nil {
				line = filter(line)
			}
			if tee {
				debugLog(s.id, s.proto, dir, "line", string(dropNl(line)))
			}
			m, werr := w.Write(line)
			n += int64(m)
			if werr != nil {
				return n
			}
		}
		if err != nil {
			return n
		}
	}
}

// stripCompression removes the COMPRESS=DEFLATE capability from IMAP server
// lines so the client never negotiates a compressed stream
func stripCompression(line []byte) []byte {
	const token = " COMPRESS=DEFLATE"
	if !bytes.Contains(bytes.ToUpper(line), []byte(token)) {
		return line
	}
	var out []byte
	rest := line
	for {
		i := bytes.Index(bytes.ToUpper(rest), []byte(token))
		if i < 0 {
			break
		}
		out = append(out, rest[:i]...)
		rest = rest[i+len(token):]
	}
	return append(out, rest...)
}
