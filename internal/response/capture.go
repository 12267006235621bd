// Package response inspects what the protected handler sends back:
// bounded body capture, blocking or async analysis, PII masking and
// honeypot replacement, and the operation summary bridge into the
// process-scoped sink.
package response

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"net/http"
	"strconv"
)

// Writer wraps the downstream http.ResponseWriter. In pass-through mode
// it forwards everything and tees a bounded prefix for async analysis.
// In buffered mode it holds the response so a blocking analysis can
// still rewrite it; a body that outgrows the buffer is flushed through
// and the rewrite option is gone.
type Writer struct {
	dst http.ResponseWriter

	buffered  bool
	maxBuffer int

	status      int
	wroteHeader bool
	body        bytes.Buffer
	written     int64
	overflowed  bool
	hijacked    bool
	released    bool
}

func newWriter(dst http.ResponseWriter, buffered bool, maxBuffer int) *Writer {
	return &Writer{dst: dst, buffered: buffered, maxBuffer: maxBuffer, status: http.StatusOK}
}

func (w *Writer) Header() http.Header { return w.dst.Header() }

func (w *Writer) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	if !w.buffered || w.overflowed {
		w.dst.WriteHeader(code)
	}
}

func (w *Writer) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	w.written += int64(len(b))

	if w.buffered && !w.overflowed {
		if w.body.Len()+len(b) <= w.maxBuffer {
			return w.body.Write(b)
		}
		// Too big to hold; stream what we have and everything after.
		w.overflowed = true
		w.dst.WriteHeader(w.status)
		if w.body.Len() > 0 {
			if _, err := w.dst.Write(w.body.Bytes()); err != nil {
				return 0, err
			}
		}
		return w.dst.Write(b)
	}

	if room := w.maxBuffer - w.body.Len(); room > 0 {
		if len(b) <= room {
			w.body.Write(b)
		} else {
			w.body.Write(b[:room])
		}
	}
	return w.dst.Write(b)
}

// Release flushes a buffered response unchanged. Safe to call on
// pass-through and overflowed writers too.
func (w *Writer) Release() error {
	if !w.buffered || w.overflowed || w.hijacked || w.released {
		return nil
	}
	w.released = true
	w.dst.WriteHeader(w.status)
	_, err := w.dst.Write(w.body.Bytes())
	return err
}

// Rewrite discards the buffered response and sends a replacement.
// It only works while the original is still fully held.
func (w *Writer) Rewrite(status int, contentType string, body []byte) error {
	if !w.buffered || w.overflowed || w.hijacked || w.released {
		return errors.New("response already streamed")
	}
	w.released = true
	h := w.dst.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Del("Content-Encoding")
	w.dst.WriteHeader(status)
	_, err := w.dst.Write(body)
	return err
}

// Status returns the handler's status code.
func (w *Writer) Status() int { return w.status }

// Prefix returns the captured body prefix.
func (w *Writer) Prefix() []byte { return w.body.Bytes() }

// BytesWritten returns the total body size the handler produced.
func (w *Writer) BytesWritten() int64 { return w.written }

// Rewritable reports whether the response can still be replaced.
func (w *Writer) Rewritable() bool {
	return w.buffered && !w.overflowed && !w.hijacked && !w.released
}

// Hijacked reports whether the connection was taken over (websocket).
func (w *Writer) Hijacked() bool { return w.hijacked }

// Hijack hands the connection to the caller; upgrade handshakes need it.
func (w *Writer) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.dst.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.hijacked = true
	return hj.Hijack()
}

func (w *Writer) Flush() {
	if w.buffered && !w.overflowed {
		return
	}
	if f, ok := w.dst.(http.Flusher); ok {
		f.Flush()
	}
}
