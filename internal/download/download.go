// Package download implements the download driver: it orchestrates
// internal/httprange over a caller-supplied dialer, resuming from a
// caller-owned cursor, retrying chunks on read failure, and reconnecting
// without losing progress on a mid-transfer disconnect.
package download

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jpillora/backoff"

	"github.com/openhaa/ota-updater/internal/httprange"
	"github.com/openhaa/ota-updater/internal/metrics"
)

// ChunkSize is the range size requested per iteration.
const ChunkSize = 4096

// DefaultMaxTries is the default number of connect/chunk attempts before
// a download call reports itself partial.
const DefaultMaxTries = 8

const requestTimeout = 60 * time.Second

// Sentinel errors for the failure taxonomy a caller maps to its own
// outcome codes.
var (
	// ErrOversize is returned when the length reported by the server
	// exceeds the caller's MaxSize; this is fatal, no retry.
	ErrOversize = errors.New("download: reported length exceeds maximum image size")
	// ErrMissingContentLength is returned for a RAM target when the first
	// chunk carried neither Content-Range nor a positive Content-Length.
	// Flash targets take the Content-Range retry path instead.
	ErrMissingContentLength = errors.New("download: first response carried no Content-Length")
	// ErrMissingContentRange is returned when Content-Range stayed absent
	// across the configured retry budget while writing to flash.
	ErrMissingContentRange = errors.New("download: server never returned Content-Range while writing to flash")
	// errZeroRead marks an orderly close seen mid-body, treated the same
	// as a read error by the retry loop.
	errZeroRead = errors.New("download: connection closed mid-body")
)

// ErrBadStatus is returned when a chunk response's status is neither 200
// nor 206 (302 cannot occur here: redirects are resolved by
// internal/redirect before Download is ever called).
type ErrBadStatus struct{ Status int }

func (e *ErrBadStatus) Error() string {
	return fmt.Sprintf("download: unexpected status %d", e.Status)
}

// Sink is the write surface a download streams chunks into. flash.Writer
// satisfies this directly; RAMBuffer stands in for small in-memory
// targets such as signature and version files.
type Sink interface {
	Write(offset int64, b []byte) error
}

// Session is the per-hop transport surface Download needs; it matches
// transport.Session's Send/Recv/Close/SetDeadline.
type Session interface {
	httprange.Recver
	Send([]byte) error
	Close() error
	SetDeadline(time.Time) error
}

// Dialer opens one fresh session to host:port.
type Dialer func(host string, port int, useTLS bool) (Session, error)

// Params describes one download call, already resolved to a settled
// host/path by internal/redirect.
type Params struct {
	Host string
	Path string
	Port int
	TLS  bool

	// Cursor is the resume offset; 0 for a fresh download.
	Cursor int64
	// MaxSize is MAXFILESIZE for this target; 0 disables the check,
	// appropriate for small RAM targets that have no slot-size meaning.
	MaxSize int64
	// RAMTarget is true when Sink is a RAMBuffer rather than a flash
	// slot: a missing Content-Range then falls back to Content-Length
	// instead of triggering the flash-only retry path.
	RAMTarget bool

	// MaxTries overrides DefaultMaxTries when non-zero.
	MaxTries int
	// MaxContentRangeRetries caps the Content-Range-absent-while-flash
	// retry path independently of MaxTries. Zero means unlimited,
	// preserving the original uncapped-by-the-outer-loop behavior.
	MaxContentRangeRetries int
}

// Result reports where a Download call left off.
type Result struct {
	// Cursor is the bytes committed so far; advanced monotonically
	// within the call, safe to persist and resume from.
	Cursor int64
	// Length is the total image size learned from the first chunk's
	// Content-Range/Content-Length, or 0 if never learned.
	Length int64
	// Partial is true when MaxTries was exhausted: the caller may retry
	// later with Cursor preserved.
	Partial bool
}

// Downloader runs the chunked download/retry orchestration loop over a
// Dialer.
type Downloader struct {
	Dial Dialer
	Log  logr.Logger

	// Backoff paces reconnect attempts between retries; defaults to a
	// short exponential backoff if left zero-valued.
	Backoff backoff.Backoff
}

// New returns a Downloader with a conservative default backoff.
func New(dial Dialer) *Downloader {
	return &Downloader{
		Dial: dial,
		Log:  logr.Discard(),
		Backoff: backoff.Backoff{
			Min:    100 * time.Millisecond,
			Max:    10 * time.Second,
			Jitter: true,
		},
	}
}

// Download streams bytes from p.Host/p.Path into sink starting at
// p.Cursor, returning once the full image has been written or the retry
// budget is exhausted.
func (d *Downloader) Download(p Params, sink Sink) (Result, error) {
	maxTries := p.MaxTries
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}

	cursor := p.Cursor
	length := int64(-1)
	attempts := 0
	contentRangeRetries := 0

	var session *wireSession
	defer func() {
		if session != nil {
			session.Close()
		}
	}()

	d.Backoff.Reset()

	for {
		if length >= 0 && cursor >= length {
			return Result{Cursor: cursor, Length: length}, nil
		}

		if session == nil {
			sess, err := d.Dial(p.Host, p.Port, p.TLS)
			if err != nil {
				attempts++
				metrics.Retries.WithLabelValues("chunk").Inc()
				d.Log.Info("download: connect failed, retrying", "attempt", attempts, "err", err.Error())
				if attempts >= maxTries {
					return Result{Cursor: cursor, Length: maxInt64(length, 0), Partial: true}, nil
				}
				time.Sleep(d.Backoff.Duration())
				continue
			}
			session = &wireSession{Session: sess}
		}

		last := cursor
		end := cursor + ChunkSize - 1

		resp, body, err := d.fetchChunk(session, p.Host, p.Path, cursor, end)
		if err != nil {
			session.Close()
			session = nil
			cursor = last
			attempts++
			metrics.Retries.WithLabelValues("chunk").Inc()
			d.Log.Info("download: chunk failed, reconnecting", "attempt", attempts, "cursor", cursor, "err", err.Error())
			if attempts >= maxTries {
				return Result{Cursor: cursor, Length: maxInt64(length, 0), Partial: true}, nil
			}
			time.Sleep(d.Backoff.Duration())
			continue
		}

		if resp.Status != 200 && resp.Status != 206 {
			return Result{}, &ErrBadStatus{Status: resp.Status}
		}

		if length < 0 {
			switch {
			case resp.ContentRange != nil:
				length = resp.ContentRange.Total
			case p.RAMTarget && resp.ContentLength > 0:
				length = resp.ContentLength
			case p.RAMTarget:
				return Result{}, ErrMissingContentLength
			default:
				// Writing to flash with no Content-Range: retry on a
				// fresh connection. Does not consume the main attempt
				// budget.
				contentRangeRetries++
				metrics.Retries.WithLabelValues("content-range").Inc()
				if p.MaxContentRangeRetries > 0 && contentRangeRetries > p.MaxContentRangeRetries {
					return Result{}, ErrMissingContentRange
				}
				session.Close()
				session = nil
				d.Log.Info("download: missing Content-Range, reconnecting", "retry", contentRangeRetries)
				continue
			}

			if p.MaxSize > 0 && length > p.MaxSize {
				return Result{}, ErrOversize
			}
		}

		want := end - cursor + 1
		if length >= 0 && length-cursor < want {
			want = length - cursor
		}

		full, err := readBody(session, body, int(want))
		if err != nil {
			session.Close()
			session = nil
			cursor = last
			attempts++
			metrics.Retries.WithLabelValues("chunk").Inc()
			d.Log.Info("download: short read, reconnecting", "attempt", attempts, "cursor", cursor)
			if attempts >= maxTries {
				return Result{Cursor: cursor, Length: maxInt64(length, 0), Partial: true}, nil
			}
			time.Sleep(d.Backoff.Duration())
			continue
		}

		if err := sink.Write(cursor, full); err != nil {
			return Result{}, fmt.Errorf("download: writing %d bytes at %d: %w", len(full), cursor, err)
		}

		cursor += int64(len(full))
		attempts = 0
		d.Backoff.Reset()
	}
}

func (d *Downloader) fetchChunk(session *wireSession, host, path string, start, end int64) (*httprange.Response, []byte, error) {
	if err := session.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		return nil, nil, fmt.Errorf("download: set deadline: %w", err)
	}
	req := httprange.BuildRangeRequest(host, path, start, end)
	if err := session.Send(req); err != nil {
		return nil, nil, fmt.Errorf("download: send: %w", err)
	}
	resp, body, err := httprange.ParseResponse(session)
	if err != nil {
		return nil, nil, fmt.Errorf("download: parse response: %w", err)
	}
	return resp, body, nil
}

// readBody accumulates already-received body bytes plus further reads off
// session until want bytes have been collected. Bytes read past want (a
// scratch read can overshoot when it happens to pull in the start of the
// next pipelined response) are pushed back onto session so the next
// ParseResponse call sees them rather than losing them.
func readBody(session *wireSession, already []byte, want int) ([]byte, error) {
	buf := make([]byte, 0, want)
	buf = append(buf, already...)

	scratch := make([]byte, httprange.RecvScratchLen)
	for len(buf) < want {
		n, err := session.Recv(scratch)
		if err != nil {
			return buf, fmt.Errorf("download: recv: %w", err)
		}
		if n == 0 {
			return buf, errZeroRead
		}
		buf = append(buf, scratch[:n]...)
	}

	if len(buf) > want {
		session.unread(buf[want:])
		buf = buf[:want]
	}
	return buf, nil
}

// wireSession wraps a dialed Session with a small pending-byte queue so
// bytes read ahead of where a caller needed them (header reads that
// overshoot into body, body reads that overshoot into the next response)
// can be handed back instead of discarded.
type wireSession struct {
	Session
	pending []byte
}

// Recv drains pending before touching the underlying connection.
func (w *wireSession) Recv(buf []byte) (int, error) {
	if len(w.pending) > 0 {
		n := copy(buf, w.pending)
		w.pending = w.pending[n:]
		return n, nil
	}
	return w.Session.Recv(buf)
}

// unread pushes extra bytes back to the front of the pending queue.
func (w *wireSession) unread(extra []byte) {
	if len(extra) == 0 {
		return
	}
	buf := make([]byte, 0, len(extra)+len(w.pending))
	buf = append(buf, extra...)
	buf = append(buf, w.pending...)
	w.pending = buf
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
