// Package redirect implements the bounded-hop redirect resolver: it
// probes a 0-1 byte range on the current host/path, follows 302s up to a
// hop cap, and settles on the final host/path a 2xx response was
// observed on.
package redirect

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openhaa/ota-updater/internal/httprange"
	"github.com/openhaa/ota-updater/internal/metrics"
	"github.com/openhaa/ota-updater/internal/urlpath"
)

// DefaultMaxHops is the maximum number of probes the resolver issues
// before giving up: a chain of DefaultMaxHops-1 302 redirects still
// resolves, a chain of DefaultMaxHops fails with ErrTooManyHops. A probe
// that fails to connect or parse also uses up one hop.
const DefaultMaxHops = 4

// HopBackoff is the wait between hops on a connect failure.
const HopBackoff = 5 * time.Second

// ErrTooManyHops is returned when the resolver exhausts MaxHops without
// reaching a terminal 2xx.
var ErrTooManyHops = errors.New("redirect: exceeded maximum redirect hops")

// ErrBadLocation is returned when a 302's Location header isn't one of the
// two accepted forms. The original C parser accepted "//" appearing
// ANYWHERE in the Location value (an artifact of a naive strstr search);
// this implementation deliberately narrows that to "scheme://host/..."
// or a leading "//host/...", and rejects everything else -- including a
// path that merely contains "//" partway through.
var ErrBadLocation = errors.New("redirect: Location is not an absolute scheme:// or //host form")

// ErrUnexpectedStatus is returned for any non-{2xx,302} status.
type ErrUnexpectedStatus struct{ Status int }

func (e *ErrUnexpectedStatus) Error() string {
	return fmt.Sprintf("redirect: unexpected status %d", e.Status)
}

// Session is the minimal transport surface the resolver needs per hop; it
// matches transport.Session's Send/Recv/Close/SetDeadline.
type Session interface {
	httprange.Recver
	Send([]byte) error
	Close() error
	SetDeadline(time.Time) error
}

// Dialer opens one fresh session for one hop.
type Dialer func(host string, port int, useTLS bool) (Session, error)

// Resolver runs the redirect resolution loop.
type Resolver struct {
	Dial    Dialer
	MaxHops int
}

// New returns a Resolver with DefaultMaxHops.
func New(dial Dialer) *Resolver {
	return &Resolver{Dial: dial, MaxHops: DefaultMaxHops}
}

// Resolve follows redirects starting at repo/file and returns the settled
// host/path the caller should use for the actual download.
func (r *Resolver) Resolve(repo, file string, port int, useTLS bool) (*urlpath.Location, error) {
	maxHops := r.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}

	loc := &urlpath.Location{}
	if err := loc.Set(repo); err != nil {
		return nil, err
	}
	if err := loc.AppendPath(file); err != nil {
		return nil, err
	}

	for hop := 0; hop < maxHops; hop++ {
		status, location, err := r.probeOnce(loc, port, useTLS)
		if err != nil {
			metrics.Retries.WithLabelValues("hop").Inc()
			time.Sleep(HopBackoff)
			continue
		}

		switch {
		case status/100 == 2:
			return loc, nil
		case status == 302:
			repo, err := parseLocation(location)
			if err != nil {
				return nil, ErrBadLocation
			}
			if err := loc.Set(repo); err != nil {
				return nil, err
			}
		default:
			return nil, &ErrUnexpectedStatus{Status: status}
		}
	}

	return nil, ErrTooManyHops
}

func (r *Resolver) probeOnce(loc *urlpath.Location, port int, useTLS bool) (status int, location string, err error) {
	session, err := r.Dial(loc.Host, port, useTLS)
	if err != nil {
		return 0, "", fmt.Errorf("redirect: connect: %w", err)
	}
	defer session.Close()

	if err := session.SetDeadline(time.Now().Add(probeTimeout)); err != nil {
		return 0, "", err
	}

	req := httprange.BuildRangeRequest(loc.Host, loc.Path, 0, 1)
	if err := session.Send(req); err != nil {
		return 0, "", fmt.Errorf("redirect: send: %w", err)
	}

	resp, _, err := httprange.ParseResponse(session)
	if err != nil {
		return 0, "", fmt.Errorf("redirect: malformed response: %w", err)
	}

	return resp.Status, resp.Location, nil
}

const probeTimeout = 2 * time.Second

// parseLocation accepts "scheme://host/path" or "//host/path" and returns
// the "host/path" remainder suitable for urlpath.Location.Set.
func parseLocation(raw string) (string, error) {
	if idx := strings.Index(raw, "://"); idx > 0 && validScheme(raw[:idx]) {
		return raw[idx+len("://"):], nil
	}
	if strings.HasPrefix(raw, "//") {
		return raw[len("//"):], nil
	}
	return "", ErrBadLocation
}

// validScheme reports whether s is a URI scheme: a letter followed by
// letters, digits, '+', '-' or '.'.
func validScheme(s string) bool {
	for i, c := range s {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case i > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return s != ""
}
