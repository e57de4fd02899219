// Package updater drives the end-to-end firmware update state machine: an
// Updater instance owns every long-lived resource the original RTOS task
// kept as global mutable state (TLS context via the dialer, flash writer,
// boot-slot controller, public key, held-back byte -- the public key is
// parsed by internal/verify and kept in the Updater, the held-back byte
// lives inside the internal/flash Writer) and
// drives IDLE -> RESOLVING -> DOWNLOADING -> VERIFYING -> COMMITTING ->
// REBOOTING.
package updater

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/openhaa/ota-updater/internal/bootslot"
	"github.com/openhaa/ota-updater/internal/config"
	"github.com/openhaa/ota-updater/internal/download"
	"github.com/openhaa/ota-updater/internal/flash"
	"github.com/openhaa/ota-updater/internal/metrics"
	"github.com/openhaa/ota-updater/internal/redirect"
	"github.com/openhaa/ota-updater/internal/transport"
	"github.com/openhaa/ota-updater/internal/urlpath"
	"github.com/openhaa/ota-updater/internal/verify"
)

// Outcome mirrors the firmware's original exit/outcome codes as a Go type
// that also satisfies error: callers that want the original C-style
// integer contract read Outcome directly, callers that want idiomatic Go
// error handling get one for free.
type Outcome int

// Outcome codes. 0 and 1 are the literal "success"/"partial" codes the
// firmware used; the negative codes distinguish the hard-failure classes.
const (
	OutcomeSuccess             Outcome = 0
	OutcomePartial             Outcome = 1
	OutcomeLocationUnreachable Outcome = -1
	OutcomeRedirectMalformed   Outcome = -2
	OutcomeOversize            Outcome = -3
	OutcomeProtocolError       Outcome = -4
	OutcomeFlashFailed         Outcome = -5
	OutcomeIntegrityFailed     Outcome = -6
)

func (o Outcome) Error() string {
	switch o {
	case OutcomeSuccess:
		return "updater: success"
	case OutcomePartial:
		return "updater: partial, retries exhausted for this call"
	case OutcomeLocationUnreachable:
		return "updater: final location unreachable"
	case OutcomeRedirectMalformed:
		return "updater: malformed redirect"
	case OutcomeOversize:
		return "updater: image exceeds maximum size"
	case OutcomeProtocolError:
		return "updater: protocol error"
	case OutcomeFlashFailed:
		return "updater: flash erase or write failed"
	case OutcomeIntegrityFailed:
		return "updater: signature verification failed"
	default:
		return fmt.Sprintf("updater: outcome %d", int(o))
	}
}

// ErrUpdateInProgress is returned by Update when another attempt is
// already running: Go has no scheduler-level exclusivity guarantee the
// single-RTOS-task original relied on, so Updater enforces it itself.
var ErrUpdateInProgress = errors.New("updater: an update attempt is already in progress")

// Session is the transport surface a dialed connection must offer; it is
// satisfied by *transport.Session and structurally matches both
// redirect.Session and download.Session.
type Session interface {
	Recv(buf []byte) (int, error)
	Send(b []byte) error
	Close() error
	SetDeadline(t time.Time) error
}

// Dialer opens one fresh Session to host:port.
type Dialer func(host string, port int, useTLS bool) (Session, error)

type resumeState struct {
	Cursor int64 `json:"cursor"`
}

// Updater owns every resource one repository's update pipeline needs.
type Updater struct {
	cfg     *config.Config
	dial    Dialer
	pubKey  *ecdsa.PublicKey
	dev     flash.Device
	writer  *flash.Writer
	bootCtl *bootslot.Controller
	log     logr.Logger

	runningVersion string

	mu      sync.Mutex
	attempt bool
}

// New constructs an Updater from cfg: loads the public key, opens the
// flash backend, and ensures the boot-slot layout.
func New(cfg *config.Config, runningVersion string, log logr.Logger) (*Updater, error) {
	der, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("updater: reading public key: %w", err)
	}
	pub, err := verify.LoadPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("updater: loading public key: %w", err)
	}

	dev, err := openDevice(cfg.Slot)
	if err != nil {
		return nil, err
	}
	writer := flash.NewWriter(dev, cfg.Slot.Slot1Base)

	bootCtl := bootslot.NewController(
		bootslot.NewFileStore(cfg.Slot.BootConfigPath),
		cfg.Slot.Slot0Base, cfg.Slot.Slot1Base,
		bootslot.UnixRebooter{},
	)
	if err := bootCtl.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("updater: ensuring boot-slot layout: %w", err)
	}

	return &Updater{
		cfg:            cfg,
		dial:           dialViaTransport,
		pubKey:         pub,
		dev:            dev,
		writer:         writer,
		bootCtl:        bootCtl,
		log:            log,
		runningVersion: runningVersion,
	}, nil
}

func dialViaTransport(host string, port int, useTLS bool) (Session, error) {
	return transport.Dial(transport.DialContext{}, host, port, useTLS)
}

func openDevice(slot config.SlotConfig) (flash.Device, error) {
	if slot.Device != "" {
		return flash.OpenBlockDevice(slot.Device)
	}
	capacity := slot.Slot0Base
	if slot.Slot1Base > capacity {
		capacity = slot.Slot1Base
	}
	capacity += slot.MaxFileSize + 16
	return flash.OpenFileDevice(slot.FilePath, capacity)
}

type closer interface{ Close() error }

// Close releases the flash backend.
func (u *Updater) Close() error {
	if c, ok := u.dev.(closer); ok {
		return c.Close()
	}
	return nil
}

// CheckVersion fetches repo's version file and reports whether it differs
// from the running version.
func (u *Updater) CheckVersion(repo string) (bool, error) {
	loc, err := u.resolve(repo, "version")
	if err != nil {
		return false, fmt.Errorf("updater: resolving version location: %w", err)
	}

	buf := download.NewRAMBuffer()
	dl := u.newDownloader()
	if _, err := dl.Download(download.Params{
		Host: loc.Host, Path: loc.Path,
		Port: u.cfg.Repository.Port, TLS: u.cfg.Repository.TLS,
		RAMTarget: true, MaxSize: 256,
	}, buf); err != nil {
		return false, fmt.Errorf("updater: fetching version: %w", err)
	}

	remote := strings.TrimSpace(string(buf.Bytes()))
	return remote != u.runningVersion, nil
}

// Update runs one full attempt: resolve -> download -> verify -> commit ->
// arm -> reboot. It enforces single-attempt exclusivity and is resumable:
// a Partial outcome preserves the cursor for the next call.
func (u *Updater) Update(repo, file string) (Outcome, error) {
	u.mu.Lock()
	if u.attempt {
		u.mu.Unlock()
		return 0, ErrUpdateInProgress
	}
	u.attempt = true
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.attempt = false
		u.mu.Unlock()
	}()

	metrics.SetState(metrics.StateResolving)
	loc, err := u.resolve(repo, file)
	if err != nil {
		if errors.Is(err, redirect.ErrBadLocation) {
			metrics.Attempts.WithLabelValues("redirect-malformed").Inc()
			return OutcomeRedirectMalformed, err
		}
		metrics.Attempts.WithLabelValues("redirect-unreachable").Inc()
		return OutcomeLocationUnreachable, err
	}

	metrics.SetState(metrics.StateDownloading)
	cursor := u.loadResumeCursor()
	dl := u.newDownloader()
	result, err := dl.Download(download.Params{
		Host: loc.Host, Path: loc.Path,
		Port: u.cfg.Repository.Port, TLS: u.cfg.Repository.TLS,
		Cursor:                 cursor,
		MaxSize:                u.cfg.Slot.MaxFileSize,
		MaxTries:               u.cfg.Retry.MaxDownloadTries,
		MaxContentRangeRetries: u.cfg.Retry.MaxContentRangeRetries,
	}, u.writer)
	if err != nil {
		return u.downloadFailureOutcome(err), err
	}
	metrics.BytesWritten.Add(float64(result.Cursor - cursor))

	if result.Partial {
		u.saveResumeCursor(result.Cursor)
		metrics.Attempts.WithLabelValues("partial").Inc()
		metrics.SetState(metrics.StateIdle)
		return OutcomePartial, nil
	}
	u.clearResumeCursor()

	metrics.SetState(metrics.StateVerifying)
	sig, err := u.fetchSignature(loc)
	if err != nil {
		metrics.Attempts.WithLabelValues("protocol").Inc()
		return OutcomeProtocolError, err
	}

	ok, err := verify.Verify(u.writer, result.Length, sig, u.pubKey)
	if err != nil {
		metrics.Attempts.WithLabelValues("protocol").Inc()
		return OutcomeProtocolError, err
	}
	if !ok {
		metrics.VerificationResult.WithLabelValues("invalid").Inc()
		metrics.Attempts.WithLabelValues("integrity").Inc()
		metrics.SetState(metrics.StateIdle)
		return OutcomeIntegrityFailed, nil
	}
	metrics.VerificationResult.WithLabelValues("valid").Inc()

	metrics.SetState(metrics.StateCommitting)
	if err := u.writer.Finalize(); err != nil {
		metrics.Attempts.WithLabelValues("flash").Inc()
		return OutcomeFlashFailed, err
	}

	metrics.SetState(metrics.StateRebooting)
	if err := u.bootCtl.ArmAndReboot(); err != nil {
		metrics.Attempts.WithLabelValues("flash").Inc()
		return OutcomeFlashFailed, err
	}

	metrics.Attempts.WithLabelValues("success").Inc()
	metrics.SetState(metrics.StateIdle)
	return OutcomeSuccess, nil
}

func (u *Updater) downloadFailureOutcome(err error) Outcome {
	switch {
	case errors.Is(err, download.ErrOversize):
		metrics.Attempts.WithLabelValues("oversize").Inc()
		return OutcomeOversize
	case errors.Is(err, download.ErrMissingContentRange), errors.Is(err, download.ErrMissingContentLength):
		metrics.Attempts.WithLabelValues("protocol").Inc()
		return OutcomeProtocolError
	default:
		var badStatus *download.ErrBadStatus
		if errors.As(err, &badStatus) {
			metrics.Attempts.WithLabelValues("protocol").Inc()
			return OutcomeProtocolError
		}
		metrics.Attempts.WithLabelValues("flash").Inc()
		return OutcomeFlashFailed
	}
}

func (u *Updater) resolve(repo, file string) (*urlpath.Location, error) {
	r := redirect.New(func(host string, port int, useTLS bool) (redirect.Session, error) {
		return u.dial(host, port, useTLS)
	})
	if u.cfg.Retry.MaxHops > 0 {
		r.MaxHops = u.cfg.Retry.MaxHops
	}
	return r.Resolve(repo, file, u.cfg.Repository.Port, u.cfg.Repository.TLS)
}

func (u *Updater) newDownloader() *download.Downloader {
	dl := download.New(func(host string, port int, useTLS bool) (download.Session, error) {
		return u.dial(host, port, useTLS)
	})
	dl.Log = u.log
	return dl
}

func (u *Updater) fetchSignature(loc *urlpath.Location) ([]byte, error) {
	buf := download.NewRAMBuffer()
	dl := u.newDownloader()
	if _, err := dl.Download(download.Params{
		Host: loc.Host, Path: loc.Path + ".sig",
		Port: u.cfg.Repository.Port, TLS: u.cfg.Repository.TLS,
		RAMTarget: true, MaxSize: int64(verify.SignSize),
	}, buf); err != nil {
		return nil, fmt.Errorf("fetching signature: %w", err)
	}
	return buf.Bytes(), nil
}

func (u *Updater) loadResumeCursor() int64 {
	data, err := os.ReadFile(u.cfg.Slot.StateFilePath)
	if err != nil {
		return 0
	}
	var st resumeState
	if err := json.Unmarshal(data, &st); err != nil {
		u.log.Error(err, "updater: parsing resume state, starting from 0")
		return 0
	}
	return st.Cursor
}

func (u *Updater) saveResumeCursor(cursor int64) {
	data, err := json.Marshal(resumeState{Cursor: cursor})
	if err != nil {
		u.log.Error(err, "updater: encoding resume state")
		return
	}
	if err := os.WriteFile(u.cfg.Slot.StateFilePath, data, 0o600); err != nil {
		u.log.Error(err, "updater: writing resume state")
	}
}

func (u *Updater) clearResumeCursor() {
	if err := os.Remove(u.cfg.Slot.StateFilePath); err != nil && !os.IsNotExist(err) {
		u.log.Error(err, "updater: clearing resume state")
	}
}
