// Package relayerr implements the Connection error taxonomy from the
// spec: a small set of Kinds, not exception classes, each carrying a
// prescribed disposition (close silently, close and log, or shut down
// the whole Relay).
package relayerr

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies a Connection-ending error.
type Kind int

const (
	// KindMalformedStream: decrypt failure, bad ATYP, oversize header
	// buffer. Close the Connection; record `closed`.
	KindMalformedStream Kind = iota
	// KindNameResolutionFailed: DNS timeout or NXDOMAIN.
	KindNameResolutionFailed
	// KindTargetUnreachable: connect refused / timed out / unreachable.
	KindTargetUnreachable
	// KindPeerReset: ECONNRESET/EPIPE/already-closed. Close silently.
	KindPeerReset
	// KindIdleTimeout: sweeper-initiated close.
	KindIdleTimeout
	// KindAdmission: rejected at accept time; no Connection is ever created.
	KindAdmission
	// KindCapacityInternal: cipher construction or allocation failure.
	KindCapacityInternal
	// KindFatal: listen-socket error or catastrophic reactor failure —
	// this is the only Kind that propagates out of the reactor loop and
	// shuts the Relay down.
	KindFatal
	// KindShutdown: Relay-initiated shutdown.
	KindShutdown
	// KindNormalClose: clean EOF with no error, both directions drained.
	KindNormalClose
)

func (k Kind) String() string {
	switch k {
	case KindMalformedStream:
		return "MalformedStream"
	case KindNameResolutionFailed:
		return "NameResolutionFailed"
	case KindTargetUnreachable:
		return "TargetUnreachable"
	case KindPeerReset:
		return "PeerReset"
	case KindIdleTimeout:
		return "IdleTimeout"
	case KindAdmission:
		return "Admission"
	case KindCapacityInternal:
		return "CapacityInternal"
	case KindFatal:
		return "Fatal"
	case KindShutdown:
		return "shutdown"
	case KindNormalClose:
		return "EOF"
	default:
		return "Unknown"
	}
}

// Error is a classified relay error wrapping its root cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: pkgerrors.WithStack(cause)}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap lets errors.As/errors.Is see through to the root cause.
func (e *Error) Unwrap() error { return e.cause }

// Silent reports whether this Kind should be logged quietly (no warning
// noise) per spec.md §7 ("Close Connection silently (no log noise)").
func (e *Error) Silent() bool {
	return e.Kind == KindPeerReset || e.Kind == KindNormalClose || e.Kind == KindShutdown
}

// Classify inspects a raw I/O error and returns the taxonomy Kind it
// belongs to. Local "socket already closed" and remote-reset errors are
// both normal end-of-stream for accounting purposes — the portable
// equivalent of the Windows 10038/10053/10054 codes the reference
// implementation silently swallows.
func Classify(err error) Kind {
	if err == nil {
		return KindNormalClose
	}
	if errors.Is(err, io.EOF) {
		return KindNormalClose
	}
	if errors.Is(err, net.ErrClosed) {
		return KindPeerReset
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return KindPeerReset
	}
	msg := err.Error()
	if strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe") {
		return KindPeerReset
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTargetUnreachable
	}
	return KindTargetUnreachable
}
