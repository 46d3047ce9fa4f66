// Package relay forwards an upstream event stream byte-for-byte to a
// downstream HTTP response. It never parses or buffers payloads: each
// chunk read is written and flushed before the next read begins, so the
// upstream never runs ahead of what the client has been sent.
package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	sberrors "github.com/sitebench/sitebench/pkg/errors"
	"github.com/sitebench/sitebench/pkg/logging"
)

const defaultBufferSize = 4096

// close reasons recorded by the watchdog goroutine so the read loop can
// tell a deliberate teardown from a genuine upstream failure.
const (
	closeNone int32 = iota
	closeCancelled
	closeIdle
)

// Relay pipes upstream event streams to downstream writers.
type Relay struct {
	maxIdle time.Duration
	logger  *logging.Logger
}

// New returns a relay that closes both sides when no data has moved for
// maxIdle. A zero maxIdle disables the idle watchdog.
func New(maxIdle time.Duration, logger *logging.Logger) *Relay {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Relay{maxIdle: maxIdle, logger: logger}
}

// Pipe copies upstream to downstream until either side closes.
//
// Cancelling ctx (the downstream client going away) closes upstream,
// which unblocks the pending read within one read cycle. Upstream EOF
// ends the relay cleanly with no further downstream writes. A downstream
// write failure likewise closes upstream and returns nil, since there is
// nobody left to report to. Only an unexpected upstream read error is
// surfaced as a STREAM error.
func (r *Relay) Pipe(ctx context.Context, sessionID string, upstream io.ReadCloser, downstream io.Writer) error {
	flusher, _ := downstream.(http.Flusher)

	var reason atomic.Int32
	done := make(chan struct{})
	defer close(done)

	// The read loop only stamps lastRead; the watchdog owns the timer.
	// Resetting a timer that may have fired concurrently races, so on
	// expiry the watchdog re-checks how long the stream has actually
	// been quiet and rearms for the remainder.
	var lastRead atomic.Int64
	lastRead.Store(time.Now().UnixNano())

	var idleC <-chan time.Time
	var idle *time.Timer
	if r.maxIdle > 0 {
		idle = time.NewTimer(r.maxIdle)
		defer idle.Stop()
		idleC = idle.C
	}

	// Watchdog: the only way to interrupt a blocked Read is to close
	// the reader underneath it.
	go func() {
		for {
			select {
			case <-ctx.Done():
				reason.Store(closeCancelled)
			case <-idleC:
				quiet := time.Duration(time.Now().UnixNano() - lastRead.Load())
				if quiet < r.maxIdle {
					idle.Reset(r.maxIdle - quiet)
					continue
				}
				reason.Store(closeIdle)
			case <-done:
				return
			}
			upstream.Close()
			return
		}
	}()
	defer upstream.Close()

	buf := make([]byte, defaultBufferSize)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			lastRead.Store(time.Now().UnixNano())
			if _, werr := downstream.Write(buf[:n]); werr != nil {
				r.logger.Debug(logging.CategoryRelay, "downstream_closed", "client write failed: "+werr.Error(), map[string]any{"session_id": sessionID})
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case reason.Load() == closeCancelled:
				r.logger.Debug(logging.CategoryRelay, "client_disconnected", "downstream cancelled, upstream closed", map[string]any{"session_id": sessionID})
				return nil
			case reason.Load() == closeIdle:
				r.logger.Warn(logging.CategoryRelay, "idle_timeout", "relay idle for "+r.maxIdle.String(), map[string]any{"session_id": sessionID})
				return nil
			default:
				return sberrors.Wrap(err, sberrors.ErrCodeStream, "upstream event stream failed").
					WithContext("session", sessionID)
			}
		}
	}
}
