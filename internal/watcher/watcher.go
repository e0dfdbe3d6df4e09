// Package watcher implements the long-lived tail-follow of a remote host's
// auth log, per SPEC_FULL.md §4.6. It runs a remote `tail -F` (follow-by-
// name, so log rotation is handled without a restart) over a fresh SSH
// session, grounded in the retrieved sshlogs.StreamLogs helper, and adds
// the reconnect/backoff state machine the teacher's helper does not need
// because it was built for a one-shot streaming UI rather than an
// unattended long-lived collector. Events reach callers through plain
// callbacks; there are no consumer queues, and Stop delivers no sentinel
// to callers — it only clears the running flag.
package watcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/keyspider/keyspider/internal/logparser"
	"github.com/keyspider/keyspider/internal/model"
)

// State is the Log Watcher's lifecycle state, per spec §4.6.
type State string

const (
	StateConnecting State = "connecting"
	StateRunning    State = "running"
	StateBackoff    State = "backoff"
	StateStopped    State = "stopped"
)

// Dialer opens a fresh SSH client to the watched host. Implementations
// typically wrap the shared connection pool but dial directly here because
// a watcher session is held open indefinitely, unlike a pooled
// acquire/release cycle.
type Dialer func(ctx context.Context) (*ssh.Client, error)

// Callback receives one parsed auth event as it is tailed. Panics inside a
// callback are recovered and logged — per spec, "callback exceptions are
// logged and never crash the watcher."
type Callback func(model.AccessEvent)

// Options configures a Watcher.
type Options struct {
	ServerID     string
	LogPath      string
	OSType       model.OSType
	InitialDelay time.Duration // default 5s
	MaxDelay     time.Duration // default 300s
	TailLines    int           // passed to remote `tail -n`, default 10
}

// Watcher tails one host's auth log and dispatches parsed events to every
// registered callback.
type Watcher struct {
	dial Dialer
	opts Options

	mu        sync.Mutex
	state     State
	callbacks []Callback
	running   bool
}

// New constructs a Watcher. Call Start to begin tailing; it blocks until
// Stop is called or ctx is cancelled.
func New(dial Dialer, opts Options) *Watcher {
	if opts.InitialDelay == 0 {
		opts.InitialDelay = 5 * time.Second
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 300 * time.Second
	}
	if opts.TailLines == 0 {
		opts.TailLines = 10
	}
	return &Watcher{dial: dial, opts: opts, state: StateStopped}
}

// OnEvent registers a callback invoked for every parsed auth event. Must be
// called before Start; the watcher does not support adding callbacks
// concurrently with a running tail.
func (w *Watcher) OnEvent(cb Callback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// State reports the watcher's current lifecycle state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stop flips running to false. Start's loop notices on its next check and
// returns; any in-flight remote session is closed by context cancellation
// from the caller of Start, per spec §4.6 ("Stop: flip running to false ...
// close process and session").
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Watcher) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start runs the reconnect/backoff loop until Stop is called or ctx is
// cancelled. It is safe to call Start exactly once per Watcher.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	delay := w.opts.InitialDelay
	for w.isRunning() {
		select {
		case <-ctx.Done():
			w.setState(StateStopped)
			return
		default:
		}

		w.setState(StateConnecting)
		err := w.runOneSession(ctx, &delay)
		if !w.isRunning() || ctx.Err() != nil {
			w.setState(StateStopped)
			return
		}
		if err != nil {
			log.Printf("[watcher] %s tail session ended: %v", w.opts.ServerID, err)
		}

		w.setState(StateBackoff)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			w.setState(StateStopped)
			return
		}
		delay *= 2
		if delay > w.opts.MaxDelay {
			delay = w.opts.MaxDelay
		}
	}
	w.setState(StateStopped)
}

// runOneSession opens a fresh SSH connection, starts a remote `tail -F`,
// and dispatches parsed lines until the session ends or ctx is cancelled.
// delay is reset to InitialDelay on the first successfully parsed line, per
// spec §4.6 ("reset delay on first successful line").
func (w *Watcher) runOneSession(ctx context.Context, delay *time.Duration) error {
	client, err := w.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	cmd := fmt.Sprintf("tail -n %d -F %s", w.opts.TailLines, shellQuote(w.opts.LogPath))
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("start tail: %w", err)
	}

	w.setState(StateRunning)

	done := make(chan error, 1)
	go func() {
		done <- w.consume(stdout, delay)
	}()

	select {
	case <-ctx.Done():
		session.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (w *Watcher) consume(stdout io.Reader, delay *time.Duration) error {
	scanner := bufio.NewScanner(stdout)
	var last *time.Time
	resetDelay := false
	for scanner.Scan() {
		if !w.isRunning() {
			return nil
		}
		line := scanner.Text()
		ev, ok := logparser.ParseLine(line, w.opts.OSType, time.Time{}, last)
		if !ok {
			continue
		}
		ts := ev.Timestamp
		last = &ts
		if !resetDelay {
			*delay = w.opts.InitialDelay
			resetDelay = true
		}
		w.dispatch(ev)
	}
	return scanner.Err()
}

// dispatch invokes every registered callback, recovering and logging any
// panic so a single bad callback cannot bring down the tail loop.
func (w *Watcher) dispatch(ev logparser.AuthEvent) {
	w.mu.Lock()
	callbacks := make([]Callback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	var fp *string
	if ev.Fingerprint != "" {
		fp = &ev.Fingerprint
	}
	var method *string
	if ev.AuthMethod != "" {
		method = &ev.AuthMethod
	}
	event := model.AccessEvent{
		TargetServerID: w.opts.ServerID,
		SourceIP:       ev.SourceIP,
		Fingerprint:    fp,
		Username:       ev.Username,
		AuthMethod:     method,
		EventType:      ev.EventType,
		EventTime:      ev.Timestamp,
		RawLogLine:     ev.RawLine,
		LogSource:      model.LogSourceWatcher,
	}

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[watcher] %s callback panic: %v", w.opts.ServerID, r)
				}
			}()
			cb(event)
		}()
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
