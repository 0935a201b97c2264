// Package engine runs a tailing session with a single peer.
//
// All the session state lives in one tree that is only touched by the loop
// goroutine. A second goroutine decodes the input stream and hands packets
// to the loop over a channel. Each iteration of the loop applies every packet
// that has arrived, in order, and then runs one poll pass. The loop polls
// again immediately while passes keep producing packets, and otherwise waits
// for input, a filesystem notification, or the idle interval.
package engine

import (
	"context"
	"io"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/tailsync/pkg/config"
	"github.com/sidkik/tailsync/pkg/dispatch"
	"github.com/sidkik/tailsync/pkg/errors"
	"github.com/sidkik/tailsync/pkg/fswatch"
	"github.com/sidkik/tailsync/pkg/poller"
	"github.com/sidkik/tailsync/pkg/preview"
	"github.com/sidkik/tailsync/pkg/protocol"
	"github.com/sidkik/tailsync/pkg/tree"
)

// inboundBuffer is how many decoded packets can wait for the loop.
const inboundBuffer = 64

// Engine serves one peer.
type Engine struct {
	cfg        config.Config
	fs         afero.Fs
	clock      clockwork.Clock
	log        log.FieldLogger
	systemInfo func() string

	out        *protocol.Writer
	tree       *tree.Tree
	poller     *poller.Poller
	dispatcher *dispatch.Dispatcher
	watcher    *fswatch.Watcher
}

// Option customizes an Engine.
type Option func(*Engine)

// WithFs makes the engine read from `fs` instead of the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(e *Engine) { e.fs = fs }
}

// WithClock replaces the clock used for the idle interval.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger replaces the standard logrus logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(e *Engine) { e.log = logger }
}

// WithSystemInfo replaces the description sent in the ANNOUNCE packet.
func WithSystemInfo(info func() string) Option {
	return func(e *Engine) { e.systemInfo = info }
}

// New returns an Engine that writes packets to `out`.
func New(cfg config.Config, out io.Writer, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		fs:         afero.NewOsFs(),
		clock:      clockwork.NewRealClock(),
		log:        log.StandardLogger(),
		systemInfo: systemInfo,
	}
	for _, opt := range opts {
		opt(e)
	}

	ignore, err := cfg.IgnorePatterns()
	if err != nil {
		return nil, errors.WithContext(err, "compile ignore patterns")
	}

	e.out = protocol.NewWriter(out, e.log)
	e.tree = tree.New()
	e.poller = poller.New(e.fs, e.out, e.log, poller.Options{
		ProbeSize:   cfg.ProbeSize,
		MaxReadSize: cfg.MaxReadSize,
		MaxDepth:    cfg.MaxDepth,
		Ignore:      ignore,
	})
	e.dispatcher = dispatch.New(e.tree, preview.New(e.fs, e.out, e.log), e.log)
	return e, nil
}

// Run serves the peer until the input ends, the peer breaks the protocol, or
// the context is cancelled. A clean end of input isn't an error. If `in` is
// an io.Closer, it's closed before Run returns.
//
// Run doesn't wait for the reader goroutine. A blocking read on a
// non-pollable file, such as a stdin pipe, can't be interrupted, so the
// reader is left behind and exits at its next read or with the process.
func (e *Engine) Run(ctx context.Context, in io.Reader) error {
	e.out.Send(protocol.Announce{SystemInfo: e.systemInfo()})

	if e.cfg.Watch {
		watcher, err := fswatch.New(e.log)
		if err != nil {
			e.log.WithError(err).Warn("Failed to start file watcher. " +
				"Changes will be picked up by polling")
		} else {
			e.watcher = watcher
			defer func() {
				if err := watcher.Close(); err != nil {
					e.log.WithError(err).Debug("Failed to close file watcher")
				}
				e.watcher = nil
			}()
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	packets := make(chan protocol.Packet, inboundBuffer)
	readErr := make(chan error, 1)
	go func() {
		// The result is published before the channel is closed, so the loop
		// never sees the end of input without the reason being available.
		readErr <- e.read(ctx, in, packets)
		close(packets)
	}()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		select {
		case err := <-readErr:
			return err
		case <-ctx.Done():
			select {
			case err := <-readErr:
				return err
			default:
				return nil
			}
		}
	})
	eg.Go(func() error {
		err := e.loop(ctx, packets)

		// Cancel before closing the input so that the reader treats the
		// failed read as a shutdown.
		cancel()
		closeInput(in, e.log)
		return err
	})

	err := eg.Wait()
	if err != nil {
		e.log.WithError(err).Error("Session ended with an error")
		return err
	}
	e.log.WithField("packets", e.out.Sent()).Info("Session ended")
	return nil
}

func closeInput(in io.Reader, logger log.FieldLogger) {
	if closer, ok := in.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.WithError(err).Debug("Failed to close input")
		}
	}
}

// read decodes packets until the input ends. It never touches the tree.
func (e *Engine) read(ctx context.Context, in io.Reader, packets chan<- protocol.Packet) error {
	dec := protocol.NewDecoder(in)
	for {
		p, err := dec.Decode()
		if err == io.EOF {
			e.log.Info("Input closed")
			return nil
		}
		if err != nil {
			// The loop closes the input on its way out, which interrupts
			// pollable reads.
			if ctx.Err() != nil {
				return nil
			}
			return errors.WithContext(err, "read input")
		}

		select {
		case packets <- p:
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) loop(ctx context.Context, packets <-chan protocol.Packet) error {
	var timeout time.Duration
	for {
		pending, done := e.wait(ctx, packets, timeout)
		for _, p := range pending {
			if err := e.dispatcher.Dispatch(p); err != nil {
				return err
			}
		}
		if done {
			return nil
		}

		work := e.poller.Poll(e.tree)
		if e.watcher != nil {
			e.watcher.Sync(fswatch.PathsToWatch(e.tree.Roots()))
		}

		timeout = e.cfg.IdleInterval()
		if work > 0 {
			timeout = 0
		}
	}
}

// wait blocks for up to `timeout` until a packet or a filesystem
// notification arrives, and then collects every packet that is already
// available. `done` is set once there will be no more input.
func (e *Engine) wait(ctx context.Context, packets <-chan protocol.Packet, timeout time.Duration) (
	pending []protocol.Packet, done bool) {

	if timeout > 0 {
		timer := e.clock.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, true
		case p, ok := <-packets:
			if !ok {
				return nil, true
			}
			pending = append(pending, p)
		case <-timer.Chan():
		case <-e.changes():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return pending, true
		case p, ok := <-packets:
			if !ok {
				return pending, true
			}
			pending = append(pending, p)
		default:
			return pending, false
		}
	}
}

// changes returns the channel of filesystem notifications, or nil if nothing
// is being watched. Receiving from a nil channel blocks forever.
func (e *Engine) changes() <-chan struct{} {
	if e.watcher == nil {
		return nil
	}
	return e.watcher.Events()
}

func fallbackSystemInfo() string {
	return runtime.GOOS + " " + runtime.GOARCH
}
