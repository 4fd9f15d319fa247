// Package client keeps a local replica of one document in sync with a
// collaboration server and manages the session lifecycle around it:
// connecting, waiting for the authoritative state, and recovering from
// stalled or dropped connections.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/collab-sync/internal/crdt"
	"github.com/example/collab-sync/internal/protocol"
	"github.com/example/collab-sync/internal/types"
)

// State is the controller's view of the session.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingMerge
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingMerge:
		return "awaiting-merge"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	DefaultFirstHandshakeTimeout = 400 * time.Millisecond
	DefaultHandshakeTimeout      = 5 * time.Second
	DefaultMaxAttempts           = 8
)

var (
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("controller closed")

	errHandshakeStalled = errors.New("handshake stalled")
)

// Config configures a Controller.
type Config struct {
	// ServerURL is the server's base URL, e.g. ws://localhost:8080.
	ServerURL string
	Document  types.DocumentID

	FirstHandshakeTimeout time.Duration
	HandshakeTimeout      time.Duration
	// MaxAttempts consecutive failed dials put the controller offline
	// until Reconnect is called.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Dialer        *websocket.Dialer
	Logger        zerolog.Logger
	OnStateChange func(State)
}

func (c *Config) applyDefaults() {
	if c.FirstHandshakeTimeout <= 0 {
		c.FirstHandshakeTimeout = DefaultFirstHandshakeTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
}

// Controller owns a local replica and its session with the server. All
// session state is driven by a single goroutine.
type Controller struct {
	cfg    Config
	target string
	doc    *crdt.Doc
	logger zerolog.Logger

	state   atomic.Int32
	offline atomic.Bool
	ready   *Signal

	edits     chan struct{}
	reconnect chan struct{}

	// Touched only by the loop goroutine.
	connections     int
	forcedReconnect bool

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a controller for cfg.Document. Nothing is dialled until Start.
func New(cfg Config) (*Controller, error) {
	cfg.applyDefaults()
	if _, err := types.ParseDocumentID(cfg.Document.String()); err != nil {
		return nil, err
	}
	target, err := sessionURL(cfg.ServerURL, cfg.Document)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:       cfg,
		target:    target,
		doc:       crdt.New(),
		logger:    cfg.Logger.With().Str("document", cfg.Document.String()).Logger(),
		ready:     newSignal(),
		edits:     make(chan struct{}, 1),
		reconnect: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.state.Store(int32(StateDisconnected))
	return c, nil
}

func sessionURL(base string, docID types.DocumentID) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.JoinPath("ws", docID.String()).String(), nil
}

// Start launches the session loop. Later calls have no effect.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.run()
		}()
	})
}

// Close cancels any pending reconnect, ends the session and waits for the
// loop to exit.
func (c *Controller) Close() error {
	c.cancel()
	c.wg.Wait()
	c.setState(StateDisconnected)
	return nil
}

// State returns the current session state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Ready resolves once, the first time the controller reaches ready.
func (c *Controller) Ready() *Signal { return c.ready }

// Offline reports that automatic reconnects have been exhausted.
func (c *Controller) Offline() bool { return c.offline.Load() }

// Reconnect asks an offline or backing-off controller to dial immediately.
func (c *Controller) Reconnect() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// Doc exposes the local replica for reads.
func (c *Controller) Doc() *crdt.Doc { return c.doc }

// Text returns the local text.
func (c *Controller) Text() (string, error) { return c.doc.Text() }

// Insert edits the local replica. Edits made before ready are kept and
// sent once the authoritative state has been merged.
func (c *Controller) Insert(pos int, s string) error {
	return c.edit(func() error { return c.doc.Insert(pos, s) })
}

// Append adds s to the end of the local text.
func (c *Controller) Append(s string) error {
	return c.edit(func() error { return c.doc.Append(s) })
}

// Delete removes n characters at pos from the local text.
func (c *Controller) Delete(pos, n int) error {
	return c.edit(func() error { return c.doc.Delete(pos, n) })
}

// Bootstrap inserts initial text once the document is ready, but only if it
// is still empty. It reports whether the text was inserted.
func (c *Controller) Bootstrap(ctx context.Context, text string) (bool, error) {
	if _, err := c.ready.Wait(ctx); err != nil {
		return false, err
	}
	if c.doc.Len() > 0 {
		return false, nil
	}
	if err := c.Append(text); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) edit(fn func() error) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if err := fn(); err != nil {
		return err
	}
	select {
	case c.edits <- struct{}{}:
	default:
	}
	return nil
}

func (c *Controller) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.logger.Debug().Str("state", s.String()).Msg("sync state changed")
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

func (c *Controller) run() {
	retry := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.InitialBackoff,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         c.cfg.MaxBackoff,
	}
	retry.Reset()
	failures := 0

	for c.ctx.Err() == nil {
		c.setState(StateConnecting)
		conn, _, err := c.cfg.Dialer.DialContext(c.ctx, c.target, nil)
		if err != nil {
			c.setState(StateDisconnected)
			if c.ctx.Err() != nil {
				return
			}
			failures++
			c.fallThroughAfterForcedReconnect(err)
			if failures >= c.cfg.MaxAttempts {
				c.offline.Store(true)
				c.logger.Warn().Err(err).Int("attempts", failures).Msg("server unreachable, offline until reconnect")
				if !c.waitReconnect(0) {
					return
				}
				c.offline.Store(false)
				failures = 0
				retry.Reset()
				continue
			}
			delay := retry.NextBackOff()
			c.logger.Debug().Err(err).Dur("backoff", delay).Msg("dial failed")
			if !c.waitReconnect(delay) {
				return
			}
			continue
		}

		failures = 0
		retry.Reset()
		c.connections++
		err = c.session(conn)
		c.setState(StateDisconnected)
		if c.ctx.Err() != nil {
			return
		}
		if errors.Is(err, errHandshakeStalled) {
			continue
		}
		c.fallThroughAfterForcedReconnect(err)
		delay := retry.NextBackOff()
		c.logger.Info().Err(err).Dur("backoff", delay).Msg("session ended, reconnecting")
		if !c.waitReconnect(delay) {
			return
		}
	}
}

// waitReconnect waits for delay, an explicit Reconnect, or cancellation. A
// zero delay waits for Reconnect only. It returns false on cancellation.
func (c *Controller) waitReconnect(delay time.Duration) bool {
	var timeout <-chan time.Time
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-c.ctx.Done():
		return false
	case <-c.reconnect:
		return true
	case <-timeout:
		return true
	}
}

type inbound struct {
	frame protocol.Frame
	err   error
}

// session drives one connection until it closes. It is the only writer on
// conn.
func (c *Controller) session(conn *websocket.Conn) error {
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)

	frames := make(chan inbound, 16)
	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			var in inbound
			if err != nil {
				in.err = err
			} else if in.frame, in.err = protocol.Unmarshal(payload); in.err != nil {
				in.err = fmt.Errorf("decode frame: %w", in.err)
			}
			select {
			case frames <- in:
			case <-done:
				return
			}
			if in.err != nil {
				return
			}
		}
	}()

	peer := c.doc.NewPeer()
	if err := c.write(conn, protocol.Frame{Kind: protocol.KindSyncRequest, Document: c.cfg.Document.String()}); err != nil {
		return err
	}
	c.setState(StateAwaitingMerge)

	timeout := c.cfg.HandshakeTimeout
	if c.connections == 1 {
		timeout = c.cfg.FirstHandshakeTimeout
	}
	handshake := time.NewTimer(timeout)
	defer handshake.Stop()

	for {
		select {
		case <-c.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return c.ctx.Err()

		case in := <-frames:
			if in.err != nil {
				return in.err
			}
			switch in.frame.Kind {
			case protocol.KindSnapshot:
				if _, err := c.doc.MergeSnapshot(in.frame.Payload); err != nil {
					return err
				}
				if c.State() == StateAwaitingMerge {
					handshake.Stop()
					c.becomeReady(true)
				}
			case protocol.KindSync:
				if _, _, err := peer.Receive(in.frame.Payload); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unexpected %s frame", in.frame.Kind)
			}
			if err := c.flush(conn, peer); err != nil {
				return err
			}

		case <-c.edits:
			if err := c.flush(conn, peer); err != nil {
				return err
			}

		case <-handshake.C:
			if !c.forcedReconnect {
				c.forcedReconnect = true
				c.logger.Warn().Dur("timeout", timeout).Msg("no initial state from server, forcing reconnect")
				return errHandshakeStalled
			}
			c.logger.Error().Dur("timeout", timeout).Msg("initial state still missing after reconnect, continuing without it")
			c.becomeReady(false)
			if err := c.flush(conn, peer); err != nil {
				return err
			}
		}
	}
}

// fallThroughAfterForcedReconnect resolves the ready signal without a merge
// when the forced reconnect did not reach a ready session. The state is
// left alone; a later successful handshake still moves it to ready.
func (c *Controller) fallThroughAfterForcedReconnect(cause error) {
	if !c.forcedReconnect || c.ready.Resolved() {
		return
	}
	c.logger.Error().Err(cause).Msg("forced reconnect failed before initial state, continuing without it")
	c.ready.resolve(Result{Merged: false})
}

func (c *Controller) becomeReady(merged bool) {
	c.setState(StateReady)
	c.ready.resolve(Result{Merged: merged})
}

// flush sends pending local changes once the session is ready.
func (c *Controller) flush(conn *websocket.Conn, peer *crdt.Peer) error {
	if c.State() != StateReady {
		return nil
	}
	for _, msg := range peer.Generate() {
		if err := c.write(conn, protocol.Frame{Kind: protocol.KindSync, Payload: msg}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) write(conn *websocket.Conn, f protocol.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.BinaryMessage, f.Marshal()); err != nil {
		return fmt.Errorf("write %s: %w", f.Kind, err)
	}
	return nil
}
