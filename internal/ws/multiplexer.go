package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/collab-sync/internal/crdt"
	"github.com/example/collab-sync/internal/document"
	"github.com/example/collab-sync/internal/protocol"
	"github.com/example/collab-sync/internal/types"
)

// SessionState is the lifecycle position of a session.
type SessionState int32

const (
	// StateAccepted: transport accepted, document not yet resolved.
	StateAccepted SessionState = iota
	// StateAttached: document resolved and referenced by the session.
	StateAttached
	// StateRelaying: initial state sent, merged changes flow both ways.
	StateRelaying
	// StateClosed: detached from the document.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAttached:
		return "attached"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	errUnexpectedFrame = errors.New("unexpected frame")
	errWrongDocument   = errors.New("frame addressed to another document")
)

// Scheduler receives a notification for every locally merged change.
type Scheduler interface {
	Schedule(id types.DocumentID)
}

// Publisher forwards locally merged changes to other server instances.
type Publisher interface {
	Publish(ctx context.Context, docID types.DocumentID, delta []byte) error
}

// Session binds one connection to one live document.
type Session struct {
	ID      types.SessionID
	Created time.Time

	doc   *document.Document
	peer  *crdt.Peer
	state atomic.Int32

	// sendMu keeps generate-then-enqueue atomic per session so sync
	// messages reach the client in the order they were produced.
	sendMu sync.Mutex
	conn   *Connection

	detachOnce sync.Once
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Document returns the live document the session is attached to.
func (s *Session) Document() *document.Document { return s.doc }

func (s *Session) setState(st SessionState) { s.state.Store(int32(st)) }

// Multiplexer fans many sessions onto shared live documents.
type Multiplexer struct {
	store     *document.Store
	scheduler Scheduler
	publisher Publisher
	registry  *ConnectionRegistry
	logger    zerolog.Logger

	mu   sync.Mutex
	live map[*Session]struct{}
}

// NewMultiplexer wires the session layer to the document store. publisher
// may be nil for a single instance deployment.
func NewMultiplexer(store *document.Store, scheduler Scheduler, publisher Publisher, registry *ConnectionRegistry, logger zerolog.Logger) *Multiplexer {
	return &Multiplexer{
		store:     store,
		scheduler: scheduler,
		publisher: publisher,
		registry:  registry,
		logger:    logger.With().Str("component", "multiplexer").Logger(),
		live:      make(map[*Session]struct{}),
	}
}

// Attach resolves the document for a newly accepted session and takes a
// reference on it.
func (m *Multiplexer) Attach(ctx context.Context, docID types.DocumentID) (*Session, error) {
	s := &Session{ID: types.SessionID(uuid.NewString()), Created: time.Now()}
	s.setState(StateAccepted)

	doc, err := m.store.Acquire(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", docID, err)
	}
	s.doc = doc
	s.peer = doc.Replica.NewPeer()
	s.setState(StateAttached)

	m.mu.Lock()
	m.live[s] = struct{}{}
	m.mu.Unlock()
	return s, nil
}

// Bind associates the upgraded connection with the session.
func (m *Multiplexer) Bind(s *Session, conn *Connection) {
	s.sendMu.Lock()
	s.conn = conn
	s.sendMu.Unlock()
}

// Detach releases the session's reference on its document. The last
// detach makes the document eligible for eviction but does not evict it.
func (m *Multiplexer) Detach(s *Session) {
	s.detachOnce.Do(func() {
		s.setState(StateClosed)
		m.registry.Unregister(s)
		m.mu.Lock()
		delete(m.live, s)
		m.mu.Unlock()
		m.store.Release(s.doc)
	})
}

// HandleFrame processes one inbound frame from s.
func (m *Multiplexer) HandleFrame(ctx context.Context, s *Session, payload []byte) error {
	frame, err := protocol.Unmarshal(payload)
	if err != nil {
		return err
	}
	framesReceived.WithLabelValues(frame.Kind.String()).Inc()
	if frame.Document != "" && types.DocumentID(frame.Document) != s.doc.ID {
		return errWrongDocument
	}
	m.store.Touch(s.doc.ID)

	switch frame.Kind {
	case protocol.KindSyncRequest:
		return m.sendInitialState(s)
	case protocol.KindSync:
		return m.mergeSync(ctx, s, frame.Payload)
	default:
		return fmt.Errorf("%w: %s", errUnexpectedFrame, frame.Kind)
	}
}

// sendInitialState replies to a sync request with the full document and
// starts relaying. Registering under sendMu orders the snapshot before any
// fan-out to this session.
func (m *Multiplexer) sendInitialState(s *Session) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.State() == StateRelaying {
		return nil
	}
	snap := s.doc.Replica.Save()
	if len(snap) > protocol.MaxPayloadSize {
		m.logger.Error().Str("document", s.doc.ID.String()).Int("bytes", len(snap)).Msg("document too large to send")
		return fmt.Errorf("%w: snapshot is %d bytes", protocol.ErrFrameTooLarge, len(snap))
	}
	m.registry.Register(s)
	s.setState(StateRelaying)
	return s.conn.SendFrame(protocol.Frame{
		Kind:     protocol.KindSnapshot,
		Document: s.doc.ID.String(),
		Payload:  snap,
	})
}

func (m *Multiplexer) mergeSync(ctx context.Context, s *Session, msg []byte) error {
	delta, changed, err := s.peer.Receive(msg)
	if err != nil {
		return err
	}
	if changed {
		s.doc.MarkDirty()
		m.scheduler.Schedule(s.doc.ID)
		if m.publisher != nil {
			if err := m.publisher.Publish(ctx, s.doc.ID, delta); err != nil {
				m.logger.Warn().Err(err).Str("document", s.doc.ID.String()).Msg("relay publish failed")
			}
		}
		m.fanout(s.doc.ID, s)
	}
	// Acknowledge to the sender so its sync state advances.
	return m.flush(s)
}

// ApplyRemote merges a change relayed from another server instance. Remote
// changes are fanned out to local sessions but not persisted here; the
// originating instance owns that write.
func (m *Multiplexer) ApplyRemote(docID types.DocumentID, delta []byte) error {
	doc, ok := m.store.Lookup(docID)
	if !ok {
		return nil
	}
	changed, err := doc.Replica.ApplyUpdate(delta)
	if err != nil {
		return err
	}
	if changed {
		doc.Touch(m.store.Now())
		m.fanout(docID, nil)
	}
	return nil
}

func (m *Multiplexer) fanout(docID types.DocumentID, origin *Session) {
	recipients := m.registry.Sessions(docID, origin)
	for _, r := range recipients {
		if err := m.flush(r); err != nil {
			m.logger.Debug().Err(err).Str("session", string(r.ID)).Msg("fan-out skipped session")
		}
	}
	broadcastFanout.Observe(float64(len(recipients)))
}

// flush sends whatever sync messages s's peer currently needs.
func (m *Multiplexer) flush(s *Session) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.conn == nil || s.State() == StateClosed {
		return nil
	}
	for _, msg := range s.peer.Generate() {
		if err := s.conn.SendFrame(protocol.Frame{Kind: protocol.KindSync, Payload: msg}); err != nil {
			return err
		}
	}
	return nil
}

// Sessions returns the number of live sessions.
func (m *Multiplexer) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Relaying returns the number of sessions receiving changes for docID.
func (m *Multiplexer) Relaying(docID types.DocumentID) int {
	return m.registry.Count(docID)
}

// CloseAll closes every live session.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.live))
	for s := range m.live {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.sendMu.Lock()
		conn := s.conn
		s.sendMu.Unlock()
		if conn != nil {
			conn.closeWithFrame(websocket.CloseGoingAway, "server shutting down")
			conn.Close()
		} else {
			m.Detach(s)
		}
	}
}
