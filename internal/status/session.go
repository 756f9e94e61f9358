package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("dx-status")

var (
	// ErrTimeout indicates a session phase exceeded its deadline.
	ErrTimeout = errors.New("status exchange timed out")
	// ErrPeerRejected indicates the remote refused the exchange.
	ErrPeerRejected = errors.New("peer rejected exchange")
	// ErrUnexpectedMessage indicates a message arrived out of protocol
	// order for the current session state.
	ErrUnexpectedMessage = errors.New("unexpected message for session state")
)

// Stream is the transport a session runs over. Both net.Conn and libp2p
// network.Stream satisfy it.
type Stream interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// SessionState tracks where a session is in the exchange.
type SessionState int

const (
	StateInit SessionState = iota
	StateAwaitingHello
	StateAwaitingStatus
	StateComparing
	StateDone
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingHello:
		return "awaiting-hello"
	case StateAwaitingStatus:
		return "awaiting-status"
	case StateComparing:
		return "comparing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// terminal reports whether the state admits no further transitions.
func (s SessionState) terminal() bool {
	return s == StateDone || s == StateFailed
}

// SessionConfig bounds the two phases of an exchange.
type SessionConfig struct {
	HandshakeTimeout time.Duration
	ExchangeTimeout  time.Duration
}

// DefaultSessionConfig returns the stock phase timeouts.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		HandshakeTimeout: 10 * time.Second,
		ExchangeTimeout:  20 * time.Second,
	}
}

// Outcome is the result of a finished session, successful or not.
type Outcome struct {
	Peer           peer.ID
	LocalDigest    Digest
	PeerDigest     Digest
	PeerReportedAt time.Time
	Result         ComparisonResult
	Err            error
}

// Session drives one status exchange over a single stream. The protocol
// is symmetric: both sides send Hello, then StatusReport, then Ack, each
// side writing before reading within a phase. A session is single-use.
type Session struct {
	local  peer.ID
	remote peer.ID
	stream Stream
	prov   Provider
	cfg    SessionConfig

	mu      sync.Mutex
	state   SessionState
	outcome Outcome
}

// NewSession prepares an exchange with remote over stream. remote is the
// transport-authenticated identity; the peer's Hello must claim it.
func NewSession(local, remote peer.ID, stream Stream, prov Provider, cfg SessionConfig) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultSessionConfig().HandshakeTimeout
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultSessionConfig().ExchangeTimeout
	}
	return &Session{
		local:  local,
		remote: remote,
		stream: stream,
		prov:   prov,
		cfg:    cfg,
		state:  StateInit,
		outcome: Outcome{
			Peer: remote,
		},
	}
}

// State returns the session's current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run executes the exchange to completion. It returns the outcome and,
// for failed sessions, the same error carried inside it. The stream is
// closed before Run returns.
func (s *Session) Run(ctx context.Context) (Outcome, error) {
	if st := s.State(); st != StateInit {
		return s.snapshot(), fmt.Errorf("session already ran (state %s)", st)
	}
	defer s.stream.Close()

	// Unblock stream reads if the context dies mid-exchange.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			s.stream.SetDeadline(time.Now())
		case <-watchDone:
		}
	}()

	if err := s.run(ctx); err != nil {
		s.fail(err)
		return s.snapshot(), err
	}
	s.setState(StateDone)
	return s.snapshot(), nil
}

func (s *Session) run(ctx context.Context) error {
	// Handshake phase.
	s.stream.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if err := WriteMessage(s.stream, Hello{Version: ProtocolVersion, Identity: s.local}); err != nil {
		return s.mapIOErr(ctx, err)
	}
	s.setState(StateAwaitingHello)

	msg, err := ReadMessage(s.stream)
	if err != nil {
		return s.mapIOErr(ctx, err)
	}
	hello, ok := msg.(Hello)
	if !ok {
		if rej, isRej := msg.(Reject); isRej {
			return fmt.Errorf("%w: %s", ErrPeerRejected, rej.Reason)
		}
		return fmt.Errorf("%w: got %T in %s", ErrUnexpectedMessage, msg, StateAwaitingHello)
	}
	if hello.Version != ProtocolVersion {
		WriteMessage(s.stream, Reject{Reason: RejectVersionMismatch})
		return fmt.Errorf("%w: local %d, remote %d", ErrVersionMismatch, ProtocolVersion, hello.Version)
	}
	if hello.Identity != s.remote {
		return fmt.Errorf("%w: hello claims %s, stream authenticated as %s",
			ErrUnexpectedMessage, hello.Identity, s.remote)
	}
	s.setState(StateAwaitingStatus)

	// Exchange phase.
	s.stream.SetDeadline(time.Now().Add(s.cfg.ExchangeTimeout))
	provCtx, cancel := context.WithTimeout(ctx, s.cfg.ExchangeTimeout)
	local, err := s.prov.Digest(provCtx)
	cancel()
	if err != nil {
		WriteMessage(s.stream, Reject{Reason: RejectInternal})
		return fmt.Errorf("obtaining local digest: %w", err)
	}
	s.setLocalDigest(local)

	report := StatusReport{Digest: local, ReportedAt: time.Now().UnixMilli()}
	if err := WriteMessage(s.stream, report); err != nil {
		return s.mapIOErr(ctx, err)
	}

	msg, err = ReadMessage(s.stream)
	if err != nil {
		return s.mapIOErr(ctx, err)
	}
	remote, ok := msg.(StatusReport)
	if !ok {
		if rej, isRej := msg.(Reject); isRej {
			return fmt.Errorf("%w: %s", ErrPeerRejected, rej.Reason)
		}
		return fmt.Errorf("%w: got %T in %s", ErrUnexpectedMessage, msg, StateAwaitingStatus)
	}
	s.setState(StateComparing)

	result := Classify(local, remote.Digest, OrderingUnknown)
	s.setComparison(remote, result)

	if err := WriteMessage(s.stream, Ack{}); err != nil {
		return s.mapIOErr(ctx, err)
	}
	msg, err = ReadMessage(s.stream)
	if err != nil {
		return s.mapIOErr(ctx, err)
	}
	if _, ok := msg.(Ack); !ok {
		return fmt.Errorf("%w: got %T in %s", ErrUnexpectedMessage, msg, StateComparing)
	}

	log.Debugf("exchange with %s: %s", s.remote, result)
	return nil
}

// mapIOErr converts transport errors into the session error taxonomy.
// Context cancellation takes precedence since it forces the deadline.
func (s *Session) mapIOErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var nerr interface{ Timeout() bool }
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	log.Warnf("exchange with %s failed in %s: %v", s.remote, s.state, err)
	s.state = StateFailed
	s.outcome.Err = err
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	s.state = st
}

func (s *Session) setLocalDigest(d Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome.LocalDigest = d
}

func (s *Session) setComparison(remote StatusReport, result ComparisonResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome.PeerDigest = remote.Digest
	s.outcome.PeerReportedAt = time.UnixMilli(remote.ReportedAt)
	s.outcome.Result = result
}

func (s *Session) snapshot() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}
