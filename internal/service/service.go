// Package service coordinates status exchanges: it gates peers against
// the trust store, tracks active sessions, and records outcomes.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/dxnetwork/dxd/internal/metrics"
	"github.com/dxnetwork/dxd/internal/status"
	"github.com/dxnetwork/dxd/internal/trust"
)

var log = logging.Logger("dx-service")

var (
	// ErrNotTrusted indicates the peer is not admitted by the trust store.
	ErrNotTrusted = errors.New("peer not trusted")
	// ErrSessionActive indicates an exchange with the peer is already
	// running.
	ErrSessionActive = errors.New("session already active for peer")
	// ErrClosed indicates the service has shut down.
	ErrClosed = errors.New("service closed")
)

// Transport opens an authenticated stream to a peer. The node's libp2p
// host provides the production implementation.
type Transport interface {
	Open(ctx context.Context, id peer.ID) (status.Stream, error)
}

// OutcomeSink receives every completed exchange. history.Log implements
// it; a nil sink drops outcomes.
type OutcomeSink interface {
	Append(out status.Outcome) error
}

// Config tunes the service.
type Config struct {
	// AutoProvision lets Initiate dial Unknown peers and promotes them
	// to Provisional after their first completed exchange. Inbound
	// admission is unaffected: an Unknown peer is still rejected.
	AutoProvision bool
	// MaxSessions caps concurrent exchanges; 0 means unlimited.
	MaxSessions int
	// RedialMax bounds the total time spent retrying a failed Initiate.
	RedialMax time.Duration
	// Session carries the per-session phase timeouts.
	Session status.SessionConfig
}

// DefaultConfig returns the stock service tuning.
func DefaultConfig() Config {
	return Config{
		MaxSessions: 64,
		RedialMax:   time.Minute,
		Session:     status.DefaultSessionConfig(),
	}
}

// StatusRecord is the last known state of a peer.
type StatusRecord struct {
	Peer       peer.ID
	Digest     status.Digest
	ReportedAt time.Time
	Result     status.ComparisonResult
	UpdatedAt  time.Time
}

// Service owns the session table and the admission policy.
type Service struct {
	local     peer.ID
	trust     *trust.Store
	provider  status.Provider
	transport Transport
	sink      OutcomeSink
	metrics   *metrics.Metrics
	cfg       Config

	mu       sync.Mutex
	active   map[peer.ID]struct{}
	statuses map[peer.ID]StatusRecord
	closed   bool

	// lifetime context; Close cancels it to abort running sessions
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Service. transport may be nil if only inbound exchanges
// are handled; sink may be nil to skip history logging.
func New(local peer.ID, ts *trust.Store, provider status.Provider, transport Transport, sink OutcomeSink, m *metrics.Metrics, cfg Config) *Service {
	if m == nil {
		m = metrics.New()
	}
	if cfg.RedialMax <= 0 {
		cfg.RedialMax = DefaultConfig().RedialMax
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		ctx:       ctx,
		cancel:    cancel,
		local:     local,
		trust:     ts,
		provider:  provider,
		transport: transport,
		sink:      sink,
		metrics:   m,
		cfg:       cfg,
		active:    make(map[peer.ID]struct{}),
		statuses:  make(map[peer.ID]StatusRecord),
	}
}

// Metrics exposes the service counters.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// HandleInbound runs an exchange over a stream opened by the remote.
// Non-admitted peers get a Reject{NotTrusted} and no session; a peer with
// an exchange already in flight gets Reject{Busy}. The stream is always
// consumed and closed.
func (s *Service) HandleInbound(id peer.ID, stream status.Stream) error {
	if !s.trust.IsAdmitted(id) {
		s.metrics.RejectedNotTrusted.Add(1)
		log.Infof("rejecting inbound exchange from %s: not trusted", id)
		s.refuse(stream, status.RejectNotTrusted)
		return fmt.Errorf("%w: %s", ErrNotTrusted, id)
	}
	if err := s.acquire(id); err != nil {
		s.metrics.RejectedBusy.Add(1)
		s.refuse(stream, status.RejectBusy)
		return err
	}
	defer s.release(id)

	sess := status.NewSession(s.local, id, stream, s.provider, s.cfg.Session)
	out, err := sess.Run(s.ctx)
	s.finish(id, out, err)
	return err
}

// Initiate dials id and runs an exchange, retrying transient failures
// with exponential backoff until ctx is done or RedialMax elapses.
func (s *Service) Initiate(ctx context.Context, id peer.ID) (status.Outcome, error) {
	if s.transport == nil {
		return status.Outcome{}, errors.New("service has no transport")
	}
	if !s.trust.IsAdmitted(id) {
		rec, _ := s.trust.Lookup(id)
		if !s.cfg.AutoProvision || rec.Level != trust.Unknown {
			s.metrics.RejectedNotTrusted.Add(1)
			return status.Outcome{}, fmt.Errorf("%w: %s", ErrNotTrusted, id)
		}
	}
	if err := s.acquire(id); err != nil {
		return status.Outcome{}, err
	}
	defer s.release(id)

	// Shutting the service down aborts the exchange even when the
	// caller's context outlives it.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	stop := context.AfterFunc(s.ctx, cancelRun)
	defer stop()

	var out status.Outcome
	operation := func() error {
		stream, err := s.transport.Open(runCtx, id)
		if err != nil {
			return fmt.Errorf("dialing %s: %w", id, err)
		}
		sess := status.NewSession(s.local, id, stream, s.provider, s.cfg.Session)
		out, err = sess.Run(runCtx)
		if err != nil {
			return permanentIfFatal(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.cfg.RedialMax
	err := backoff.Retry(operation, backoff.WithContext(bo, runCtx))
	s.finish(id, out, err)
	if err != nil {
		return out, err
	}
	return out, nil
}

// permanentIfFatal stops the retry loop for failures a redial cannot fix.
func permanentIfFatal(err error) error {
	switch {
	case errors.Is(err, status.ErrVersionMismatch),
		errors.Is(err, status.ErrPeerRejected),
		errors.Is(err, status.ErrMalformedMessage),
		errors.Is(err, context.Canceled):
		return backoff.Permanent(err)
	default:
		return err
	}
}

// ActiveSessions lists the peers with an exchange in flight.
func (s *Service) ActiveSessions() []peer.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]peer.ID, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out
}

// LastStatus returns the most recent completed exchange with id.
func (s *Service) LastStatus(id peer.ID) (StatusRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.statuses[id]
	return rec, ok
}

// Statuses snapshots the status table.
func (s *Service) Statuses() map[peer.ID]StatusRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[peer.ID]StatusRecord, len(s.statuses))
	for id, rec := range s.statuses {
		out[id] = rec
	}
	return out
}

// Close refuses new sessions, cancels running ones, and waits for them
// to unwind.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Service) acquire(id peer.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, busy := s.active[id]; busy {
		return fmt.Errorf("%w: %s", ErrSessionActive, id)
	}
	if s.cfg.MaxSessions > 0 && len(s.active) >= s.cfg.MaxSessions {
		return fmt.Errorf("%w: session limit %d reached", ErrSessionActive, s.cfg.MaxSessions)
	}
	s.active[id] = struct{}{}
	s.wg.Add(1)
	return nil
}

func (s *Service) release(id peer.ID) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
	s.wg.Done()
}

// refuse writes a Reject and closes the stream, best effort.
func (s *Service) refuse(stream status.Stream, reason status.RejectReason) {
	stream.SetDeadline(time.Now().Add(5 * time.Second))
	if err := status.WriteMessage(stream, status.Reject{Reason: reason}); err != nil {
		log.Debugf("writing reject: %v", err)
	}
	stream.Close()
}

// finish records the result of a completed or failed exchange.
func (s *Service) finish(id peer.ID, out status.Outcome, err error) {
	if err != nil {
		s.metrics.ExchangesFailed.Add(1)
		if errors.Is(err, status.ErrTimeout) {
			s.metrics.Timeouts.Add(1)
		}
		if errors.Is(err, status.ErrVersionMismatch) {
			s.metrics.RejectedVersionMismatch.Add(1)
		}
		return
	}

	s.metrics.ExchangesDone.Add(1)
	now := time.Now()
	s.mu.Lock()
	s.statuses[id] = StatusRecord{
		Peer:       id,
		Digest:     out.PeerDigest,
		ReportedAt: out.PeerReportedAt,
		Result:     out.Result,
		UpdatedAt:  now,
	}
	s.mu.Unlock()

	if s.cfg.AutoProvision {
		if rec, stored := s.trust.Lookup(id); !stored || rec.Level == trust.Unknown {
			if terr := s.trust.Upsert(id, trust.Provisional, ""); terr != nil {
				log.Warnf("auto-provisioning %s: %v", id, terr)
			} else {
				log.Infof("auto-provisioned %s after completed exchange", id)
			}
		}
	}

	if s.sink != nil {
		if serr := s.sink.Append(out); serr != nil {
			log.Warnf("recording exchange with %s: %v", id, serr)
		}
	}
}
