package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	skerrors "github.com/mirkobrombin/go-skmutex/v1/errors"
	"github.com/mirkobrombin/go-skmutex/v1/events"
	"github.com/mirkobrombin/go-skmutex/v1/message"
	"github.com/mirkobrombin/go-skmutex/v1/metrics"
	"github.com/mirkobrombin/go-skmutex/v1/transport"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-skmutex/v1/lock")

type command struct {
	fn    func(ctx context.Context) error
	reply chan error
}

// Option configures a Site.
type Option func(*Site)

// WithLogger sets the logger used by the site.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Site) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCodec sets the wire codec. All sites of a group must agree on it.
func WithCodec(c message.Codec) Option {
	return func(s *Site) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithObserver registers an observer for protocol events.
func WithObserver(o events.Observer) Option {
	return func(s *Site) {
		s.observer = o
	}
}

// Site is one participant of the mutual exclusion group.
type Site struct {
	id        int
	n         int
	label     string
	transport transport.Transport
	codec     message.Codec
	log       logrus.FieldLogger
	observer  events.Observer

	cmds    chan command
	inbound chan []byte
	granted chan struct{}
	ready   chan struct{}
	gate    chan struct{}

	started  atomic.Bool
	done     chan struct{}
	err      error
	snapshot atomic.Pointer[State]

	// owned by the actor goroutine
	state     *siteState
	abandoned bool
	fatal     error
	heard     []bool
	nheard    int
}

// NewSite creates site id of an n-site group communicating over t. The site
// does nothing until Run is called.
func NewSite(id, n int, t transport.Transport, opts ...Option) (*Site, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: group size %d", skerrors.ErrInvalidSite, n)
	}
	if err := transport.CheckSite(id, n); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.New("skmutex: nil transport")
	}
	s := &Site{
		id:        id,
		n:         n,
		label:     strconv.Itoa(id),
		transport: t,
		codec:     message.JSONCodec{},
		log:       logrus.StandardLogger(),
		cmds:      make(chan command),
		inbound:   make(chan []byte, 64),
		granted:   make(chan struct{}, 1),
		ready:     make(chan struct{}),
		heard:     make([]bool, n),
		gate:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		state:     newSiteState(id, n),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithFields(logrus.Fields{"site": id, "n": n})
	s.markHeard(id)
	s.publish()
	return s, nil
}

// ID returns the site id.
func (s *Site) ID() int { return s.id }

// Snapshot returns the state published after the last protocol step.
func (s *Site) Snapshot() State {
	return *s.snapshot.Load()
}

// Done is closed once Run returned.
func (s *Site) Done() <-chan struct{} { return s.done }

// Err returns why the site stopped, ErrClosed for a regular shutdown.
func (s *Site) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Run receives and dispatches messages until ctx is done or a fatal error
// occurs. A site can be run only once.
func (s *Site) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: site %d already started", skerrors.ErrReceiverStart, s.id)
	}
	if s.id == 0 {
		s.log.Info("holding the startup token")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pump(gctx) })
	g.Go(func() error { return s.loop(gctx) })
	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = nil
	}
	if err != nil {
		s.log.WithError(err).Error("dispatcher stopped")
		s.err = err
	} else {
		s.err = skerrors.ErrClosed
	}
	close(s.done)
	return err
}

func (s *Site) pump(ctx context.Context) error {
	for {
		data, err := s.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive: %w", err)
		}
		select {
		case s.inbound <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Site) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-s.inbound:
			err := s.dispatch(ctx, data)
			s.publish()
			if err != nil {
				return err
			}
		case cmd := <-s.cmds:
			err := cmd.fn(ctx)
			s.publish()
			cmd.reply <- err
		}
		if s.fatal != nil {
			return s.fatal
		}
	}
}

// exec runs fn on the actor goroutine and waits for its result.
func (s *Site) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- command{fn: fn, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.err
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		// an accepted command always replies before the loop exits
		select {
		case err := <-reply:
			return err
		default:
			return s.err
		}
	}
}

func (s *Site) lockGate(ctx context.Context) error {
	select {
	case s.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.err
	}
}

func (s *Site) unlockGate() {
	select {
	case <-s.gate:
	default:
	}
}

// Acquire blocks until the site is inside its critical section. When ctx ends
// first the request is abandoned: the token is passed on as soon as it
// arrives.
func (s *Site) Acquire(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "skmutex.Acquire", trace.WithAttributes(attribute.Int("skmutex.site", s.id)))
	defer span.End()
	start := time.Now()

	if err := s.lockGate(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	var entered bool
	err := s.exec(ctx, func(actx context.Context) error {
		if s.state.hasToken && !s.state.inCS {
			s.enterCS()
			entered = true
			return nil
		}
		seq := s.state.rn[s.id]
		if !s.state.waiting {
			seq = s.state.nextRequest()
		}
		s.abandoned = false
		if err := s.broadcastRequest(actx, seq); err != nil {
			// nobody waits for a token reached through a partial broadcast
			s.abandoned = true
			return err
		}
		return nil
	})
	if err != nil {
		s.unlockGate()
		span.RecordError(err)
		return err
	}
	if entered {
		metrics.AcquireSeconds.WithLabelValues(s.label).Observe(time.Since(start).Seconds())
		return nil
	}

	select {
	case <-s.granted:
		metrics.AcquireSeconds.WithLabelValues(s.label).Observe(time.Since(start).Seconds())
		return nil
	case <-ctx.Done():
		if err := s.exec(context.WithoutCancel(ctx), s.abandon); err != nil && !errors.Is(err, skerrors.ErrClosed) {
			s.log.WithError(err).Warn("abandon request")
		}
		s.unlockGate()
		span.RecordError(ctx.Err())
		return ctx.Err()
	case <-s.done:
		s.unlockGate()
		span.RecordError(s.err)
		return s.err
	}
}

// TryLock enters the critical section only if the site holds an idle token.
// It never sends a request.
func (s *Site) TryLock(ctx context.Context) (bool, error) {
	select {
	case s.gate <- struct{}{}:
	default:
		return false, nil
	}
	var entered bool
	err := s.exec(ctx, func(context.Context) error {
		if s.state.hasToken && !s.state.inCS {
			s.enterCS()
			entered = true
		}
		return nil
	})
	if err != nil || !entered {
		s.unlockGate()
	}
	return entered, err
}

// Release leaves the critical section and hands the token to the next
// waiting site, if any. It is not interrupted by ctx cancellation.
func (s *Site) Release(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "skmutex.Release", trace.WithAttributes(attribute.Int("skmutex.site", s.id)))
	defer span.End()
	err := s.exec(context.WithoutCancel(ctx), func(actx context.Context) error {
		if !s.state.inCS {
			return skerrors.ErrNotHeld
		}
		return s.exitCS(actx)
	})
	if errors.Is(err, skerrors.ErrNotHeld) {
		return err
	}
	s.unlockGate()
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// abandon runs on the actor after a caller stopped waiting.
func (s *Site) abandon(ctx context.Context) error {
	select {
	case <-s.granted:
		// the token arrived but nobody will use it
		return s.exitCS(ctx)
	default:
	}
	if s.state.waiting {
		s.abandoned = true
		s.log.Debug("request abandoned")
	}
	return nil
}

func (s *Site) dispatch(ctx context.Context, data []byte) error {
	env, err := s.codec.Unmarshal(data)
	if err != nil {
		return err
	}
	if err := env.Validate(s.n); err != nil {
		return err
	}
	if env.From == s.id {
		return fmt.Errorf("%w: message %s from self", skerrors.ErrMalformedMessage, env.ID)
	}
	s.markHeard(env.From)
	switch env.Kind {
	case message.KindRequest:
		return s.handleRequest(ctx, env)
	case message.KindHello:
		return s.handleHello(ctx, env)
	default:
		return s.handleToken(ctx, env)
	}
}

// Ready is closed once every peer has been heard from.
func (s *Site) Ready() <-chan struct{} { return s.ready }

// WaitReady announces the site every interval until each peer has been heard
// from, so that no REQUEST or TOKEN is sent to a site that does not receive
// yet. Run must be running.
func (s *Site) WaitReady(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ready:
			return nil
		default:
		}
		if err := s.exec(ctx, s.announce); err != nil {
			return err
		}
		select {
		case <-s.ready:
			s.log.Info("all sites reachable")
			return nil
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return s.err
		}
	}
}

func (s *Site) markHeard(id int) {
	if s.heard[id] {
		return
	}
	s.heard[id] = true
	s.nheard++
	if s.nheard == s.n {
		close(s.ready)
	}
}

// announce sends HELLO to every peer not heard from yet. Lost HELLOs are
// sent again on the next round.
func (s *Site) announce(ctx context.Context) error {
	data, err := s.codec.Marshal(message.NewHello(s.id, false))
	if err != nil {
		return err
	}
	for peer, ok := range s.heard {
		if ok {
			continue
		}
		if err := s.transport.Send(ctx, peer, data); err != nil {
			s.log.WithError(err).WithField("to", peer).Debug("hello not delivered")
		}
	}
	return nil
}

// handleHello answers a peer's announcement.
func (s *Site) handleHello(ctx context.Context, env message.Envelope) error {
	s.log.WithFields(logrus.Fields{"from": env.From, "ack": env.Ack}).Debug("hello received")
	if env.Ack {
		return nil
	}
	data, err := s.codec.Marshal(message.NewHello(s.id, true))
	if err != nil {
		return err
	}
	if err := s.transport.Send(ctx, env.From, data); err != nil {
		s.log.WithError(err).WithField("to", env.From).Warn("hello answer not delivered")
	}
	return nil
}

// handleRequest applies REQUEST(from, seq) and grants the idle token when
// the requester is next in line.
func (s *Site) handleRequest(ctx context.Context, env message.Envelope) error {
	metrics.RequestsReceived.WithLabelValues(s.label).Inc()
	s.emit(events.RequestReceived, env.From, env.Seq, nil)
	if s.state.recordRequest(env.From, env.Seq) {
		metrics.RequestsStale.WithLabelValues(s.label).Inc()
		s.emit(events.RequestStale, env.From, env.Seq, nil)
		s.log.WithFields(logrus.Fields{"from": env.From, "seq": env.Seq, "id": env.ID}).Debug("request expired")
		return nil
	}
	s.log.WithFields(logrus.Fields{"from": env.From, "seq": env.Seq, "id": env.ID}).Debug("request received")
	if s.state.shouldGrant(env.From) {
		return s.sendToken(ctx, env.From)
	}
	return nil
}

// handleToken installs the token and enters the critical section before the
// next message is looked at.
func (s *Site) handleToken(ctx context.Context, env message.Envelope) error {
	if s.state.hasToken {
		return fmt.Errorf("%w: token %s received while holding the token", skerrors.ErrMalformedMessage, env.ID)
	}
	wanted := s.state.waiting && !s.abandoned
	s.abandoned = false
	tok := env.Token()
	s.state.acceptToken(tok)
	metrics.TokensReceived.WithLabelValues(s.label).Inc()
	s.emit(events.TokenReceived, env.From, 0, tok.Queue)
	s.log.WithFields(logrus.Fields{"from": env.From, "queue": tok.Queue, "id": env.ID}).Info("token received")

	if !wanted {
		s.log.Info("passing on unrequested token")
		return s.releaseToken(ctx)
	}
	s.enterCS()
	s.publish()
	select {
	case s.granted <- struct{}{}:
	default:
	}
	return nil
}

func (s *Site) enterCS() {
	s.state.inCS = true
	metrics.CSEntries.WithLabelValues(s.label).Inc()
	s.emit(events.EnterCS, -1, s.state.rn[s.id], nil)
	s.log.Info("entering critical section")
}

func (s *Site) exitCS(ctx context.Context) error {
	s.emit(events.ExitCS, -1, s.state.rn[s.id], nil)
	s.log.Info("leaving critical section")
	return s.releaseToken(ctx)
}

// releaseToken runs the release step and forwards the token if a site waits.
func (s *Site) releaseToken(ctx context.Context) error {
	added, next, forward := s.state.release()
	if len(added) > 0 {
		s.log.WithField("added", added).Debug("sites added to the queue")
	}
	if !forward {
		s.log.Debug("token retained")
		return nil
	}
	return s.sendToken(ctx, next)
}

func (s *Site) broadcastRequest(ctx context.Context, seq uint64) error {
	data, err := s.codec.Marshal(message.NewRequest(s.id, seq))
	if err != nil {
		return err
	}
	metrics.RequestsSent.WithLabelValues(s.label).Inc()
	s.emit(events.RequestSent, -1, seq, nil)
	s.log.WithField("seq", seq).Debug("broadcasting request")
	if err := transport.Broadcast(ctx, s.transport, s.id, s.n, data); err != nil {
		return fmt.Errorf("%w: request %d: %w", skerrors.ErrSendFailed, seq, err)
	}
	return nil
}

// sendToken gives the token away. A failed send strands the token and
// stops the site.
func (s *Site) sendToken(ctx context.Context, to int) error {
	tok := s.state.tokenPayload()
	env := message.NewToken(s.id, tok)
	data, err := s.codec.Marshal(env)
	if err != nil {
		s.fatal = err
		return err
	}
	s.state.hasToken = false
	metrics.TokensSent.WithLabelValues(s.label).Inc()
	s.emit(events.TokenSent, to, 0, tok.Queue)
	s.log.WithFields(logrus.Fields{"to": to, "queue": tok.Queue, "id": env.ID}).Info("sending token")
	if err := s.transport.Send(ctx, to, data); err != nil {
		s.fatal = fmt.Errorf("%w: token to %d: %w", skerrors.ErrSendFailed, to, err)
		return s.fatal
	}
	return nil
}

func (s *Site) emit(kind events.Kind, peer int, seq uint64, queue []int) {
	if s.observer == nil {
		return
	}
	var q []int
	if queue != nil {
		q = append([]int{}, queue...)
	}
	s.observer.Observe(events.Event{Site: s.id, Kind: kind, Peer: peer, Seq: seq, Queue: q, Time: time.Now()})
}

// publish stores a fresh snapshot and updates the state gauges.
func (s *Site) publish() {
	st := s.state.snapshot()
	s.snapshot.Store(st)
	metrics.HasToken.WithLabelValues(s.label).Set(boolGauge(st.HasToken))
	metrics.InCS.WithLabelValues(s.label).Set(boolGauge(st.InCS))
	metrics.Waiting.WithLabelValues(s.label).Set(boolGauge(st.Waiting))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
