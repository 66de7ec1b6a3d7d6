// Package receive implements long-lived receivers and the registry that owns
// them. A receiver holds one connection, one session and one consumer for a
// single destination and dispatches every delivery to a handler chain.
package receive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/miladsoleymani/relaymux/broker"
	"github.com/miladsoleymani/relaymux/core"
	"github.com/miladsoleymani/relaymux/core/middleware"
	"github.com/miladsoleymani/relaymux/internal/logging"
)

// State is the lifecycle state of a Receiver.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateListening
	StateDispatching
	StatePaused
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateDispatching:
		return "dispatching"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// lastID is the process-wide receiver id sequence.
var lastID atomic.Int64

// skipCounter is implemented by collectors that count dropped deliveries.
type skipCounter interface {
	MessageSkipped(destination string)
}

// dispatchKey marks contexts handed to a receiver's own handler chain.
type dispatchKey struct{}

// Receiver consumes one destination. Create it with New, register it with a
// Manager, then Start it. Stop pauses delivery and Resume restarts it; Close
// releases everything.
type Receiver struct {
	id       int
	params   *core.Parameters
	handler  core.HandlerFunc
	binder   core.Binder
	dialer   broker.Dialer
	identity core.Identity
	logger   *zap.Logger
	skips    skipCounter
	tracer   trace.Tracer
	mws      []core.MiddlewareFunc
	report   Report

	registered atomic.Bool
	inFlight   atomic.Int32
	state      atomic.Int32 // written under mu

	// mu serializes lifecycle transitions. It is never held across broker
	// I/O or while waiting for a handler.
	mu       sync.Mutex
	base     context.Context
	conn     core.Connection
	sess     core.Session
	cons     core.Consumer
	cancel   context.CancelFunc
	resuming bool
	pausing  <-chan struct{} // closed once the consumer released by Stop is closed
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithDialer replaces the driver registry (default broker.Default).
func WithDialer(d broker.Dialer) Option {
	return func(r *Receiver) { r.dialer = d }
}

// WithIdentity sets the local instance id used to drop our own messages when
// subscriber.nolocal is enabled.
func WithIdentity(id core.Identity) Option {
	return func(r *Receiver) { r.identity = id }
}

// WithLogger sets the receiver logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(r *Receiver) { r.logger = logging.OrNop(l) }
}

// WithBinder replaces the payload binder used by Context.Bind.
func WithBinder(b core.Binder) Option {
	return func(r *Receiver) { r.binder = b }
}

// WithMiddleware appends handler middleware. Given [A, B], the call order is
// A -> B -> handler.
func WithMiddleware(mws ...core.MiddlewareFunc) Option {
	return func(r *Receiver) { r.mws = append(r.mws, mws...) }
}

// WithCollector records dispatch metrics. Collectors that also count skipped
// deliveries are told about dropped local messages.
func WithCollector(c middleware.MetricsCollector) Option {
	return func(r *Receiver) {
		r.mws = append(r.mws, middleware.Metrics(c))
		if sc, ok := c.(skipCounter); ok {
			r.skips = sc
		}
	}
}

// New validates params and creates a receiver with a fresh id. The receiver
// does not connect until Start.
func New(params *core.Parameters, handler core.HandlerFunc, opts ...Option) (*Receiver, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, core.InvalidArgument("new receiver", "handler is nil")
	}
	r := &Receiver{
		id:      int(lastID.Add(1)),
		params:  params.Clone(),
		binder:  core.JSONBinder{},
		dialer:  broker.Default,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("github.com/miladsoleymani/relaymux/receive"),
		state:   StateCreated,
		handler: handler,
	}
	for _, opt := range opts {
		opt(r)
	}
	// Recovery is outermost so panics in middleware are caught too.
	chain := append([]core.MiddlewareFunc{middleware.Recovery(r.logger)}, r.mws...)
	r.handler = applyMiddleware(handler, chain)
	return r, nil
}

// applyMiddleware wraps h so that mws run in slice order.
func applyMiddleware(h core.HandlerFunc, mws []core.MiddlewareFunc) core.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func (r *Receiver) ID() int { return r.id }

func (r *Receiver) Destination() string { return r.params.Destination }

// Parameters returns a copy of the receiver configuration.
func (r *Receiver) Parameters() *core.Parameters { return r.params.Clone() }

// Report returns the live statistics of the receiver.
func (r *Receiver) Report() *Report { return &r.report }

// State reports the current lifecycle state. A listening receiver with a
// handler call in progress reports StateDispatching.
func (r *Receiver) State() State {
	s := r.loadState()
	if s == StateListening && r.inFlight.Load() > 0 {
		return StateDispatching
	}
	return s
}

func (r *Receiver) loadState() State { return State(r.state.Load()) }

func (r *Receiver) setState(s State) { r.state.Store(int32(s)) }

func (r *Receiver) log() *zap.Logger {
	return r.logger.With(zap.Int("receiver_id", r.id), zap.String("destination", r.params.Destination))
}

// onDispatchPath reports whether ctx comes from this receiver's own handler
// chain. Closing from there must not wait for the delivery in progress.
func (r *Receiver) onDispatchPath(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(dispatchKey{}).(*Receiver)
	return owner == r
}

// Start connects, opens a session and attaches the consumer. Deliveries are
// dispatched on driver goroutines until Stop or Close. ctx bounds the connect
// phase only; its values are kept for dispatch but its cancellation is not.
// A Close that lands while Start is connecting wins: the new resources are
// released and Start fails with ErrClosed.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	if !r.registered.Load() {
		r.mu.Unlock()
		return core.InvalidArgument("start", fmt.Sprintf("receiver %d is not registered", r.id))
	}
	if s := r.loadState(); s != StateCreated {
		r.mu.Unlock()
		return core.InvalidArgument("start", fmt.Sprintf("receiver %d is %s", r.id, s))
	}
	r.setState(StateConnecting)
	r.base = context.WithoutCancel(ctx)
	r.mu.Unlock()

	log := r.log()

	conn, err := r.dialer.Connect(ctx, r.params, r.onConnectionError)
	if err != nil {
		return r.failStart(log, asTransport("connect", err))
	}
	sess, err := conn.OpenSession(ctx)
	if err != nil {
		r.closeQuietly(log, "connection", conn.Close)
		return r.failStart(log, core.TransportError("open session", err))
	}

	consumeCtx, cancel := context.WithCancel(r.base)
	cons, err := sess.Consume(consumeCtx, r.params.Destination, core.ConsumeOptionsFrom(r.params), r.dispatch)
	if err != nil {
		cancel()
		r.closeQuietly(log, "session", sess.Close)
		r.closeQuietly(log, "connection", conn.Close)
		return r.failStart(log, core.TransportError("consume", err))
	}

	r.mu.Lock()
	if r.loadState() != StateConnecting {
		r.mu.Unlock()
		r.closeQuietly(log, "consumer", cons.Close)
		cancel()
		r.closeQuietly(log, "session", sess.Close)
		r.closeQuietly(log, "connection", conn.Close)
		log.Info("receiver closed while connecting")
		return core.TransportError("start", core.ErrClosed)
	}
	r.conn, r.sess, r.cons, r.cancel = conn, sess, cons, cancel
	r.setState(StateListening)
	r.mu.Unlock()

	r.report.started(time.Now().UTC())
	log.Info("receiver listening",
		zap.String("driver", r.params.ContextFactory),
		zap.String("connection", broker.ConnectionName(r.params)))
	return nil
}

func (r *Receiver) failStart(log *zap.Logger, err error) error {
	r.mu.Lock()
	if r.loadState() == StateConnecting {
		r.setState(StateFailed)
	}
	r.mu.Unlock()
	r.report.addError(ContextReceiver, err)
	log.Error("receiver failed to start", zap.Error(err))
	return err
}

func (r *Receiver) closeQuietly(log *zap.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		log.Warn("problem closing "+what+", ignored", zap.Error(err))
	}
}

func (r *Receiver) onConnectionError(err error) {
	r.report.addError(ContextConnection, err)
	r.logger.Error("connection error",
		zap.Int("receiver_id", r.id),
		zap.String("destination", r.params.Destination),
		zap.Error(err))
}

// accepting reports whether new deliveries reach the handler.
func (r *Receiver) accepting() bool {
	switch r.loadState() {
	case StateConnecting, StateListening:
		return true
	}
	return false
}

// dispatch is the driver-facing handler. It always settles the delivery and
// returns the handler failure, if any, for the driver to log. Deliveries that
// arrive once the receiver is pausing or closing are handed back unprocessed.
func (r *Receiver) dispatch(ctx context.Context, d core.Delivery) error {
	r.inFlight.Add(1)
	defer r.inFlight.Add(-1)

	if !r.accepting() {
		r.settle(d, true)
		return nil
	}

	props := d.Properties()
	if r.isLocal(props) {
		r.report.messageSkipped()
		if r.skips != nil {
			r.skips.MessageSkipped(r.params.Destination)
		}
		r.settle(d, false)
		return nil
	}

	ctx = context.WithValue(core.ExtractTrace(ctx, props), dispatchKey{}, r)
	ctx, span := r.tracer.Start(ctx, "relaymux.receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", r.params.Destination),
			attribute.String("messaging.message.id", d.ID()),
			attribute.Int("relaymux.receiver.id", r.id),
		))
	defer span.End()

	start := time.Now()
	err := r.handle(ctx, d, props)
	elapsed := time.Since(start)

	if err == nil {
		r.report.messageOK(elapsed)
		r.settle(d, false)
		return nil
	}

	if core.CodeOf(err) != core.CodeReceive {
		err = core.ReceiveError("handle", err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.report.messageFailed(elapsed, err)
	r.logger.Error("problem handling message",
		zap.Int("receiver_id", r.id),
		zap.String("destination", r.params.Destination),
		zap.String("message_id", d.ID()),
		zap.Error(err))
	r.settle(d, r.params.RequeueOnError())
	return err
}

func (r *Receiver) handle(ctx context.Context, d core.Delivery, props core.Properties) error {
	body, err := core.DecompressLimit(props.String(core.PropCompression), d.Body(), r.params.MaxPayloadSize())
	if err != nil {
		return core.ReceiveError("decompress", err)
	}
	env := core.EnvelopeFromProperties(props, body)
	return r.handler(core.NewContext(ctx, r.id, d, env, r.binder))
}

func (r *Receiver) isLocal(props core.Properties) bool {
	if r.identity == nil || !r.params.NoLocal() {
		return false
	}
	id := r.identity.ID()
	return id != "" && props.String(core.PropInstanceID) == id
}

func (r *Receiver) settle(d core.Delivery, requeue bool) {
	var err error
	op := "ack"
	if requeue {
		op = "nack"
		err = d.Nack()
	} else {
		err = d.Ack()
	}
	if err != nil {
		err = core.ReceiveError(op, err)
		r.report.addError(ContextReceiver, err)
		r.logger.Warn("problem settling message",
			zap.Int("receiver_id", r.id),
			zap.String("message_id", d.ID()),
			zap.Error(err))
	}
}

// Stop pauses delivery. The consumer is closed but the connection and the
// session stay open and the receiver stays registered; Resume attaches a new
// consumer. Stopping a paused receiver is a no-op.
//
// Called from the receiver's own handler with c.Context(), Stop returns at
// once and the consumer is released when that handler returns.
func (r *Receiver) Stop(ctx context.Context) error {
	r.mu.Lock()
	switch s := r.loadState(); s {
	case StatePaused:
		r.mu.Unlock()
		return nil
	case StateListening:
	default:
		r.mu.Unlock()
		return core.InvalidArgument("stop", fmt.Sprintf("receiver %d is %s", r.id, s))
	}
	cons, cancel := r.cons, r.cancel
	r.cons, r.cancel = nil, nil
	done := make(chan struct{})
	r.pausing = done
	r.setState(StatePaused)
	r.mu.Unlock()

	log := r.log()
	release := func() error {
		defer close(done)
		err := cons.Close()
		cancel()
		if err != nil {
			err = core.TransportError("stop receiver", fmt.Errorf("close consumer: %w", err))
			r.report.addError(ContextReceiver, err)
			log.Error("problem pausing receiver", zap.Error(err))
		}
		return err
	}

	if r.onDispatchPath(ctx) {
		go func() { _ = release() }()
		log.Info("receiver paused from its handler")
		return nil
	}
	if err := release(); err != nil {
		return err
	}
	log.Info("receiver paused")
	return nil
}

// Resume attaches a new consumer to a paused receiver. Resuming a listening
// receiver is a no-op. On failure the receiver stays paused.
func (r *Receiver) Resume(ctx context.Context) error {
	r.mu.Lock()
	switch s := r.loadState(); s {
	case StateListening:
		r.mu.Unlock()
		return nil
	case StatePaused:
	default:
		r.mu.Unlock()
		return core.InvalidArgument("resume", fmt.Sprintf("receiver %d is %s", r.id, s))
	}
	if r.resuming {
		r.mu.Unlock()
		return core.InvalidArgument("resume", fmt.Sprintf("receiver %d is already resuming", r.id))
	}
	r.resuming = true
	sess, pausing, base := r.sess, r.pausing, r.base
	r.mu.Unlock()

	// The released consumer must be gone before a new one attaches, unless
	// we are that consumer's handler.
	if pausing != nil && !r.onDispatchPath(ctx) {
		select {
		case <-pausing:
		case <-ctx.Done():
			r.mu.Lock()
			r.resuming = false
			r.mu.Unlock()
			return core.TransportError("resume", ctx.Err())
		}
	}

	log := r.log()
	consumeCtx, cancel := context.WithCancel(base)
	cons, err := sess.Consume(consumeCtx, r.params.Destination, core.ConsumeOptionsFrom(r.params), r.dispatch)

	r.mu.Lock()
	r.resuming = false
	if err != nil {
		r.mu.Unlock()
		cancel()
		err = core.TransportError("consume", err)
		r.report.addError(ContextReceiver, err)
		log.Error("receiver failed to resume", zap.Error(err))
		return err
	}
	if r.loadState() != StatePaused {
		r.mu.Unlock()
		r.closeQuietly(log, "consumer", cons.Close)
		cancel()
		return core.TransportError("resume", core.ErrClosed)
	}
	r.cons, r.cancel = cons, cancel
	r.setState(StateListening)
	r.mu.Unlock()

	log.Info("receiver resumed")
	return nil
}

// Close stops the receiver, closing the consumer, the session and the
// connection in that order. Every close is attempted; failures are joined
// into one TransportError. Closing an idle or stopped receiver is a no-op.
// Close waits for a handler call in progress, so a handler closing its own
// receiver must use Shutdown with c.Context() instead.
func (r *Receiver) Close() error {
	return r.Shutdown(context.Background())
}

// Shutdown is Close for callers that may run inside the receiver's own
// handler. When ctx descends from the handler's c.Context(), Shutdown returns
// at once and the resources are released as soon as the handler returns.
func (r *Receiver) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	switch r.loadState() {
	case StateStopping, StateStopped, StateFailed:
		r.mu.Unlock()
		return nil
	case StateCreated:
		r.setState(StateStopped)
		r.mu.Unlock()
		return nil
	case StateConnecting:
		// Start sees the new state and releases what it opened.
		r.setState(StateStopped)
		r.mu.Unlock()
		r.report.stopped(time.Now().UTC())
		return nil
	}
	r.setState(StateStopping)
	h := handles{conn: r.conn, sess: r.sess, cons: r.cons, cancel: r.cancel, pausing: r.pausing}
	r.conn, r.sess, r.cons, r.cancel, r.pausing = nil, nil, nil, nil, nil
	r.mu.Unlock()

	if r.onDispatchPath(ctx) {
		go func() { _ = r.teardown(h) }()
		r.log().Info("receiver closing from its handler")
		return nil
	}
	return r.teardown(h)
}

// handles are the broker resources a receiver releases on close.
type handles struct {
	conn    core.Connection
	sess    core.Session
	cons    core.Consumer
	cancel  context.CancelFunc
	pausing <-chan struct{}
}

func (r *Receiver) teardown(h handles) error {
	log := r.log()

	var errs []error
	closeStep := func(what string, closeFn func() error) {
		if err := closeFn(); err != nil {
			err = fmt.Errorf("close %s: %w", what, err)
			r.report.addError(ContextReceiver, err)
			log.Error("problem closing receiver resource", zap.String("resource", what), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if h.cons != nil {
		closeStep("consumer", h.cons.Close)
	}
	if h.pausing != nil {
		<-h.pausing
	}
	if h.cancel != nil {
		h.cancel()
	}
	if h.sess != nil {
		closeStep("session", h.sess.Close)
	}
	if h.conn != nil {
		closeStep("connection", h.conn.Close)
	}

	r.mu.Lock()
	r.setState(StateStopped)
	r.mu.Unlock()
	r.report.stopped(time.Now().UTC())
	log.Info("receiver stopped")

	if len(errs) > 0 {
		return core.TransportError("close receiver", errors.Join(errs...))
	}
	return nil
}

// Info describes a receiver for management surfaces.
type Info struct {
	ID          int               `json:"id"`
	State       string            `json:"state"`
	Destination string            `json:"destination"`
	Parameters  map[string]string `json:"parameters"`
	Report      ReportSnapshot    `json:"report"`
}

// Info returns a snapshot with credentials redacted.
func (r *Receiver) Info() Info {
	return Info{
		ID:          r.id,
		State:       r.State().String(),
		Destination: r.params.Destination,
		Parameters:  r.params.Map(),
		Report:      r.report.Snapshot(),
	}
}

func asTransport(op string, err error) error {
	if core.CodeOf(err) == core.CodeTransport {
		return err
	}
	return core.TransportError(op, err)
}
