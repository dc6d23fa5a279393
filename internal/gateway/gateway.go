package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultHandshakeTimeout is the wait for a REGISTER/AUTH/SCHEMA reply
// before the state machine resends the request.
const DefaultHandshakeTimeout = 10 * time.Second

// eventQueueSize is the buffer depth of the single event channel every
// collaborator pushes onto. A generous buffer means a burst of poller
// ticks or inbound cloud messages never blocks a collaborator goroutine on
// the state machine keeping up.
const eventQueueSize = 256

// Gateway is the control plane: it owns the state machine and every
// collaborator handle needed to run one device session. Construct with New,
// wire collaborator callbacks via NotifyModbusUp/NotifyCloudUp and the
// cloud ingress loop, then call Run.
type Gateway struct {
	Device   *Device
	Registry *Registry
	Modbus   ModbusLink
	Cloud    CloudLink
	Creds    CredentialStore
	Timeout  *TimeoutService
	Conn     *Connectivity
	Poller   *Poller
	Metrics  *Metrics
	Log      *logrus.Entry

	HandshakeTimeout    time.Duration
	MaxRegisterAttempts int

	events           chan Event
	mu               sync.Mutex
	state            State
	registerAttempts int
	fatalErr         error
}

// New wires a Gateway from its collaborators. Shutdown closes the Modbus and
// Cloud links passed here as part of its ordered stop sequence, so the caller
// does not close them itself.
func New(device *Device, registry *Registry, modbus ModbusLink, cloud CloudLink, creds CredentialStore, log *logrus.Entry) *Gateway {
	events := make(chan Event, eventQueueSize)
	g := &Gateway{
		Device:           device,
		Registry:         registry,
		Modbus:           modbus,
		Cloud:            cloud,
		Creds:            creds,
		Timeout:          NewTimeoutService(),
		Conn:             NewConnectivity(),
		Log:              log,
		HandshakeTimeout: DefaultHandshakeTimeout,
		events:           events,
		state:            StateDisconnected,
	}
	g.Poller = NewPoller(registry, modbus, events)
	g.Poller.OnPoll = func(sensorID int) {
		if g.Metrics != nil {
			g.Metrics.IncPoll()
		}
	}
	g.Poller.OnError = func(sensorID int, err error) {
		g.Log.WithError(err).WithField("sensor", sensorID).Warn("polling sensor failed")
		if g.Metrics != nil {
			g.Metrics.IncPollError()
		}
	}
	return g
}

// Emit pushes an event onto the gateway's single event channel. Safe to
// call from any goroutine; non-blocking if the queue is full (the event is
// dropped and logged, matching the "transient errors never escape" rule: a
// saturated queue is a transient condition, not a fatal one).
func (g *Gateway) Emit(evt Event) {
	select {
	case g.events <- evt:
	default:
		g.Log.WithField("event", evt.Kind.String()).Warn("event queue full, dropping event")
	}
}

// NotifyModbusUp feeds a Modbus link up/down signal into the connectivity
// tracker, mirrors the reference's on_modbus_connected/disconnected
// poll_start/poll_stop calls, and emits READY/NOT_READY if the combined
// state changed.
func (g *Gateway) NotifyModbusUp(up bool) {
	if up {
		g.Poller.Start()
	} else {
		g.Poller.Stop()
	}
	ready, changed := g.Conn.SetModbus(up)
	if !changed {
		return
	}
	g.emitConnectivity(ready)
}

// NotifyCloudUp feeds a cloud link up/down signal into the connectivity
// tracker and emits READY/NOT_READY if the combined state changed.
func (g *Gateway) NotifyCloudUp(up bool) {
	ready, changed := g.Conn.SetCloud(up)
	if !changed {
		return
	}
	g.emitConnectivity(ready)
}

// emitConnectivity emits READY or NOT_READY. NOT_READY halts publications
// (handled in the state machine, which drops ONLINE+PUB_DATA once it has
// moved to DISCONNECTED) but does not stop the poller: per scenario 4 of
// SPEC_FULL.md §8, the poller keeps reading and updating current values
// while disconnected. Only a Modbus link loss stops the poller:
// NotifyModbusUp(false) calls Poller.Stop itself, mirroring the reference's
// poll_stop.
func (g *Gateway) emitConnectivity(ready bool) {
	if ready {
		g.Emit(Event{Kind: EvtReady})
		return
	}
	g.Emit(Event{Kind: EvtNotReady})
}

// ingress consumes inbound cloud messages and translates them into events,
// until the channel closes or ctx is canceled.
func (g *Gateway) ingress(ctx context.Context, inbound <-chan InboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if evt := translateInbound(msg); evt != nil {
				g.Emit(*evt)
			}
		}
	}
}

// Run starts the cloud ingress loop and drives the event loop until ctx is
// canceled or the state machine reaches TERMINAL. A TERMINAL reached via a
// normal unregister sequence returns nil; a TERMINAL reached via fail
// returns the fatal error that caused it (per SPEC_FULL.md §7: fatal
// errors unwind all started collaborators and surface a nonzero exit).
func (g *Gateway) Run(ctx context.Context) error {
	inbound, err := g.Cloud.Start(ctx)
	if err != nil {
		return err
	}
	go g.ingress(ctx, inbound)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-g.events:
			g.handle(evt)
			if g.State() == StateTerminal {
				return g.fatalError()
			}
		}
	}
}

// Shutdown runs the ordered teardown sequence from SPEC_FULL.md §5:
// config-stop, poll-destroy, cloud-stop, modbus-stop, registry-destroy. It
// also removes any outstanding handshake timer, and it closes the Cloud and
// Modbus links.
func (g *Gateway) Shutdown() {
	g.Poller.Stop()
	g.Poller.Destroy()
	g.Timeout.Remove()
	if err := g.Cloud.Close(); err != nil {
		g.Log.WithError(err).Warn("closing cloud link")
	}
	if err := g.Modbus.Close(); err != nil {
		g.Log.WithError(err).Warn("closing modbus link")
	}
	g.Registry.Destroy()
}

func contextWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
