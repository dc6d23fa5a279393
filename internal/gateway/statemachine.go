package gateway

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// State is one state of the control plane's registration/authentication/
// schema/online/teardown state machine.
type State int

const (
	StateDisconnected State = iota
	StateRegistering
	StateAuthenticating
	StateSchema
	StateOnline
	StateUnregistering
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateRegistering:
		return "REGISTERING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateSchema:
		return "SCHEMA"
	case StateOnline:
		return "ONLINE"
	case StateUnregistering:
		return "UNREGISTERING"
	case StateTerminal:
		return "TERMINAL"
	default:
		return "UNKNOWN"
	}
}

// handle applies one event to the current state, per the transition table
// in SPEC_FULL.md §4.5. Events that do not map to a transition in the
// current state are dropped (and logged).
func (g *Gateway) handle(evt Event) {
	g.mu.Lock()
	state := g.state
	g.mu.Unlock()

	switch evt.Kind {
	case EvtNotReady:
		g.setState(StateDisconnected)
		g.Timeout.Remove()
		return
	}

	switch state {
	case StateDisconnected:
		g.handleDisconnected(evt)
	case StateRegistering:
		g.handleRegistering(evt)
	case StateAuthenticating:
		g.handleAuthenticating(evt)
	case StateSchema:
		g.handleSchema(evt)
	case StateOnline:
		g.handleOnline(evt)
	case StateUnregistering:
		g.handleUnregistering(evt)
	default:
		g.drop(evt, state)
	}
}

func (g *Gateway) handleDisconnected(evt Event) {
	if evt.Kind != EvtReady {
		g.drop(evt, StateDisconnected)
		return
	}

	if g.Device.HasToken() {
		g.setState(StateAuthenticating)
		g.sendAuth()
		g.armHandshakeTimer()
		return
	}

	g.setState(StateRegistering)
	g.registerAttempts = 0
	g.sendRegister()
	g.armHandshakeTimer()
}

func (g *Gateway) handleRegistering(evt Event) {
	switch evt.Kind {
	case EvtRegOK:
		if err := g.Creds.Store(g.Device.ID, evt.Token); err != nil {
			g.Log.WithError(err).Error("persisting credentials after REG_OK: a registered token that cannot be persisted is unsafe, failing the session")
			g.fail(fmt.Errorf("gateway: persisting credentials after REG_OK: %w", err))
			return
		}
		g.Device.Token = evt.Token
		g.setState(StateAuthenticating)
		g.sendAuth()
		g.armHandshakeTimer()
	case EvtRegNotOK, EvtTimeout:
		g.registerAttempts++
		if g.MaxRegisterAttempts > 0 && g.registerAttempts >= g.MaxRegisterAttempts {
			g.Log.Error("registration retries exhausted; staying DISCONNECTED until next READY edge")
			g.setState(StateDisconnected)
			g.Timeout.Remove()
			return
		}
		g.sendRegister()
		g.rearmHandshakeTimer()
	default:
		g.drop(evt, StateRegistering)
	}
}

func (g *Gateway) handleAuthenticating(evt Event) {
	switch evt.Kind {
	case EvtAuthOK:
		g.setState(StateSchema)
		g.sendSchema()
		g.armHandshakeTimer()
	case EvtAuthNotOK:
		g.Device.ClearToken()
		g.setState(StateDisconnected)
		g.Timeout.Remove()
	case EvtTimeout:
		g.sendAuth()
		g.rearmHandshakeTimer()
	default:
		g.drop(evt, StateAuthenticating)
	}
}

func (g *Gateway) handleSchema(evt Event) {
	switch evt.Kind {
	case EvtSchOK:
		g.Timeout.Remove()
		g.setState(StateOnline)
		g.startConfigService()
		g.publishSnapshot()
	case EvtSchNotOK, EvtTimeout:
		g.sendSchema()
		g.rearmHandshakeTimer()
	default:
		g.drop(evt, StateSchema)
	}
}

func (g *Gateway) handleOnline(evt Event) {
	switch evt.Kind {
	case EvtPubData:
		for _, id := range evt.Sensors {
			g.publishSensor(id)
		}
	case EvtDataUpdate:
		g.applyUpdates(evt.Sensors, evt.Values)
	case EvtUnregRequest:
		g.setState(StateUnregistering)
		if err := g.Creds.Clear(); err != nil {
			g.Log.WithError(err).Error("clearing credentials on unregister request")
		}
		if err := g.Cloud.Unregister(g.Device.ID); err != nil {
			g.Log.WithError(err).Error("sending unregister request")
		}
		g.setState(StateTerminal)
	default:
		g.drop(evt, StateOnline)
	}
}

func (g *Gateway) handleUnregistering(evt Event) {
	g.drop(evt, StateUnregistering)
}

func (g *Gateway) drop(evt Event, state State) {
	g.Log.WithFields(logrus.Fields{"event": evt.Kind.String(), "state": state.String()}).
		Debug("dropping event not valid for current state")
}

func (g *Gateway) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
	if g.Metrics != nil {
		g.Metrics.SetState(s)
	}
	g.Log.WithField("state", s.String()).Info("state transition")
}

// State returns the state machine's current state. Safe to call from any
// goroutine (e.g. a status endpoint).
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// fail records a fatal error and drives the state machine to TERMINAL,
// ending the session. Run surfaces this error as a nonzero exit rather
// than retrying, since the conditions that call fail (e.g. a registered
// token that could not be persisted) leave the gateway and the cloud
// disagreeing about device state in a way no retry from DISCONNECTED can
// repair.
func (g *Gateway) fail(err error) {
	g.mu.Lock()
	if g.fatalErr == nil {
		g.fatalErr = err
	}
	g.mu.Unlock()
	g.Timeout.Remove()
	g.setState(StateTerminal)
}

// fatalError returns the error passed to fail, if any.
func (g *Gateway) fatalError() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fatalErr
}

func (g *Gateway) armHandshakeTimer() {
	g.Timeout.Create(g.HandshakeTimeout, func() {
		g.Emit(Event{Kind: EvtTimeout})
	})
}

// rearmHandshakeTimer restarts the handshake timer for a resend. The timer
// clears its slot when it fires, so a resend after TIMEOUT creates a new one.
func (g *Gateway) rearmHandshakeTimer() {
	g.Timeout.Remove()
	g.armHandshakeTimer()
}

func (g *Gateway) sendRegister() {
	if err := g.Device.EnsureID(); err != nil {
		g.Log.WithError(err).Error("generating device id")
		return
	}
	if err := g.Cloud.Register(g.Device.ID, g.Device.Name); err != nil {
		g.Log.WithError(err).Error("sending register request")
	}
	if g.Metrics != nil {
		g.Metrics.IncHandshakeRetry()
	}
}

func (g *Gateway) sendAuth() {
	if err := g.Cloud.Auth(g.Device.ID, g.Device.Token); err != nil {
		g.Log.WithError(err).Error("sending auth request")
	}
	if g.Metrics != nil {
		g.Metrics.IncHandshakeRetry()
	}
}

func (g *Gateway) sendSchema() {
	var schemas []SchemaEntry
	g.Registry.Each(func(e *SensorEntry) {
		schemas = append(schemas, SchemaEntry{SensorID: e.ID, Schema: e.Schema})
	})
	if err := g.Cloud.PublishSchema(g.Device.ID, schemas); err != nil {
		g.Log.WithError(err).Error("sending schema")
	}
	if g.Metrics != nil {
		g.Metrics.IncHandshakeRetry()
	}
}

func (g *Gateway) startConfigService() {
	g.Registry.Each(func(e *SensorEntry) {
		g.Poller.Arm(e.ID, e.PollInterval)
	})
	g.Poller.Start()
}

func (g *Gateway) publishSnapshot() {
	g.Registry.Each(func(e *SensorEntry) {
		g.publishSensor(e.ID)
	})
}

func (g *Gateway) publishSensor(id int) {
	entry := g.Registry.Lookup(id)
	if entry == nil {
		return
	}
	if err := g.Cloud.PublishData(g.Device.ID, id, entry.Schema.ValueKind, entry.Current); err != nil {
		g.Log.WithError(err).WithField("sensor", id).Error("publishing sensor data")
		return
	}
	if g.Metrics != nil {
		g.Metrics.IncPublication()
	}
}

func (g *Gateway) applyUpdates(ids []int, values []Value) {
	for i, id := range ids {
		if i >= len(values) {
			break
		}
		entry := g.Registry.Lookup(id)
		if entry == nil {
			continue
		}
		ctx, cancel := contextWithTimeout()
		err := g.Modbus.WriteSensor(ctx, entry.Source, entry.Schema.ValueKind, values[i])
		cancel()
		if err != nil {
			g.Log.WithError(err).WithField("sensor", id).Error("applying inbound actuation")
		}
	}
}
