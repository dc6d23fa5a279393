package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func newTestGateway() (*Gateway, *fakeModbusLink, *fakeCloudLink, *fakeCredStore) {
	modbus := newFakeModbusLink()
	cloud := newFakeCloudLink()
	creds := &fakeCredStore{}
	reg := NewRegistry()
	device := &Device{Name: "thing-1"}
	g := New(device, reg, modbus, cloud, creds, testLogger())
	g.HandshakeTimeout = 50 * time.Millisecond
	return g, modbus, cloud, creds
}

func waitForState(t *testing.T, g *Gateway, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if g.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", g.State(), want)
}

func TestGateway_ColdStartReachesOnline(t *testing.T) {
	g, _, cloud, _ := newTestGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go g.Run(ctx)
	defer g.Shutdown()

	g.NotifyModbusUp(true)
	g.NotifyCloudUp(true)

	waitForState(t, g, StateRegistering, time.Second)
	g.Emit(Event{Kind: EvtRegOK, Token: "tok"})

	waitForState(t, g, StateAuthenticating, time.Second)
	g.Emit(Event{Kind: EvtAuthOK})

	waitForState(t, g, StateSchema, time.Second)
	g.Emit(Event{Kind: EvtSchOK})

	waitForState(t, g, StateOnline, time.Second)

	if len(cloud.registered) != 1 {
		t.Fatalf("registered calls = %d, want 1", len(cloud.registered))
	}
	if len(cloud.authed) != 1 {
		t.Fatalf("authed calls = %d, want 1", len(cloud.authed))
	}
	if len(cloud.schemas) != 1 {
		t.Fatalf("schema calls = %d, want 1", len(cloud.schemas))
	}
}

func TestGateway_WarmStartWithExistingTokenSkipsRegistration(t *testing.T) {
	g, _, cloud, creds := newTestGateway()
	creds.Store("existing-id", "existing-token")
	id, token, _ := creds.Load()
	g.Device.ID = id
	g.Device.Token = token

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)
	defer g.Shutdown()

	g.NotifyModbusUp(true)
	g.NotifyCloudUp(true)

	waitForState(t, g, StateAuthenticating, time.Second)
	if len(cloud.registered) != 0 {
		t.Fatalf("registered calls = %d, want 0 on warm start", len(cloud.registered))
	}
	g.Emit(Event{Kind: EvtAuthOK})
	waitForState(t, g, StateSchema, time.Second)
}

func TestGateway_CloudDropDuringOnlineDoesNotHaltPoller(t *testing.T) {
	g, modbus, _, _ := newTestGateway()
	modbus.set(1, Value{Kind: KindInt, Int: 10})
	g.Registry.Insert(1, Schema{ValueKind: KindInt}, Config{Rules: []Rule{{Type: EventChange}}}, ModbusSource{RegAddr: 1}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)
	defer g.Shutdown()

	g.NotifyModbusUp(true)
	g.NotifyCloudUp(true)
	waitForState(t, g, StateRegistering, time.Second)
	g.Emit(Event{Kind: EvtRegOK, Token: "tok"})
	waitForState(t, g, StateAuthenticating, time.Second)
	g.Emit(Event{Kind: EvtAuthOK})
	waitForState(t, g, StateSchema, time.Second)
	g.Emit(Event{Kind: EvtSchOK})
	waitForState(t, g, StateOnline, time.Second)

	readsBefore := modbus.reads

	// Cloud link drops: connectivity goes NOT_READY, state machine falls
	// back to DISCONNECTED, but the poller (armed by a Modbus-only signal)
	// keeps running per SPEC_FULL.md scenario 4.
	g.NotifyCloudUp(false)
	waitForState(t, g, StateDisconnected, time.Second)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		modbus.mu.Lock()
		reads := modbus.reads
		modbus.mu.Unlock()
		if reads > readsBefore {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("poller stopped reading after cloud-only disconnect")
}

func TestGateway_ModbusDropStopsPoller(t *testing.T) {
	g, modbus, _, _ := newTestGateway()
	modbus.set(1, Value{Kind: KindInt, Int: 10})
	g.Registry.Insert(1, Schema{ValueKind: KindInt}, Config{Rules: []Rule{{Type: EventChange}}}, ModbusSource{RegAddr: 1}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)
	defer g.Shutdown()

	g.NotifyModbusUp(true)
	g.NotifyCloudUp(true)
	waitForState(t, g, StateRegistering, time.Second)
	g.Emit(Event{Kind: EvtRegOK, Token: "tok"})
	waitForState(t, g, StateAuthenticating, time.Second)
	g.Emit(Event{Kind: EvtAuthOK})
	waitForState(t, g, StateSchema, time.Second)
	g.Emit(Event{Kind: EvtSchOK})
	waitForState(t, g, StateOnline, time.Second)

	g.NotifyModbusUp(false)
	time.Sleep(50 * time.Millisecond)

	modbus.mu.Lock()
	readsAfterStop := modbus.reads
	modbus.mu.Unlock()

	time.Sleep(100 * time.Millisecond)

	modbus.mu.Lock()
	readsLater := modbus.reads
	modbus.mu.Unlock()

	if readsLater != readsAfterStop {
		t.Fatalf("poller kept reading after modbus down: %d -> %d", readsAfterStop, readsLater)
	}
}

func TestGateway_HandshakeRetryExhaustionReturnsToDisconnected(t *testing.T) {
	g, _, _, _ := newTestGateway()
	g.MaxRegisterAttempts = 2
	g.HandshakeTimeout = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)
	defer g.Shutdown()

	g.NotifyModbusUp(true)
	g.NotifyCloudUp(true)
	waitForState(t, g, StateRegistering, time.Second)

	// Never answer REG_OK: handshake timer retries until attempts exhaust.
	waitForState(t, g, StateDisconnected, time.Second)
}

func TestGateway_CredentialStoreFailureOnRegOKIsFatal(t *testing.T) {
	g, _, _, creds := newTestGateway()
	creds.storeErr = errFakeRead

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	g.NotifyModbusUp(true)
	g.NotifyCloudUp(true)
	waitForState(t, g, StateRegistering, time.Second)
	g.Emit(Event{Kind: EvtRegOK, Token: "tok"})

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a fatal error when credentials cannot be persisted after REG_OK")
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after a fatal credential store failure")
	}

	if g.State() != StateTerminal {
		t.Fatalf("state = %v, want StateTerminal", g.State())
	}
	g.Shutdown()
}

func TestGateway_UnregisterRequestReachesTerminal(t *testing.T) {
	g, _, cloud, creds := newTestGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	g.NotifyModbusUp(true)
	g.NotifyCloudUp(true)
	waitForState(t, g, StateRegistering, time.Second)
	g.Emit(Event{Kind: EvtRegOK, Token: "tok"})
	waitForState(t, g, StateAuthenticating, time.Second)
	g.Emit(Event{Kind: EvtAuthOK})
	waitForState(t, g, StateSchema, time.Second)
	g.Emit(Event{Kind: EvtSchOK})
	waitForState(t, g, StateOnline, time.Second)

	g.Emit(Event{Kind: EvtUnregRequest})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after reaching TERMINAL")
	}

	if len(cloud.unregs) != 1 {
		t.Fatalf("unregister calls = %d, want 1", len(cloud.unregs))
	}
	if !creds.gone {
		t.Fatal("credentials should be cleared on unregister")
	}
	g.Shutdown()
}
