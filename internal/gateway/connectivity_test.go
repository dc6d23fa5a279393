package gateway

import "testing"

func TestConnectivity_BothUpIsReady(t *testing.T) {
	c := NewConnectivity()
	if c.Ready() {
		t.Fatal("fresh tracker should not be ready")
	}

	if ready, changed := c.SetModbus(true); ready || !changed {
		t.Fatalf("SetModbus(true) = ready=%v changed=%v, want ready=false changed=true", ready, changed)
	}
	if ready, changed := c.SetCloud(true); !ready || !changed {
		t.Fatalf("SetCloud(true) = ready=%v changed=%v, want ready=true changed=true", ready, changed)
	}
	if !c.Ready() {
		t.Fatal("tracker should be ready once both links are up")
	}
}

func TestConnectivity_EitherDownDropsReady(t *testing.T) {
	c := NewConnectivity()
	c.SetModbus(true)
	c.SetCloud(true)

	if ready, changed := c.SetModbus(false); ready || !changed {
		t.Fatalf("SetModbus(false) = ready=%v changed=%v, want ready=false changed=true", ready, changed)
	}
	if c.Ready() {
		t.Fatal("should not be ready with modbus down")
	}
}

func TestConnectivity_RepeatNotificationIsNoOp(t *testing.T) {
	c := NewConnectivity()
	c.SetModbus(true)

	if ready, changed := c.SetModbus(true); ready || changed {
		t.Fatalf("repeat SetModbus(true) = ready=%v changed=%v, want changed=false", ready, changed)
	}
}
