package gateway

import "testing"

func TestDevice_EnsureID_GeneratesOnce(t *testing.T) {
	d := &Device{}
	if d.HasToken() {
		t.Fatal("fresh device should have no token")
	}
	if err := d.EnsureID(); err != nil {
		t.Fatalf("EnsureID: %v", err)
	}
	if d.ID == "" {
		t.Fatal("ID should be set after EnsureID")
	}
	if len(d.ID) != DeviceIDLength {
		t.Fatalf("ID length = %d, want %d", len(d.ID), DeviceIDLength)
	}

	first := d.ID
	if err := d.EnsureID(); err != nil {
		t.Fatalf("EnsureID (second call): %v", err)
	}
	if d.ID != first {
		t.Fatal("EnsureID should not regenerate an existing id")
	}
}

func TestDevice_EnsureID_PreservesRecoveredID(t *testing.T) {
	d := &Device{ID: "deadbeefcafef00d"}
	if err := d.EnsureID(); err != nil {
		t.Fatalf("EnsureID: %v", err)
	}
	if d.ID != "deadbeefcafef00d" {
		t.Fatal("EnsureID should not overwrite a recovered id")
	}
}

func TestDevice_TokenLifecycle(t *testing.T) {
	d := &Device{}
	if d.HasToken() {
		t.Fatal("no token yet")
	}
	d.Token = "tok"
	if !d.HasToken() {
		t.Fatal("should have a token")
	}
	d.ClearToken()
	if d.HasToken() {
		t.Fatal("token should be cleared")
	}
}

func TestDevice_ClearID(t *testing.T) {
	d := &Device{ID: "abc"}
	d.ClearID()
	if d.ID != "" {
		t.Fatal("ClearID should empty the id")
	}
}

func TestValue_Comparisons(t *testing.T) {
	a := Value{Kind: KindInt, Int: 5}
	b := Value{Kind: KindInt, Int: 10}

	if !a.Less(b) || b.Less(a) {
		t.Fatal("Less comparison wrong for ints")
	}
	if !b.GreaterOrEqual(a) || a.GreaterOrEqual(b) {
		t.Fatal("GreaterOrEqual comparison wrong for ints")
	}
	if !a.LessOrEqual(b) || !a.LessOrEqual(a) {
		t.Fatal("LessOrEqual comparison wrong for ints")
	}

	s1 := Value{Kind: KindString, S: "x"}
	s2 := Value{Kind: KindString, S: "y"}
	if s1.Less(s2) || s1.GreaterOrEqual(s2) {
		t.Fatal("string values should never satisfy a threshold comparison")
	}
	if !s1.Equal(Value{Kind: KindString, S: "x"}) {
		t.Fatal("equal strings should compare equal")
	}
	if a.Equal(Value{Kind: KindFloat, F: 5}) {
		t.Fatal("values of differing kind should never be equal")
	}
}
