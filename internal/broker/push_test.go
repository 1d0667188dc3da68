package broker

import "testing"

func TestUserRoutingKey(t *testing.T) {
	key := UserRoutingKey("u-42")
	if key != "user.u-42" {
		t.Fatalf("UserRoutingKey = %q", key)
	}
	id, ok := UserFromRoutingKey(key)
	if !ok || id != "u-42" {
		t.Fatalf("UserFromRoutingKey = %q, %v", id, ok)
	}
	for _, bad := range []string{"room.main", "user.", ""} {
		if _, ok := UserFromRoutingKey(bad); ok {
			t.Errorf("UserFromRoutingKey(%q) should fail", bad)
		}
	}
}

func TestNewBreaker_TripsAfterFailures(t *testing.T) {
	cb := newBreaker("test-breaker")
	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(func() (struct{}, error) { return struct{}{}, errBoom })
	}
	if cb.State().String() != "open" {
		t.Fatalf("state = %s, want open", cb.State())
	}
}

var errBoom = boomError("boom")

type boomError string

func (e boomError) Error() string { return string(e) }
