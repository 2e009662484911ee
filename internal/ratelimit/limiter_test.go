package ratelimit

import "testing"

func TestAllowTripsAfterBurst(t *testing.T) {
	limiter := New(3)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("user:u1") {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	if limiter.Allow("user:u1") {
		t.Fatal("fourth call should be limited")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	limiter := New(1)

	if !limiter.Allow("user:u1") {
		t.Fatal("first key should be allowed")
	}
	if !limiter.Allow("session:s1") {
		t.Fatal("second key should have its own bucket")
	}
	if limiter.Allow("user:u1") {
		t.Fatal("first key should now be limited")
	}
}
