package relay

import (
	"net/http/httptest"
	"testing"
	"time"
)

func newTestLimiter(burst int) (*HostLimiter, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewHostLimiter(1, burst)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestHostLimiter_ChargesFailuresPerHost(t *testing.T) {
	l, _ := newTestLimiter(3)

	for i := range 3 {
		if l.Throttled("10.0.0.1") {
			t.Fatalf("throttled after %d failures", i)
		}
		l.Fail("10.0.0.1")
	}
	if !l.Throttled("10.0.0.1") {
		t.Fatal("host not throttled after burst failures")
	}
	if l.Throttled("10.0.0.2") {
		t.Fatal("other host throttled")
	}
}

func TestHostLimiter_ThrottledDoesNotConsume(t *testing.T) {
	l, _ := newTestLimiter(1)
	for range 10 {
		if l.Throttled("10.0.0.1") {
			t.Fatal("checking alone throttled the host")
		}
	}
	if l.Len() != 0 {
		t.Fatalf("Len = %d, want 0", l.Len())
	}
}

func TestHostLimiter_RefillAndSweep(t *testing.T) {
	l, now := newTestLimiter(2)
	l.Fail("10.0.0.1")
	l.Fail("10.0.0.1")
	if !l.Throttled("10.0.0.1") {
		t.Fatal("want throttled")
	}

	*now = now.Add(time.Second)
	if l.Throttled("10.0.0.1") {
		t.Fatal("still throttled after refill")
	}

	*now = now.Add(2 * limiterSweepInterval)
	l.Throttled("10.0.0.2")
	if l.Len() != 0 {
		t.Fatalf("Len = %d, want refilled host swept", l.Len())
	}
}

func TestRemoteHost(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "[::1]:5000"
	if got := RemoteHost(r); got != "::1" {
		t.Fatalf("RemoteHost = %q", got)
	}
	r.RemoteAddr = "unix"
	if got := RemoteHost(r); got != "unix" {
		t.Fatalf("RemoteHost = %q", got)
	}
}
