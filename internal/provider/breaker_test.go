package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cmux/provisioner/internal/remotehost"
)

type stubProvider struct {
	name    string
	fail    bool
	calls   int
	fakeErr error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Clone(ctx context.Context, spec CloneSpec) (remotehost.Host, error) {
	s.calls++
	if s.fail {
		return nil, s.fakeErr
	}
	return nil, nil
}

func TestWithBreakerPassesThroughOnSuccess(t *testing.T) {
	stub := &stubProvider{name: "cloudvm"}
	p := WithBreaker(stub, DefaultBreakerConfig())

	if _, err := p.Clone(context.Background(), CloneSpec{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("expected underlying Clone to be called once, got %d", stub.calls)
	}
}

func TestWithBreakerDisabledForZeroConfig(t *testing.T) {
	stub := &stubProvider{name: "cloudvm"}
	p := WithBreaker(stub, BreakerConfig{})

	if p != Provider(stub) {
		t.Fatal("expected WithBreaker to return the underlying provider unchanged for a zero config")
	}
}

func TestWithBreakerTripsAfterRepeatedFailures(t *testing.T) {
	stub := &stubProvider{name: "microvm", fail: true, fakeErr: errors.New("backend unreachable")}
	p := WithBreaker(stub, BreakerConfig{
		ErrorPct:       50,
		WindowDuration: time.Minute,
		OpenDuration:   time.Hour,
		HalfOpenProbes: 1,
	})

	for i := 0; i < 2; i++ {
		if _, err := p.Clone(context.Background(), CloneSpec{}); err == nil {
			t.Fatal("expected underlying error to propagate")
		}
	}

	// Breaker should now be open: Clone must fail fast without reaching
	// the underlying provider again.
	callsBefore := stub.calls
	if _, err := p.Clone(context.Background(), CloneSpec{}); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
	if stub.calls != callsBefore {
		t.Fatalf("expected breaker to short-circuit without calling underlying Clone, calls went from %d to %d", callsBefore, stub.calls)
	}
}
