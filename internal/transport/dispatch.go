package transport

import (
	"context"
	"errors"

	"github.com/cmux/provisioner/internal/logging"
	"github.com/cmux/provisioner/internal/metrics"
)

// Dispatcher tries HTTP exec first and falls back to SSH exec only when the
// failure is fallback-eligible and an SSH transport is actually configured.
// A RemoteHost with only HTTP configured (PublicDomain set, no SSHHost)
// surfaces the HTTP failure directly instead of silently blocking forever —
// matching the "explicit SSH_HOST required for fallback" rule the fallback
// policy is grounded on.
type Dispatcher struct {
	HTTP *HTTPExec // nil if HTTP exec is not configured for this host
	SSH  *SSHExec  // nil if SSH exec is not configured (no explicit SSH_HOST)
}

var _ Exec = (*Dispatcher)(nil)
var _ Pusher = (*Dispatcher)(nil)

// Exec tries HTTP first (if configured), falling back to SSH exec (if
// configured) when the HTTP failure is fallback-eligible.
func (d *Dispatcher) Exec(ctx context.Context, command string, timeoutMs int) (*Result, error) {
	if d.HTTP != nil {
		res, err := d.HTTP.Exec(ctx, command, timeoutMs)
		if err == nil {
			return res, nil
		}

		var te *TransportError
		if !errors.As(err, &te) || !te.Fallback || d.SSH == nil {
			return nil, err
		}

		logging.Op().Warn("http exec unavailable, falling back to ssh", "error", err)
		metrics.RecordTransportFallback(te.Op)
		return d.SSH.Exec(ctx, command, timeoutMs)
	}

	if d.SSH != nil {
		return d.SSH.Exec(ctx, command, timeoutMs)
	}

	return nil, &TransportError{Transport: "dispatch", Op: "exec", Err: ErrTransportUnavailable}
}

// PushFile tries HTTP first (if configured), falling back to SSH on a
// fallback-eligible failure (notably a 413 Payload Too Large).
func (d *Dispatcher) PushFile(ctx context.Context, content []byte, target string) error {
	if d.HTTP != nil {
		err := d.HTTP.PushFile(ctx, content, target)
		if err == nil {
			return nil
		}

		var te *TransportError
		if !errors.As(err, &te) || !te.Fallback || d.SSH == nil {
			return err
		}

		logging.Op().Warn("http push unavailable, falling back to ssh", "error", err)
		metrics.RecordTransportFallback(te.Op)
		return d.SSH.PushFile(ctx, content, target)
	}

	if d.SSH != nil {
		return d.SSH.PushFile(ctx, content, target)
	}

	return &TransportError{Transport: "dispatch", Op: "push", Err: ErrTransportUnavailable}
}
