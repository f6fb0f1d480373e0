package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Renewer keeps one Vault database lease alive for the duration of a session:
// it renews the lease at a fraction of its TTL, rotates to a fresh lease when
// renewal fails (the lease hit its max TTL or was revoked), and revokes the
// lease on shutdown. Rotation fires the OnRotate callback so the owner can
// rebuild its database connection with the new credential.
type Renewer struct {
	client *VaultClient
	mount  string
	role   string
	logger *slog.Logger

	// RenewPct is the fraction of the lease TTL to wait before renewing.
	// Default: 0.7.
	RenewPct float64
	// MinInterval is the floor on the renewal wait. Default: 5s.
	MinInterval time.Duration
	// OnRotate is called with the new credential after a rotation (not after
	// plain renewals). May be nil. Called from the renew goroutine.
	OnRotate func(*Credential)
	// OnRenew is called after each renewal attempt with the remaining lease
	// TTL and whether the renewal succeeded. May be nil.
	OnRenew func(ttl time.Duration, ok bool)

	mu        sync.Mutex
	cred      *Credential
	renewable bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRenewer creates a renewer for the given role. Call Acquire before Start.
func NewRenewer(client *VaultClient, mount, role string, logger *slog.Logger) *Renewer {
	if mount == "" {
		mount = "database"
	}
	return &Renewer{
		client:      client,
		mount:       mount,
		role:        role,
		logger:      logger,
		RenewPct:    0.7,
		MinInterval: 5 * time.Second,
	}
}

// Credential returns the currently held credential, or nil before Acquire.
func (r *Renewer) Credential() *Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cred
}

// Acquire fetches a new lease, replacing any held one. The previous lease is
// not revoked; Vault expires it on its own schedule.
func (r *Renewer) Acquire(ctx context.Context) (*Credential, error) {
	cred, err := r.client.GenerateCredentials(ctx, r.mount, r.role)
	if err != nil {
		return nil, fmt.Errorf("acquiring database credentials: %w", err)
	}

	r.mu.Lock()
	r.cred = cred
	r.renewable = cred.Renewable
	r.mu.Unlock()

	r.logger.Info("acquired database credential lease",
		slog.String("lease_id", cred.LeaseID),
		slog.Duration("lease_duration", cred.LeaseDuration),
		slog.String("username", cred.Username),
	)

	return cred, nil
}

// Start launches the background renew loop. Acquire must have succeeded first.
func (r *Renewer) Start(ctx context.Context) error {
	r.mu.Lock()
	cred, renewable := r.cred, r.renewable
	r.mu.Unlock()

	if cred == nil {
		return fmt.Errorf("cannot start renewer without an active lease")
	}
	if !renewable {
		return fmt.Errorf("lease %s is not renewable", cred.LeaseID)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go r.renewLoop(loopCtx, done)
	return nil
}

// Stop halts the renew loop and waits for it to exit. Safe to call multiple
// times and before Start.
func (r *Renewer) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Renewing reports whether the background renew loop is running. The loop
// exits on Stop and when a failed renewal cannot be replaced by a fresh
// lease.
func (r *Renewer) Renewing() bool {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Revoke revokes the held lease so Vault deletes the database user
// immediately rather than waiting out the TTL.
func (r *Renewer) Revoke(ctx context.Context) {
	r.mu.Lock()
	cred := r.cred
	r.cred = nil
	r.renewable = false
	r.mu.Unlock()

	if cred == nil || cred.LeaseID == "" {
		return
	}
	if err := r.client.RevokeLease(ctx, cred.LeaseID); err != nil {
		r.logger.Error("failed to revoke lease",
			slog.String("lease_id", cred.LeaseID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Info("revoked lease", slog.String("lease_id", cred.LeaseID))
}

// NextRenewInterval returns how long the loop waits before the next renewal,
// recomputed each cycle so a shortened lease duration is adapted to.
func (r *Renewer) NextRenewInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ttl time.Duration
	if r.cred != nil {
		ttl = r.cred.LeaseDuration
	}
	interval := time.Duration(r.RenewPct * float64(ttl))
	if interval < r.MinInterval {
		interval = r.MinInterval
	}
	return interval
}

func (r *Renewer) renewLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(r.NextRenewInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := r.renewOnce(ctx)
		if r.OnRenew != nil {
			var ttl time.Duration
			if cred := r.Credential(); cred != nil {
				ttl = cred.LeaseDuration
			}
			r.OnRenew(ttl, err == nil)
		}
		if err != nil {
			// Renewal failed: the lease expired, hit its max TTL, or was
			// revoked out from under us. Rotate to a fresh lease.
			r.logger.Warn("lease renewal failed, rotating",
				slog.String("error", err.Error()),
			)
			cred, acquireErr := r.Acquire(ctx)
			if acquireErr != nil {
				r.logger.Error("failed to acquire replacement credentials, giving up",
					slog.String("error", acquireErr.Error()),
				)
				return
			}
			if r.OnRotate != nil {
				r.OnRotate(cred)
			}
		}

		timer.Reset(r.NextRenewInterval())
	}
}

func (r *Renewer) renewOnce(ctx context.Context) error {
	r.mu.Lock()
	cred, renewable := r.cred, r.renewable
	r.mu.Unlock()

	if cred == nil {
		return fmt.Errorf("no active lease")
	}
	if !renewable {
		return fmt.Errorf("lease %s is not renewable", cred.LeaseID)
	}

	requestTime := time.Now().UTC()
	duration, stillRenewable, err := r.client.RenewLease(ctx, cred.LeaseID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.cred != nil && r.cred.LeaseID == cred.LeaseID {
		r.cred.LeaseDuration = duration
		r.cred.IssuedAt = requestTime
	}
	r.renewable = stillRenewable
	r.mu.Unlock()

	r.logger.Debug("renewed lease",
		slog.String("lease_id", cred.LeaseID),
		slog.Duration("lease_duration", duration),
	)

	if !stillRenewable {
		r.logger.Warn("lease reached its max TTL and is no longer renewable",
			slog.String("lease_id", cred.LeaseID),
		)
	}
	return nil
}
