// ABOUTME: Periodic reconciliation of channel state against the bridge
// ABOUTME: Corrects drift left by lost webhooks through the same apply path, throttled by a rate limiter

package channelstate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/switchboard/internal/bridge"
	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/store"
)

// Report summarises one reconciliation pass
type Report struct {
	Checked   int
	Corrected int
	Failed    int
}

// Reconciler re-derives channel state from the bridge
type Reconciler struct {
	machine  *Machine
	limiter  *rate.Limiter
	interval time.Duration
	logger   *slog.Logger
}

// NewReconciler creates a reconciler that checks at most perSecond channels per second
func NewReconciler(machine *Machine, interval time.Duration, perSecond float64, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Reconciler{
		machine:  machine,
		limiter:  rate.NewLimiter(limit, 1),
		interval: interval,
		logger:   logger.With("component", "reconciler"),
	}
}

// Run reconciles immediately and then every interval until ctx is cancelled
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		report, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("reconciliation pass failed", "error", err)
		} else if ctx.Err() == nil {
			r.logger.Info("reconciliation pass complete",
				"checked", report.Checked,
				"corrected", report.Corrected,
				"failed", report.Failed)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce checks every active channel of every active tenant
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	orgs, err := r.machine.router.ListActive(ctx)
	if err != nil {
		return report, err
	}

	for _, org := range orgs {
		ts, err := r.machine.router.GetConnection(ctx, org.ID)
		if err != nil {
			r.logger.Error("opening tenant", "org_id", org.ID, "error", err)
			report.Failed++
			continue
		}
		channels, err := ts.ListActiveChannels(ctx)
		if err != nil {
			r.logger.Error("listing channels", "org_id", org.ID, "error", err)
			report.Failed++
			continue
		}

		for _, ch := range channels {
			if err := r.limiter.Wait(ctx); err != nil {
				return report, err
			}
			report.Checked++
			corrected, err := r.reconcileChannel(ctx, org, ts, ch)
			if err != nil {
				r.logger.Warn("reconciling channel", "org_id", org.ID, "channel_id", ch.ID, "error", err)
				report.Failed++
				continue
			}
			if corrected {
				report.Corrected++
			}
		}
	}
	return report, nil
}

func (r *Reconciler) reconcileChannel(ctx context.Context, org *store.Organization, ts store.TenantStore, ch *store.Channel) (bool, error) {
	state, err := r.machine.bridge.ConnectionState(ctx, ch.InstanceName)
	if errors.Is(err, bridge.ErrInstanceNotFound) {
		return r.markMissing(ctx, org, ts, ch)
	}
	if err != nil {
		return false, err
	}
	if state == ch.ConnectionState && ch.Status == state.Status() {
		return false, nil
	}

	r.logger.Info("correcting channel drift", "channel_id", ch.ID, "stored", ch.ConnectionState, "upstream", state)
	// Drive the state field through apply even when only the status drifted
	if err := r.machine.apply(ctx, org, ts, ch, ConnectionUpdate{Instance: ch.InstanceName, State: state}); err != nil {
		return false, err
	}
	return true, nil
}

// markMissing flags a channel whose instance no longer exists on the bridge
func (r *Reconciler) markMissing(ctx context.Context, org *store.Organization, ts store.TenantStore, ch *store.Channel) (bool, error) {
	if ch.Status == store.ChannelStatusError {
		return false, nil
	}
	previous := ch.Status
	ch.Status = store.ChannelStatusError
	if err := ts.UpdateChannelStatus(ctx, ch.ID, ch.Status); err != nil {
		return false, err
	}
	r.machine.publish(ctx, org.ID, ch.ID, eventbus.TypeStatus, StatusData{
		Status:          ch.Status,
		PreviousStatus:  previous,
		ConnectionState: ch.ConnectionState,
		Message:         "instance not found on bridge",
	})
	return true, nil
}
