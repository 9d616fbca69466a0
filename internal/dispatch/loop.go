package dispatch

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

type LoopOptions struct {
	OrgID         string
	BatchSize     int           // jobs claimed per poll
	PollInterval  time.Duration // cadence while work is flowing
	IdleSleep     time.Duration // sleep when the queue is empty
	DBBackoffMin  time.Duration
	DBBackoffMax  time.Duration
	Lease         time.Duration // processing lease before reclaim
	LeaseInterval time.Duration // how often to run the reclaim pass
}

// RunLoop polls the outbox until ctx is done. DB errors back off
// exponentially with jitter; the lease pass periodically rescues jobs a
// crashed worker left in processing.
func (d *Dispatcher) RunLoop(ctx context.Context, opt LoopOptions) error {
	dbBackoff := opt.DBBackoffMin
	lastLease := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if opt.Lease > 0 && time.Since(lastLease) >= opt.LeaseInterval {
			if _, err := d.ReclaimStale(ctx, opt.OrgID, opt.Lease); err != nil {
				d.Log.Warn("lease reclaim", zap.Error(err))
			}
			lastLease = time.Now()
		}

		res, err := d.RunSweep(ctx, opt.OrgID, opt.BatchSize)
		if err != nil {
			sleep := jitter(dbBackoff, 0.20)
			d.Log.Warn("claim error, backing off", zap.Error(err), zap.Duration("sleep", sleep))
			time.Sleep(sleep)
			dbBackoff = minDur(opt.DBBackoffMax, time.Duration(float64(dbBackoff)*1.6))
			continue
		}
		dbBackoff = opt.DBBackoffMin // reset on success

		if res.Claimed == 0 {
			time.Sleep(opt.IdleSleep)
			continue
		}
		time.Sleep(opt.PollInterval)
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
