package stratum

import (
	"time"

	"github.com/zenith-network/zenith-pool/internal/config"
	"github.com/zenith-network/zenith-pool/internal/util"
)

// vardiffState retargets one session's difficulty toward the port's
// configured share spacing. Only accepted shares feed the average.
type vardiffState struct {
	cfg *config.VarDiffConfig

	ewma         float64 // seconds between accepted shares
	lastShare    time.Time
	lastRetarget time.Time
	// driftSince marks when the average first left the tolerated band;
	// zero while inside it.
	driftSince time.Time
}

// ewmaAlpha weights recent spacing samples
const ewmaAlpha = 0.3

func newVardiffState(cfg *config.VarDiffConfig) *vardiffState {
	if cfg == nil {
		return nil
	}
	now := time.Now()
	return &vardiffState{cfg: cfg, lastRetarget: now}
}

// onAcceptedShare folds one accepted share into the moving average and
// returns a new difficulty to queue, or 0 when no retarget is due.
func (v *vardiffState) onAcceptedShare(currentDiff float64) float64 {
	now := time.Now()
	if v.lastShare.IsZero() {
		v.lastShare = now
		return 0
	}

	spacing := now.Sub(v.lastShare).Seconds()
	v.lastShare = now
	if v.ewma == 0 {
		v.ewma = spacing
	} else {
		v.ewma = ewmaAlpha*spacing + (1-ewmaAlpha)*v.ewma
	}

	variance := 1 + v.cfg.VariancePercent/100
	tMin := v.cfg.TargetTime / variance
	tMax := v.cfg.TargetTime * variance

	if v.ewma >= tMin && v.ewma <= tMax {
		v.driftSince = time.Time{}
		return 0
	}
	if v.driftSince.IsZero() {
		v.driftSince = now
		return 0
	}
	if now.Sub(v.driftSince).Seconds() < v.cfg.RetargetTime {
		return 0
	}
	if now.Sub(v.lastRetarget).Seconds() < v.cfg.RetargetTime {
		return 0
	}

	newDiff := currentDiff * v.cfg.TargetTime / v.ewma
	if newDiff < v.cfg.MinDiff {
		newDiff = v.cfg.MinDiff
	}
	if newDiff > v.cfg.MaxDiff {
		newDiff = v.cfg.MaxDiff
	}
	newDiff = util.NextPowerOfTwo(newDiff)
	if newDiff > v.cfg.MaxDiff {
		newDiff = v.cfg.MaxDiff
	}

	v.lastRetarget = now
	v.driftSince = time.Time{}

	if newDiff == currentDiff {
		return 0
	}
	return newDiff
}
