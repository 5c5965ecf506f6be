package clock

import (
	"time"

	"netrep"
)

// Default drift-correction thresholds, per spec.md §4.5.
const (
	DefaultDriftThreshold   = 3
	DefaultResyncThreshold  = 20
	speedUpFactor           = 1.1
	slowDownFactor          = 0.9
)

// SyncManager tracks the client's estimate of the server's tick and
// decides how to correct local drift: a small lead/lag nudges playback
// speed by ±10%, a large one forces a hard resync rather than visibly
// speeding up or slowing down the simulation.
type SyncManager struct {
	driftThreshold  int32
	resyncThreshold int32

	synced             bool
	latestServerTick   netrep.Tick
	latestServerTickAt time.Time
	targetTick         netrep.Tick
}

// NewSyncManager builds a SyncManager with the given thresholds (in
// ticks). Zero values fall back to the spec defaults.
func NewSyncManager(driftThreshold, resyncThreshold int32) *SyncManager {
	if driftThreshold <= 0 {
		driftThreshold = DefaultDriftThreshold
	}
	if resyncThreshold <= 0 {
		resyncThreshold = DefaultResyncThreshold
	}
	return &SyncManager{driftThreshold: driftThreshold, resyncThreshold: resyncThreshold}
}

// UpdateFromServerTick records a freshly observed server tick and the
// lead (in ticks) the client should run ahead of it — typically derived
// from the current RTT estimate divided by the tick duration, plus a
// safety margin, computed by the caller.
func (s *SyncManager) UpdateFromServerTick(serverTick netrep.Tick, lead int32, now time.Time) {
	s.synced = true
	s.latestServerTick = serverTick
	s.latestServerTickAt = now
	s.targetTick = netrep.Tick(int32(serverTick) + lead)
}

// IsSynced reports whether at least one server tick has been observed.
func (s *SyncManager) IsSynced() bool { return s.synced }

// SinceLatestServerTick reports how long it has been since the last
// server tick observation, used to distinguish "nothing new has
// arrived" from a stalled connection.
func (s *SyncManager) SinceLatestServerTick(now time.Time) time.Duration {
	if !s.synced {
		return 0
	}
	return now.Sub(s.latestServerTickAt)
}

// Correction is the drift-adjustment decision for the current local
// tick relative to TargetTick.
type Correction struct {
	SpeedMultiplier float64
	Resync          bool
}

// Adjust compares localTick against the current target and returns how
// the caller should correct: speed up/slow down once drift exceeds
// driftThreshold, or a hard resync once it exceeds resyncThreshold.
func (s *SyncManager) Adjust(localTick netrep.Tick) Correction {
	if !s.synced {
		return Correction{SpeedMultiplier: 1.0}
	}
	diff := netrep.TickDiff(s.targetTick, localTick)
	abs := diff
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs > s.resyncThreshold:
		return Correction{SpeedMultiplier: 1.0, Resync: true}
	case diff > s.driftThreshold:
		return Correction{SpeedMultiplier: speedUpFactor}
	case diff < -s.driftThreshold:
		return Correction{SpeedMultiplier: slowDownFactor}
	default:
		return Correction{SpeedMultiplier: 1.0}
	}
}

// TargetTick returns the tick the local clock should be tracking.
func (s *SyncManager) TargetTick() netrep.Tick { return s.targetTick }
