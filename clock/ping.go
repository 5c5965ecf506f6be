package clock

import (
	"math"
	"time"
)

// pingEWMAAlpha and pingSampleWindow match spec.md §4.5's defaults.
const (
	pingEWMAAlpha   = 0.1
	pingSampleWindow = 8
	outlierSigma     = 3.0

	// DefaultPingInterval is how often a peer prepares a new ping when
	// idle, per spec.md §4.5.
	DefaultPingInterval = 100 * time.Millisecond

	// pingStoreCapacity bounds how many outstanding pings are remembered;
	// preparing a new ping forgets the one this many sequence ids older.
	pingStoreCapacity = 32
)

// PingManager estimates round-trip time via periodic ping/pong,
// smoothing samples with an EWMA and rejecting outliers more than 3
// standard deviations from the running estimate, following
// original_source/lightyear/src/client/connection.rs's
// ping_manager.maybe_prepare_ping / process_pong call order. A pong
// carries only the sequence id of the ping it answers, with no
// timestamps, so an RTT sample is the full time from preparing the ping
// to processing its pong, including however long the remote held the
// pong before its next send pass — see TakePendingPongs.
type PingManager struct {
	interval time.Duration
	lastSent time.Time
	sentAny  bool

	nextSeq uint16
	pending map[uint16]time.Time

	pendingPongs []uint16

	rttEWMA    float64
	rttVar     float64
	haveEWMA   bool
	sampleCount int
}

// NewPingManager builds a PingManager with the given ping cadence.
func NewPingManager(interval time.Duration) *PingManager {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	return &PingManager{interval: interval, pending: make(map[uint16]time.Time)}
}

// MaybePreparePing returns a fresh ping sequence id to send if the
// cadence interval has elapsed since the last one, and false otherwise.
func (p *PingManager) MaybePreparePing(now time.Time) (seq uint16, ready bool) {
	if p.sentAny && now.Sub(p.lastSent) < p.interval {
		return 0, false
	}
	seq = p.nextSeq
	p.nextSeq++
	delete(p.pending, seq-pingStoreCapacity)
	p.pending[seq] = now
	p.lastSent = now
	p.sentAny = true
	return seq, true
}

// QueuePong records that an incoming ping with the given seq must be
// answered with a pong. The actual pong isn't stamped until
// TakePendingPongs is drained at send time.
func (p *PingManager) QueuePong(seq uint16) {
	p.pendingPongs = append(p.pendingPongs, seq)
}

// TakePendingPongs drains and returns the pings awaiting a pong reply.
// The conn layer calls it at the start of each send pass, so a pong
// leaves on the first send pass after its ping arrived; the pong records
// no send time.
func (p *PingManager) TakePendingPongs() []uint16 {
	if len(p.pendingPongs) == 0 {
		return nil
	}
	out := p.pendingPongs
	p.pendingPongs = nil
	return out
}

// ProcessPong consumes a pong for seq, folding its RTT sample into the
// running estimate unless it's rejected as an outlier (more than 3σ from
// the current EWMA, once enough samples exist to trust the variance
// estimate; at zero variance any sample that differs from the EWMA is
// rejected). accepted is false for an unknown seq or a rejected outlier;
// the RTT estimate is unaffected either way.
func (p *PingManager) ProcessPong(seq uint16, now time.Time) (rtt time.Duration, accepted bool) {
	sentAt, ok := p.pending[seq]
	if !ok {
		return 0, false
	}
	delete(p.pending, seq)
	rtt = now.Sub(sentAt)
	sample := rtt.Seconds()

	if p.haveEWMA && p.sampleCount >= pingSampleWindow {
		stddev := math.Sqrt(p.rttVar)
		if math.Abs(sample-p.rttEWMA) > outlierSigma*stddev {
			return rtt, false
		}
	}

	delta := sample - p.rttEWMA
	if !p.haveEWMA {
		p.rttEWMA = sample
		p.rttVar = 0
		p.haveEWMA = true
	} else {
		p.rttEWMA += pingEWMAAlpha * delta
		p.rttVar = (1 - pingEWMAAlpha) * (p.rttVar + pingEWMAAlpha*delta*delta)
	}
	if p.sampleCount < pingSampleWindow {
		p.sampleCount++
	}
	return rtt, true
}

// RTTEstimate returns the current smoothed round-trip time, or 0 before
// the first accepted sample.
func (p *PingManager) RTTEstimate() time.Duration {
	if !p.haveEWMA {
		return 0
	}
	return time.Duration(p.rttEWMA * float64(time.Second))
}
