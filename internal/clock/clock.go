// Package clock tracks the sender<->receiver NTP mapping and the
// RTP-timestamp sync anchor the playback puller uses to decide when a
// frame is due, plus the drift accumulators RTP ingest updates on
// every timing reply.
package clock

import (
	"sync"
	"sync/atomic"
)

// Status bits for SyncAnchor.status.
const (
	StatusRTPSync uint32 = 1 << iota
	StatusNTPSync
)

const (
	// GapThresholdMs is the drift accumulator threshold (ms) that
	// triggers an insert/drop adjustment.
	GapThresholdMs = 8
	// GapCountThreshold is the minimum number of timing samples that
	// must have accumulated before an adjustment is allowed to fire.
	GapCountThreshold = 20
	// RoundtripDiscardMs discards a timing sample whose measured
	// roundtrip exceeds this.
	RoundtripDiscardMs = 100
)

// State is the sender<->receiver clock mapping. All fields are
// protected by Mu except where noted, including the drift accumulators
// (GapSum/GapCount/GapAdjust). The frame buffer state is guarded by
// the separate sessionstate mutex, which ingest takes after Mu.
type State struct {
	Mu sync.Mutex

	LocalMs    int64  // receiver-local ms tick of the last timing reference sent
	RemoteNtp  uint64 // sender NTP value reported in that exchange
	Count      int    // number of timing exchanges completed
	GapSum     int64  // accumulated delta between expected and observed remote time
	GapAdjust  int64  // cumulative amount drift-adjustment has consumed from GapSum
	GapCount   int    // number of accumulated samples since last reset
	DriftEnabled bool
}

// NewState returns a zeroed clock State with drift correction on or
// off as driftEnabled says.
func NewState(driftEnabled bool) *State {
	return &State{DriftEnabled: driftEnabled}
}

// SyncAnchor maps an RTP timestamp to a receiver wall-clock ms value.
// TimeAnchorMs is written only by the RTP-ingest goroutine and read
// (without a lock) by the playback puller, tolerating a one-packet
// stale read per the design's Open Question decision; it is therefore
// kept in an atomic rather than behind State.Mu.
type SyncAnchor struct {
	RTPAnchor    atomic.Uint32 // rtp timestamp at TimeAnchorMs
	TimeAnchorMs atomic.Int64  // receiver ms at which RTPAnchor should play

	first    atomic.Bool // signals a playback restart was requested by the sender
	required atomic.Bool // a play-run cannot start until the restart flag has been set
	status   atomic.Uint32
}

// NewSyncAnchor returns a SyncAnchor with the given "sync required"
// policy: when required, a play-run cannot start until a sync packet
// has set the restart flag at least once.
func NewSyncAnchor(required bool) *SyncAnchor {
	a := &SyncAnchor{}
	a.required.Store(required)
	return a
}

// SetRTP records a new RTP<->time mapping and marks RTP_SYNC.
func (a *SyncAnchor) SetRTP(rtpAnchor uint32, timeAnchorMs int64, first bool) {
	a.RTPAnchor.Store(rtpAnchor)
	a.TimeAnchorMs.Store(timeAnchorMs)
	if first {
		a.first.Store(true)
	}
	a.setStatus(StatusRTPSync)
}

// SetNTPSynced marks NTP_SYNC once a timing reply has been processed.
func (a *SyncAnchor) SetNTPSynced() { a.setStatus(StatusNTPSync) }

func (a *SyncAnchor) setStatus(bit uint32) {
	for {
		old := a.status.Load()
		if old&bit != 0 {
			return
		}
		if a.status.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

// Ready reports whether both RTP_SYNC and NTP_SYNC are set — playback
// requires both before it may start consuming frames.
func (a *SyncAnchor) Ready() bool {
	return a.status.Load()&(StatusRTPSync|StatusNTPSync) == StatusRTPSync|StatusNTPSync
}

// TakeFirst reports and clears the playback-restart flag.
func (a *SyncAnchor) TakeFirst() bool {
	return a.first.Swap(false)
}

// PeekFirst reports the playback-restart flag without clearing it, for
// use in a gating check that only consumes the flag once the gated
// action (starting playback) actually happens.
func (a *SyncAnchor) PeekFirst() bool {
	return a.first.Load()
}

// Required reports whether a restart flag is mandatory before playback
// may begin.
func (a *SyncAnchor) Required() bool { return a.required.Load() }

// PlaytimeMs computes the wall-clock ms at which rtptime should play:
// TimeAnchorMs + (rtptime - RTPAnchor) * 1000 / sampleRate, using a
// signed 32-bit subtraction for the rtp delta so the result stays
// correct across a 32-bit rtptime wraparound.
func (a *SyncAnchor) PlaytimeMs(rtptime uint32, sampleRate int64) int64 {
	delta := int32(rtptime - a.RTPAnchor.Load())
	return a.TimeAnchorMs.Load() + int64(delta)*1000/sampleRate
}
