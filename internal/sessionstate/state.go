// Package sessionstate holds the mutex-protected state shared between
// the RTP-ingest goroutine, the playback puller, and the HTTP server
// goroutine for one streaming session. It intentionally has no
// behavior of its own beyond small accessors that must run under Mu —
// the subsystems in internal/rtpingest, internal/playback and
// internal/httpserver each take a *State and are responsible for
// locking it around the fields documented below as protected.
package sessionstate

import (
	"sync/atomic"

	"github.com/ethan/airplay-receiver/internal/clock"
	"github.com/ethan/airplay-receiver/internal/framebuffer"
)

// RecordMarker is the {seqno, rtptime, time_ms} tuple set by the
// sender's RECORD command, used to suppress a duplicate FLUSH arriving
// within 250ms.
type RecordMarker struct {
	Seqno   uint16
	RTPTime uint32
	TimeMs  int64
	Set     bool
}

// ICYState carries the in-stream metadata the HTTP server splices
// into an MP3 response. Updated is deliberately never cleared on
// disconnect: the next reconnect with ICY enabled sends the stale
// update rather than silently dropping it.
type ICYState struct {
	Updated bool
	Artist  string
	Title   string
	Artwork string
}

// State is the full set of fields one streaming session needs shared
// across goroutines. Fields under "protected by Mu" must only be
// touched while holding Mu; the fields below that are documented
// single-writer are safe to read without it.
type State struct {
	Mu Locker

	Buf        *framebuffer.Buffer
	Clock      *clock.State
	Sync       *clock.SyncAnchor
	SilenceFrame []byte // preallocated zeroed frame, FrameSize*4 bytes

	// --- protected by Mu ---
	Playing      bool
	Silence      bool
	Pause        bool
	HTTPReady    bool
	FlushSeqno   int32 // -1 = none
	Skip         int
	SilenceCount int
	FilledFrames int
	RecordMarker RecordMarker
	ICY          ICYState

	ResentFrames int // stats: frames requested via resend
	SilentFrames int // stats: frames emitted as silence due to underrun

	// --- single-writer / config, read without Mu ---
	FrameSize    int
	SampleRate   int64 // samples/sec, 44100 for AirTunes v1 audio
	Latency      int   // latency_ms parameter from session inputs
	Delay        int   // startup silence frame count
	SyncRequired bool
	DriftEnable  bool
	RangeEnable  bool
	HTTPFill     bool // latency_ms ":f" suffix: insert synthetic silence at the head instead of stalling on an empty buffer

	// HTTPCount is the absolute byte offset written by the HTTP
	// server; the HTTP goroutine advances it and ingest resets it to 0
	// at the start of a play-run.
	HTTPCount atomic.Int64

	Running atomic.Bool
}

// Locker is the subset of sync.Mutex State needs; defined as an
// interface so tests can substitute a no-op locker when exercising a
// single goroutine.
type Locker interface {
	Lock()
	Unlock()
}

// New builds a State with its ring buffer, clock, and silence frame
// allocated per the given session parameters.
func New(frameSize int, sampleRate int64, latencyMs, delayFrames int, syncRequired, driftEnable, rangeEnable bool, mu Locker) *State {
	return &State{
		Mu:           mu,
		Buf:          framebuffer.New(frameSize),
		Clock:        clock.NewState(driftEnable),
		Sync:         clock.NewSyncAnchor(syncRequired),
		SilenceFrame: make([]byte, frameSize*4),
		FlushSeqno:   -1,
		FrameSize:    frameSize,
		SampleRate:   sampleRate,
		Latency:      latencyMs,
		Delay:        delayFrames,
		SyncRequired: syncRequired,
		DriftEnable:  driftEnable,
		RangeEnable:  rangeEnable,
	}
}
