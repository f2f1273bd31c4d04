// Package playback implements the pull side of the frame buffer: one
// method that hands the HTTP server the next frame of PCM in
// wall-clock order, filling silence across gaps and startup delay and
// scheduling catch-up resends for frames that still haven't arrived.
// It is the mirror image of internal/rtpingest's buffer-put policy,
// grounded on the same leaky-bucket pacing ideas as a push-style RTP
// pacer (compute a due time from a timestamp delta, cap how far behind
// schedule is tolerated, and fall back to a filler when starved) but
// reshaped into a pull so the HTTP server's own loop stays in control
// of when a frame is asked for.
package playback

import (
	"github.com/ethan/airplay-receiver/internal/logging"
	"github.com/ethan/airplay-receiver/internal/seqnum"
	"github.com/ethan/airplay-receiver/internal/sessionstate"
)

// resendDebounceMs is how long a slot's last resend request must age
// before it is retried.
const resendDebounceMs = 200

// catchupWindow bounds how many empty slots ahead of ab_read are
// considered by one wait-condition resend scan.
const catchupWindow = 16

// Resender issues a resend request for an inclusive sequence range,
// satisfied by (*rtpingest.Ingest).RequestResend.
type Resender interface {
	RequestResend(first, last uint16) bool
}

// Puller pulls frames out of one session's ring buffer in playback
// order. It holds no state of its own beyond what it needs to talk to
// the session; everything it reads or mutates lives in the shared
// *sessionstate.State, guarded by State.Mu exactly as rtpingest guards
// it on the write side.
type Puller struct {
	state  *sessionstate.State
	resend Resender
	log    *logging.Logger
}

// New builds a Puller bound to one session's state.
func New(state *sessionstate.State, resend Resender, log *logging.Logger) *Puller {
	return &Puller{state: state, resend: resend, log: log}
}

// Next returns the next frame_size*4 bytes of PCM due at nowMs, or nil
// if the caller should wait roughly two frame periods and try again.
// The returned slice aliases the ring slot's backing array and is only
// valid until the next call to Next.
func (p *Puller) Next(nowMs int64) []byte {
	st := p.state
	st.Mu.Lock()
	defer st.Mu.Unlock()

	if !st.Playing {
		return nil
	}

	if st.SilenceCount > 0 || st.Pause {
		st.SilenceCount--
		return st.SilenceFrame
	}

	buf := st.Buf
	for st.Skip > 0 && buf.Fill() > 0 {
		buf.DropCurrent()
		st.Skip--
	}

	buf.RebaseOnOverrun()

	if buf.Empty() {
		if !st.HTTPFill {
			p.scheduleResends(nowMs, buf.ABRead, buf.ABRead+catchupWindow-1)
			return nil
		}
		p.insertSilenceHead(nowMs)
	}

	cur := buf.Slot(buf.ABRead)
	playtimeMs := st.Sync.PlaytimeMs(cur.RtpTime, st.SampleRate)

	if !st.Sync.Ready() || (nowMs < playtimeMs && !cur.Ready) {
		p.scheduleResends(nowMs, buf.ABRead, buf.ABRead+catchupWindow-1)
		return nil
	}

	p.scheduleResends(nowMs, buf.ABRead+catchupWindow, buf.ABWrite)

	pcm := cur.PCM
	if !cur.Ready {
		zero(pcm)
		st.SilentFrames++
	}

	buf.Clear(buf.ABRead)
	buf.ABRead++
	return pcm
}

// insertSilenceHead is step 7: when the buffer is empty and http_fill
// is enabled, synthesize one silent frame at the head rather than
// stalling, deriving its rtptime from the frame before it so the
// playtime computation downstream stays continuous. The slot is left
// ready: it already holds exactly what step 9's zero-fill would
// produce, so the frame isn't also counted as an underrun.
func (p *Puller) insertSilenceHead(nowMs int64) {
	st := p.state
	buf := st.Buf
	prev := buf.Slot(buf.ABRead - 1)
	rtptime := prev.RtpTime + uint32(st.FrameSize)
	buf.Put(buf.ABRead, rtptime, st.SilenceFrame, nowMs)
	st.FilledFrames++
}

// scheduleResends scans [from, to] (capped to catchupWindow slots) for
// not-ready slots whose last resend request has aged past
// resendDebounceMs, and requests a resend for each contiguous run it
// finds, stamping every slot in the run so the debounce clock restarts
// immediately rather than waiting for the reply.
func (p *Puller) scheduleResends(nowMs int64, from, to seqnum.Seq) {
	buf := p.state.Buf
	if seqnum.Order(to, from) {
		return
	}
	if span := seqnum.Diff(from, to); span >= catchupWindow {
		to = from + catchupWindow - 1
	}

	var runStart seqnum.Seq
	inRun := false
	flush := func(end seqnum.Seq) {
		if !inRun {
			return
		}
		if p.resend != nil && p.resend.RequestResend(uint16(runStart), uint16(end)) {
			p.log.DebugPlayback("catch-up resend", "first", runStart, "last", end)
			for i := runStart; ; i++ {
				buf.Slot(i).LastResend = nowMs
				if i == end {
					break
				}
			}
		}
		inRun = false
	}

	for i := from; ; i++ {
		slot := buf.Slot(i)
		stale := !slot.Ready && nowMs-slot.LastResend >= resendDebounceMs
		switch {
		case stale && !inRun:
			runStart, inRun = i, true
		case !stale && inRun:
			flush(i - 1)
		}
		if i == to {
			break
		}
	}
	flush(to)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
