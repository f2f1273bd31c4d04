package rtpingest

import (
	"time"

	"github.com/ethan/airplay-receiver/internal/seqnum"
)

// bufferPut applies the buffer-put policy to one decoded data packet:
// gates play-run start on flush/sync state, classifies the packet as
// expected/ahead/recovered/late against the ring cursors, and triggers
// resend requests for any gap it opens. Called with the session mutex
// already held.
func (ig *Ingest) bufferPut(seqno uint16, rtptime uint32, first bool, pcm []byte, nowMs int64) {
	st := ig.state
	buf := st.Buf

	if !st.Playing {
		flushOK := st.FlushSeqno == -1 || seqnum.Order(uint16(st.FlushSeqno), seqno)
		syncOK := !ig.sync.Required() || ig.sync.PeekFirst()
		if !(flushOK && syncOK) {
			return
		}
		buf.Reset(seqno)
		st.Skip = 0
		st.FlushSeqno = -1
		st.Playing = true
		st.Silence = true
		st.ResentFrames = 0
		st.SilentFrames = 0
		st.HTTPCount.Store(0)
		ig.sync.TakeFirst()
		if ig.onPlayStart != nil {
			ig.onPlayStart()
		}
		ig.log.DebugPlayback("play-run started", "seqno", seqno, "rtptime", rtptime)
	}

	if st.Pause && seqnum.Order(uint16(st.FlushSeqno), seqno) {
		st.Pause = false
	}

	switch {
	case seqno == buf.ABWrite+1:
		buf.ABWrite = seqno
	case seqnum.Order(buf.ABWrite, seqno):
		if latency := ig.latencyRTP.Load(); latency != 0 && seqnum.Order(seqnum.Seq(latency/int64(st.FrameSize)), seqno-buf.ABWrite-1) {
			ig.log.Warn("too many missing frames", "missing", seqno-buf.ABWrite-1)
			buf.ABWrite = seqno - seqnum.Seq(latency/int64(st.FrameSize))
		}
		if st.Delay != 0 && seqnum.Order(seqnum.Seq(st.Delay), seqno-buf.ABRead) {
			ig.log.Warn("on hold for too long", "lag", seqno-buf.ABRead+1)
			buf.ABRead = seqno - seqnum.Seq(st.Delay) + 1
		}
		if ig.requestResend(buf.ABWrite+1, seqno-1) {
			now := nowMs
			for i := buf.ABWrite + 1; seqnum.Order(i, seqno); i++ {
				slot := buf.Slot(i)
				slot.RtpTime = rtptime - uint32(int32(seqno-i))*uint32(st.FrameSize)
				slot.LastResend = now
			}
		}
		ig.log.DebugPlayback("packet newer than expected", "seqno", seqno, "rtptime", rtptime, "ab_write", buf.ABWrite, "ab_read", buf.ABRead)
		buf.ABWrite = seqno
	case seqnum.Order(buf.ABRead, seqno+1):
		ig.log.DebugPlayback("packet recovered", "seqno", seqno, "rtptime", rtptime)
	default:
		ig.log.DebugPlayback("packet too late", "seqno", seqno, "rtptime", rtptime)
		return
	}

	buf.Put(seqno, rtptime, pcm, nowMs)

	if st.Silence && !isSilence(pcm) {
		st.Silence = false
		if ig.onEvent != nil {
			ig.onEvent(EventPlay)
		}
	}
}

func isSilence(pcm []byte) bool {
	for _, b := range pcm {
		if b != 0 {
			return false
		}
	}
	return true
}

// RequestResend issues a resend request for [first, last], exported
// for the playback puller's catch-up scheduling.
func (ig *Ingest) RequestResend(first, last uint16) bool {
	return ig.requestResend(first, last)
}

// requestResend emits a resend request for [first, last] unless the
// range is nonsensical (last before first) or larger than half the
// ring, which would be more frames than could possibly still be
// useful by the time a reply arrives.
func (ig *Ingest) requestResend(first, last seqnum.Seq) bool {
	if seqnum.Order(last, first) {
		return false
	}
	span := int(seqnum.Diff(first, last))
	if span > bufferFramesHalf {
		return false
	}
	ig.state.ResentFrames += span + 1

	seq := uint16(ig.ourSeq.Add(1))
	req := buildResendRequest(seq, uint16(first), uint16(span+1))
	addr := ig.resendAddr()
	if addr == nil {
		return false
	}
	if _, err := ig.sockets.Control.WriteToUDP(req, addr); err != nil {
		ig.log.Warn("resend request send failed", "error", err)
	}
	return true
}

// sendTimingRequest emits a timing request. Returns false if no
// destination address is yet known, deferring the request until a
// packet arrives.
func (ig *Ingest) sendTimingRequest(nowMs int64) bool {
	addr := ig.timingAddr()
	if addr == nil {
		return false
	}
	req := buildTimingRequest(uint32(nowMs))
	if _, err := ig.sockets.Timing.WriteToUDP(req, addr); err != nil {
		ig.log.Warn("timing request send failed", "error", err)
	}
	return true
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
