package rtpingest

// Record stamps the RECORD marker used to detect a duplicate FLUSH.
// Called by the session layer when the RTSP client's RECORD command is
// accepted.
func (ig *Ingest) Record(seqno uint16, rtptime uint32) {
	st := ig.state
	st.Mu.Lock()
	defer st.Mu.Unlock()
	st.RecordMarker.Seqno = seqno
	st.RecordMarker.RTPTime = rtptime
	st.RecordMarker.TimeMs = nowMs()
	st.RecordMarker.Set = true
}

// duplicateFlushWindowMs is how long after a RECORD a FLUSH for the
// same point is treated as a duplicate and ignored.
const duplicateFlushWindowMs = 250

// Flush clears every buffered frame and arms FlushSeqno so the next
// data packet whose seqno orders strictly after it starts a fresh
// play-run. A FLUSH within 250ms of the last RECORD, or matching its
// (seqno, rtptime) exactly, is ignored as a duplicate. When silence is
// true the session is paused rather than fully stopped, preserving an
// open HTTP connection.
func (ig *Ingest) Flush(seqno uint16, rtptime uint32, silence bool) bool {
	st := ig.state
	now := nowMs()

	st.Mu.Lock()
	defer st.Mu.Unlock()

	if now < st.RecordMarker.TimeMs+duplicateFlushWindowMs ||
		(st.RecordMarker.Set && st.RecordMarker.Seqno == seqno && st.RecordMarker.RTPTime == rtptime) {
		ig.log.DebugPlayback("FLUSH ignored as duplicate of RECORD", "seqno", seqno, "rtptime", rtptime)
		return false
	}

	st.Buf.ClearAll()
	// -1 is reserved for "no flush pending"; seqno==0 wraps to 0xFFFF
	// rather than colliding with that sentinel.
	if seqno == 0 {
		st.FlushSeqno = 0xFFFF
	} else {
		st.FlushSeqno = int32(seqno) - 1
	}
	if silence {
		st.Pause = true
	} else {
		st.Playing = false
		ig.sync.TakeFirst()
		st.HTTPReady = false
	}
	return true
}
