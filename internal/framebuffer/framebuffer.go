// Package framebuffer implements the fixed-size ring of decoded PCM
// frames keyed by 16-bit sequence number. The ring and its two cursors
// are the shared state RTP ingest writes and the playback puller
// reads; callers are expected to hold the owning session's mutex for
// any access.
package framebuffer

import "github.com/ethan/airplay-receiver/internal/seqnum"

// BufferFrames is the fixed ring size.
const BufferFrames = 1024

// OverrunRebaseMargin is how far behind ABWrite the read cursor is
// rebased to on overrun.
const OverrunRebaseMargin = 64

// Frame is one decoded PCM block of frameSize stereo 16-bit samples.
type Frame struct {
	Ready      bool
	RtpTime    uint32
	LastResend int64 // local ms tick of the most recent resend request for this slot
	PCM        []byte
}

// Buffer is the 1024-slot ring, indexed by seq mod BufferFrames.
type Buffer struct {
	slots     [BufferFrames]Frame
	frameSize int // samples per frame; PCM payload is frameSize*4 bytes (stereo 16-bit)

	ABWrite seqnum.Seq // last accepted sequence number
	ABRead  seqnum.Seq // next sequence number to emit
}

// New preallocates every slot's PCM payload once, so steady-state
// playback never allocates.
func New(frameSize int) *Buffer {
	b := &Buffer{frameSize: frameSize}
	for i := range b.slots {
		b.slots[i].PCM = make([]byte, frameSize*4)
	}
	return b
}

// FrameSize returns the configured samples-per-frame.
func (b *Buffer) FrameSize() int { return b.frameSize }

// Slot returns the frame at the ring position for seq.
func (b *Buffer) Slot(seq seqnum.Seq) *Frame {
	return &b.slots[seq%BufferFrames]
}

// Fill computes ABWrite - ABRead + 1 via signed 16-bit subtraction.
func (b *Buffer) Fill() int {
	return int(seqnum.Diff(b.ABRead, b.ABWrite)) + 1
}

// Valid reports whether the slot at seq currently holds data that is
// still within [ABRead, ABWrite].
func (b *Buffer) Valid(seq seqnum.Seq) bool {
	return seqnum.Order(b.ABRead-1, seq) && seqnum.Order(seq, b.ABWrite+1)
}

// RebaseOnOverrun enforces the fill <= BufferFrames invariant,
// rebasing ABRead forward when the buffer has overrun. Returns true if
// a rebase happened.
func (b *Buffer) RebaseOnOverrun() bool {
	if b.Fill() < BufferFrames {
		return false
	}
	b.ABRead = b.ABWrite - (BufferFrames - OverrunRebaseMargin)
	return true
}

// Reset reinitializes the cursors for a fresh play-run starting at seq.
func (b *Buffer) Reset(seq seqnum.Seq) {
	b.ABWrite = seq - 1
	b.ABRead = seq
}

// Put places a decoded frame at seq, advancing ABWrite past it.
// Callers are responsible for the gap/resend decisions; Put only
// performs the mechanical slot write.
func (b *Buffer) Put(seq seqnum.Seq, rtptime uint32, pcm []byte, nowMs int64) {
	slot := b.Slot(seq)
	slot.Ready = true
	slot.RtpTime = rtptime
	slot.LastResend = nowMs
	copy(slot.PCM, pcm)
	if seqnum.Order(b.ABWrite, seq) {
		b.ABWrite = seq
	}
}

// Clear marks the slot at seq not-ready without touching its payload
// (the slot is reused in place).
func (b *Buffer) Clear(seq seqnum.Seq) {
	b.Slot(seq).Ready = false
}

// ClearAll marks every slot not-ready without moving the read/write
// cursors; the cursors themselves are only repositioned when the next
// play-run starts.
func (b *Buffer) ClearAll() {
	for i := range b.slots {
		b.slots[i].Ready = false
	}
}

// InsertReplay replays the frame currently at ABRead into the slot one
// before it, used by the drift-insert adjustment: decrement ABRead and
// mark that slot ready.
func (b *Buffer) InsertReplay() {
	prev := b.Slot(b.ABRead)
	b.ABRead--
	replay := b.Slot(b.ABRead)
	*replay = *prev
	replay.Ready = true
}

// DropCurrent marks the current ABRead slot not-ready and advances
// past it, used by the drift-drop adjustment.
func (b *Buffer) DropCurrent() {
	b.Clear(b.ABRead)
	b.ABRead++
}

// Empty reports whether there is nothing left to read (ab_read is
// past ab_write).
func (b *Buffer) Empty() bool {
	return b.Fill() <= 0
}
