package rtpingest

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethan/airplay-receiver/internal/clock"
	"github.com/ethan/airplay-receiver/internal/logging"
	"github.com/ethan/airplay-receiver/internal/seqnum"
	"github.com/ethan/airplay-receiver/internal/sessionstate"
)

const testFrameSize = 352

func newTestIngest(t *testing.T, syncRequired, driftEnable bool) (*Ingest, *sessionstate.State) {
	t.Helper()
	sockets, err := OpenSockets(net.ParseIP("127.0.0.1"), PortWindow{Base: 34100, Range: 200})
	require.NoError(t, err)
	t.Cleanup(sockets.Close)

	state := sessionstate.New(testFrameSize, 44100, 0, 0, syncRequired, driftEnable, false, &sync.Mutex{})
	cfg := Config{
		LocalIP:           net.ParseIP("127.0.0.1"),
		FrameSize:         testFrameSize,
		SampleRate:        44100,
		RemoteControlPort: sockets.ControlPort,
		RemoteTimingPort:  sockets.TimingPort,
	}
	ig := New(cfg, sockets, state, nil, func(p []byte) ([]byte, error) { return p, nil }, logging.Default(), nil, nil)
	ig.observedAddr.Store(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: sockets.DataPort})
	return ig, state
}

func nonSilentPCM() []byte {
	pcm := make([]byte, testFrameSize*4)
	pcm[0] = 1
	return pcm
}

func TestPlayStartRequiresFirstFlagWhenRequired(t *testing.T) {
	ig, st := newTestIngest(t, true, false)

	st.Mu.Lock()
	ig.bufferPut(10, 2000, false, nonSilentPCM(), 1000)
	playingBefore := st.Playing
	st.Mu.Unlock()
	require.False(t, playingBefore)

	st.Sync.SetRTP(0, 0, true) // marks first_flag

	st.Mu.Lock()
	ig.bufferPut(10, 2000, false, nonSilentPCM(), 1000)
	st.Mu.Unlock()

	st.Mu.Lock()
	defer st.Mu.Unlock()
	require.True(t, st.Playing)
	require.Equal(t, uint16(10), st.Buf.ABWrite)
	require.Equal(t, uint16(10), st.Buf.ABRead)
}

func TestFlushGatesSubsequentPackets(t *testing.T) {
	ig, st := newTestIngest(t, false, false)

	ok := ig.Flush(500, 12345, false)
	require.True(t, ok)

	st.Mu.Lock()
	ig.bufferPut(400, 2000, false, nonSilentPCM(), 1000)
	playingAfterOld := st.Playing
	st.Mu.Unlock()
	require.False(t, playingAfterOld, "a packet before the flush point must not start playback")

	st.Mu.Lock()
	ig.bufferPut(500, 3000, false, nonSilentPCM(), 1000)
	st.Mu.Unlock()

	st.Mu.Lock()
	defer st.Mu.Unlock()
	require.True(t, st.Playing)
	require.Equal(t, uint16(500), st.Buf.ABRead)
}

func TestDuplicateFlushIgnored(t *testing.T) {
	ig, st := newTestIngest(t, false, false)
	ig.Record(500, 12345)

	ok := ig.Flush(500, 12345, false)
	require.False(t, ok, "a flush matching the last RECORD must be ignored")
	require.False(t, st.Playing)
}

func TestGapTriggersResendAndStampsPlaceholders(t *testing.T) {
	ig, st := newTestIngest(t, false, false)

	st.Mu.Lock()
	ig.bufferPut(1, 1000, true, nonSilentPCM(), 1000)
	ig.bufferPut(2, 1000+testFrameSize, false, nonSilentPCM(), 1000)
	// seq 3 and 4 dropped; seq 5 arrives next, opening a 2-frame gap.
	ig.bufferPut(5, 1000+4*testFrameSize, false, nonSilentPCM(), 1200)
	st.Mu.Unlock()

	st.Mu.Lock()
	defer st.Mu.Unlock()
	require.Equal(t, uint16(5), st.Buf.ABWrite)
	require.Equal(t, 2, st.ResentFrames)
	require.Equal(t, int64(1200), st.Buf.Slot(3).LastResend)
	require.Equal(t, int64(1200), st.Buf.Slot(4).LastResend)
}

func TestRecoveredResendReplyIsAccepted(t *testing.T) {
	ig, st := newTestIngest(t, false, false)

	st.Mu.Lock()
	ig.bufferPut(1, 1000, true, nonSilentPCM(), 1000)
	ig.bufferPut(3, 1000+2*testFrameSize, false, nonSilentPCM(), 1000) // gap at 2
	pcm := nonSilentPCM()
	pcm[1] = 0x42
	ig.bufferPut(2, 1000+testFrameSize, false, pcm, 1100) // recovered via resend reply
	st.Mu.Unlock()

	st.Mu.Lock()
	defer st.Mu.Unlock()
	require.True(t, st.Buf.Slot(2).Ready)
	require.Equal(t, byte(0x42), st.Buf.Slot(2).PCM[1])
}

func TestTooLatePacketDropped(t *testing.T) {
	ig, st := newTestIngest(t, false, false)

	st.Mu.Lock()
	ig.bufferPut(10, 1000, true, nonSilentPCM(), 1000)
	ig.bufferPut(11, 1000+testFrameSize, false, nonSilentPCM(), 1000)
	st.Buf.ABRead = 11
	st.Buf.Clear(10)
	ig.bufferPut(9, 900, false, nonSilentPCM(), 1000)
	st.Mu.Unlock()

	st.Mu.Lock()
	defer st.Mu.Unlock()
	require.False(t, st.Buf.Slot(9).Ready)
}

func TestPlayEventFiresOnceOnFirstNonSilentFrame(t *testing.T) {
	events := 0
	sockets, err := OpenSockets(net.ParseIP("127.0.0.1"), PortWindow{Base: 34400, Range: 200})
	require.NoError(t, err)
	t.Cleanup(sockets.Close)

	state := sessionstate.New(testFrameSize, 44100, 0, 0, false, false, false, &sync.Mutex{})
	cfg := Config{FrameSize: testFrameSize, SampleRate: 44100, RemoteControlPort: sockets.ControlPort, RemoteTimingPort: sockets.TimingPort}
	ig := New(cfg, sockets, state, nil, func(p []byte) ([]byte, error) { return p, nil }, logging.Default(),
		func(Event) { events++ }, nil)
	ig.observedAddr.Store(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: sockets.DataPort})

	silence := make([]byte, testFrameSize*4)

	state.Mu.Lock()
	ig.bufferPut(1, 1000, true, silence, 1000) // starts play-run, still silent
	require.Equal(t, 0, events)
	ig.bufferPut(2, 1000+testFrameSize, false, nonSilentPCM(), 1000)
	state.Mu.Unlock()

	require.Equal(t, 1, events)

	state.Mu.Lock()
	ig.bufferPut(3, 1000+2*testFrameSize, false, nonSilentPCM(), 1000)
	state.Mu.Unlock()
	require.Equal(t, 1, events, "PLAY fires once per play-run")
}

func TestDriftInsertFiresExactlyOnceAtThreshold(t *testing.T) {
	ig, st := newTestIngest(t, false, true)

	st.Mu.Lock()
	ig.bufferPut(100, 1000, true, nonSilentPCM(), 1000)
	for i := uint16(101); i < 150; i++ {
		ig.bufferPut(i, 1000+uint32(i-100)*testFrameSize, false, nonSilentPCM(), 1000)
	}
	writeBefore := st.Buf.ABWrite
	readBefore := st.Buf.ABRead
	st.Mu.Unlock()

	cst := st.Clock
	inserted := 0
	for i := 0; i < clock.GapCountThreshold+2; i++ {
		cst.Mu.Lock()
		cst.GapSum += clock.GapThresholdMs + 1
		beforeRead := st.Buf.ABRead
		ig.applyDrift(cst)
		if st.Buf.ABRead != beforeRead {
			inserted++
		}
		cst.Mu.Unlock()
	}

	require.Equal(t, 1, inserted, "exactly one insert must fire at the threshold crossing")
	st.Mu.Lock()
	defer st.Mu.Unlock()
	require.Equal(t, writeBefore, st.Buf.ABWrite)
	require.Equal(t, readBefore-1, st.Buf.ABRead)
}

func timingReplyPacket(reference uint32, remote uint64) []byte {
	packet := make([]byte, 24)
	binary.BigEndian.PutUint32(packet[12:16], reference)
	binary.BigEndian.PutUint32(packet[16:20], uint32(remote>>32))
	binary.BigEndian.PutUint32(packet[20:24], uint32(remote))
	return packet
}

// TestHandleTimingSlowSenderYieldsNegativeGapSum covers the case where
// the remote clock has advanced further than the local-elapsed-time
// projection predicts. The signed delta must come out small and
// negative, not wrap around to a huge positive value, and must land on
// the drop branch of applyDrift rather than the insert branch.
func TestHandleTimingSlowSenderYieldsNegativeGapSum(t *testing.T) {
	ig, st := newTestIngest(t, false, true)
	st.Sync.SetRTP(0, 0, true)

	now := uint32(nowMs())
	ig.handleTiming(timingReplyPacket(now, seqnum.MsToNtp(int64(now))))

	cst := st.Clock
	gapBefore := func() int64 {
		cst.Mu.Lock()
		defer cst.Mu.Unlock()
		return cst.GapSum
	}()
	require.Equal(t, int64(0), gapBefore, "drift must not be applied before NTP_SYNC is established")

	// Reference unchanged (no local time elapsed in this synthetic
	// exchange) but the remote clock value jumps ahead of the
	// zero-elapsed projection, producing a small negative gap.
	remote2 := seqnum.MsToNtp(int64(now) + 50)
	ig.handleTiming(timingReplyPacket(now, remote2))

	cst.Mu.Lock()
	defer cst.Mu.Unlock()
	require.Less(t, cst.GapSum, int64(0), "remote ahead of the projection must yield a negative gap, not an underflowed positive one")
	require.InDelta(t, -50, cst.GapSum, 5)
}
