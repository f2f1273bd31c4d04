package playback

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethan/airplay-receiver/internal/logging"
	"github.com/ethan/airplay-receiver/internal/sessionstate"
)

const testFrameSize = 352

type fakeResender struct {
	calls [][2]uint16
}

func (f *fakeResender) RequestResend(first, last uint16) bool {
	f.calls = append(f.calls, [2]uint16{first, last})
	return true
}

func newTestPuller(t *testing.T) (*Puller, *sessionstate.State, *fakeResender) {
	t.Helper()
	state := sessionstate.New(testFrameSize, 44100, 0, 0, false, false, false, &sync.Mutex{})
	resend := &fakeResender{}
	p := New(state, resend, logging.Default())
	return p, state, resend
}

func readyPCM(tag byte) []byte {
	pcm := make([]byte, testFrameSize*4)
	pcm[0] = tag
	return pcm
}

func TestNextReturnsNilWhenNotPlaying(t *testing.T) {
	p, _, _ := newTestPuller(t)
	require.Nil(t, p.Next(1000))
}

func TestNextReturnsSilenceDuringStartupCountdown(t *testing.T) {
	p, st, _ := newTestPuller(t)
	st.Playing = true
	st.SilenceCount = 2

	out := p.Next(1000)
	require.Equal(t, st.SilenceFrame, out)
	require.Equal(t, 1, st.SilenceCount)

	out = p.Next(1000)
	require.Equal(t, st.SilenceFrame, out)
	require.Equal(t, 0, st.SilenceCount)
}

func TestNextReturnsSilenceWhilePaused(t *testing.T) {
	p, st, _ := newTestPuller(t)
	st.Playing = true
	st.Pause = true

	out := p.Next(1000)
	require.Equal(t, st.SilenceFrame, out)
}

func TestNextEmitsReadyFrameInOrder(t *testing.T) {
	p, st, _ := newTestPuller(t)
	st.Playing = true
	st.Buf.Reset(10)
	st.Buf.Put(10, 5000, readyPCM(7), 900)
	st.Sync.SetRTP(5000, 900, true)
	st.Sync.SetNTPSynced()

	out := p.Next(900)
	require.NotNil(t, out)
	require.Equal(t, byte(7), out[0])
	require.Equal(t, uint16(11), st.Buf.ABRead)
	require.Equal(t, 0, st.FilledFrames)
	require.Equal(t, 0, st.SilentFrames)
}

func TestNextWaitsWhenSyncNotReady(t *testing.T) {
	p, st, resend := newTestPuller(t)
	st.Playing = true
	st.Buf.Reset(10)
	st.Buf.Put(10, 5000, readyPCM(7), 900)
	// RTP sync set, but NTP sync never established.
	st.Sync.SetRTP(5000, 900, true)

	out := p.Next(900)
	require.Nil(t, out)
	require.Equal(t, uint16(10), st.Buf.ABRead, "a wait must not consume the frame")
	require.NotEmpty(t, resend.calls, "an empty buffer ahead of ab_read should trigger a catch-up scan")
}

func TestNextWaitsForFrameNotYetDue(t *testing.T) {
	p, st, _ := newTestPuller(t)
	st.Playing = true
	st.Buf.Reset(10)
	st.Buf.ABWrite = 10 // slot 10 is within range but was never Put: not ready
	st.Sync.SetRTP(5000, 2000, true) // playtime for rtptime 5000 is 2000ms
	st.Sync.SetNTPSynced()

	out := p.Next(900) // now < playtime, frame missing: must wait
	require.Nil(t, out)
	require.Equal(t, uint16(10), st.Buf.ABRead)
}

func TestNextEmitsSilenceForLateMissingFrame(t *testing.T) {
	p, st, _ := newTestPuller(t)
	st.Playing = true
	st.Buf.Reset(10)
	st.Buf.ABWrite = 10 // slot 10 is within range but was never Put: not ready
	st.Sync.SetRTP(0, 0, true)
	st.Sync.SetNTPSynced()

	out := p.Next(100000) // now_ms far past playtime: emit silence rather than wait forever
	require.NotNil(t, out)
	for _, b := range out {
		require.Equal(t, byte(0), b)
	}
	require.Equal(t, uint16(11), st.Buf.ABRead)
	require.Equal(t, 1, st.SilentFrames)
}

func TestNextAppliesSkipBeforeServing(t *testing.T) {
	p, st, _ := newTestPuller(t)
	st.Playing = true
	st.Buf.Reset(10)
	st.Buf.Put(10, 1000, readyPCM(1), 900)
	st.Buf.Put(11, 1352, readyPCM(2), 900)
	st.Skip = 1
	st.Sync.SetRTP(1352, 900, true)
	st.Sync.SetNTPSynced()

	out := p.Next(900)
	require.NotNil(t, out)
	require.Equal(t, byte(2), out[0], "the skipped slot must never be served")
	require.Equal(t, 0, st.Skip)
	require.Equal(t, uint16(12), st.Buf.ABRead)
}

func TestNextInsertsSilenceHeadWhenHTTPFillEnabled(t *testing.T) {
	p, st, _ := newTestPuller(t)
	st.Playing = true
	st.HTTPFill = true
	st.Buf.Reset(10)
	st.Buf.ABWrite = 9 // buffer starts empty: ab_read (10) is ahead of ab_write
	prev := st.Buf.Slot(9)
	prev.RtpTime = 4000
	st.Sync.SetRTP(4000+uint32(testFrameSize), 0, true)
	st.Sync.SetNTPSynced()

	out := p.Next(0)
	require.NotNil(t, out)
	require.Equal(t, 1, st.FilledFrames)
	require.Equal(t, 0, st.SilentFrames, "a synthesized fill frame is not also counted as an underrun")
}

func TestScheduleResendsDebouncesWithinWindow(t *testing.T) {
	p, st, resend := newTestPuller(t)
	st.Buf.Reset(10)
	st.Buf.Slot(10).LastResend = 1000

	p.scheduleResends(1100, 10, 10) // only 100ms since last attempt: below the 200ms debounce
	require.Empty(t, resend.calls)

	p.scheduleResends(1300, 10, 10) // 300ms since last attempt: past debounce
	require.Len(t, resend.calls, 1)
	require.Equal(t, [2]uint16{10, 10}, resend.calls[0])
}

func TestScheduleResendsCoalescesContiguousGaps(t *testing.T) {
	p, st, resend := newTestPuller(t)
	st.Buf.Reset(10)
	st.Buf.Put(12, 0, readyPCM(1), 0) // slot 12 ready; 10, 11, 13, 14 still missing

	p.scheduleResends(10000, 10, 14)

	require.Len(t, resend.calls, 2)
	require.Equal(t, [2]uint16{10, 11}, resend.calls[0])
	require.Equal(t, [2]uint16{13, 14}, resend.calls[1])
}
