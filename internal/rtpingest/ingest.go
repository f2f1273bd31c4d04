// Package rtpingest owns the three RTP/UDP sockets for one streaming
// session: it parses inbound data/sync/timing packets, drives the
// two-clock synchronization and drift accumulators in internal/clock,
// writes decoded frames into internal/framebuffer, and issues outbound
// timing and resend requests.
package rtpingest

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethan/airplay-receiver/internal/clock"
	"github.com/ethan/airplay-receiver/internal/framebuffer"
	"github.com/ethan/airplay-receiver/internal/logging"
	"github.com/ethan/airplay-receiver/internal/raopcrypto"
	"github.com/ethan/airplay-receiver/internal/seqnum"
	"github.com/ethan/airplay-receiver/internal/sessionstate"
)

const bufferFramesHalf = framebuffer.BufferFrames / 2

// readDeadline bounds each socket read so the loop can observe
// cancellation promptly, mirroring the RTSP client's own
// SetReadDeadline-per-iteration style.
const readDeadline = 50 * time.Millisecond

// syncPacketsPerTimingRequest is how often a sync packet re-triggers a
// timing request.
const syncPacketsPerTimingRequest = 4

// Decoder turns a decrypted RTP payload into frameSize*4 bytes of
// interleaved 16-bit stereo PCM. The concrete ALAC decode is supplied
// by the caller.
type Decoder func(payload []byte) ([]byte, error)

// Event is fired to the session layer's callback.
type Event int

// EventPlay fires once per play-run, strictly after the first
// non-silent decoded frame.
const EventPlay Event = iota

// Config carries the per-session inputs rtpingest needs.
type Config struct {
	LocalIP    net.IP
	Window     PortWindow
	FrameSize  int
	SampleRate int64
	LatencyMs  int
	Delay      int

	// Peer is the explicitly configured sender address, or nil/unset
	// if the destination should be learned from the first inbound
	// packet.
	Peer net.IP

	RemoteControlPort int
	RemoteTimingPort  int
}

// Ingest owns the three sockets and the read-loop goroutines for one
// session's audio stream.
type Ingest struct {
	cfg     Config
	sockets *Sockets
	state   *sessionstate.State
	sync    *clock.SyncAnchor
	crypto  *raopcrypto.EncryptContext
	decode  Decoder
	log     *logging.Logger
	onEvent func(Event)

	// onPlayStart, if set, fires synchronously at the moment a play-run
	// begins (before any PLAY event), so the HTTP layer can reinitialize
	// its codec staging buffers.
	onPlayStart func()

	// latencyRTP is the hold depth in RTP sample ticks. Seeded from
	// cfg.LatencyMs*sampleRate/1000 at construction; if that seed is
	// zero, the first sync packet derives it from the gap between its
	// two RTP timestamp fields.
	latencyRTP atomic.Int64

	observedAddr atomic.Pointer[net.UDPAddr] // source of the most recently received packet
	syncCount    atomic.Int32                // packets until the next timing-request trigger
	ourSeq       atomic.Uint32               // outbound resend-request sequence counter

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an Ingest bound to sockets already opened via OpenSockets.
func New(cfg Config, sockets *Sockets, state *sessionstate.State, crypto *raopcrypto.EncryptContext, decode Decoder, log *logging.Logger, onEvent func(Event), onPlayStart func()) *Ingest {
	ig := &Ingest{
		cfg:         cfg,
		sockets:     sockets,
		state:       state,
		sync:        state.Sync,
		crypto:      crypto,
		decode:      decode,
		log:         log,
		onEvent:     onEvent,
		onPlayStart: onPlayStart,
	}
	ig.latencyRTP.Store(int64(cfg.LatencyMs) * cfg.SampleRate / 1000)
	ig.syncCount.Store(syncPacketsPerTimingRequest)
	return ig
}

// Start spawns the three read-loop goroutines and sends the initial
// triple timing request.
func (ig *Ingest) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	ig.cancel = cancel
	ig.done = make(chan struct{})

	if ig.cfg.Peer != nil {
		ig.observedAddr.Store(&net.UDPAddr{IP: ig.cfg.Peer})
	}

	for i := 0; i < 3; i++ {
		ig.sendTimingRequest(nowMs())
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go ig.readLoop(runCtx, &wg, ig.sockets.Data)
	go ig.readLoop(runCtx, &wg, ig.sockets.Control)
	go ig.readLoop(runCtx, &wg, ig.sockets.Timing)

	go func() {
		wg.Wait()
		close(ig.done)
	}()
}

// Stop cancels the read loops and waits for them to exit.
func (ig *Ingest) Stop() {
	if ig.cancel == nil {
		return
	}
	ig.cancel()
	<-ig.done
}

// readLoop services one UDP socket, dispatching every packet to
// handlePacket regardless of which of the three sockets it arrived on;
// dispatch is driven purely by the packet's type byte, so running one
// goroutine per socket rather than a single multiplexed select loop
// doesn't change behavior.
func (ig *Ingest) readLoop(ctx context.Context, wg *sync.WaitGroup, conn *net.UDPConn) {
	defer wg.Done()
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			continue
		}
		if n < 2 {
			continue
		}
		ig.observedAddr.Store(addr)
		packet := make([]byte, n)
		copy(packet, buf[:n])
		ig.handlePacket(packet)
	}
}

// handlePacket dispatches on the AirTunes type byte.
func (ig *Ingest) handlePacket(packet []byte) {
	typ := packet[1] &^ 0x80

	switch typ {
	case typeResendReply:
		// A resend reply wraps a data packet behind a 4-byte header.
		if len(packet) < 4 {
			return
		}
		ig.handleData(packet[4:])
	case typeData:
		ig.handleData(packet)
	case typeSync:
		ig.handleSync(packet)
	case typeTiming:
		ig.handleTiming(packet)
	}
}

func (ig *Ingest) handleData(packet []byte) {
	pkt, ok := parseDataPacket(packet)
	if !ok || len(pkt.Body) < 16 {
		return
	}
	if pkt.First {
		ig.log.Info("1st audio packet received", "seqno", pkt.Seqno, "rtptime", pkt.RTPTime)
	}

	body := append([]byte(nil), pkt.Body...)
	if err := ig.crypto.DecryptInPlace(body); err != nil {
		ig.log.Warn("decrypt failed", "error", err)
		return
	}
	pcm, err := ig.decode(body)
	if err != nil {
		ig.log.Warn("decode failed", "error", err)
		return
	}

	st := ig.state
	st.Mu.Lock()
	ig.bufferPut(pkt.Seqno, pkt.RTPTime, pkt.First, pcm, nowMs())
	st.Buf.RebaseOnOverrun()
	st.Mu.Unlock()
}

func (ig *Ingest) handleSync(packet []byte) {
	pkt, ok := parseSyncPacket(packet)
	if !ok {
		return
	}

	ig.latencyRTP.CompareAndSwap(0, int64(pkt.RTPNow-pkt.RTPNowLatency))
	latency := ig.latencyRTP.Load()

	st := ig.state
	st.Clock.Mu.Lock()
	ms := st.Clock.LocalMs + seqnum.NtpToMs(pkt.RemoteNTP-st.Clock.RemoteNtp)
	st.Clock.Mu.Unlock()
	ig.sync.SetRTP(pkt.RTPNow-uint32(latency), ms, pkt.First)

	ig.log.DebugClock("sync packet", "rtp_now_latency", pkt.RTPNowLatency, "rtp_now", pkt.RTPNow, "remote_ntp", pkt.RemoteNTP, "first", pkt.First)

	if ig.syncCount.Add(-1) <= 0 {
		ig.sendTimingRequest(nowMs())
		ig.syncCount.Store(syncPacketsPerTimingRequest)
	}
}

func (ig *Ingest) handleTiming(packet []byte) {
	pkt, ok := parseTimingReply(packet)
	if !ok {
		return
	}
	now := nowMs()
	roundtrip := int64(uint32(now) - pkt.Reference)
	if roundtrip > clock.RoundtripDiscardMs {
		ig.log.Warn("discarding NTP roundtrip", "roundtrip_ms", roundtrip)
		return
	}

	st := ig.state.Clock
	st.Mu.Lock()
	defer st.Mu.Unlock()

	expected := st.RemoteNtp + seqnum.MsToNtp(int64(pkt.Reference)-st.LocalMs)
	st.RemoteNtp = pkt.Remote
	st.LocalMs = int64(pkt.Reference)
	st.Count++

	if st.DriftEnabled && ig.sync.Ready() {
		delta := seqnum.SignedNtpDiffToMs(int64(expected) - int64(pkt.Remote))
		st.GapSum += delta
		ig.applyDrift(st)
	}
	ig.sync.SetNTPSynced()

	ig.log.DebugClock("timing reply", "local_ms", st.LocalMs, "remote_ntp", st.RemoteNtp, "gap_sum", st.GapSum, "gap_count", st.GapCount)
}

// applyDrift implements the insert/drop adjustment against the gap
// accumulators. Takes the session mutex itself since it mutates the
// ring buffer's read cursor.
func (ig *Ingest) applyDrift(st *clock.State) {
	stt := ig.state
	stt.Mu.Lock()
	defer stt.Mu.Unlock()

	// GapCount tracks consecutive samples while |GapSum| stays beyond
	// the threshold; it is bumped every such sample (using the
	// pre-bump value for the action gate) and reset once the sum
	// settles back under the threshold.
	buf := stt.Buf
	switch {
	case st.GapSum > clock.GapThresholdMs:
		old := st.GapCount
		st.GapCount++
		if old > clock.GapCountThreshold {
			ig.log.Info("sending packets too fast", "gap_sum", st.GapSum, "ab_write", buf.ABWrite, "ab_read", buf.ABRead)
			buf.InsertReplay()
			st.GapSum -= clock.GapThresholdMs
			st.GapAdjust -= clock.GapThresholdMs
		}
	case st.GapSum < -clock.GapThresholdMs:
		old := st.GapCount
		st.GapCount++
		if old > clock.GapCountThreshold {
			if buf.Fill() > 0 {
				buf.DropCurrent()
			} else {
				stt.Skip++
			}
			st.GapSum += clock.GapThresholdMs
			st.GapAdjust += clock.GapThresholdMs
			ig.log.Info("sending packets too slow", "gap_sum", st.GapSum, "skip", stt.Skip, "ab_write", buf.ABWrite, "ab_read", buf.ABRead)
		}
	}
	if abs64(st.GapSum) < clock.GapThresholdMs {
		st.GapCount = 0
	}
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// timingAddr resolves the destination for outbound timing requests:
// the configured peer if set, else the address of the most recently
// received packet, else nil (defer until a packet arrives).
func (ig *Ingest) timingAddr() *net.UDPAddr {
	if ig.cfg.Peer != nil {
		return &net.UDPAddr{IP: ig.cfg.Peer, Port: ig.cfg.RemoteTimingPort}
	}
	src := ig.observedAddr.Load()
	if src == nil {
		return nil
	}
	return &net.UDPAddr{IP: src.IP, Port: ig.cfg.RemoteTimingPort}
}

// resendAddr resolves the destination for outbound resend requests,
// always the most recently observed sender address.
func (ig *Ingest) resendAddr() *net.UDPAddr {
	src := ig.observedAddr.Load()
	if src == nil {
		return nil
	}
	return &net.UDPAddr{IP: src.IP, Port: ig.cfg.RemoteControlPort}
}
