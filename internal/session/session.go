// Package session wires one streaming session's subsystems together:
// the RTP ingest pipeline, the playback puller, the tail/ICY buffer,
// the output codec, the consumer-facing HTTP server, and the outbound
// RTSP control connection to the sender. It owns their lifecycle the
// way pkg/relay.CameraRelay owns a camera's RTSP connection, RTP
// processors, and WebRTC bridge: one struct, one context/cancel pair,
// one WaitGroup, Start/Stop bracketing the subsystem goroutines.
package session

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"

	"github.com/ethan/airplay-receiver/internal/codec"
	"github.com/ethan/airplay-receiver/internal/httpserver"
	"github.com/ethan/airplay-receiver/internal/logging"
	"github.com/ethan/airplay-receiver/internal/playback"
	"github.com/ethan/airplay-receiver/internal/raopcrypto"
	"github.com/ethan/airplay-receiver/internal/rtpingest"
	"github.com/ethan/airplay-receiver/internal/rtspclient"
	"github.com/ethan/airplay-receiver/internal/sessionstate"
	"github.com/ethan/airplay-receiver/internal/tailbuffer"
)

// contentTypes maps a codec selection to its HTTP Content-Type.
var contentTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"flac": "audio/flac",
	"pcm":  "audio/L16;rate=44100;channels=2",
	"wav":  "audio/wav",
}

// Config is every input the session layer needs to start one
// streaming session, gathered from wherever the caller terminates
// pairing, mDNS advertisement, and configuration file parsing — all
// explicitly out of scope for this package.
type Config struct {
	LocalIP net.IP
	PeerIP  net.IP

	// RTSPAddr is the host:port the sender's RTSP control socket
	// listens on; SessionPath is the path segment of the ANNOUNCE/
	// SETUP/etc URLs (rtsp://LocalIP/SessionPath) this side presents
	// as its own stream identity.
	RTSPAddr    string
	SessionPath string

	CodecName  string        // "wav", "pcm", "mp3", "flac"
	Encoder    codec.Encoder // overrides the CodecName default when set
	HTTPLength int64
	ServerName string

	SyncRequired bool
	DriftEnable  bool
	RangeEnable  bool
	LatencyMs    int
	HTTPFill     bool
	DelayFrames  int

	AESKey []byte
	AESIV  []byte

	// FMTP is the 12-int parameter array from the sender's SETUP/
	// ANNOUNCE fmtp line; index 1 is frame_size, index 3 must be 16.
	FMTP [12]int

	RemoteControlPort int
	RemoteTimingPort  int
	PortWindow        rtpingest.PortWindow
	HTTPPortWindow    rtpingest.PortWindow

	// UseAuthSetup selects the legacy /auth-setup handshake over
	// pair-verify. AuthPub/AuthPriv are the long-term Ed25519 identity
	// pair-verify signs with; both are ignored when UseAuthSetup is
	// true or when AuthPriv is nil (handshake skipped entirely, for a
	// sender that's already authenticated out of band).
	UseAuthSetup bool
	AuthPub      ed25519.PublicKey
	AuthPriv     ed25519.PrivateKey

	// Decode turns a decrypted RTP payload into interleaved 16-bit
	// stereo PCM; the concrete ALAC decoder is supplied by the caller.
	Decode rtpingest.Decoder

	EventCallback func(rtpingest.Event)
	HeaderHook    func() map[string]string

	Log *logging.Logger
}

// Session owns one play-run's worth of wired subsystems.
type Session struct {
	cfg   Config
	log   *logging.Logger
	crypto *raopcrypto.EncryptContext

	state   *sessionstate.State
	tail    *tailbuffer.Buffer
	encoder codec.Encoder

	sockets *rtpingest.Sockets
	ingest  *rtpingest.Ingest
	http    *httpserver.Server
	rtsp    *rtspclient.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and builds the subsystems that don't touch the
// network, so a bad FMTP array or an invalid key/iv pair surfaces
// before Start dials anything.
func New(cfg Config) (*Session, error) {
	if cfg.FMTP[3] != 16 {
		return nil, fmt.Errorf("session: fmtp[3] must be 16 (got %d)", cfg.FMTP[3])
	}
	frameSize := cfg.FMTP[1]
	if frameSize <= 0 {
		return nil, fmt.Errorf("session: fmtp[1] (frame_size) must be positive (got %d)", frameSize)
	}
	if cfg.Decode == nil {
		return nil, fmt.Errorf("session: Decode function required")
	}

	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}

	crypto, err := raopcrypto.NewEncryptContext(cfg.AESKey, cfg.AESIV)
	if err != nil {
		return nil, fmt.Errorf("session: encrypt context: %w", err)
	}

	st := sessionstate.New(frameSize, 44100, cfg.LatencyMs, cfg.DelayFrames, cfg.SyncRequired, cfg.DriftEnable, cfg.RangeEnable, &sync.Mutex{})
	st.HTTPFill = cfg.HTTPFill

	encoder := cfg.Encoder
	if encoder == nil {
		encoder = defaultEncoder(cfg.CodecName)
	}

	return &Session{
		cfg:     cfg,
		log:     log,
		crypto:  crypto,
		state:   st,
		tail:    tailbuffer.New(),
		encoder: encoder,
	}, nil
}

func defaultEncoder(codecName string) codec.Encoder {
	switch codecName {
	case "pcm":
		return codec.PCM{}
	case "wav":
		return codec.WAV{}
	default:
		return codec.External{}
	}
}

func contentType(codecName string) string {
	if ct, ok := contentTypes[codecName]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Start dials the RTSP control connection, runs the pairing handshake,
// binds the RTP and HTTP sockets, and starts the ingest and HTTP
// server goroutines. It does not itself issue ANNOUNCE/SETUP/RECORD;
// those are explicit lifecycle calls the caller makes once Start
// returns, mirroring the RTSP dialect's own request/response shape
// rather than folding them into one opaque call.
func (s *Session) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx = runCtx
	s.cancel = cancel

	conn, err := net.Dial("tcp", s.cfg.RTSPAddr)
	if err != nil {
		cancel()
		return fmt.Errorf("session: dial rtsp %s: %w", s.cfg.RTSPAddr, err)
	}
	s.rtsp = rtspclient.New(conn, s.rtspURL(), s.log)

	if err := s.handshake(runCtx); err != nil {
		s.rtsp.Close()
		cancel()
		return err
	}

	sockets, err := rtpingest.OpenSockets(s.cfg.LocalIP, s.cfg.PortWindow)
	if err != nil {
		s.rtsp.Close()
		cancel()
		return fmt.Errorf("session: open rtp sockets: %w", err)
	}
	s.sockets = sockets

	ingestCfg := rtpingest.Config{
		LocalIP:           s.cfg.LocalIP,
		Window:            s.cfg.PortWindow,
		FrameSize:         s.cfg.FMTP[1],
		SampleRate:        s.state.SampleRate,
		LatencyMs:         s.cfg.LatencyMs,
		Delay:             s.cfg.DelayFrames,
		Peer:              s.cfg.PeerIP,
		RemoteControlPort: s.cfg.RemoteControlPort,
		RemoteTimingPort:  s.cfg.RemoteTimingPort,
	}
	s.ingest = rtpingest.New(ingestCfg, sockets, s.state, s.crypto, s.cfg.Decode, s.log, s.cfg.EventCallback, s.onHTTPReset)

	resend := httpserver.NewRateLimitedResender(s.ingest, 50, 16)
	puller := playback.New(s.state, resend, s.log)

	httpCfg := httpserver.Config{
		Addr:         s.cfg.LocalIP,
		Window:       s.cfg.HTTPPortWindow,
		HTTPLength:   s.cfg.HTTPLength,
		ContentType:  contentType(s.cfg.CodecName),
		CodecName:    s.cfg.CodecName,
		ServerName:   s.cfg.ServerName,
		ExtraHeaders: map[string]string{},
		HeaderHook:   s.cfg.HeaderHook,
	}
	s.http = httpserver.New(httpCfg, s.state, puller, s.tail, s.encoder, s.log)
	if _, err := s.http.Listen(); err != nil {
		sockets.Close()
		s.rtsp.Close()
		cancel()
		return fmt.Errorf("session: listen http: %w", err)
	}

	s.ingest.Start(runCtx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(runCtx); err != nil {
			s.log.DebugHTTP("http server exited", "error", err)
		}
	}()

	return nil
}

// onHTTPReset is rtpingest's onPlayStart hook: a fresh RECORD means a
// fresh HTTP body, so the next consumer connection gets headers again.
func (s *Session) onHTTPReset() {
	if s.http != nil {
		s.http.Reset()
	}
}

// Stop cancels the subsystem goroutines, closes every socket, and
// tears down the RTSP connection.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ingest != nil {
		s.ingest.Stop()
	}
	if s.http != nil {
		s.http.Close()
	}
	s.wg.Wait()
	if s.sockets != nil {
		s.sockets.Close()
	}
	if s.rtsp != nil {
		s.rtsp.Close()
	}
}

// HTTPPort returns the bound consumer-facing port, valid after Start.
func (s *Session) HTTPPort() int { return s.http.Port() }

// RTPPorts returns the three bound UDP ports, valid after Start.
func (s *Session) RTPPorts() (data, control, timing int) {
	return s.sockets.DataPort, s.sockets.ControlPort, s.sockets.TimingPort
}

func (s *Session) rtspURL() string {
	return fmt.Sprintf("rtsp://%s/%s", s.cfg.LocalIP, s.cfg.SessionPath)
}

// handshake drives the appropriate pairing exchange before any
// session-level RTSP command is issued. AES key exchange itself
// happens above this layer (the config already carries raw key/iv
// bytes); handshake only needs to satisfy the dialect, not produce key
// material this package consumes.
func (s *Session) handshake(ctx context.Context) error {
	if s.cfg.UseAuthSetup {
		if _, err := s.rtsp.AuthSetup(ctx); err != nil {
			return fmt.Errorf("session: auth-setup: %w", err)
		}
		return nil
	}
	if s.cfg.AuthPriv == nil {
		return nil
	}
	verifier, err := raopcrypto.NewPairVerifier(s.cfg.AuthPub, s.cfg.AuthPriv)
	if err != nil {
		return fmt.Errorf("session: build pair-verifier: %w", err)
	}
	if err := s.rtsp.PairVerify(ctx, verifier); err != nil {
		return fmt.Errorf("session: pair-verify: %w", err)
	}
	return nil
}
