// Package httpserver is the consumer-facing half of the streaming
// engine: a dynamically-ported TCP listener that accepts one consumer
// at a time, replies to GET/HEAD with a transcoded audio body framed
// per http_length, honors Range against the tail buffer, splices ICY
// metadata into MP3 output, and pulls its frames from
// internal/playback. The ambient shape (explicit timeouts, request
// logging) follows pkg/api/server.go's http.Server idiom, and the
// header parser follows pkg/rtsp/client.go's bufio line reader, since
// net/http's server can't do raw Transfer-Encoding-free framing, ICY
// byte splicing, or TCP_NODELAY-on-accept the way this protocol
// needs.
package httpserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethan/airplay-receiver/internal/codec"
	"github.com/ethan/airplay-receiver/internal/logging"
	"github.com/ethan/airplay-receiver/internal/playback"
	"github.com/ethan/airplay-receiver/internal/rtpingest"
	"github.com/ethan/airplay-receiver/internal/sessionstate"
	"github.com/ethan/airplay-receiver/internal/tailbuffer"
)

// Config is everything the session layer decides about how this
// stream's HTTP responses look; none of it changes once the server is
// built for a session.
type Config struct {
	Addr   net.IP
	Window rtpingest.PortWindow

	// HTTPLength selects response framing: >0 sends a fixed
	// Content-Length of that many bytes; -3 switches to HTTP/1.1
	// chunked; any other value (including -1) omits a length and
	// closes the connection when the stream ends.
	HTTPLength int64

	ContentType string
	CodecName   string // "mp3" enables ICY negotiation
	ServerName  string

	ExtraHeaders map[string]string
	HeaderHook   func() map[string]string
}

// request is one parsed HTTP request line plus headers and an
// optional body.
type request struct {
	Method string
	Path   string
	Proto  string
	Header map[string]string
	Body   []byte
}

func (r request) Get(key string) string {
	return r.Header[textproto.CanonicalMIMEHeaderKey(key)]
}

// Server owns the listener and the subsystems one consumer connection
// pulls from.
type Server struct {
	cfg     Config
	state   *sessionstate.State
	puller  *playback.Puller
	tail    *tailbuffer.Buffer
	encoder codec.Encoder
	log     *logging.Logger

	listener net.Listener
	port     int

	headerSent atomic.Bool
}

// New builds a Server around an already-constructed session's shared
// state, playback puller, tail buffer and output encoder.
func New(cfg Config, state *sessionstate.State, puller *playback.Puller, tail *tailbuffer.Buffer, encoder codec.Encoder, log *logging.Logger) *Server {
	return &Server{cfg: cfg, state: state, puller: puller, tail: tail, encoder: encoder, log: log}
}

// Listen binds a TCP port from the configured window, the same
// random-offset scan internal/rtpingest uses for its UDP sockets.
func (s *Server) Listen() (int, error) {
	if s.cfg.Window.Range <= 0 {
		return 0, fmt.Errorf("httpserver: invalid port window range %d", s.cfg.Window.Range)
	}
	offset := rand.Intn(s.cfg.Window.Range)
	for count := 0; count < s.cfg.Window.Range; count++ {
		port := s.cfg.Window.Base + ((offset + count) % s.cfg.Window.Range)
		ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: s.cfg.Addr, Port: port})
		if err == nil {
			s.listener = ln
			s.port = port
			return port, nil
		}
	}
	return 0, fmt.Errorf("httpserver: no free port in window [%d, %d)", s.cfg.Window.Base, s.cfg.Window.Base+s.cfg.Window.Range)
}

// Port returns the bound listen port, valid after Listen.
func (s *Server) Port() int { return s.port }

// Close tears down the listener, unblocking Serve.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Reset marks the format prefix (WAV header, FLAC stream-info) as not
// yet sent, called by the session layer at the start of a new
// RECORD/play-run so the next accepted consumer gets it again.
func (s *Server) Reset() {
	s.headerSent.Store(false)
}

// Serve accepts consumers one at a time until ctx is canceled or the
// listener is closed; each connection is handled to completion before
// the next Accept, matching the one-consumer-at-a-time contract.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	s.primeSilence()

	reader := bufio.NewReaderSize(conn, 4096)
	for {
		req, err := readRequest(reader)
		if err != nil {
			return
		}
		s.log.DebugHTTP("request", "method", req.Method, "path", req.Path)

		switch req.Method {
		case "GET", "HEAD":
		default:
			io.WriteString(conn, "HTTP/1.0 501 Not Implemented\r\n\r\n")
			return
		}

		if !s.serveRequest(ctx, conn, req) {
			return
		}
	}
}

// primeSilence sets silence_count to the startup delay minus however
// much of the buffer is already filled, so a consumer that connects
// mid-stream doesn't wait out the full startup delay again.
func (s *Server) primeSilence() {
	st := s.state
	st.Mu.Lock()
	defer st.Mu.Unlock()
	fill := 0
	if st.Playing {
		fill = st.Buf.Fill()
	}
	count := st.Delay - fill
	if count < 0 {
		count = 0
	}
	st.SilenceCount = count
	st.HTTPReady = true
}

// serveRequest handles one request to completion and reports whether
// the connection should stay open for a further request (only
// meaningful for HEAD in chunked/keep-alive mode; a GET's body runs
// until disconnect).
func (s *Server) serveRequest(ctx context.Context, conn net.Conn, req request) bool {
	rangeFrom, useRange := s.parseRange(req)
	icyActive := s.cfg.CodecName == "mp3" && req.Get("Icy-MetaData") == "1"
	chunked := s.cfg.HTTPLength == -3
	keepAlive := chunked && !strings.EqualFold(req.Get("Connection"), "close")

	if err := s.writeHeaders(conn, rangeFrom, useRange, icyActive, chunked, keepAlive); err != nil {
		return false
	}
	if req.Method == "HEAD" {
		return keepAlive
	}

	bw := &bodyWriter{conn: conn, chunked: chunked}
	sp := &icySplicer{active: icyActive, remain: tailbuffer.ICYInterval}

	if !s.headerSent.Swap(true) {
		if prefix := s.encoder.Init(); len(prefix) > 0 {
			if err := sp.write(s, bw, prefix); err != nil {
				return false
			}
			s.appendTail(prefix)
		}
	}

	if useRange {
		if !s.replayTail(bw, sp, rangeFrom) {
			return false
		}
	}

	s.pump(ctx, conn, bw, sp)
	bw.Close()
	return false
}

// parseRange reports the clamped starting byte offset for a Range
// request, or ok=false if Range support is off or absent.
func (s *Server) parseRange(req request) (int64, bool) {
	if !s.state.RangeEnable {
		return 0, false
	}
	v := req.Get("Range")
	if v == "" {
		return 0, false
	}
	v = strings.TrimPrefix(v, "bytes=")
	v = strings.TrimSuffix(v, "-")
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, false
	}
	httpCount := s.state.HTTPCount.Load()
	lo := httpCount - tailbuffer.TailSize
	if lo < 0 {
		lo = 0
	}
	if n < lo {
		n = lo
	}
	if n > httpCount {
		n = httpCount
	}
	return n, true
}

func (s *Server) writeHeaders(conn net.Conn, rangeFrom int64, useRange, icyActive, chunked, keepAlive bool) error {
	var b strings.Builder
	httpCount := s.state.HTTPCount.Load()

	switch {
	case useRange:
		b.WriteString("HTTP/1.0 206 Partial Content\r\n")
		fmt.Fprintf(&b, "Content-Range: bytes %d-%d/*\r\n", rangeFrom, httpCount)
	case chunked:
		b.WriteString("HTTP/1.1 200 OK\r\n")
	default:
		b.WriteString("HTTP/1.0 200 OK\r\n")
	}
	if s.cfg.ServerName != "" {
		fmt.Fprintf(&b, "Server: %s\r\n", s.cfg.ServerName)
	}
	fmt.Fprintf(&b, "Content-Type: %s\r\n", s.cfg.ContentType)

	switch {
	case s.cfg.HTTPLength > 0:
		fmt.Fprintf(&b, "Content-Length: %d\r\n", s.cfg.HTTPLength)
		b.WriteString("Connection: close\r\n")
	case chunked:
		b.WriteString("Transfer-Encoding: chunked\r\n")
		if keepAlive {
			b.WriteString("Connection: keep-alive\r\n")
		} else {
			b.WriteString("Connection: close\r\n")
		}
	default:
		b.WriteString("Connection: close\r\n")
	}
	if icyActive {
		fmt.Fprintf(&b, "icy-metaint: %d\r\n", tailbuffer.ICYInterval)
	}
	for k, v := range s.cfg.ExtraHeaders {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	if s.cfg.HeaderHook != nil {
		for k, v := range s.cfg.HeaderHook() {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(conn, b.String())
	return err
}

// replayTail sends everything from the tail buffer between from and
// the current http_count, used to close the gap after a Range
// reconnect before the live pump takes over.
func (s *Server) replayTail(bw *bodyWriter, sp *icySplicer, from int64) bool {
	buf := make([]byte, 4096)
	for {
		httpCount := s.state.HTTPCount.Load()
		avail := s.tail.Available(from, httpCount)
		if avail <= 0 {
			return true
		}
		n := int64(len(buf))
		if avail < n {
			n = avail
		}
		got := s.tail.Read(from, buf[:n])
		if err := sp.write(s, bw, buf[:got]); err != nil {
			return false
		}
		from += int64(got)
	}
}

// pump is the single-threaded main loop: on every wake it checks
// whether the consumer socket is still alive, pulls at most one frame,
// transcodes it, splices ICY if due, and appends the result to the
// tail buffer. The read-with-deadline on the consumer socket stands in
// for the original's select() on the consumer fd with an adaptive
// timeout; a real timeout error just means "no request pending,
// business as usual".
func (s *Server) pump(ctx context.Context, conn net.Conn, bw *bodyWriter, sp *icySplicer) {
	st := s.state
	framePeriod := time.Duration(st.FrameSize) * time.Second / time.Duration(st.SampleRate)
	if framePeriod <= 0 {
		framePeriod = 20 * time.Millisecond
	}
	probe := make([]byte, 1)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(framePeriod))
		if _, err := conn.Read(probe); err != nil {
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				return
			}
		}

		pcm := s.puller.Next(time.Now().UnixMilli())
		if pcm == nil {
			continue
		}
		out := s.encoder.Push(pcm)
		if len(out) == 0 {
			continue
		}
		if err := sp.write(s, bw, out); err != nil {
			return
		}
		s.appendTail(out)
	}
}

func (s *Server) appendTail(data []byte) {
	httpCount := s.state.HTTPCount.Load()
	s.tail.Append(httpCount, data)
	s.state.HTTPCount.Add(int64(len(data)))
}

// metadataBlock builds the next ICY block, consuming (clearing) a
// pending update. An update that's never actually spliced into a
// block before the consumer disconnects stays pending, so the next
// reconnect with ICY active sends the same stale update.
func (s *Server) metadataBlock() []byte {
	st := s.state
	st.Mu.Lock()
	defer st.Mu.Unlock()
	if !st.ICY.Updated {
		return tailbuffer.MetadataBlock(false, "", "", "")
	}
	block := tailbuffer.MetadataBlock(true, st.ICY.Artist, st.ICY.Title, st.ICY.Artwork)
	st.ICY.Updated = false
	return block
}

// bodyWriter hides the chunked-encoding framing behind a plain Write,
// a thin wrapper type beats scattering an if-chunked branch through
// every call site.
type bodyWriter struct {
	conn    net.Conn
	chunked bool
}

func (w *bodyWriter) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if !w.chunked {
		_, err := w.conn.Write(p)
		return err
	}
	if _, err := fmt.Fprintf(w.conn, "%x\r\n", len(p)); err != nil {
		return err
	}
	if _, err := w.conn.Write(p); err != nil {
		return err
	}
	_, err := io.WriteString(w.conn, "\r\n")
	return err
}

func (w *bodyWriter) Close() {
	if w.chunked {
		io.WriteString(w.conn, "0\r\n\r\n")
	}
}

// icySplicer tracks how many body bytes remain before the next
// metadata boundary and splits writes across it as needed.
type icySplicer struct {
	active bool
	remain int64
}

func (sp *icySplicer) write(s *Server, bw *bodyWriter, data []byte) error {
	if !sp.active {
		return bw.Write(data)
	}
	for int64(len(data)) > sp.remain {
		head := data[:sp.remain]
		if err := bw.Write(head); err != nil {
			return err
		}
		data = data[sp.remain:]
		if err := bw.Write(s.metadataBlock()); err != nil {
			return err
		}
		sp.remain = tailbuffer.ICYInterval
	}
	if len(data) > 0 {
		if err := bw.Write(data); err != nil {
			return err
		}
		sp.remain -= int64(len(data))
	}
	return nil
}

// readRequest parses one request line, its headers (case-insensitive,
// with continuation-line folding), and an optional Content-Length
// body — the same shape as internal/rtspclient's response reader, just
// for a request instead of a response.
func readRequest(r *bufio.Reader) (request, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return request{}, err
	}
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return request{}, fmt.Errorf("httpserver: malformed request line %q", line)
	}
	req := request{Method: parts[0], Path: parts[1], Proto: parts[2], Header: make(map[string]string)}

	var lastKey string
	contentLength := 0
	for {
		hl, err := r.ReadString('\n')
		if err != nil {
			return request{}, err
		}
		hl = strings.TrimRight(hl, "\r\n")
		if hl == "" {
			break
		}
		if (hl[0] == ' ' || hl[0] == '\t') && lastKey != "" {
			req.Header[lastKey] += " " + strings.TrimSpace(hl)
			continue
		}
		idx := strings.IndexByte(hl, ':')
		if idx < 0 {
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(hl[:idx]))
		value := strings.TrimSpace(hl[idx+1:])
		req.Header[key] = value
		lastKey = key
		if key == "Content-Length" {
			contentLength, _ = strconv.Atoi(value)
		}
	}
	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(r, body); err != nil {
			return request{}, err
		}
		req.Body = body
	}
	return req, nil
}

// RateLimitedResender wraps a playback.Resender so the catch-up path
// can't make a misbehaving or wildly out-of-sync sender hammer the
// resend socket. internal/playback already debounces retries of a
// single gap at 200ms; this caps the aggregate rate across every gap
// scheduled from the consumer-facing pull loop.
type RateLimitedResender struct {
	next    playback.Resender
	limiter *rate.Limiter
}

// NewRateLimitedResender builds a limiter allowing r resend requests
// per second with bursts up to burst.
func NewRateLimitedResender(next playback.Resender, r rate.Limit, burst int) *RateLimitedResender {
	return &RateLimitedResender{next: next, limiter: rate.NewLimiter(r, burst)}
}

func (rr *RateLimitedResender) RequestResend(first, last uint16) bool {
	if !rr.limiter.Allow() {
		return false
	}
	return rr.next.RequestResend(first, last)
}
