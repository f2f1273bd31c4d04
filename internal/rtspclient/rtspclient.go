// Package rtspclient implements the AirTunes dialect of RTSP/1.0 the
// session layer speaks to the sender: ANNOUNCE/SETUP/RECORD/
// SET_PARAMETER/FLUSH/TEARDOWN/OPTIONS, plus the pair-verify and
// auth-setup handshake POSTs. One TCP socket, a monotonically
// increasing CSeq, Session-header stickiness once SETUP returns one,
// and a caller-extensible sticky extension-header map, grounded
// directly on pkg/rtsp/client.go's CSeq/Session/line-reader shape.
package rtspclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethan/airplay-receiver/internal/logging"
	"github.com/ethan/airplay-receiver/internal/raopcrypto"
)

// Timeouts per the RTSP dialect's documented read behavior.
const (
	initialLineTimeout      = 10 * time.Second
	continuationLineTimeout = 1 * time.Second
	writeTimeout            = 5 * time.Second
)

// Request is one outbound RTSP request.
type Request struct {
	Method      string
	URL         string
	Header      map[string]string
	ContentType string
	Body        []byte
}

// Response is one parsed RTSP response.
type Response struct {
	StatusCode int
	Header     map[string]string
	Body       []byte
}

// Get looks up a response header case-insensitively.
func (r *Response) Get(key string) string {
	return r.Header[textproto.CanonicalMIMEHeaderKey(key)]
}

// Client owns one RTSP connection to a sender.
type Client struct {
	url    string
	log    *logging.Logger
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	cseq    int
	session string

	// extraHeaders is merged into every outbound request, the general
	// form of Session-header stickiness: DACP-ID and
	// Active-Remote arrive once and are echoed on every subsequent
	// request for the life of the connection.
	extraHeaders map[string]string
}

// New wraps an already-dialed connection. Dialing itself (including
// the local/peer IP selection) is the session layer's job.
func New(conn net.Conn, rtspURL string, log *logging.Logger) *Client {
	return &Client{
		url:          rtspURL,
		log:          log,
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, 4096),
		extraHeaders: make(map[string]string),
	}
}

// SetExtraHeader makes key: value sticky on every subsequent request,
// used for DACP-ID/Active-Remote passthrough.
func (c *Client) SetExtraHeader(key, value string) {
	c.extraHeaders[key] = value
}

// Session returns the Session header value learned from SETUP, or "".
func (c *Client) Session() string { return c.session }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Options issues OPTIONS.
func (c *Client) Options(ctx context.Context) (*Response, error) {
	return c.do(ctx, Request{Method: "OPTIONS", URL: c.url})
}

// Announce issues ANNOUNCE with an SDP body built by the caller.
func (c *Client) Announce(ctx context.Context, sdp string) (*Response, error) {
	return c.do(ctx, Request{
		Method:      "ANNOUNCE",
		URL:         c.url,
		ContentType: "application/sdp",
		Body:        []byte(sdp),
	})
}

// Setup issues SETUP with the given Transport header value, recording
// the Session header from the response for every request after.
func (c *Client) Setup(ctx context.Context, transport string) (*Response, error) {
	resp, err := c.do(ctx, Request{
		Method: "SETUP",
		URL:    c.url,
		Header: map[string]string{"Transport": transport},
	})
	if err != nil {
		return nil, err
	}
	if session := resp.Get("Session"); session != "" {
		if idx := strings.IndexByte(session, ';'); idx > 0 {
			session = session[:idx]
		}
		c.session = session
	}
	return resp, nil
}

// Record issues RECORD with the npt=0- Range and an RTP-Info carrying
// the given seqno and rtptime.
func (c *Client) Record(ctx context.Context, seqno uint16, rtptime uint32) (*Response, error) {
	return c.do(ctx, Request{
		Method: "RECORD",
		URL:    c.url,
		Header: map[string]string{
			"Range":    "npt=0-",
			"RTP-Info": fmt.Sprintf("seq=%d;rtptime=%d", seqno, rtptime),
		},
	})
}

// Flush issues FLUSH with an RTP-Info marking the resume point.
func (c *Client) Flush(ctx context.Context, seqno uint16, rtptime uint32) (*Response, error) {
	return c.do(ctx, Request{
		Method: "FLUSH",
		URL:    c.url,
		Header: map[string]string{"RTP-Info": fmt.Sprintf("seq=%d;rtptime=%d", seqno, rtptime)},
	})
}

// Teardown issues TEARDOWN.
func (c *Client) Teardown(ctx context.Context) (*Response, error) {
	return c.do(ctx, Request{Method: "TEARDOWN", URL: c.url})
}

// SetVolume issues SET_PARAMETER with a text/parameters volume body.
func (c *Client) SetVolume(ctx context.Context, volumeDB float64) (*Response, error) {
	return c.do(ctx, Request{
		Method:      "SET_PARAMETER",
		URL:         c.url,
		ContentType: "text/parameters",
		Body:        []byte(fmt.Sprintf("volume: %.6f\r\n", volumeDB)),
	})
}

// SetProgress issues SET_PARAMETER with a text/parameters progress
// body: start/current/end RTP timestamps of the current track.
func (c *Client) SetProgress(ctx context.Context, start, current, end uint32) (*Response, error) {
	return c.do(ctx, Request{
		Method:      "SET_PARAMETER",
		URL:         c.url,
		ContentType: "text/parameters",
		Body:        []byte(fmt.Sprintf("progress: %d/%d/%d\r\n", start, current, end)),
	})
}

// SetDAAP issues SET_PARAMETER carrying a pre-built DAAP envelope
// (see internal/daap) as application/x-dmap-tagged.
func (c *Client) SetDAAP(ctx context.Context, envelope []byte) (*Response, error) {
	return c.do(ctx, Request{
		Method:      "SET_PARAMETER",
		URL:         c.url,
		ContentType: "application/x-dmap-tagged",
		Body:        envelope,
	})
}

// SetArtwork issues SET_PARAMETER carrying cover art under the given
// image MIME type (e.g. "image/jpeg").
func (c *Client) SetArtwork(ctx context.Context, mimeType string, data []byte) (*Response, error) {
	return c.do(ctx, Request{
		Method:      "SET_PARAMETER",
		URL:         c.url,
		ContentType: mimeType,
		Body:        data,
	})
}

// PairVerify drives the two-step pair-verify POST exchange against
// /pair-verify using an already-constructed verifier.
func (c *Client) PairVerify(ctx context.Context, v *raopcrypto.PairVerifier) error {
	resp1, err := c.do(ctx, Request{
		Method:      "POST",
		URL:         c.url + "/pair-verify",
		ContentType: "application/octet-stream",
		Body:        v.Step1Request(),
	})
	if err != nil {
		return fmt.Errorf("pair-verify step 1: %w", err)
	}
	step2, err := v.Step2Request(resp1.Body)
	if err != nil {
		return fmt.Errorf("pair-verify step 2 build: %w", err)
	}
	if _, err := c.do(ctx, Request{
		Method:      "POST",
		URL:         c.url + "/pair-verify",
		ContentType: "application/octet-stream",
		Body:        step2,
	}); err != nil {
		return fmt.Errorf("pair-verify step 2: %w", err)
	}
	return nil
}

// AuthSetup drives the legacy plain-key-exchange /auth-setup POST for
// senders that don't support pair-verify, returning this side's
// ephemeral X25519 secret. The response body is not inspected.
func (c *Client) AuthSetup(ctx context.Context) ([32]byte, error) {
	req, secret, err := raopcrypto.AuthSetup()
	if err != nil {
		return secret, err
	}
	resp, err := c.do(ctx, Request{
		Method:      "POST",
		URL:         c.url + "/auth-setup",
		ContentType: "application/octet-stream",
		Body:        req,
	})
	if err != nil {
		return secret, fmt.Errorf("auth-setup: %w", err)
	}
	_ = resp // the sender's own public key in the response is only needed if a shared secret derivation is required by the caller's key-exchange variant
	return secret, nil
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	if err := c.write(req); err != nil {
		return nil, fmt.Errorf("rtspclient: write %s: %w", req.Method, err)
	}
	resp, err := c.read(ctx)
	if err != nil {
		return nil, fmt.Errorf("rtspclient: read %s response: %w", req.Method, err)
	}
	if resp.StatusCode != 200 {
		return resp, fmt.Errorf("rtspclient: %s returned status %d", req.Method, resp.StatusCode)
	}
	return resp, nil
}

// write serializes and sends req as a single atomic write, matching
// a writeMu-guarded single Write call.
func (c *Client) write(req Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.cseq++
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", req.Method, req.URL)
	fmt.Fprintf(&b, "CSeq: %d\r\n", c.cseq)
	if c.session != "" {
		fmt.Fprintf(&b, "Session: %s\r\n", c.session)
	}
	for k, v := range c.extraHeaders {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	for k, v := range req.Header {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	if req.ContentType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", req.ContentType)
	}
	if len(req.Body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(req.Body))
	}
	b.WriteString("\r\n")
	b.Write(req.Body)

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := io.WriteString(c.conn, b.String())
	if err == nil {
		c.log.DebugRTSP("sent request", "method", req.Method, "url", req.URL, "cseq", c.cseq)
	}
	return err
}

// read parses one RTSP response: a 10s timeout on the status line, a
// 1s timeout on every header line after, and continuation-line
// (leading-whitespace) folding into the prior header.
func (c *Client) read(ctx context.Context) (*Response, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(initialLineTimeout)); err != nil {
		return nil, err
	}
	statusLine, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed status line %q", statusLine)
	}
	statusCode, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed status code %q", parts[1])
	}

	resp := &Response{StatusCode: statusCode, Header: make(map[string]string)}
	var lastKey string
	var contentLength int

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(continuationLineTimeout)); err != nil {
			return nil, err
		}
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if (line[0] == ' ' || line[0] == '\t') && lastKey != "" {
			resp.Header[lastKey] += " " + strings.TrimSpace(line)
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		resp.Header[key] = value
		lastKey = key
		if key == "Content-Length" {
			contentLength, _ = strconv.Atoi(value)
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(c.reader, body); err != nil {
			return nil, err
		}
		resp.Body = body
	}
	return resp, nil
}
