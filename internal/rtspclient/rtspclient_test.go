package rtspclient

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethan/airplay-receiver/internal/logging"
)

// fakeRequest is what the test harness observed a request to be.
type fakeRequest struct {
	method  string
	url     string
	headers map[string]string
	body    []byte
}

// runFakeServer reads requests off conn and replies with responses[i]
// for the i-th request received, returning every parsed request.
func runFakeServer(t *testing.T, conn net.Conn, responses []string) <-chan []fakeRequest {
	t.Helper()
	out := make(chan []fakeRequest, 1)
	go func() {
		reader := bufio.NewReader(conn)
		var got []fakeRequest
		for i := 0; i < len(responses); i++ {
			req, ok := readFakeRequest(t, reader)
			if !ok {
				break
			}
			got = append(got, req)
			if _, err := conn.Write([]byte(responses[i])); err != nil {
				break
			}
		}
		out <- got
	}()
	return out
}

func readFakeRequest(t *testing.T, reader *bufio.Reader) (fakeRequest, bool) {
	t.Helper()
	requestLine, err := reader.ReadString('\n')
	if err != nil {
		return fakeRequest{}, false
	}
	parts := strings.Fields(requestLine)
	require.GreaterOrEqual(t, len(parts), 2)
	req := fakeRequest{method: parts[0], url: parts[1], headers: map[string]string{}}

	contentLength := 0
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		require.Greater(t, idx, -1)
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		req.headers[key] = value
		if key == "Content-Length" {
			contentLength, _ = strconv.Atoi(value)
		}
	}
	if contentLength > 0 {
		body := make([]byte, contentLength)
		_, err := io.ReadFull(reader, body)
		require.NoError(t, err)
		req.body = body
	}
	return req, true
}

func newTestClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })
	c := New(clientConn, "rtsp://127.0.0.1/session1", logging.Default())
	return c, serverConn
}

func TestOptionsSendsCSeqAndParsesStatus(t *testing.T) {
	c, server := newTestClient(t)
	reqs := runFakeServer(t, server, []string{"RTSP/1.0 200 OK\r\nCSeq: 1\r\nPublic: ANNOUNCE, SETUP\r\n\r\n"})

	resp, err := c.Options(context.Background())
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "ANNOUNCE, SETUP", resp.Get("Public"))

	got := <-reqs
	require.Len(t, got, 1)
	require.Equal(t, "OPTIONS", got[0].method)
	require.Equal(t, "1", got[0].headers["CSeq"])
}

func TestSetupCapturesSessionAndStripsParameters(t *testing.T) {
	c, server := newTestClient(t)
	reqs := runFakeServer(t, server, []string{"RTSP/1.0 200 OK\r\nCSeq: 1\r\nSession: 913824137;timeout=60\r\n\r\n"})

	resp, err := c.Setup(context.Background(), "RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=6001;timing_port=6002")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "913824137", c.Session())

	got := <-reqs
	require.Equal(t, "SETUP", got[0].method)
	require.Contains(t, got[0].headers["Transport"], "control_port=6001")
}

func TestSessionHeaderIsStickyAfterSetup(t *testing.T) {
	c, server := newTestClient(t)
	reqs := runFakeServer(t, server, []string{
		"RTSP/1.0 200 OK\r\nCSeq: 1\r\nSession: ABC123\r\n\r\n",
		"RTSP/1.0 200 OK\r\nCSeq: 2\r\n\r\n",
	})

	_, err := c.Setup(context.Background(), "RTP/AVP/UDP;unicast")
	require.NoError(t, err)
	_, err = c.Record(context.Background(), 10, 20000)
	require.NoError(t, err)

	got := <-reqs
	require.Len(t, got, 2)
	require.Equal(t, "ABC123", got[1].headers["Session"])
}

func TestRecordSendsRangeAndRTPInfo(t *testing.T) {
	c, server := newTestClient(t)
	reqs := runFakeServer(t, server, []string{"RTSP/1.0 200 OK\r\nCSeq: 1\r\n\r\n"})

	_, err := c.Record(context.Background(), 500, 123456)
	require.NoError(t, err)

	got := <-reqs
	require.Equal(t, "npt=0-", got[0].headers["Range"])
	require.Equal(t, "seq=500;rtptime=123456", got[0].headers["RTP-Info"])
}

func TestNonOKStatusReturnsError(t *testing.T) {
	c, server := newTestClient(t)
	_ = runFakeServer(t, server, []string{"RTSP/1.0 454 Session Not Found\r\nCSeq: 1\r\n\r\n"})

	_, err := c.Teardown(context.Background())
	require.Error(t, err)
}

func TestContinuationHeaderLineIsFoldedIntoPrior(t *testing.T) {
	c, server := newTestClient(t)
	_ = runFakeServer(t, server, []string{
		"RTSP/1.0 200 OK\r\nCSeq: 1\r\nPublic: ANNOUNCE,\r\n SETUP,\r\n RECORD\r\n\r\n",
	})

	resp, err := c.Options(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ANNOUNCE, SETUP, RECORD", resp.Get("Public"))
}

func TestSetVolumeSendsTextParametersBody(t *testing.T) {
	c, server := newTestClient(t)
	reqs := runFakeServer(t, server, []string{"RTSP/1.0 200 OK\r\nCSeq: 1\r\n\r\n"})

	_, err := c.SetVolume(context.Background(), -15.5)
	require.NoError(t, err)

	got := <-reqs
	require.Equal(t, "text/parameters", got[0].headers["Content-Type"])
	require.Equal(t, "volume: -15.500000\r\n", string(got[0].body))
}
