package session

import (
	"fmt"
	"strings"
)

// buildSDP assembles the ANNOUNCE body describing this session's
// audio stream. original_source/src/rtsp_client.c's rtspcl_announce_sdp
// takes the SDP as an already-built string and never shows its
// construction, so the exact line order and whitespace here aren't
// normative beyond the session/media/fmtp lines a receiver expects;
// what matters is the origin/connection addresses and the fmtp
// parameter list, both derived from cfg.
func (s *Session) buildSDP() string {
	fmtpFields := make([]string, len(s.cfg.FMTP))
	for i, v := range s.cfg.FMTP {
		fmtpFields[i] = fmt.Sprintf("%d", v)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=iTunes %s 0 IN IP4 %s\r\n", s.cfg.SessionPath, s.cfg.LocalIP)
	fmt.Fprintf(&b, "s=iTunes\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", s.cfg.PeerIP)
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio 0 RTP/AVP 96\r\n")
	fmt.Fprintf(&b, "a=rtpmap:96 AppleLossless\r\n")
	fmt.Fprintf(&b, "a=fmtp:96 %s\r\n", strings.Join(fmtpFields, " "))
	return b.String()
}
