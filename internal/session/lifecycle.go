package session

import (
	"context"
	"fmt"

	"github.com/ethan/airplay-receiver/internal/daap"
)

// Announce issues the ANNOUNCE request describing this session's
// audio stream; call once, before Setup.
func (s *Session) Announce(ctx context.Context) error {
	_, err := s.rtsp.Announce(ctx, s.buildSDP())
	if err != nil {
		return fmt.Errorf("session: announce: %w", err)
	}
	return nil
}

// Setup issues SETUP with a unicast UDP transport advertising this
// session's already-bound control and timing ports.
func (s *Session) Setup(ctx context.Context) error {
	_, control, timing := s.RTPPorts()
	transport := fmt.Sprintf(
		"RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=%d;timing_port=%d",
		control, timing,
	)
	_, err := s.rtsp.Setup(ctx, transport)
	if err != nil {
		return fmt.Errorf("session: setup: %w", err)
	}
	return nil
}

// Play issues RECORD and marks the ingest pipeline ready to accept
// this record epoch's data. seqno/rtptime are the RTP-Info values the
// sender supplies for its next packet.
func (s *Session) Play(ctx context.Context, seqno uint16, rtptime uint32) error {
	if _, err := s.rtsp.Record(ctx, seqno, rtptime); err != nil {
		return fmt.Errorf("session: record: %w", err)
	}
	s.ingest.Record(seqno, rtptime)
	return nil
}

// Flush issues FLUSH and applies it to the ingest pipeline; silence
// controls whether playback resumes with a burst of synthetic silence
// or waits for live data to refill the buffer.
func (s *Session) Flush(ctx context.Context, seqno uint16, rtptime uint32, silence bool) error {
	if _, err := s.rtsp.Flush(ctx, seqno, rtptime); err != nil {
		return fmt.Errorf("session: flush: %w", err)
	}
	s.ingest.Flush(seqno, rtptime, silence)
	return nil
}

// SetVolume issues a SET_PARAMETER volume update in dB, -144 for mute.
func (s *Session) SetVolume(ctx context.Context, volumeDB float64) error {
	if _, err := s.rtsp.SetVolume(ctx, volumeDB); err != nil {
		return fmt.Errorf("session: set volume: %w", err)
	}
	return nil
}

// SetProgress issues a SET_PARAMETER progress update in RTP timestamp
// units: start of the current track, current playback position, end.
func (s *Session) SetProgress(ctx context.Context, start, current, end uint32) error {
	if _, err := s.rtsp.SetProgress(ctx, start, current, end); err != nil {
		return fmt.Errorf("session: set progress: %w", err)
	}
	return nil
}

// SetDAAP issues a SET_PARAMETER DAAP metadata update built from the
// given track fields, and stashes artist/title for the HTTP server's
// ICY splicer under the shared state lock.
func (s *Session) SetDAAP(ctx context.Context, artist, title, album string) error {
	envelope := daap.NewBuilder().
		String("minm", title).
		String("asar", artist).
		String("asal", album).
		Build()
	if _, err := s.rtsp.SetDAAP(ctx, envelope); err != nil {
		return fmt.Errorf("session: set daap: %w", err)
	}

	s.state.Mu.Lock()
	s.state.ICY.Artist = artist
	s.state.ICY.Title = title
	s.state.ICY.Updated = true
	s.state.Mu.Unlock()
	return nil
}

// SetArtwork issues a SET_PARAMETER artwork update and records its
// MIME type for the HTTP server's ICY splicer.
func (s *Session) SetArtwork(ctx context.Context, mimeType string, data []byte) error {
	if _, err := s.rtsp.SetArtwork(ctx, mimeType, data); err != nil {
		return fmt.Errorf("session: set artwork: %w", err)
	}

	s.state.Mu.Lock()
	s.state.ICY.Artwork = mimeType
	s.state.ICY.Updated = true
	s.state.Mu.Unlock()
	return nil
}

// End issues TEARDOWN and stops every subsystem goroutine.
func (s *Session) End(ctx context.Context) error {
	_, err := s.rtsp.Teardown(ctx)
	s.Stop()
	if err != nil {
		return fmt.Errorf("session: teardown: %w", err)
	}
	return nil
}
