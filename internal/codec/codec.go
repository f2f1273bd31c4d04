// Package codec exposes the small three-operation pipeline the HTTP
// server transcodes decoded PCM through before it hits the wire: a
// one-shot prefix from Init (a WAV header, say), a per-frame Push, and
// a trailing Finish. WAV and raw big-endian PCM are implemented
// directly; MP3/FLAC/ALAC are left as caller-supplied function values
// so this package never needs to vendor an actual codec.
package codec

import "encoding/binary"

// Encoder is the shared shape every output format implements.
type Encoder interface {
	// Init resets any staging state for a fresh play-run and returns a
	// one-shot prefix to send ahead of the first frame (a WAV header,
	// a FLAC stream-info block), or nil if the format has none.
	Init() []byte
	// Push encodes one decoded PCM frame and returns zero or more
	// bytes of output ready to send immediately.
	Push(pcm []byte) []byte
	// Finish flushes any remaining staged input and returns the
	// trailing output bytes.
	Finish() []byte
}

// wavHeader is the fixed 44-byte RIFF/WAVE header for 16-bit stereo
// PCM at 44100 Hz, with the "infinite length" markers the original
// sender expects in place of RIFF/data chunk sizes it cannot know in
// advance for a live stream.
var wavHeader = []byte{
	0x52, 0x49, 0x46, 0x46, 0x24, 0xFF, 0xFF, 0xFF, // "RIFF", size=inf
	0x57, 0x41, 0x56, 0x45, 0x66, 0x6D, 0x74, 0x20, // "WAVE", "fmt "
	0x10, 0x00, 0x00, 0x00, 0x01, 0x00, 0x02, 0x00, // fmt chunk size=16, PCM, 2ch
	0x44, 0xAC, 0x00, 0x00, 0x10, 0xB1, 0x02, 0x00, // 44100 Hz, 176400 byte rate
	0x04, 0x00, 0x10, 0x00, 0x64, 0x61, 0x74, 0x61, // block align=4, 16 bit, "data"
	0x00, 0xFF, 0xFF, 0xFF, // data size=inf
}

// WAV emits the fixed header once, then each PCM frame verbatim (the
// format is already little-endian 16-bit stereo, matching WAV's own
// sample layout).
type WAV struct{}

func (WAV) Init() []byte           { return append([]byte(nil), wavHeader...) }
func (WAV) Push(pcm []byte) []byte { return pcm }
func (WAV) Finish() []byte         { return nil }

// PCM emits raw audio/L16 output: each 16-bit little-endian sample
// byte-swapped to network (big-endian) order, with no header.
type PCM struct{}

func (PCM) Init() []byte { return nil }

func (PCM) Push(pcm []byte) []byte {
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		binary.BigEndian.PutUint16(out[i:i+2], binary.LittleEndian.Uint16(pcm[i:i+2]))
	}
	return out
}

func (PCM) Finish() []byte { return nil }

// External wraps a caller-supplied MP3/FLAC/ALAC codec whose actual
// encode logic lives outside this module; any nil function behaves as
// a no-op for that operation.
type External struct {
	InitFunc   func() []byte
	PushFunc   func(pcm []byte) []byte
	FinishFunc func() []byte
}

func (e External) Init() []byte {
	if e.InitFunc == nil {
		return nil
	}
	return e.InitFunc()
}

func (e External) Push(pcm []byte) []byte {
	if e.PushFunc == nil {
		return nil
	}
	return e.PushFunc(pcm)
}

func (e External) Finish() []byte {
	if e.FinishFunc == nil {
		return nil
	}
	return e.FinishFunc()
}
