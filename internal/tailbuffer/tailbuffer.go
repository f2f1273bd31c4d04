// Package tailbuffer holds the last TailSize bytes the HTTP server has
// emitted, so a reconnecting consumer can resume via a Range request
// without replaying from the sender, plus the ICY in-stream metadata
// block builder spliced into MP3 output at a fixed byte interval.
// Written only by the HTTP server goroutine — no locking of its own.
package tailbuffer

// TailSize is the ring capacity in bytes.
const TailSize = 2 * 1024 * 1024

// ICYInterval is how many body bytes separate two ICY metadata blocks.
const ICYInterval = 16384

// Buffer is a fixed byte ring indexed by the cumulative output offset
// modulo TailSize; it never reallocates after New.
type Buffer struct {
	data [TailSize]byte
}

// New returns an empty tail buffer.
func New() *Buffer {
	return &Buffer{}
}

// Append writes b at the ring position for httpCount (the absolute
// offset of b's first byte in the cumulative output stream), wrapping
// with a two-segment copy when b crosses the end of the ring.
func (t *Buffer) Append(httpCount int64, b []byte) {
	off := int(httpCount % TailSize)
	n := copy(t.data[off:], b)
	if n < len(b) {
		copy(t.data[:], b[n:])
	}
}

// Available reports the [from, httpCount) window this buffer can
// still serve: from is clamped to the oldest byte the ring retains.
func (t *Buffer) Available(from, httpCount int64) int64 {
	oldest := httpCount - TailSize
	if oldest < 0 {
		oldest = 0
	}
	if from < oldest {
		from = oldest
	}
	if from > httpCount {
		return 0
	}
	return httpCount - from
}

// Read copies the bytes in [from, from+len(dst)) into dst, where from
// is an absolute cumulative-output offset already clamped by the
// caller via Available. Returns the number of bytes copied.
func (t *Buffer) Read(from int64, dst []byte) int {
	off := int(from % TailSize)
	n := copy(dst, t.data[off:])
	if n < len(dst) {
		n += copy(dst[n:], t.data[:len(dst)-n])
	}
	return n
}

// MetadataBlock builds one ICY metadata block: a single length byte
// (in 16-byte units) followed by that many 16-byte groups holding
// `StreamTitle='artist - title';StreamURL='artwork';` padded with
// zero bytes. An empty artist/title/artwork with updated=false yields
// the single zero length byte that means "no update since last block."
// The " - " separator is only emitted when artist is non-empty, and
// the StreamURL clause is dropped entirely when artwork is empty.
func MetadataBlock(updated bool, artist, title, artwork string) []byte {
	if !updated {
		return []byte{0}
	}
	sep := ""
	if artist != "" {
		sep = " - "
	}
	text := "StreamTitle='" + artist + sep + title + "';"
	if artwork != "" {
		text += "StreamURL='" + artwork + "';"
	}
	groups := (len(text) + 15) / 16
	if groups > 255 {
		groups = 255
		text = text[:255*16]
	}
	block := make([]byte, 1+groups*16)
	block[0] = byte(groups)
	copy(block[1:], text)
	return block
}
