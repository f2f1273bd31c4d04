// Package daap builds the DAAP tagged-value envelope AirPlay senders
// expect in SET_PARAMETER bodies of type application/x-dmap-tagged.
// Every field is tag(4) || size(u32 BE) || value; the outer mlit
// object is fixed up after all entries are appended and always
// carries the mandatory one-byte mikd=2 entry.
package daap

import "encoding/binary"

// Builder accumulates DAAP entries for one mlit envelope.
type Builder struct {
	entries []byte
}

// NewBuilder starts a new envelope, seeding the mandatory mikd entry
// (a single byte valued 2).
func NewBuilder() *Builder {
	b := &Builder{}
	b.appendTag("mikd", []byte{2})
	return b
}

// String appends a string-valued entry (raw bytes, no transcoding).
func (b *Builder) String(tag, value string) *Builder {
	b.appendTag(tag, []byte(value))
	return b
}

// Int appends an integer-valued entry, encoded as the DAAP convention
// for a two-byte int: 0,0,0,2, hi, lo.
func (b *Builder) Int(tag string, value uint16) *Builder {
	payload := []byte{0, 0, 0, 2, byte(value >> 8), byte(value)}
	b.appendTag(tag, payload)
	return b
}

func (b *Builder) appendTag(tag string, value []byte) {
	var hdr [8]byte
	copy(hdr[:4], tag)
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(value)))
	b.entries = append(b.entries, hdr[:]...)
	b.entries = append(b.entries, value...)
}

// Build returns the complete envelope: "mlit" || size(u32 BE) || entries,
// with the size fixed up now that every entry has been appended.
func (b *Builder) Build() []byte {
	out := make([]byte, 0, 8+len(b.entries))
	out = append(out, 'm', 'l', 'i', 't')
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(b.entries)))
	out = append(out, size[:]...)
	out = append(out, b.entries...)
	return out
}
