// Package seqnum implements the modular 16-bit sequence arithmetic and
// the NTP/millisecond fixed-point conversions the streaming engine
// relies on throughout. Raw comparison of two seq_t values is never
// correct once a stream has been running long enough to wrap; every
// ordering decision in the codebase goes through Order/After.
package seqnum

// Seq is a 16-bit AirTunes sequence number, "after" ordering wraps.
type Seq = uint16

// Order reports whether b comes strictly after a in the 16-bit
// sequence space, matching the C macro seq_order(a, b):
// (int16_t)(b - a) > 0.
func Order(a, b Seq) bool {
	return int16(b-a) > 0
}

// After is an alias for Order kept for call sites that read more
// naturally as "is b after a".
func After(a, b Seq) bool { return Order(a, b) }

// Diff returns b-a as a signed 16-bit quantity, used for fill
// computations and gap sizing.
func Diff(a, b Seq) int16 {
	return int16(b - a)
}

// NtpToMs converts a 64-bit NTP fixed-point value (32.32, seconds in
// the upper half) to milliseconds: ((x >> 10) * 1000) >> 22. The shift
// is logical, so this only ever returns a non-negative result; callers
// with an already-unsigned NTP value (e.g. a raw timestamp difference
// that is not expected to go negative) use this form.
func NtpToMs(x uint64) int64 {
	return int64(((x >> 10) * 1000) >> 22)
}

// SignedNtpDiffToMs converts a signed NTP-domain difference to
// milliseconds, sign-extending through the shifts: (x >> 10) and the
// final >> 22 are both arithmetic on the int64 domain. Used where the
// operand can go negative, e.g. a remote-clock delta when the sender
// is running slow.
func SignedNtpDiffToMs(x int64) int64 {
	return (x >> 10) * 1000 >> 22
}

// MsToNtp is the inverse of NtpToMs: ((x << 22) / 1000) << 10.
func MsToNtp(x int64) uint64 {
	return ((uint64(x) << 22) / 1000) << 10
}
