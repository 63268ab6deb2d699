package beacon

import "time"

const nsPerSec = 1_000_000_000

// Timestamp is a normalized, unsigned offset from the Unix epoch: Sec
// seconds plus Nsec nanoseconds, with 0 <= Nsec < 1e9.
type Timestamp struct {
	Sec  uint32
	Nsec uint32
}

// Duration is a normalized signed duration: Sec seconds plus Nsec
// nanoseconds. Canonical form keeps Nsec always non-negative, so a negative
// duration carries it in Sec: -0.1s is Sec=-1, Nsec=900_000_000.
type Duration struct {
	Sec  int32
	Nsec uint32
}

// normalizeWide is the one place u32->i64 widening is permitted (per
// spec.md §4.1): it folds an arbitrary non-negative nsec (n < 2e9, as
// produced by summing two already-normalized nsec fields) into sec using
// widened arithmetic, per property P1. It does not itself range-check
// against any narrower type — callers narrow afterwards.
func normalizeWide(sec int64, nsec uint64) (int64, uint32) {
	wideSec := sec + int64(nsec/nsPerSec)
	foldedNsec := uint32(nsec % nsPerSec)
	return wideSec, foldedNsec
}

// NewTimestamp constructs a Timestamp from (sec, nsec), folding any
// nsec >= 1e9 into sec per the normalization rule in spec.md P1. It fails
// with KindOutOfRange if the folded seconds value overflows uint32.
func NewTimestamp(sec uint32, nsec uint32) (Timestamp, error) {
	const op = "NewTimestamp"
	wideSec, foldedNsec := normalizeWide(int64(sec), uint64(nsec))
	if wideSec < 0 || wideSec > int64(^uint32(0)) {
		return Timestamp{}, newError(KindOutOfRange, op, nil)
	}
	return Timestamp{Sec: uint32(wideSec), Nsec: foldedNsec}, nil
}

// NewTimestampSaturating is the saturating counterpart to NewTimestamp: it
// clamps to the representable [0, MaxTimestamp] range instead of failing.
func NewTimestampSaturating(sec uint32, nsec uint32) Timestamp {
	wideSec, foldedNsec := normalizeWide(int64(sec), uint64(nsec))
	if wideSec > int64(^uint32(0)) {
		return MaxTimestamp
	}
	return Timestamp{Sec: uint32(wideSec), Nsec: foldedNsec}
}

// MaxTimestamp is the largest representable Timestamp.
var MaxTimestamp = Timestamp{Sec: ^uint32(0), Nsec: nsPerSec - 1}

// TimestampFromTime converts a wall-clock time.Time into a Timestamp,
// truncating to nanosecond precision. Times before the Unix epoch are
// unrepresentable and return KindOutOfRange.
func TimestampFromTime(t time.Time) (Timestamp, error) {
	const op = "TimestampFromTime"
	unixNs := t.UnixNano()
	if unixNs < 0 {
		return Timestamp{}, newError(KindOutOfRange, op, nil)
	}
	sec := unixNs / nsPerSec
	nsec := unixNs % nsPerSec
	if sec > int64(^uint32(0)) {
		return Timestamp{}, newError(KindOutOfRange, op, nil)
	}
	return Timestamp{Sec: uint32(sec), Nsec: uint32(nsec)}, nil
}

// Now returns the current wall-clock time as a Timestamp.
func Now() Timestamp {
	ts, err := TimestampFromTime(time.Now())
	if err != nil {
		// Only reachable before 1970 or after ~year 2106; clamp rather
		// than panic in a hot path called from every untimed Log call.
		return MaxTimestamp
	}
	return ts
}

// AsTime converts a Timestamp back to a time.Time.
func (t Timestamp) AsTime() time.Time {
	return time.Unix(int64(t.Sec), int64(t.Nsec)).UTC()
}

// UnixNano returns the timestamp as nanoseconds since the Unix epoch.
func (t Timestamp) UnixNano() uint64 {
	return uint64(t.Sec)*nsPerSec + uint64(t.Nsec)
}

// NewDuration constructs a Duration from (sec, nsec) where nsec may be any
// non-negative value (including >= 1e9); it normalizes per spec.md P1/P2
// and fails with KindOutOfRange on int32 overflow of the seconds component.
func NewDuration(sec int32, nsec uint32) (Duration, error) {
	const op = "NewDuration"
	wideSec, foldedNsec := normalizeWide(int64(sec), uint64(nsec))
	if wideSec < int64(minInt32) || wideSec > int64(maxInt32) {
		return Duration{}, newError(KindOutOfRange, op, nil)
	}
	return Duration{Sec: int32(wideSec), Nsec: foldedNsec}, nil
}

const (
	minInt32 = -2147483648
	maxInt32 = 2147483647
)

// DurationFromSecsF64 converts a floating-point seconds value into a
// canonical Duration, folding the fractional part into Nsec. Negative
// values produce the canonical negative-duration form (Sec negative, Nsec
// non-negative) described in spec.md §3.
func DurationFromSecsF64(secs float64) (Duration, error) {
	const op = "DurationFromSecsF64"
	wholeSec := int64(secs)
	frac := secs - float64(wholeSec)
	if frac < 0 {
		// e.g. secs=-0.1 -> wholeSec=0, frac=-0.1; canonical form wants
		// Sec=-1, Nsec=900_000_000.
		wholeSec--
		frac += 1.0
	}
	nsec := uint32(frac*nsPerSec + 0.5)
	if nsec >= nsPerSec {
		wholeSec++
		nsec -= nsPerSec
	}
	if wholeSec < int64(minInt32) || wholeSec > int64(maxInt32) {
		return Duration{}, newError(KindOutOfRange, op, nil)
	}
	return Duration{Sec: int32(wholeSec), Nsec: nsec}, nil
}

// DurationFromSecsF64Saturating is the saturating counterpart of
// DurationFromSecsF64.
func DurationFromSecsF64Saturating(secs float64) Duration {
	d, err := DurationFromSecsF64(secs)
	if err == nil {
		return d
	}
	if secs < 0 {
		return MinDuration
	}
	return MaxDuration
}

// MinDuration and MaxDuration bound the representable Duration range.
var (
	MinDuration = Duration{Sec: minInt32, Nsec: 0}
	MaxDuration = Duration{Sec: maxInt32, Nsec: nsPerSec - 1}
)

// DurationFromStd converts a time.Duration (nanosecond-resolution, signed
// 64-bit) into a canonical Duration, failing with KindOutOfRange if it
// overflows the int32-second range.
func DurationFromStd(d time.Duration) (Duration, error) {
	const op = "DurationFromStd"
	totalNs := d.Nanoseconds()
	sec := totalNs / nsPerSec
	nsec := totalNs % nsPerSec
	if nsec < 0 {
		sec--
		nsec += nsPerSec
	}
	if sec < int64(minInt32) || sec > int64(maxInt32) {
		return Duration{}, newError(KindOutOfRange, op, nil)
	}
	return Duration{Sec: int32(sec), Nsec: uint32(nsec)}, nil
}

// AsSecsF64 converts the Duration to a floating-point seconds value.
func (d Duration) AsSecsF64() float64 {
	return float64(d.Sec) + float64(d.Nsec)/nsPerSec
}

// AsStd converts the Duration to a time.Duration. Every Duration fits in
// time.Duration's int64-nanosecond range, so the conversion is exact.
func (d Duration) AsStd() time.Duration {
	return time.Duration(d.Sec)*time.Second + time.Duration(d.Nsec)
}

// IsNegative reports whether the duration represents a negative offset.
func (d Duration) IsNegative() bool {
	return d.Sec < 0
}
