package beacon

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNormalizeWideProperty verifies P1: for all (s, n) with n < 2e9 and
// s+n/1e9 representable, normalize(s, n) = (s + n/1e9, n mod 1e9).
func TestNormalizeWideProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("normalizeWide matches s+n/1e9, n mod 1e9", prop.ForAll(
		func(s int64, n uint64) bool {
			n %= 2 * nsPerSec
			gotSec, gotNsec := normalizeWide(s, n)
			wantSec := s + int64(n/nsPerSec)
			wantNsec := uint32(n % nsPerSec)
			return gotSec == wantSec && gotNsec == wantNsec
		},
		gen.Int64Range(-1_000_000, 1_000_000),
		gen.UInt64Range(0, 2*nsPerSec-1),
	))

	properties.TestingRun(t)
}

func TestNormalizeWideExamples(t *testing.T) {
	sec, nsec := normalizeWide(0, 1_000_000_000)
	assert.Equal(t, int64(1), sec)
	assert.Equal(t, uint32(0), nsec)

	sec, nsec = normalizeWide(int64(math.MaxUint32), uint64(math.MaxUint32))
	assert.Equal(t, int64(math.MaxUint32)+4, sec)
	assert.Equal(t, uint32(294_967_295), nsec)
}

// TestTimestampBoundaryCases exhaustively covers the six boundary cases
// called out in spec.md §4.1.
func TestTimestampBoundaryCases(t *testing.T) {
	cases := []struct {
		name string
		sec  uint32
		nsec uint32
	}{
		{"zero", 0, 0},
		{"one", 1, 1},
		{"near max seconds", math.MaxUint32 - 1, 0},
		{"max seconds", math.MaxUint32, 0},
		{"max nsec", 0, nsPerSec - 1},
		{"max both", math.MaxUint32, nsPerSec - 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ts, err := NewTimestamp(c.sec, c.nsec)
			require.NoError(t, err)
			assert.Less(t, ts.Nsec, uint32(nsPerSec))
		})
	}
}

func TestTimestampOutOfRange(t *testing.T) {
	_, err := NewTimestamp(math.MaxUint32, nsPerSec)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindOutOfRange, kind)

	sat := NewTimestampSaturating(math.MaxUint32, nsPerSec)
	assert.Equal(t, MaxTimestamp, sat)
}

// TestDurationCanonicalFormProperty verifies P2: every publicly constructed
// Duration has 0 <= Nsec < 1e9.
func TestDurationCanonicalFormProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Nsec always in [0, 1e9)", prop.ForAll(
		func(secs float64) bool {
			d := DurationFromSecsF64Saturating(secs)
			return d.Nsec < nsPerSec
		},
		gen.Float64Range(-1e6, 1e6),
	))

	properties.Property("round trip through f64 preserves value within rounding", prop.ForAll(
		func(secs float64) bool {
			d, err := DurationFromSecsF64(secs)
			if err != nil {
				return true // out of range inputs are excluded from the round-trip claim
			}
			return math.Abs(d.AsSecsF64()-secs) < 1e-6
		},
		gen.Float64Range(-1e5, 1e5),
	))

	properties.TestingRun(t)
}

func TestDurationNegativeCanonicalForm(t *testing.T) {
	d, err := DurationFromSecsF64(-0.1)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), d.Sec)
	assert.Equal(t, uint32(900_000_000), d.Nsec)
	assert.True(t, d.IsNegative())
}

func TestDurationFromStd(t *testing.T) {
	d, err := DurationFromStd(-100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), d.Sec)
	assert.Equal(t, uint32(900_000_000), d.Nsec)

	d2, err := DurationFromStd(2500 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int32(2), d2.Sec)
	assert.Equal(t, uint32(500_000_000), d2.Nsec)
}

func TestTimestampFromTimeRejectsPreEpoch(t *testing.T) {
	_, err := TimestampFromTime(time.Unix(-1, 0))
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, KindOutOfRange, kind)
}
