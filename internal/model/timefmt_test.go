// v0
// internal/model/timefmt_test.go
package model

import (
	"errors"
	"testing"
	"time"
)

func TestFormatTimestamp(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want string
	}{
		{name: "rfc3339", raw: "2024-05-02T15:04:05Z", want: "2024-05-02 15:04"},
		{name: "offset", raw: "2024-05-02T17:04:05+02:00", want: "2024-05-02 15:04"},
		{name: "python isoformat", raw: "2024-05-02T15:04:05.123456", want: "2024-05-02 15:04"},
		{name: "empty", raw: "  ", want: TimestampMissing},
		{name: "garbage", raw: "yesterday", want: TimestampUnknown},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := FormatTimestamp(tc.raw, ""); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestParseTimestampError(t *testing.T) {
	if _, err := ParseTimestamp("02/05/2024"); !errors.Is(err, ErrTimestampParse) {
		t.Fatalf("expected ErrTimestampParse, got %v", err)
	}
}

func TestNowISORoundTrip(t *testing.T) {
	at := time.Date(2024, 7, 10, 12, 0, 0, 0, time.UTC)
	parsed, err := ParseTimestamp(NowISO(at))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !parsed.Equal(at) {
		t.Fatalf("expected %v, got %v", at, parsed)
	}
}
