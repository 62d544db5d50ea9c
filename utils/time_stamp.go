package utils

import (
	"fmt"
	"time"
)

// NowNano returns the current wall-clock time as nanoseconds since Unix epoch.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// NanoToTime converts a nanosecond Unix timestamp back to time.Time.
func NanoToTime(ns int64) time.Time {
	return time.Unix(0, ns)
}

// FormatTimestamp converts ns-epoch to a human-friendly string.
func FormatTimestamp(ns int64) string {
	return NanoToTime(ns).Format("2006-01-02_15-04-05.000000000")
}

// Millis reports d as fractional milliseconds, the unit used in frame records.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// SessionName returns a unique session directory name:
//
//	<prefix>_YYYYMMDD_HHMMSS
func SessionName(prefix string) string {
	if prefix == "" {
		prefix = "session"
	}
	return fmt.Sprintf("%s_%s", prefix, time.Now().Format("20060102_150405"))
}
