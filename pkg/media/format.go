package media

import (
	"fmt"
	"math"
)

const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
)

// FormatBytes renders n using binary units, e.g. "1.5 MiB".
func FormatBytes(n int64) string {
	switch {
	case n < 0:
		return "-" + FormatBytes(-n)
	case n >= GiB:
		return fmt.Sprintf("%.1f GiB", float64(n)/float64(GiB))
	case n >= MiB:
		return fmt.Sprintf("%.1f MiB", float64(n)/float64(MiB))
	case n >= KiB:
		return fmt.Sprintf("%.1f KiB", float64(n)/float64(KiB))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// Fraction converts a transfer percentage into the [0,1] fraction handed to
// progress sinks. NaN and out-of-range values are clamped.
func Fraction(percent float64) float64 {
	if math.IsNaN(percent) || percent <= 0 {
		return 0
	}
	if percent >= 100 {
		return 1
	}
	return percent / 100
}

// Percent returns done/total as a percentage in [0,100]. An empty payload is
// complete by definition.
func Percent(done, total int64) float64 {
	if total <= 0 {
		return 100
	}
	if done <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return float64(done) * 100 / float64(total)
}
