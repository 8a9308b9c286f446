package safe

import "math"

// IntToUint32 converts n to uint32, clamping out-of-range values.
// The boolean reports whether clamping occurred.
func IntToUint32(n int) (uint32, bool) {
	if n < 0 {
		return 0, true
	}
	if uint64(n) > math.MaxUint32 {
		return math.MaxUint32, true
	}
	return uint32(n), false
}
