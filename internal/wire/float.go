package wire

import "math"

func encodeFloat64(f float64) uint64 { return math.Float64bits(f) }
func decodeFloat64(b uint64) float64 { return math.Float64frombits(b) }
