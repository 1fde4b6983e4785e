package attention

import "math"

func invSqrt(x float32) float32 {
	return float32(1 / math.Sqrt(float64(x)))
}

func expf(x float32) float32 {
	return float32(math.Exp(float64(x)))
}
