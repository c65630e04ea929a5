package utils

import "math"

// AbsInt64 returns the absolute value of n.
func AbsInt64(n int64) int64 {
	if n < 0 {
		return -1 * n
	}
	return n
}

// SignInt64 returns -1, 0 or 1 following the sign of n.
func SignInt64(n int64) int64 {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// RoundToInt64 rounds half away from zero.
func RoundToInt64(f float64) int64 {
	return int64(math.Round(f))
}

// DegreesToSteps converts an angle to motor steps, truncating toward zero.
func DegreesToSteps(degrees float64, stepsPerRevolution int64) int64 {
	return int64(degrees / 360 * float64(stepsPerRevolution))
}

// StepsToDegrees converts motor steps to an angle.
func StepsToDegrees(steps, stepsPerRevolution int64) float64 {
	if stepsPerRevolution == 0 {
		return 0
	}
	return float64(steps) * 360 / float64(stepsPerRevolution)
}
