package simd

import "math"

const (
	sqrt2OverPi = 0.7978845608028654
	geluCoeff   = 0.044715
)

// Gelu returns 0.5*x*(1 + tanh(sqrt(2/pi) * (x + 0.044715*x^3))).
func Gelu(x float32) float32 {
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(sqrt2OverPi*(v+geluCoeff*v*v*v))))
}

// GeluInPlace applies Gelu to every element of data.
func GeluInPlace(data []float32) {
	for i, x := range data {
		data[i] = Gelu(x)
	}
}

// SoftmaxInPlace normalizes row so that it sums to one.
// The row maximum is subtracted first so large magnitudes never overflow exp.
func SoftmaxInPlace(row []float32) {
	if len(row) == 0 {
		return
	}
	max := row[0]
	for _, v := range row[1:] {
		if v > max {
			max = v
		}
	}

	var sum float64
	for i, v := range row {
		e := math.Exp(float64(v - max))
		row[i] = float32(e)
		sum += e
	}

	inv := float32(1.0 / sum)
	for i := range row {
		row[i] *= inv
	}
}

// VecAdd performs dst += src for float32 vectors
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// DotProduct computes the dot product of two float32 vectors
func DotProduct(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	sum := (s0 + s1) + (s2 + s3)
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// MeanVar returns the mean and the biased variance of row.
func MeanVar(row []float32) (mean, variance float32) {
	if len(row) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range row {
		sum += float64(v)
	}
	m := sum / float64(len(row))

	var sq float64
	for _, v := range row {
		d := float64(v) - m
		sq += d * d
	}
	return float32(m), float32(sq / float64(len(row)))
}
