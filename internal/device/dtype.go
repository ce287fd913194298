package device

import "github.com/x448/float16"

// Round rounds every element of data to the precision of d in place.
func (d DataType) Round(data []float32) {
	if d != Float16 {
		return
	}
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}

// MaskValue is the magnitude subtracted from masked attention logits.
// Narrow types cannot represent 1e10, so they use the largest safe fp16 value.
func (d DataType) MaskValue() float32 {
	if d == Float32 {
		return 1e10
	}
	return 65500
}
