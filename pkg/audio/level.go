package audio

import (
	"encoding/binary"
	"math"
)

// Metric selects the loudness measure computed by [Level].
type Metric string

const (
	// MetricPeak is the maximum absolute sample amplitude in the buffer.
	MetricPeak Metric = "peak"

	// MetricRMS is the root-mean-square energy of the buffer.
	MetricRMS Metric = "rms"
)

// IsValid reports whether m is a recognised loudness metric.
func (m Metric) IsValid() bool {
	return m == MetricPeak || m == MetricRMS
}

// Level computes the loudness of buf using the given metric. The result is
// normalised to [0, 1] regardless of sample encoding, so thresholds can be
// configured independently of the capture format. Returns 0 for an empty
// buffer or an unrecognised encoding.
func Level(buf Buffer, m Metric) float64 {
	switch m {
	case MetricRMS:
		return rms(buf)
	default:
		return peak(buf)
	}
}

// peak returns the maximum absolute amplitude in buf, normalised to [0, 1].
func peak(buf Buffer) float64 {
	var max float64
	forEachSample(buf, func(s float64) {
		if a := math.Abs(s); a > max {
			max = a
		}
	})
	return max
}

// rms returns the root-mean-square energy of buf, normalised to [0, 1].
func rms(buf Buffer) float64 {
	var sum float64
	var n int
	forEachSample(buf, func(s float64) {
		sum += s * s
		n++
	})
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// forEachSample decodes buf sample by sample and calls fn with each value
// normalised to [-1, 1]. Trailing partial samples are ignored.
func forEachSample(buf Buffer, fn func(float64)) {
	data := buf.Data
	switch buf.Format.Encoding {
	case EncodingFloat32LE:
		for i := 0; i+4 <= len(data); i += 4 {
			bits := binary.LittleEndian.Uint32(data[i:])
			f := float64(math.Float32frombits(bits))
			if math.IsNaN(f) || math.IsInf(f, 0) {
				continue
			}
			fn(f)
		}
	case EncodingInt16LE:
		for i := 0; i+2 <= len(data); i += 2 {
			s := int16(binary.LittleEndian.Uint16(data[i:]))
			fn(float64(s) / 32768.0)
		}
	}
}
