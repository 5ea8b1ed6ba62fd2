package audio

import (
	"encoding/binary"
	"math"
)

// EncodeWAV serialises buf as a 16-bit PCM WAV file. Float samples are
// converted to int16 with clipping; recognition services expect 16-bit
// input regardless of the capture format.
func EncodeWAV(buf Buffer) []byte {
	pcm := toInt16(buf)

	const headerSize = 44
	dataSize := len(pcm) * 2
	out := make([]byte, headerSize+dataSize)

	sampleRate := buf.Format.SampleRate
	channels := buf.Format.Channels
	if channels == 0 {
		channels = 1
	}
	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+dataSize))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:], 1)  // PCM
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 16) // bits per sample
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))

	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[headerSize+i*2:], uint16(s))
	}
	return out
}

// toInt16 decodes buf into int16 samples, converting from float with
// clipping when necessary.
func toInt16(buf Buffer) []int16 {
	switch buf.Format.Encoding {
	case EncodingInt16LE:
		out := make([]int16, len(buf.Data)/2)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(buf.Data[i*2:]))
		}
		return out
	case EncodingFloat32LE:
		out := make([]int16, 0, len(buf.Data)/4)
		for i := 0; i+4 <= len(buf.Data); i += 4 {
			f := math.Float32frombits(binary.LittleEndian.Uint32(buf.Data[i:]))
			v := float64(f)
			switch {
			case math.IsNaN(v):
				v = 0
			case v > 1:
				v = 1
			case v < -1:
				v = -1
			}
			out = append(out, int16(v*32767))
		}
		return out
	default:
		return nil
	}
}
