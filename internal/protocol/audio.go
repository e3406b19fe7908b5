// SPDX-License-Identifier: MIT

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// TargetSampleRate is the sample rate the engine adapter consumes; any
// stream arriving at a different rate is resampled to this on ingest.
const TargetSampleRate = 16000

// AudioMetadata is the JSON object prefixing each binary audio frame.
type AudioMetadata struct {
	SampleRate  int   `json:"sample_rate,omitempty"`
	TimestampNs int64 `json:"timestamp_ns,omitempty"`
	Sequence    int64 `json:"sequence,omitempty"`
}

// AudioChunk is a decoded audio frame: its metadata plus the PCM payload
// converted to normalized float32 samples at the chunk's original rate
// (resampling to TargetSampleRate happens separately, via Resample).
type AudioChunk struct {
	Metadata AudioMetadata
	Samples  []float32
}

// DecodeAudioChunk parses the wire format uint32_le(metadata_len) ||
// metadata_json || pcm_le16_mono into an AudioChunk. PCM samples are
// 16-bit little-endian signed, normalized to [-1, 1] by dividing by 32768.
func DecodeAudioChunk(frame []byte) (*AudioChunk, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("%w: frame shorter than length prefix", ErrMalformed)
	}

	metaLen := binary.LittleEndian.Uint32(frame[0:4])
	if uint64(metaLen) > uint64(len(frame)-4) {
		return nil, fmt.Errorf("%w: metadata length %d exceeds frame size", ErrMalformed, metaLen)
	}

	metaBytes := frame[4 : 4+metaLen]
	pcmBytes := frame[4+metaLen:]

	var meta AudioMetadata
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			return nil, fmt.Errorf("%w: parse audio metadata: %v", ErrMalformed, err)
		}
	}

	if len(pcmBytes)%2 != 0 {
		return nil, fmt.Errorf("%w: odd-length PCM payload", ErrMalformed)
	}

	samples := make([]float32, len(pcmBytes)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(pcmBytes[i*2 : i*2+2]))
		samples[i] = float32(v) / 32768.0
	}

	return &AudioChunk{Metadata: meta, Samples: samples}, nil
}

// EncodeAudioChunk serializes an AudioChunk back to the wire format, for
// tests and any future loopback/replay tooling.
func EncodeAudioChunk(chunk AudioChunk) ([]byte, error) {
	metaBytes, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return nil, err
	}

	pcmBytes := make([]byte, len(chunk.Samples)*2)
	for i, s := range chunk.Samples {
		v := int16(s * 32768.0)
		binary.LittleEndian.PutUint16(pcmBytes[i*2:i*2+2], uint16(v))
	}

	out := make([]byte, 4+len(metaBytes)+len(pcmBytes))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(metaBytes)))
	copy(out[4:], metaBytes)
	copy(out[4+len(metaBytes):], pcmBytes)
	return out, nil
}

// Resample linearly interpolates samples from one sample rate to another.
// This is a deliberate simplification of a polyphase filter; linear
// interpolation is adequate for the speech-band content this server
// resamples.
func Resample(samples []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	ratio := float64(to) / float64(from)
	outLen := int(float64(len(samples)) * ratio)
	if outLen < 1 {
		return nil
	}

	out := make([]float32, outLen)
	step := float64(from) / float64(to)
	for i := range out {
		srcPos := float64(i) * step
		idx := int(srcPos)
		frac := srcPos - float64(idx)

		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		out[i] = samples[idx]*float32(1-frac) + samples[idx+1]*float32(frac)
	}
	return out
}

// Accumulator is a session-scoped, growable buffer of decoded f32 samples
// at TargetSampleRate. It is cleared on "start" and on finalization.
type Accumulator struct {
	samples []float32
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Append adds samples (already resampled to TargetSampleRate) to the
// accumulator.
func (a *Accumulator) Append(samples []float32) {
	a.samples = append(a.samples, samples...)
}

// Samples returns the accumulated samples without copying.
func (a *Accumulator) Samples() []float32 {
	return a.samples
}

// Len returns the number of accumulated samples.
func (a *Accumulator) Len() int {
	return len(a.samples)
}

// Reset clears the accumulator, for reuse across "start"/finalization
// cycles on the same connection.
func (a *Accumulator) Reset() {
	a.samples = a.samples[:0]
}
