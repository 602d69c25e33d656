package sink

import (
	"math"
	"sync/atomic"

	"github.com/MrWong99/earshot/pkg/audio"
)

var _ Sink = (*VolumeSink)(nil)

// MaxGain is the scaling ceiling applied by [VolumeSink]. Larger volumes are
// stored and reported but scale like MaxGain.
const MaxGain = 2.0

// VolumeSink scales decoded PCM in place and forwards it to its destination.
type VolumeSink struct {
	Base

	dst  Sink
	bits atomic.Uint64 // math.Float64bits of the volume
}

// NewVolume wraps dst, which must consume PCM, and applies volume to every
// unit. Negative volumes are clamped to 0.
func NewVolume(dst Sink, volume float64) (*VolumeSink, error) {
	s := &VolumeSink{dst: dst}
	if isNil(dst) {
		return nil, configErr(s, "destination is nil")
	}
	if dst.WantsOpus() {
		return nil, configErr(s, "destination %s wants opus but volume scaling needs pcm", typeName(dst))
	}
	if err := s.Attach(s, dst); err != nil {
		return nil, err
	}
	s.SetVolume(volume)
	return s, nil
}

// Volume returns the stored volume.
func (s *VolumeSink) Volume() float64 {
	return math.Float64frombits(s.bits.Load())
}

// SetVolume updates the volume. It is safe to call concurrently with Write.
func (s *VolumeSink) SetVolume(v float64) {
	if v < 0 || math.IsNaN(v) {
		v = 0
	}
	s.bits.Store(math.Float64bits(v))
}

// WantsOpus implements [Sink].
func (s *VolumeSink) WantsOpus() bool { return false }

// Write implements [Sink].
func (s *VolumeSink) Write(talker *audio.Talker, data *audio.VoiceData) {
	if data != nil {
		audio.Scale16(data.PCM, min(s.Volume(), MaxGain))
	}
	s.dst.Write(talker, data)
}

// Cleanup implements [Sink].
func (s *VolumeSink) Cleanup() {}
