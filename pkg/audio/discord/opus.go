package discord

import (
	"errors"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/earshot/pkg/audio"
)

// opusDecoder wraps a gopus Opus decoder for a single SSRC. Each stream gets
// its own decoder so that decoder state carries over between its frames.
type opusDecoder struct {
	dec *gopus.Decoder
}

// newOpusDecoder creates a decoder producing the canonical PCM format.
func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(audio.SampleRate, audio.Channels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode decodes one Opus frame into little-endian interleaved int16 PCM.
func (d *opusDecoder) decode(opus []byte) ([]byte, error) {
	if len(opus) == 0 {
		return nil, errors.New("discord: opus decode: empty frame")
	}
	pcm, err := d.dec.Decode(opus, audio.FrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), nil
}
