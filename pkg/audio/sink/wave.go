package sink

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/earshot/pkg/audio"
)

var _ Sink = (*WaveSink)(nil)

// wavPCM is the WAVE format tag for integer PCM.
const wavPCM = 1

// WaveSink is a terminal sink appending decoded PCM to a WAV container in
// the canonical decoder format (48 kHz, stereo, 16 bit). Units are appended in
// arrival order with no timing; behind a [SilenceSink] every gap onset adds
// one 20 ms silent frame, but pauses are not restored to their real length.
type WaveSink struct {
	Base

	mu     sync.Mutex
	enc    *wav.Encoder
	format *goaudio.Format
	path   string
	file   io.Closer // nil when the caller owns the destination
	closed bool
}

// NewWave creates a WaveSink writing to dst. The caller keeps ownership of
// dst: Cleanup finalises the WAV headers but does not close it.
func NewWave(dst io.WriteSeeker) (*WaveSink, error) {
	if dst == nil {
		return nil, configErr((*WaveSink)(nil), "destination is nil")
	}
	return newWave(dst, nil, "")
}

// NewWaveFile creates (or truncates) the file at path and returns a WaveSink
// writing to it. Cleanup closes the file.
func NewWaveFile(path string) (*WaveSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, &ResourceError{Op: "open", Path: path, Err: err}
	}
	s, err := newWave(f, f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func newWave(dst io.WriteSeeker, owned io.Closer, path string) (*WaveSink, error) {
	s := &WaveSink{
		enc:    wav.NewEncoder(dst, audio.SampleRate, audio.SampleWidth*8, audio.Channels, wavPCM),
		format: &goaudio.Format{NumChannels: audio.Channels, SampleRate: audio.SampleRate},
		path:   path,
		file:   owned,
	}
	// An empty write emits the RIFF and data chunk headers right away so that
	// a recording without any audio is still a valid file.
	if err := s.enc.Write(s.buffer(nil)); err != nil {
		return nil, &ResourceError{Op: "open", Path: path, Err: err}
	}
	return s, nil
}

// WantsOpus implements [Sink].
func (s *WaveSink) WantsOpus() bool { return false }

// Write implements [Sink] by appending data.PCM. Units without PCM are
// ignored.
func (s *WaveSink) Write(_ *audio.Talker, data *audio.VoiceData) {
	if data == nil || len(data.PCM) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.enc.Write(s.buffer(data.PCM)); err != nil {
		slog.Warn("sink: wave write failed", "path", s.path, "err", err)
	}
}

// Cleanup finalises the WAV headers and closes the file if the sink opened
// it. Errors are logged, never returned; only the first call does any work.
func (s *WaveSink) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	err := s.enc.Close()
	if s.file != nil {
		err = errors.Join(err, s.file.Close())
	}
	if err != nil {
		slog.Info("sink: wave sink got error closing file on cleanup", "err", &ResourceError{Op: "close", Path: s.path, Err: err})
	}
}

func (s *WaveSink) buffer(pcm []byte) *goaudio.IntBuffer {
	samples := audio.BytesToInt16s(pcm)
	data := make([]int, len(samples))
	for i, v := range samples {
		data[i] = int(v)
	}
	return &goaudio.IntBuffer{Format: s.format, Data: data, SourceBitDepth: audio.SampleWidth * 8}
}
