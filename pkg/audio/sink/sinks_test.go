package sink

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/silence"
)

// ─── fakes ────────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memFile is an in-memory io.WriteSeeker.
type memFile struct {
	buf []byte
	pos int64
}

func (m *memFile) Write(p []byte) (int, error) {
	if end := m.pos + int64(len(p)); end > int64(len(m.buf)) {
		m.buf = append(m.buf, make([]byte, end-int64(len(m.buf)))...)
	}
	n := copy(m.buf[m.pos:], p)
	m.pos += int64(n)
	return n, nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.buf)) + offset
	}
	if m.pos < 0 {
		return 0, errors.New("negative position")
	}
	return m.pos, nil
}

type countingCloser struct {
	n   int
	err error
}

func (c *countingCloser) Close() error {
	c.n++
	return c.err
}

func le16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off:]) }
func le32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }

func talker(id string) *audio.Talker { return &audio.Talker{UserID: id, Username: id} }

// ─── volume ───────────────────────────────────────────────────────────────────

func TestVolumeSink(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		volume     float64
		wantVolume float64
		in, want   []int16
	}{
		{"negative clamps to silence", -1, 0, []int16{1000, -1000}, []int16{0, 0}},
		{"unity", 1, 1, []int16{1000, -1000}, []int16{1000, -1000}},
		{"half", 0.5, 0.5, []int16{1000, -1000}, []int16{500, -500}},
		{"above ceiling scales by two", 3, 3, []int16{1000, -1000}, []int16{2000, -2000}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := newRecord("dst")
			v, err := NewVolume(rec, 1)
			if err != nil {
				t.Fatalf("NewVolume: %v", err)
			}
			v.SetVolume(tc.volume)
			if got := v.Volume(); got != tc.wantVolume {
				t.Errorf("Volume() = %v, want %v", got, tc.wantVolume)
			}
			v.Write(nil, unit(1, tc.in...))
			w := rec.Writes()
			if len(w) != 1 {
				t.Fatalf("writes = %d, want 1", len(w))
			}
			got := audio.BytesToInt16s(w[0].data.PCM)
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("sample %d = %d, want %d", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestVolumeSink_RejectsOpusDestination(t *testing.T) {
	t.Parallel()

	rec := newRecord("opus")
	rec.opus = true
	if _, err := NewVolume(rec, 1); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	if rec.Parent() != nil {
		t.Error("rejected destination was attached")
	}
}

// ─── filters ──────────────────────────────────────────────────────────────────

func TestConditionalFilter(t *testing.T) {
	t.Parallel()

	rec := newRecord("dst")
	f, err := NewConditionalFilter(rec, func(_ *audio.Talker, d *audio.VoiceData) bool {
		return d.SSRC() == 1
	})
	if err != nil {
		t.Fatal(err)
	}
	f.Write(nil, unit(1))
	f.Write(nil, unit(2))
	if n := len(rec.Writes()); n != 1 {
		t.Fatalf("writes = %d, want 1", n)
	}

	f.Cleanup()
	f.Write(nil, unit(1))
	if n := len(rec.Writes()); n != 1 {
		t.Errorf("writes after cleanup = %d, want 1", n)
	}

	if _, err := NewConditionalFilter(newRecord("x"), nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("nil predicate err = %v, want ErrConfiguration", err)
	}
}

func TestConditionalFilter_PropagatesFormat(t *testing.T) {
	t.Parallel()

	rec := newRecord("opus")
	rec.opus = true
	f, err := NewUserFilter(rec, talker("u"))
	if err != nil {
		t.Fatal(err)
	}
	if !f.WantsOpus() {
		t.Error("WantsOpus() = false, want destination's requirement")
	}
}

func TestTimedFilter_Lazy(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rec := newRecord("dst")
	f, err := NewTimedFilter(rec, time.Second, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	if f.Started() {
		t.Fatal("lazy filter started before the first write")
	}

	clock.Advance(time.Hour)
	steps := []struct {
		advance time.Duration
		want    int
	}{
		{0, 1},                      // first write always passes and starts the clock
		{500 * time.Millisecond, 2}, // within the window
		{499 * time.Millisecond, 3}, // 999ms
		{time.Millisecond, 3},       // exactly the duration: closed
		{time.Minute, 3},            // never re-arms
	}
	for i, s := range steps {
		clock.Advance(s.advance)
		f.Write(nil, unit(1))
		if got := len(rec.Writes()); got != s.want {
			t.Fatalf("step %d: writes = %d, want %d", i, got, s.want)
		}
	}
	if !f.Started() {
		t.Error("Started() = false after writes")
	}
}

func TestTimedFilter_StartOnInit(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rec := newRecord("dst")
	f, err := NewTimedFilter(rec, time.Second, StartOnInit(), WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	if !f.Started() {
		t.Fatal("StartOnInit filter not started")
	}
	clock.Advance(time.Second)
	f.Write(nil, unit(1))
	if n := len(rec.Writes()); n != 0 {
		t.Errorf("writes = %d, want 0", n)
	}
}

func TestTimedFilter_NegativeDuration(t *testing.T) {
	t.Parallel()

	if _, err := NewTimedFilter(newRecord("dst"), -time.Second); !errors.Is(err, ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestUserFilter(t *testing.T) {
	t.Parallel()

	rec := newRecord("dst")
	f, err := NewUserFilter(rec, talker("u"))
	if err != nil {
		t.Fatal(err)
	}
	f.Write(talker("u"), unit(1))
	f.Write(talker("v"), unit(2))
	f.Write(nil, unit(3))

	w := rec.Writes()
	if len(w) != 1 || w[0].data.SSRC() != 1 {
		t.Fatalf("writes = %+v, want only ssrc 1", w)
	}
	if f.Target().UserID != "u" {
		t.Errorf("Target() = %v", f.Target())
	}
	if _, err := NewUserFilter(newRecord("x"), nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("nil target err = %v, want ErrConfiguration", err)
	}
}

// ─── multi & tee ──────────────────────────────────────────────────────────────

func TestMultiSink_StructureOnly(t *testing.T) {
	t.Parallel()

	a, b := newRecord("a"), newRecord("b")
	a.opus = true
	m, err := NewMulti(a, b)
	if err != nil {
		t.Fatal(err)
	}
	m.Write(nil, unit(1))
	if len(a.Writes())+len(b.Writes()) != 0 {
		t.Error("MultiSink forwarded a write")
	}
	if !m.WantsOpus() {
		t.Error("WantsOpus() should follow the first child")
	}
	if _, err := NewMulti(); !errors.Is(err, ErrConfiguration) {
		t.Errorf("NewMulti() err = %v, want ErrConfiguration", err)
	}
}

type panicWriter struct{ recordSink }

func (*panicWriter) Write(*audio.Talker, *audio.VoiceData) { panic("broken branch") }

func TestTeeSink_Broadcasts(t *testing.T) {
	t.Parallel()

	quietRec := newRecord("quiet")
	quiet, err := NewVolume(quietRec, 0)
	if err != nil {
		t.Fatal(err)
	}
	plain := newRecord("plain")
	tee, err := NewTee(quiet, &panicWriter{}, plain)
	if err != nil {
		t.Fatal(err)
	}

	tee.Write(talker("u"), unit(9, 1000, -1000))

	if got := audio.BytesToInt16s(quietRec.Writes()[0].data.PCM); got[0] != 0 {
		t.Errorf("volume branch sample = %d, want 0", got[0])
	}
	w := plain.Writes()
	if len(w) != 1 {
		t.Fatalf("plain writes = %d, want 1 despite panicking sibling", len(w))
	}
	if got := audio.BytesToInt16s(w[0].data.PCM); got[0] != 1000 {
		t.Errorf("plain branch sample = %d, want 1000 (sibling mutation leaked)", got[0])
	}
}

func TestTeeSink_FormatMismatch(t *testing.T) {
	t.Parallel()

	a, b := newRecord("a"), newRecord("b")
	b.opus = true
	if _, err := NewTee(a, b); !errors.Is(err, ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
	if a.Parent() != nil || b.Parent() != nil {
		t.Error("rejected children were attached")
	}
}

// ─── wave ─────────────────────────────────────────────────────────────────────

func TestWaveSink_HeaderAndData(t *testing.T) {
	t.Parallel()

	mf := &memFile{}
	closer := &countingCloser{}
	w, err := newWave(mf, closer, "mem.wav")
	if err != nil {
		t.Fatal(err)
	}
	w.Write(nil, unit(1, 1, 2, 3, 4))
	w.Write(nil, &audio.VoiceData{Packet: &audio.Packet{}, Opus: []byte{1}})
	w.Cleanup()

	b := mf.buf
	if len(b) != 44+8 {
		t.Fatalf("file size = %d, want 52", len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[36:40]) != "data" {
		t.Errorf("bad chunk ids: %q %q %q", b[0:4], b[8:12], b[36:40])
	}
	checks := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"riff size", le32(b, 4), 44},
		{"format", uint32(le16(b, 20)), wavPCM},
		{"channels", uint32(le16(b, 22)), audio.Channels},
		{"sample rate", le32(b, 24), audio.SampleRate},
		{"bits per sample", uint32(le16(b, 34)), audio.SampleWidth * 8},
		{"data size", le32(b, 40), 8},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
	got := audio.BytesToInt16s(b[44:])
	for i, want := range []int16{1, 2, 3, 4} {
		if got[i] != want {
			t.Errorf("sample %d = %d, want %d", i, got[i], want)
		}
	}
}

func TestWaveSink_CleanupTwice(t *testing.T) {
	t.Parallel()

	closer := &countingCloser{err: errors.New("disk gone")}
	w, err := newWave(&memFile{}, closer, "mem.wav")
	if err != nil {
		t.Fatal(err)
	}
	w.Cleanup()
	w.Cleanup()
	if closer.n != 1 {
		t.Errorf("close calls = %d, want 1", closer.n)
	}
	w.Write(nil, unit(1, 1, 2))
}

func TestWaveSink_CallerOwnsWriter(t *testing.T) {
	t.Parallel()

	mf := &memFile{}
	w, err := NewWave(mf)
	if err != nil {
		t.Fatal(err)
	}
	w.Cleanup()
	if len(mf.buf) != 44 {
		t.Errorf("empty recording size = %d, want 44", len(mf.buf))
	}
	if _, err := NewWave(nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("NewWave(nil) err = %v, want ErrConfiguration", err)
	}
}

func TestNewWaveFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.wav")
	w, err := NewWaveFile(path)
	if err != nil {
		t.Fatal(err)
	}
	w.Write(nil, unit(1, make([]int16, audio.FrameSize*audio.Channels)...))
	w.Cleanup()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 44+audio.FrameBytes {
		t.Errorf("size = %d, want %d", info.Size(), 44+audio.FrameBytes)
	}

	_, err = NewWaveFile(filepath.Join(t.TempDir(), "missing", "out.wav"))
	var rerr *ResourceError
	if !errors.As(err, &rerr) || rerr.Op != "open" {
		t.Errorf("err = %v, want open *ResourceError", err)
	}
}

// ─── end to end ───────────────────────────────────────────────────────────────

func TestUserFilterToWave_OnlyTargetRecorded(t *testing.T) {
	t.Parallel()

	mf := &memFile{}
	wav, err := NewWave(mf)
	if err != nil {
		t.Fatal(err)
	}
	root, err := NewUserFilter(wav, talker("U"))
	if err != nil {
		t.Fatal(err)
	}

	root.Write(talker("U"), unit(1, 11, 12))
	root.Write(talker("V"), unit(2, 21, 22))
	Teardown(root)

	if got := le32(mf.buf, 40); got != 4 {
		t.Fatalf("data size = %d, want 4", got)
	}
	samples := audio.BytesToInt16s(mf.buf[44:])
	if len(samples) != 2 || samples[0] != 11 || samples[1] != 12 {
		t.Errorf("samples = %v, want [11 12]", samples)
	}
}

// ─── silence ──────────────────────────────────────────────────────────────────

func TestSilenceSink(t *testing.T) {
	t.Parallel()

	rec := newRecord("dst")
	s, err := NewSilence(rec, silence.WithThreshold(30*time.Millisecond), silence.WithInterval(5*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { Teardown(s) })

	if !s.Generator().Running() {
		t.Fatal("generator not started at construction")
	}

	s.Write(talker("u"), unit(5))
	if n := len(rec.Writes()); n < 1 {
		t.Fatal("real packet not forwarded")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		w := rec.Writes()
		if len(w) >= 2 {
			if !w[1].data.Packet.Synthetic || w[1].data.SSRC() != 5 {
				t.Errorf("second write = %+v, want synthetic filler for ssrc 5", w[1].data.Packet)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no filler emitted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := Dispatch(s, MemberDisconnect{Talker: talker("u")}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n := s.Generator().Tracked(); n != 0 {
		t.Errorf("tracked after disconnect = %d, want 0", n)
	}

	s.Cleanup()
	if s.Generator().Running() {
		t.Error("generator still running after Cleanup")
	}
}

func TestSilenceSink_NilDestination(t *testing.T) {
	t.Parallel()

	if _, err := NewSilence(nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}
