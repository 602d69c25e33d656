package recording

import (
	"slices"

	"github.com/MrWong99/earshot/internal/monitor"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/silence"
	"github.com/MrWong99/earshot/pkg/audio/sink"
)

// graph is the sink graph of one recording:
//
//	TeeSink
//	├── SilenceSink → [TimedFilter] → [user filter] → meteredSink → VolumeSink → WaveSink
//	└── monitor.Sink
type graph struct {
	root   sink.Sink
	volume *sink.VolumeSink
}

// buildGraph assembles the graph for a recording writing to path. On error
// every node built so far is cleaned up.
func (m *Manager) buildGraph(sessionID, path string, s Settings, volume float64, stats *tally, activity *activityLog) (g *graph, err error) {
	var chain sink.Sink
	defer func() {
		if err != nil && chain != nil {
			sink.Teardown(chain)
		}
	}()

	wave, err := sink.NewWaveFile(path)
	if err != nil {
		return nil, err
	}
	chain = wave

	vol, err := sink.NewVolume(chain, volume)
	if err != nil {
		return nil, err
	}
	chain = vol

	metered, err := newMeteredSink(chain, sessionID, stats, activity, m.metrics, m.clock)
	if err != nil {
		return nil, err
	}
	chain = metered

	switch len(s.Users) {
	case 0:
	case 1:
		f, err := sink.NewUserFilter(chain, &audio.Talker{UserID: s.Users[0]})
		if err != nil {
			return nil, err
		}
		chain = f
	default:
		f, err := sink.NewConditionalFilter(chain, usersPredicate(s.Users))
		if err != nil {
			return nil, err
		}
		chain = f
	}

	if s.MaxDuration > 0 {
		f, err := sink.NewTimedFilter(chain, s.MaxDuration, sink.WithClock(m.clock))
		if err != nil {
			return nil, err
		}
		chain = f
	}

	fill, err := sink.NewSilence(chain,
		silence.WithThreshold(s.SilenceThreshold),
		silence.WithInterval(s.SilenceInterval),
		silence.WithClock(m.clock),
	)
	if err != nil {
		return nil, err
	}
	chain = fill

	branches := []sink.Sink{fill}
	if m.hub != nil {
		mon, err := monitor.NewSink(m.hub, sessionID)
		if err != nil {
			return nil, err
		}
		branches = append(branches, mon)
	}
	root, err := sink.NewTee(branches...)
	if err != nil {
		return nil, err
	}
	chain = root

	return &graph{root: root, volume: vol}, nil
}

// usersPredicate lets through units spoken by any of ids.
func usersPredicate(ids []string) sink.Predicate {
	allowed := slices.Clone(ids)
	return func(talker *audio.Talker, _ *audio.VoiceData) bool {
		return talker != nil && slices.Contains(allowed, talker.UserID)
	}
}
