package dialogue

import (
	"sync"
	"time"
)

// historySize is how many completed turns are kept for averaging.
const historySize = 100

// TurnMetrics holds the latency of one turn, measured from turn start.
type TurnMetrics struct {
	Transcript time.Duration // transcription finished
	FirstToken time.Duration // first generated token
	FirstAudio time.Duration // first synthesized chunk
	Total      time.Duration // turn finished

	Tokens      int
	AudioChunks int
	AudioBytes  int
}

// FormatLatency returns a one-line latency breakdown.
func (m TurnMetrics) FormatLatency() string {
	return formatDuration(m.Transcript) + " ASR | " +
		formatDuration(m.FirstToken) + " LLM | " +
		formatDuration(m.FirstAudio) + " TTS | " +
		formatDuration(m.Total) + " TOTAL"
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "---ms"
	}
	return d.Round(time.Millisecond).String()
}

// turnTimer marks stage milestones of one running turn. The generation and
// synthesis goroutines of an incremental turn share it.
type turnTimer struct {
	mu    sync.Mutex
	start time.Time
	m     TurnMetrics
}

func newTurnTimer() *turnTimer {
	return &turnTimer{start: time.Now()}
}

func (t *turnTimer) markTranscript() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.Transcript = time.Since(t.start)
}

func (t *turnTimer) markToken() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m.Tokens == 0 {
		t.m.FirstToken = time.Since(t.start)
	}
	t.m.Tokens++
}

func (t *turnTimer) markAudio(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m.AudioChunks == 0 {
		t.m.FirstAudio = time.Since(t.start)
	}
	t.m.AudioChunks++
	t.m.AudioBytes += n
}

func (t *turnTimer) finish() TurnMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.Total = time.Since(t.start)
	return t.m
}

// Metrics aggregates finished turns. It is safe for concurrent use.
type Metrics struct {
	mu      sync.Mutex
	history []TurnMetrics
	counts  map[State]int64
}

// NewMetrics creates an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{
		history: make([]TurnMetrics, 0, historySize),
		counts:  make(map[State]int64),
	}
}

// Record counts a finished turn. Only completed turns enter the latency history.
func (m *Metrics) Record(state State, tm TurnMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[state]++
	if state != StateComplete {
		return
	}
	m.history = append(m.history, tm)
	if len(m.history) > historySize {
		m.history = m.history[1:]
	}
}

// Counts returns the number of finished turns per final state.
func (m *Metrics) Counts() map[State]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[State]int64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}

// Len returns the number of turns in the latency history.
func (m *Metrics) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// Average returns average latencies over recent completed turns. Stages a
// turn did not run (no transcription, no audio) are averaged over the turns
// that did.
func (m *Metrics) Average() TurnMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) == 0 {
		return TurnMetrics{}
	}

	var avg TurnMetrics
	var nTranscript, nToken, nAudio time.Duration
	for _, h := range m.history {
		if h.Transcript > 0 {
			avg.Transcript += h.Transcript
			nTranscript++
		}
		if h.FirstToken > 0 {
			avg.FirstToken += h.FirstToken
			nToken++
		}
		if h.FirstAudio > 0 {
			avg.FirstAudio += h.FirstAudio
			nAudio++
		}
		avg.Total += h.Total
		avg.Tokens += h.Tokens
		avg.AudioChunks += h.AudioChunks
		avg.AudioBytes += h.AudioBytes
	}

	n := len(m.history)
	if nTranscript > 0 {
		avg.Transcript /= nTranscript
	}
	if nToken > 0 {
		avg.FirstToken /= nToken
	}
	if nAudio > 0 {
		avg.FirstAudio /= nAudio
	}
	avg.Total /= time.Duration(n)
	avg.Tokens /= n
	avg.AudioChunks /= n
	avg.AudioBytes /= n
	return avg
}
