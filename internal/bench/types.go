package bench

import "time"

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Utterance is one scripted learner line a suite replays as paced audio.
type Utterance struct {
	Seq  int    `json:"seq"`
	Text string `json:"text"`
}

// Suite is a named latency scenario: the utterances to replay, how many
// times each, and the pacing of the replayed audio.
type Suite struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Utterances  []Utterance `json:"utterances"`
	Repetitions int         `json:"repetitions"`
	FrameMs     int         `json:"frame_ms"`
	TurnGapMs   int         `json:"turn_gap_ms"`
	CreatedAt   time.Time   `json:"created_at"`
}

// TurnSpec is one concrete turn a run executes.
type TurnSpec struct {
	Utterance  Utterance
	Repetition int
}

// Turns expands the suite into its full execution order: each utterance in
// sequence, repeated back to back so repetitions share warmed providers.
func (s Suite) Turns() []TurnSpec {
	reps := s.Repetitions
	if reps <= 0 {
		reps = 1
	}
	out := make([]TurnSpec, 0, len(s.Utterances)*reps)
	for _, u := range s.Utterances {
		for rep := 1; rep <= reps; rep++ {
			out = append(out, TurnSpec{Utterance: u, Repetition: rep})
		}
	}
	return out
}

func (s Suite) TotalTurns() int {
	reps := s.Repetitions
	if reps <= 0 {
		reps = 1
	}
	return len(s.Utterances) * reps
}

func (s Suite) Clone() Suite {
	out := s
	if s.Utterances != nil {
		out.Utterances = make([]Utterance, len(s.Utterances))
		copy(out.Utterances, s.Utterances)
	}
	return out
}

// TurnTiming is what the driver measures for one completed turn. All
// values are milliseconds from the utterance commit.
type TurnTiming struct {
	RecognizerMs  float64
	FirstTokenMs  float64
	FirstAudioMs  float64
	EndToEndMs    float64
	ResponseChars int
	AudioBytes    int
}

// TurnResult is one measured turn inside a run. A non-empty Error means
// the turn did not complete and its latencies are not meaningful.
type TurnResult struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	UtteranceSeq  int       `json:"utterance_seq"`
	Utterance     string    `json:"utterance"`
	Repetition    int       `json:"repetition"`
	RecognizerMs  float64   `json:"recognizer_ms"`
	FirstTokenMs  float64   `json:"first_token_ms"`
	FirstAudioMs  float64   `json:"first_audio_ms"`
	EndToEndMs    float64   `json:"end_to_end_ms"`
	ResponseChars int       `json:"response_chars,omitempty"`
	AudioBytes    int       `json:"audio_bytes,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (r TurnResult) Success() bool {
	return r.Error == ""
}

// Run is one execution of a suite against a live session.
type Run struct {
	ID             string       `json:"id"`
	SuiteID        string       `json:"suite_id"`
	SuiteName      string       `json:"suite_name"`
	SessionID      string       `json:"session_id,omitempty"`
	Status         RunStatus    `json:"status"`
	TotalTurns     int          `json:"total_turns"`
	CompletedTurns int          `json:"completed_turns"`
	Error          string       `json:"error,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	Results        []TurnResult `json:"results,omitempty"`
}

func (r Run) Clone() Run {
	out := r
	if r.Results != nil {
		out.Results = make([]TurnResult, len(r.Results))
		copy(out.Results, r.Results)
	}
	return out
}

func (r Run) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

func (r Run) ProgressPercent() float64 {
	if r.TotalTurns == 0 {
		return 0
	}
	return float64(r.CompletedTurns) / float64(r.TotalTurns) * 100
}
