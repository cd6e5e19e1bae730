package turn

import (
	"context"
	"sync"

	"github.com/ent0n29/mentora/internal/voice"
)

// synthesizedUnit is one sentence unit with its synthesized audio, ready
// for playback. Failed units carry no audio and are skipped by playback;
// CostChars counts the characters actually submitted to the synthesizer.
type synthesizedUnit struct {
	Unit      SentenceUnit
	Chunks    [][]byte
	Format    string
	CostChars int
	Failed    bool
	Code      string
	Detail    string
}

func (u synthesizedUnit) audioBytes() int {
	n := 0
	for _, c := range u.Chunks {
		n += len(c)
	}
	return n
}

// prefetchQueue synthesizes sentence units ahead of playback. Units may
// finish synthesizing out of order; Ready() always delivers them in
// sequence order. At most depth units are in flight ahead of the unit
// the consumer last pulled. Cancel drops everything still queued or in
// flight and closes Ready() without emitting further units.
type prefetchQueue struct {
	provider voice.SynthesizerProvider
	voiceID  string
	modelID  string
	settings voice.SynthSettings
	depth    int

	ctx    context.Context
	cancel context.CancelFunc

	enqueue     chan SentenceUnit
	completions chan synthesizedUnit
	ready       chan synthesizedUnit

	closeInput sync.Once
}

const defaultPrefetchDepth = 2

func newPrefetchQueue(parent context.Context, provider voice.SynthesizerProvider, voiceID, modelID string, settings voice.SynthSettings, depth int) *prefetchQueue {
	if depth <= 0 {
		depth = defaultPrefetchDepth
	}
	ctx, cancel := context.WithCancel(parent)
	q := &prefetchQueue{
		provider:    provider,
		voiceID:     voiceID,
		modelID:     modelID,
		settings:    settings,
		depth:       depth,
		ctx:         ctx,
		cancel:      cancel,
		enqueue:     make(chan SentenceUnit, 64),
		completions: make(chan synthesizedUnit, 8),
		ready:       make(chan synthesizedUnit),
	}
	go q.run()
	return q
}

// Enqueue hands one unit to the queue. Units must arrive in sequence
// order. Returns false once the queue is cancelled.
func (q *prefetchQueue) Enqueue(unit SentenceUnit) bool {
	select {
	case q.enqueue <- unit:
		return true
	case <-q.ctx.Done():
		return false
	}
}

// FinishInput marks the end of the unit stream for this turn. Ready()
// closes after the last queued unit is delivered.
func (q *prefetchQueue) FinishInput() {
	q.closeInput.Do(func() { close(q.enqueue) })
}

// Ready delivers synthesized units strictly in sequence order. The
// channel closes when the turn's units are exhausted or the queue is
// cancelled.
func (q *prefetchQueue) Ready() <-chan synthesizedUnit {
	return q.ready
}

// Cancel aborts all pending and in-flight synthesis. Nothing emits on
// Ready() after Cancel returns aside from the channel closing.
func (q *prefetchQueue) Cancel() {
	q.cancel()
}

func (q *prefetchQueue) run() {
	defer close(q.ready)

	var (
		pending   []SentenceUnit
		results   = make(map[int]synthesizedUnit)
		inFlight  int
		delivered int
		nextEmit  = 1
		inputDone bool
	)
	enqueue := q.enqueue

	for {
		// Start synthesis for every unit within the prefetch window.
		for len(pending) > 0 && pending[0].Seq <= delivered+q.depth {
			unit := pending[0]
			pending = pending[1:]
			inFlight++
			go q.synthesizeUnit(unit)
		}

		var (
			deliver chan synthesizedUnit
			next    synthesizedUnit
		)
		if res, ok := results[nextEmit]; ok {
			deliver = q.ready
			next = res
		}

		if inputDone && inFlight == 0 && len(pending) == 0 && deliver == nil {
			return
		}

		select {
		case <-q.ctx.Done():
			return
		case unit, ok := <-enqueue:
			if !ok {
				inputDone = true
				enqueue = nil
				continue
			}
			pending = append(pending, unit)
		case res := <-q.completions:
			results[res.Unit.Seq] = res
			inFlight--
		case deliver <- next:
			delete(results, nextEmit)
			nextEmit++
			delivered++
		}
	}
}

func (q *prefetchQueue) synthesizeUnit(unit SentenceUnit) {
	res := synthesizedUnit{Unit: unit}
	spoken := speakableText(unit.Text)
	res.CostChars = len(spoken)

	if spoken != "" {
		q.runSynthesis(spoken, &res)
	}

	select {
	case q.completions <- res:
	case <-q.ctx.Done():
	}
}

func (q *prefetchQueue) runSynthesis(spoken string, res *synthesizedUnit) {
	stream, err := q.provider.StartStream(q.ctx, q.voiceID, q.modelID, q.settings)
	if err != nil {
		res.Failed = true
		res.Code = "stream_start_failed"
		res.Detail = err.Error()
		return
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-q.ctx.Done():
			stream.Close()
		case <-stop:
		}
	}()
	defer close(stop)
	defer stream.Close()

	if err := stream.SendText(q.ctx, spoken, true); err != nil {
		res.Failed = true
		res.Code = "send_failed"
		res.Detail = err.Error()
		return
	}
	if err := stream.CloseInput(q.ctx); err != nil {
		res.Failed = true
		res.Code = "close_input_failed"
		res.Detail = err.Error()
		return
	}

	for ev := range stream.Events() {
		switch ev.Type {
		case voice.SynthEventAudio:
			if len(ev.Audio) > 0 {
				res.Chunks = append(res.Chunks, ev.Audio)
			}
			if res.Format == "" {
				res.Format = ev.Format
			}
		case voice.SynthEventError:
			if !res.Failed {
				res.Failed = true
				res.Code = ev.Code
				res.Detail = ev.Detail
			}
		case voice.SynthEventFinal:
			// Keep draining until the provider closes the channel.
		}
	}

	if res.Failed {
		res.Chunks = nil
	}
}
