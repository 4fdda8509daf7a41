package engine

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"gitlab.com/gomidi/midi/v2/smf"
)

// ErrUnsupportedMidi rejects payloads the scheduler cannot play: malformed
// files, SMF type 2, SMPTE time division.
var ErrUnsupportedMidi = errors.New("engine: unsupported midi")

// Event is one dispatchable entry of a parsed score, positioned in beats
// relative to the score start. Note-ons are pre-matched with the beat of
// their note-off so the ledger can record the expected off time up front.
type Event struct {
	Tick uint32
	Beat float64

	// Msg holds the raw wire bytes for playable events; nil for tempo
	// entries.
	Msg []byte

	NoteOn  bool
	NoteOff bool
	Channel uint8
	Key     uint8

	// OffBeat is the matching note-off position for a note-on. A note-on
	// with no written off is matched to the score end.
	OffBeat float64

	// Tempo > 0 marks a Set Tempo meta event (beats per minute).
	Tempo float64
}

// Score is a flat, tick-merged view of an SMF file.
type Score struct {
	Format     uint16
	TrackCount uint16
	TPQ        uint16
	Events     []Event

	// Length is the score extent in beats.
	Length float64
}

// Parse reads an SMF payload into a Score. Types 0 and 1 are supported;
// type 2 and SMPTE-timed files are rejected. Meta events are consumed for
// tempo (time signatures are logged), everything else playable passes
// through, running status already resolved by the reader.
func Parse(data []byte) (*Score, error) {
	s, err := smf.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMidi, err)
	}
	format := s.Format()
	if format == 2 {
		return nil, fmt.Errorf("%w: smf type 2", ErrUnsupportedMidi)
	}
	ticks, ok := s.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, fmt.Errorf("%w: smpte time division", ErrUnsupportedMidi)
	}
	tpq := ticks.Resolution()

	score := &Score{
		Format:     format,
		TrackCount: uint16(len(s.Tracks)),
		TPQ:        tpq,
	}

	for _, track := range s.Tracks {
		var abs uint32
		for _, ev := range track {
			abs += ev.Delta
			msg := ev.Message

			var bpm float64
			var ch, key, vel uint8
			var num, denom uint8
			switch {
			case msg.GetMetaTempo(&bpm):
				score.Events = append(score.Events, Event{Tick: abs, Tempo: bpm})
			case msg.GetMetaMeter(&num, &denom):
				log.Debugw("time signature", "tick", abs, "num", num, "denom", denom)
			case msg.IsMeta():
				// Text, lyrics, markers, end-of-track.
			case msg.GetNoteStart(&ch, &key, &vel):
				score.Events = append(score.Events, Event{
					Tick: abs, Msg: []byte(msg), NoteOn: true, Channel: ch, Key: key,
				})
			case msg.GetNoteEnd(&ch, &key):
				score.Events = append(score.Events, Event{
					Tick: abs, Msg: []byte(msg), NoteOff: true, Channel: ch, Key: key,
				})
			default:
				// CC, program, pitch bend, aftertouch, sysex.
				score.Events = append(score.Events, Event{Tick: abs, Msg: []byte(msg)})
			}
		}
	}

	// Type-1 tracks merge into one timeline; the stable sort keeps same-tick
	// events in track order.
	sort.SliceStable(score.Events, func(i, j int) bool {
		return score.Events[i].Tick < score.Events[j].Tick
	})

	for i := range score.Events {
		score.Events[i].Beat = float64(score.Events[i].Tick) / float64(tpq)
		if score.Events[i].Beat > score.Length {
			score.Length = score.Events[i].Beat
		}
	}
	matchNoteOffs(score)
	return score, nil
}

// matchNoteOffs links every note-on to the beat of its note-off. Overlapping
// same-key notes match first-on to first-off. Unmatched ons fall back to the
// score end.
func matchNoteOffs(score *Score) {
	type voice struct {
		ch, key uint8
	}
	open := map[voice][]int{}
	for i := range score.Events {
		ev := &score.Events[i]
		switch {
		case ev.NoteOn:
			open[voice{ev.Channel, ev.Key}] = append(open[voice{ev.Channel, ev.Key}], i)
		case ev.NoteOff:
			v := voice{ev.Channel, ev.Key}
			if stack := open[v]; len(stack) > 0 {
				score.Events[stack[0]].OffBeat = ev.Beat
				open[v] = stack[1:]
			}
		}
	}
	for _, stack := range open {
		for _, i := range stack {
			score.Events[i].OffBeat = score.Length
		}
	}
}
