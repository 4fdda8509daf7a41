package engine

import (
	"errors"
	"fmt"

	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// ErrPortUnavailable means the requested MIDI output port does not exist or
// could not be opened.
var ErrPortUnavailable = errors.New("engine: midi output port unavailable")

// ErrNoBackend means the platform MIDI backend itself failed to initialize;
// the process cannot play MIDI at all.
var ErrNoBackend = errors.New("engine: midi backend unavailable")

// Output is one open MIDI sink.
type Output interface {
	Send(msg []byte) error
}

// Outputs enumerates and claims MIDI output ports. Claim returns the sink
// and a release function; the engine keeps at most one claim per port.
type Outputs interface {
	Names() []string
	Claim(port int) (Output, func(), error)
}

// RTOutputs backs Outputs with the rtmidi driver. Port lists are read fresh
// from the driver on every call, so ReloadOutputs is just a rescan.
type RTOutputs struct {
	drv *rtmididrv.Driver
}

func NewRTOutputs() (*RTOutputs, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoBackend, err)
	}
	return &RTOutputs{drv: drv}, nil
}

func (o *RTOutputs) Names() []string {
	outs, err := o.drv.Outs()
	if err != nil {
		log.Warnw("list outputs failed", "err", err)
		return nil
	}
	names := make([]string, len(outs))
	for i, out := range outs {
		names[i] = out.String()
	}
	return names
}

// Claim opens a port by index; -1 claims the first available port.
func (o *RTOutputs) Claim(port int) (Output, func(), error) {
	outs, err := o.drv.Outs()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPortUnavailable, err)
	}
	idx := port
	if idx < 0 {
		idx = 0
	}
	if idx >= len(outs) {
		return nil, nil, fmt.Errorf("%w: port %d of %d", ErrPortUnavailable, port, len(outs))
	}
	out := outs[idx]
	if err := out.Open(); err != nil {
		return nil, nil, fmt.Errorf("%w: open port %d: %v", ErrPortUnavailable, idx, err)
	}
	release := func() {
		if err := out.Close(); err != nil {
			log.Debugw("close port", "port", idx, "err", err)
		}
	}
	return rtSink{out}, release, nil
}

func (o *RTOutputs) Close() error {
	return o.drv.Close()
}

type rtSink struct {
	out drivers.Out
}

func (s rtSink) Send(msg []byte) error {
	return s.out.Send(msg)
}
