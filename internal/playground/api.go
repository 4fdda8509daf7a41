package playground

import (
	"context"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"github.com/harmonia-project/harmonia/internal/bus"
)

// injectHarmoniaTable exposes the scripting API:
//
//	harmonia.beat()        -> current session beat
//	harmonia.bpm()         -> current tempo
//	harmonia.peers()       -> session peer count, self included
//	harmonia.play(id)      -> queue a block by id
//	harmonia.wait_until(b) -> block until the session reaches beat b
//	harmonia.log(msg)      -> structured log line
func (p *Playground) injectHarmoniaTable(L *lua.LState, ctx context.Context) {
	t := L.NewTable()
	t.RawSetString("beat", L.NewFunction(p.beatFn))
	t.RawSetString("bpm", L.NewFunction(p.bpmFn))
	t.RawSetString("peers", L.NewFunction(p.peersFn))
	t.RawSetString("play", L.NewFunction(p.playFn))
	t.RawSetString("wait_until", L.NewFunction(p.waitUntilFn(ctx)))
	t.RawSetString("log", L.NewFunction(logFn))
	L.SetGlobal("harmonia", t)
}

func (p *Playground) beatFn(L *lua.LState) int {
	L.Push(lua.LNumber(p.session.Beat()))
	return 1
}

func (p *Playground) bpmFn(L *lua.LState) int {
	L.Push(lua.LNumber(p.session.Snapshot().BPM))
	return 1
}

func (p *Playground) peersFn(L *lua.LState) int {
	L.Push(lua.LNumber(p.session.Snapshot().PeerCount))
	return 1
}

func (p *Playground) playFn(L *lua.LState) int {
	raw := L.CheckString(1)
	id, err := uuid.Parse(raw)
	if err != nil {
		L.RaiseError("play: bad block id %q", raw)
		return 0
	}
	if _, err := p.reg.Get(id); err != nil {
		L.RaiseError("play: unknown block %s", id)
		return 0
	}
	p.bus.Send(bus.Play{BlockID: id})
	return 0
}

func (p *Playground) waitUntilFn(ctx context.Context) lua.LGFunction {
	return func(L *lua.LState) int {
		beat := float64(L.CheckNumber(1))
		if err := p.clk.SleepUntil(ctx, p.session.HostTimeAt(beat)); err != nil {
			L.RaiseError("wait_until: %v", err)
			return 0
		}
		return 0
	}
}

func logFn(L *lua.LState) int {
	log.Infow("script", "msg", L.CheckString(1))
	return 0
}
