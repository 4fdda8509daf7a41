// Package playground embeds a Lua interpreter scripted against the shared
// timeline, so performers can generate material algorithmically: read the
// beat, wait for a boundary, fire blocks.
package playground

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/harmonia-project/harmonia/internal/bus"
	"github.com/harmonia-project/harmonia/internal/clock"
	"github.com/harmonia-project/harmonia/internal/link"
	"github.com/harmonia-project/harmonia/internal/registry"
)

var log = logging.Logger("playground")

// Playground compiles and runs performer scripts against the live session.
type Playground struct {
	clk     clock.Clock
	session *link.Session
	reg     *registry.Registry
	bus     *bus.Bus
}

func New(clk clock.Clock, session *link.Session, reg *registry.Registry, b *bus.Bus) *Playground {
	return &Playground{clk: clk, session: session, reg: reg, bus: b}
}

// RunFile compiles and runs one script file. It returns when the script
// finishes or ctx is cancelled.
func (p *Playground) RunFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), ".lua")
	return p.RunScript(ctx, name, string(data))
}

// RunScript compiles and runs script source under the given chunk name.
func (p *Playground) RunScript(ctx context.Context, name, source string) error {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return fmt.Errorf("compile %s: %w", name, err)
	}

	L := p.newVM(ctx)
	defer L.Close()

	log.Infow("running script", "name", name)
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("script %s: %w", name, err)
	}
	return nil
}

// newVM builds a sandboxed interpreter: a safe subset of the standard
// libraries plus the harmonia table. The context cancels both blocking API
// calls and busy loops.
func (p *Playground) newVM(ctx context.Context) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       128,
		RegistrySize:        2048,
		MinimizeStackMemory: true,
	})
	L.SetContext(ctx)

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	p.injectHarmoniaTable(L, ctx)
	return L
}
