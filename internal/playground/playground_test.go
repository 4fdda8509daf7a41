package playground

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/harmonia-project/harmonia/internal/bus"
	"github.com/harmonia-project/harmonia/internal/clock"
	"github.com/harmonia-project/harmonia/internal/link"
	"github.com/harmonia-project/harmonia/internal/registry"
)

func newPlayground(t *testing.T) (*Playground, *clock.Manual, *bus.Bus, *registry.Registry) {
	t.Helper()
	clk := clock.NewManual(0)
	session, err := link.Open(context.Background(), clk, link.Options{Disable: true})
	if err != nil {
		t.Fatalf("link.Open: %v", err)
	}
	reg := registry.New()
	b := bus.New()
	return New(clk, session, reg, b), clk, b, reg
}

func TestScriptReadsSessionState(t *testing.T) {
	p, _, _, _ := newPlayground(t)
	script := `
		if harmonia.bpm() ~= 120 then error("bpm " .. harmonia.bpm()) end
		if harmonia.beat() ~= 0 then error("beat " .. harmonia.beat()) end
		if harmonia.peers() ~= 1 then error("peers " .. harmonia.peers()) end
		harmonia.log("state ok")
	`
	if err := p.RunScript(context.Background(), "state", script); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
}

func TestScriptQueuesPlay(t *testing.T) {
	p, _, b, reg := newPlayground(t)
	id := reg.Insert(registry.Block{Kind: registry.KindMidi, FileName: "x.mid", Port: -1})

	if err := p.RunScript(context.Background(), "fire", `harmonia.play("`+id.String()+`")`); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	select {
	case cmd := <-b.Commands():
		play, ok := cmd.(bus.Play)
		if !ok || play.BlockID != id {
			t.Fatalf("command %v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("no play command queued")
	}
}

func TestPlayUnknownBlockErrors(t *testing.T) {
	p, _, _, _ := newPlayground(t)
	err := p.RunScript(context.Background(), "fire", `harmonia.play("00000000-0000-0000-0000-000000000001")`)
	if err == nil || !strings.Contains(err.Error(), "unknown block") {
		t.Fatalf("err %v", err)
	}
}

func TestWaitUntilFollowsClock(t *testing.T) {
	p, clk, _, _ := newPlayground(t)
	done := make(chan error, 1)
	go func() {
		done <- p.RunScript(context.Background(), "wait", `harmonia.wait_until(1)`)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for clk.Sleepers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("script never blocked on the clock")
		}
		time.Sleep(50 * time.Microsecond)
	}
	select {
	case err := <-done:
		t.Fatalf("script finished early: %v", err)
	default:
	}

	clk.Advance(500_000) // beat 1 at 120 BPM
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunScript: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("script did not wake at the target beat")
	}
}

func TestCancelStopsScript(t *testing.T) {
	p, clk, _, _ := newPlayground(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.RunScript(ctx, "forever", `harmonia.wait_until(100000)`)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for clk.Sleepers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("script never blocked on the clock")
		}
		time.Sleep(50 * time.Microsecond)
	}
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("cancelled script returned nil")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled script did not stop")
	}
}

func TestSyntaxErrorReported(t *testing.T) {
	p, _, _, _ := newPlayground(t)
	if err := p.RunScript(context.Background(), "broken", `if then end`); err == nil {
		t.Fatal("syntax error not reported")
	}
}
