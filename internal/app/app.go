// Package app wires the node together: config, timeline session, group
// protocol, registry, engine, and the admin surface. Run blocks until the
// context is cancelled or the admin surface aborts.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/harmonia-project/harmonia/internal/bus"
	"github.com/harmonia-project/harmonia/internal/clock"
	"github.com/harmonia-project/harmonia/internal/config"
	"github.com/harmonia-project/harmonia/internal/engine"
	"github.com/harmonia-project/harmonia/internal/groups"
	"github.com/harmonia-project/harmonia/internal/link"
	"github.com/harmonia-project/harmonia/internal/playground"
	"github.com/harmonia-project/harmonia/internal/registry"
	"github.com/harmonia-project/harmonia/internal/server"
	"github.com/harmonia-project/harmonia/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	CfgPath     string
	Cfg         config.Config
	OpenBrowser bool
}

func Run(ctx context.Context, opt Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := opt.Cfg
	cfgDir := filepath.Dir(opt.CfgPath)

	clk := clock.System()

	session, err := link.Open(ctx, clk, link.Options{
		Disable: cfg.Link.Disable,
		Port:    cfg.Link.Port,
	})
	if err != nil {
		return fmt.Errorf("open tempo session: %w", err)
	}
	defer session.Close()

	gm, err := groups.New(ctx, session, groups.Options{
		Disable: cfg.Groups.Disable,
		Port:    cfg.Groups.Port,
		Quantum: cfg.Groups.Quantum,
	})
	if err != nil {
		return fmt.Errorf("start group protocol: %w", err)
	}
	defer gm.Close()

	store, err := registry.NewStore(util.ResolvePath(cfgDir, cfg.Paths.StoreDir))
	if err != nil {
		return fmt.Errorf("open content store: %w", err)
	}

	reg := registry.New()
	statePath := util.ResolvePath(cfgDir, cfg.Paths.StateFile)
	if err := reg.Restore(statePath); err != nil {
		if !errors.Is(err, registry.ErrStateCorrupt) {
			return fmt.Errorf("restore block state: %w", err)
		}
		log.Warnw("block state corrupt, starting empty", "path", statePath)
	}
	saveState := func() error { return reg.Save(statePath) }

	b := bus.New()

	// UI listeners get session snapshots through the bus alongside
	// engine events.
	snapCh := session.Subscribe()
	go func() {
		for snap := range snapCh {
			b.Publish(snap)
		}
	}()

	outs, err := engine.NewRTOutputs()
	if err != nil {
		return err
	}
	defer outs.Close()

	eng := engine.New(clk, session, reg, store, b, gm, outs)
	gm.SetOnArmed(eng.OnGroupArmed())
	go eng.Run(ctx)

	if cfg.Paths.WatchDir != "" {
		watchDir := util.ResolvePath(cfgDir, cfg.Paths.WatchDir)
		err := registry.Watch(ctx, watchDir, func(name string, data []byte) {
			score, err := engine.Parse(data)
			if err != nil {
				log.Warnw("dropped file rejected", "file", name, "err", err)
				return
			}
			sha, err := store.Put(data)
			if err != nil {
				log.Errorw("store dropped file", "file", name, "err", err)
				return
			}
			id := reg.Insert(registry.Block{
				Kind:     registry.KindMidi,
				FileName: name,
				SHA1:     sha,
				Format:   score.Format,
				Tracks:   score.TrackCount,
				Port:     -1,
			})
			log.Infow("block registered from watch dir", "id", id, "file", name)
			if err := saveState(); err != nil {
				log.Errorw("save state", "err", err)
			}
		})
		if err != nil {
			return fmt.Errorf("watch %s: %w", watchDir, err)
		}
	}

	if cfg.Lua.Enabled {
		pg := playground.New(clk, session, reg, b)
		script := util.ResolvePath(cfgDir, cfg.Lua.Script)
		go func() {
			if err := pg.RunFile(ctx, script); err != nil && ctx.Err() == nil {
				log.Errorw("playground script failed", "script", script, "err", err)
			}
		}()
	}

	nickPath := util.ResolvePath(cfgDir, cfg.Paths.NickFile)
	deps := server.Deps{
		Session:   session,
		Engine:    eng,
		Registry:  reg,
		Store:     store,
		Bus:       b,
		Outputs:   outs,
		Nick:      func() string { return config.LoadNick(nickPath) },
		SetNick:   func(n string) error { return config.SaveNick(nickPath, n) },
		SaveState: saveState,
		Abort:     cancel,
	}

	if opt.OpenBrowser {
		go openAdmin(cfg.Server.HTTPAddr)
	}

	err = server.Start(ctx, cfg.Server.HTTPAddr, deps)

	eng.InterruptAll()
	if serr := saveState(); serr != nil {
		log.Errorw("save state on shutdown", "err", serr)
	}
	return err
}

func openAdmin(addr string) {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if err := util.OpenURL("http://" + addr); err != nil {
		log.Debugw("open browser", "err", err)
	}
}
