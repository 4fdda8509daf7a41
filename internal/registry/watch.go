package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch registers MIDI files dropped into dir by invoking onFile with the
// file name and contents. Events for partially written files are tolerated:
// a file that fails to read now will fire again on its next write.
func Watch(ctx context.Context, dir string, onFile func(name string, data []byte)) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
					continue
				}
				if !strings.EqualFold(filepath.Ext(ev.Name), ".mid") {
					continue
				}
				data, err := os.ReadFile(ev.Name)
				if err != nil {
					log.Debugw("watched file unreadable", "path", ev.Name, "err", err)
					continue
				}
				onFile(filepath.Base(ev.Name), data)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnw("watch error", "err", err)
			}
		}
	}()

	log.Infow("watching for midi drops", "dir", dir)
	return nil
}
