package rates

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch starts a background watcher that reloads the rate file when it
// changes. Editors and config pushes often replace the file, so Remove and
// Rename re-add the path and reloads are debounced.
func (t *Table) Watch() error {
	if t.file == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(t.file); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						t.logger.Error("rate watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				if err := t.Reload(); err != nil {
					t.logger.Error("rate reload failed", "err", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				t.logger.Error("rate watch error", "err", err)
			}
		}
	}()
	return nil
}
