package grammar

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the catalog whenever grammar files in its directories
// change. Bursts of events are debounced into one reload. It blocks until
// ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	watched := 0
	for _, dir := range c.dirs {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			return fmt.Errorf("watching directory %s: %w", dir, err)
		}
		watched++
	}
	log.Infof("watching %d grammar directories", watched)

	var (
		timer   *time.Timer
		pending bool
	)
	timerC := func() <-chan time.Time {
		if timer != nil {
			return timer.C
		}
		return nil
	}

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !isRelevantEvent(event) {
				continue
			}
			log.Debugf("grammar change: %s", event)
			if timer == nil {
				timer = time.NewTimer(c.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.debounce)
			}
			pending = true

		case <-timerC():
			if !pending {
				continue
			}
			pending = false
			if err := c.Reload(); err != nil {
				// The grammars loaded before stay in use.
				log.Errorf("reloading grammars: %s", err)
				continue
			}
			if c.onReload != nil {
				c.onReload()
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warningf("grammar watcher: %s", err)

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		}
	}
}

func isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	return isGrammarFile(event.Name)
}
