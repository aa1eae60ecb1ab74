package roster

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the roster when its file changes on disk, so role
// changes take effect without a restart.
type Watcher struct {
	roster   *Roster
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      zerolog.Logger
	onReload func(*Roster)
}

// NewWatcher creates a watcher over the roster file at path
func NewWatcher(r *Roster, path string, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors replace files rather than writing
	// them in place, which would drop a file-level watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		roster:   r,
		path:     path,
		watcher:  fsw,
		debounce: 500 * time.Millisecond,
		log:      log,
	}, nil
}

// OnReload registers a callback invoked after each successful reload
func (w *Watcher) OnReload(fn func(*Roster)) {
	w.onReload = fn
}

// Run processes file events until the context ends
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Debounce rapid successive writes
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			fresh, err := Load(w.path)
			if err != nil {
				w.log.Warn().Err(err).Str("path", w.path).Msg("roster reload failed, keeping previous")
				continue
			}
			w.roster.replace(fresh)
			w.log.Info().Int("users", len(fresh.users)).Msg("roster reloaded")
			if w.onReload != nil {
				w.onReload(w.roster)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("roster watcher error")
		}
	}
}
