package policy

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keithlinneman/orderguard/internal/cryptoutil"
	"github.com/keithlinneman/orderguard/internal/log"
	"github.com/keithlinneman/orderguard/internal/xerrors"
)

// Source is where policy versions come from. Version is cheap and polled, Fetch only runs when the
// version changed.
type Source interface {
	Version(ctx context.Context) (string, error)
	Fetch(ctx context.Context, version string) (*Document, error)
}

// FileSource reads the policy from a local file, the version is the file's sha256
type FileSource struct {
	path     string
	debounce time.Duration
	logger   log.Logger
}

// NewFileSource creates a FileSource for path. debounce <= 0 uses 250ms.
func NewFileSource(path string, debounce time.Duration, logger log.Logger) *FileSource {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = log.Nop()
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &FileSource{path: filepath.Clean(path), debounce: debounce, logger: logger}
}

// Path returns the watched file
func (s *FileSource) Path() string { return s.path }

func (s *FileSource) read() ([]byte, string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, "", xerrors.Wrapf(err, "read policy file %s", s.path)
	}
	return data, cryptoutil.SHA256Hex(data), nil
}

func (s *FileSource) Version(ctx context.Context) (string, error) {
	_, v, err := s.read()
	return v, err
}

// Fetch parses the file. Fails if the file no longer matches version, the next poll picks it up.
func (s *FileSource) Fetch(ctx context.Context, version string) (*Document, error) {
	data, v, err := s.read()
	if err != nil {
		return nil, err
	}
	if !cryptoutil.HashEqual(v, version) {
		return nil, xerrors.Newf("policy file %s changed while loading", s.path)
	}
	return Parse(data)
}

// Watch returns a channel that receives after the file was written, created, renamed or removed,
// debounced so an editor's burst of events is one trigger. The directory is watched rather than
// the file so atomic replace-by-rename is seen too. The channel is never closed, watching stops
// when ctx is done.
func (s *FileSource) Watch(ctx context.Context) (<-chan struct{}, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Wrap(err, "create fsnotify watcher")
	}
	if err := fw.Add(filepath.Dir(s.path)); err != nil {
		_ = fw.Close()
		return nil, xerrors.Wrapf(err, "watch %s", filepath.Dir(s.path))
	}

	out := make(chan struct{}, 1)
	notify := func() {
		select {
		case out <- struct{}{}:
		default:
		}
	}

	go func() {
		defer fw.Close()
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != s.path || ev.Op == fsnotify.Chmod {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(s.debounce, notify)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				s.logger.Warn(ctx, "policy file watch error", "path", s.path, "error", err)
			}
		}
	}()

	return out, nil
}
