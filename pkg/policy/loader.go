package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads policy modules from .rego and .json files. Parsed modules are
// kept until the file's size or modification time changes.
type Loader struct {
	logger   zerolog.Logger
	debounce time.Duration

	mu     sync.Mutex
	parsed map[string]parsedFile
}

type parsedFile struct {
	modTime time.Time
	size    int64
	module  Module
}

// NewLoader returns a Loader logging to logger.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "policy-loader").Logger(),
		debounce: 500 * time.Millisecond,
		parsed:   make(map[string]parsedFile),
	}
}

// LoadFromPaths loads every module under paths. A missing path is an error;
// a file inside a directory that fails to parse is skipped with a warning.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Module, error) {
	var modules []Module
	for _, root := range paths {
		found, err := l.load(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}
		modules = append(modules, found...)
	}

	l.logger.Info().
		Int("modules", len(modules)).
		Strs("paths", paths).
		Msg("policy modules loaded")
	return modules, nil
}

func (l *Loader) load(ctx context.Context, root string) ([]Module, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		m, err := l.file(root, info)
		if err != nil {
			return nil, err
		}
		return []Module{m}, nil
	}

	var modules []Module
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isModuleFile(p) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		m, err := l.file(p, fi)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("skipping policy module")
			return nil
		}
		modules = append(modules, m)
		return nil
	})
	return modules, err
}

func isModuleFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

// file returns the module in path, reparsing only when the file changed.
func (l *Loader) file(path string, info fs.FileInfo) (Module, error) {
	l.mu.Lock()
	prev, ok := l.parsed[path]
	l.mu.Unlock()
	if ok && prev.size == info.Size() && prev.modTime.Equal(info.ModTime()) {
		return prev.module, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Module{}, err
	}

	var m Module
	switch filepath.Ext(path) {
	case ".rego":
		m = regoModule(path, data)
	case ".json":
		if m, err = jsonModule(data); err != nil {
			return Module{}, err
		}
	default:
		return Module{}, fmt.Errorf("unsupported module file %s", path)
	}

	l.mu.Lock()
	l.parsed[path] = parsedFile{modTime: info.ModTime(), size: info.Size(), module: m}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("module", m.Name).Msg("parsed policy module")
	return m, nil
}

// regoModule names the module after its file. The leading comment block
// becomes the description, except "# scope: a, b" lines which restrict the
// module to those evaluation scopes.
func regoModule(path string, data []byte) Module {
	src := string(data)
	description, scopes := header(src)
	return Module{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        src,
		Severity:    SeverityError,
		Enabled:     true,
		Scopes:      scopes,
		Metadata:    map[string]interface{}{"source": path},
		LoadedAt:    time.Now(),
	}
}

func jsonModule(data []byte) (Module, error) {
	var m Module
	if err := json.Unmarshal(data, &m); err != nil {
		return Module{}, fmt.Errorf("invalid module definition: %w", err)
	}
	if m.Name == "" {
		return Module{}, errors.New("module definition has no name")
	}
	if m.Severity == "" {
		m.Severity = SeverityError
	}
	m.LoadedAt = time.Now()
	return m, nil
}

func header(src string) (description string, scopes []string) {
	var lines []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)
		if list, ok := strings.CutPrefix(comment, "scope:"); ok {
			for _, s := range strings.Split(list, ",") {
				if s = strings.TrimSpace(s); s != "" {
					scopes = append(scopes, s)
				}
			}
		} else if comment != "" {
			lines = append(lines, comment)
		}
	}
	return strings.Join(lines, " "), scopes
}

// Watch reloads the modules under paths after each burst of file changes and
// hands the full set to apply. A reload that fails leaves the previous set in
// place. Watching stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Module) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	watched := 0
	for _, root := range paths {
		if err := addTree(w, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("not watching policy path")
			continue
		}
		watched++
	}
	if watched == 0 {
		_ = w.Close()
		return errors.New("no policy path could be watched")
	}

	go l.watch(ctx, w, paths, apply)
	l.logger.Info().Strs("paths", paths).Msg("watching policy modules")
	return nil
}

func addTree(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(root)
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return w.Add(p)
	})
}

func (l *Loader) watch(ctx context.Context, w *fsnotify.Watcher, paths []string, apply func([]Module) error) {
	defer w.Close()

	timer := time.NewTimer(l.debounce)
	timer.Stop()
	defer timer.Stop()

	relevant := fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = addTree(w, ev.Name)
					timer.Reset(l.debounce)
					continue
				}
			}
			if ev.Op&relevant == 0 || !isModuleFile(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				l.forget(ev.Name)
			}
			l.logger.Debug().Str("file", ev.Name).Stringer("op", ev.Op).Msg("policy module changed")
			timer.Reset(l.debounce)

		case <-timer.C:
			l.reload(ctx, paths, apply)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("policy watcher error")
		}
	}
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.parsed, path)
	l.mu.Unlock()
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Module) error) {
	modules, err := l.LoadFromPaths(ctx, paths)
	if err == nil {
		err = apply(modules)
	}
	if err != nil {
		l.logger.Error().Err(err).Msg("policy reload failed, keeping previous modules")
		return
	}
	names := make([]string, 0, len(modules))
	for _, m := range modules {
		names = append(names, m.Name)
	}
	slices.Sort(names)
	l.logger.Info().Strs("modules", names).Msg("policy modules reloaded")
}
