// Package store holds the loaded dataset in a set of named, independent views.
package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"afmio/pkg/afm"
)

// Default views.
const (
	Target   = "Target"
	Preview  = "Preview"
	Original = "Original"
)

// Errors.
var (
	ErrEmpty       = errors.New("store: nothing loaded")
	ErrUnknownView = errors.New("store: unknown view")
	ErrViewExists  = errors.New("store: view already exists")
	ErrDefaultView = errors.New("store: default views cannot be removed")
	ErrFrameRange  = errors.New("store: frame index out of range")
)

// ModeListener is notified when the active view changes.
type ModeListener interface {
	OnModeChanged(old, mode string)
}

// ModeListenerFunc adapts a function to ModeListener.
type ModeListenerFunc func(old, mode string)

func (f ModeListenerFunc) OnModeChanged(old, mode string) { f(old, mode) }

// Store owns every view's dataset. All methods are safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	order     []string
	views     map[string]*afm.Dataset
	mode      string
	listeners []ModeListener
}

// New returns an empty store with the three default views and Original active.
func New() *Store {
	s := &Store{views: make(map[string]*afm.Dataset), mode: Original}
	for _, v := range []string{Target, Preview, Original} {
		s.order = append(s.order, v)
		s.views[v] = nil
	}

	return s
}

// AddListener registers l for mode changes.
func (s *Store) AddListener(l ModeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, l)
}

// Load validates ds, gives every view its own deep copy and activates
// Original. On error no view changes.
func (s *Store) Load(ds *afm.Dataset) error {
	if ds == nil {
		return ErrEmpty
	}

	if err := ds.Validate(); err != nil {
		return fmt.Errorf("store: load %s: %w", ds.Path, err)
	}

	s.mu.Lock()

	next := make(map[string]*afm.Dataset, len(s.order))
	for _, v := range s.order {
		next[v] = ds.Clone()
	}

	s.views = next
	old := s.mode
	s.mode = Original
	listeners := slices.Clone(s.listeners)

	s.mu.Unlock()

	notify(listeners, old, Original)

	return nil
}

// Loaded reports whether a dataset is present.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.views[Original] != nil
}

// AddView creates a new view holding a copy of Original.
func (s *Store) AddView(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.views[name]; ok {
		return fmt.Errorf("%w: %s", ErrViewExists, name)
	}

	s.order = append(s.order, name)
	s.views[name] = s.views[Original].Clone()

	return nil
}

// RemoveView deletes a user view. Removing the active view activates Original.
func (s *Store) RemoveView(name string) error {
	if isDefault(name) {
		return fmt.Errorf("%w: %s", ErrDefaultView, name)
	}

	s.mu.Lock()

	if _, ok := s.views[name]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownView, name)
	}

	delete(s.views, name)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == name })

	var listeners []ModeListener

	old := s.mode
	if old == name {
		s.mode = Original
		listeners = slices.Clone(s.listeners)
	}

	s.mu.Unlock()

	notify(listeners, old, Original)

	return nil
}

func isDefault(name string) bool {
	return name == Target || name == Preview || name == Original
}

// Modes returns the view names in creation order.
func (s *Store) Modes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.order)
}

// Mode returns the active view.
func (s *Store) Mode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.mode
}

// SetMode activates a view.
func (s *Store) SetMode(name string) error {
	s.mu.Lock()

	if _, ok := s.views[name]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownView, name)
	}

	old := s.mode
	s.mode = name
	listeners := slices.Clone(s.listeners)

	s.mu.Unlock()

	if old != name {
		notify(listeners, old, name)
	}

	return nil
}

func notify(listeners []ModeListener, old, mode string) {
	for _, l := range listeners {
		l.OnModeChanged(old, mode)
	}
}

// Compare reports whether two views hold equal data.
func (s *Store) Compare(a, b string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	da, err := s.view(a)
	if err != nil {
		return false, err
	}

	db, err := s.view(b)
	if err != nil {
		return false, err
	}

	return da.Equal(db), nil
}

// Copy replaces view to with a deep copy of view from.
func (s *Store) Copy(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.view(from)
	if err != nil {
		return err
	}

	if _, err := s.view(to); err != nil {
		return err
	}

	s.views[to] = src.Clone()

	return nil
}

// Propagate copies view from into every other view.
func (s *Store) Propagate(from string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.view(from)
	if err != nil {
		return err
	}

	for _, v := range s.order {
		if v != from {
			s.views[v] = src.Clone()
		}
	}

	return nil
}

// Update runs fn on view name's dataset in place. fn must not retain it.
func (s *Store) Update(name string, fn func(*afm.Dataset)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds, err := s.view(name)
	if err != nil {
		return err
	}

	fn(ds)

	return nil
}

// view must be called with mu held.
func (s *Store) view(name string) (*afm.Dataset, error) {
	ds, ok := s.views[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, name)
	}

	if ds == nil {
		return nil, ErrEmpty
	}

	return ds, nil
}

// Snapshot returns a deep copy of the active view.
func (s *Store) Snapshot() (*afm.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, err := s.view(s.mode)
	if err != nil {
		return nil, err
	}

	return ds.Clone(), nil
}

// File returns the active view's file metadata.
func (s *Store) File() (afm.FileMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, err := s.view(s.mode)
	if err != nil {
		return afm.FileMetadata{}, err
	}

	return ds.File.Clone(), nil
}

// Source returns the path and format of the loaded data.
func (s *Store) Source() (path, format string, inFolder bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ds := s.views[Original]; ds != nil {
		return ds.Path, ds.Format, ds.InFolder
	}

	return "", "", false
}

// FrameCount returns the number of frames in the active view.
func (s *Store) FrameCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ds := s.views[s.mode]; ds != nil {
		return len(ds.Frames)
	}

	return 0
}

// Frame returns a copy of frame i of the active view with its metadata.
func (s *Store) Frame(i int) (afm.Frame, afm.FrameMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, err := s.view(s.mode)
	if err != nil {
		return afm.Frame{}, afm.FrameMetadata{}, err
	}

	if i < 0 || i >= len(ds.Frames) {
		return afm.Frame{}, afm.FrameMetadata{}, fmt.Errorf("%w: %d of %d", ErrFrameRange, i, len(ds.Frames))
	}

	return ds.Frames[i].Clone(), ds.FrameMeta[i], nil
}

// FrameMeta returns the active view's per-frame metadata.
func (s *Store) FrameMeta() ([]afm.FrameMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, err := s.view(s.mode)
	if err != nil {
		return nil, err
	}

	return slices.Clone(ds.FrameMeta), nil
}
