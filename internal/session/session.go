// Package session runs load requests from a path to the store and notifies
// listeners of the outcome.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"afmio/internal/depth"
	"afmio/internal/folder"
	"afmio/internal/metrics"
	"afmio/internal/store"
	"afmio/pkg/afm"
)

// ErrNothingLoaded is returned by operations that need a current path.
var ErrNothingLoaded = errors.New("session: nothing loaded")

// Decoder decodes single files and folder members. *format.Registry
// implements it.
type Decoder interface {
	folder.Source
	Decode(path, channel string) (*afm.Dataset, error)
}

// Info describes a completed load.
type Info struct {
	ID      uuid.UUID     `json:"id"`
	Path    string        `json:"path"`
	Channel string        `json:"channel"`
	Folder  bool          `json:"folder"`
	Elapsed time.Duration `json:"elapsed_ns"`
	// Discarded lists folder members dropped for their frame shape.
	Discarded []string `json:"discarded,omitempty"`
	// Failed counts folder members that could not be decoded.
	Failed int `json:"failed,omitempty"`
}

// Listener receives session events. Calls are made synchronously from the
// goroutine that triggered them.
type Listener interface {
	OnLoadComplete(info Info, ds *afm.Dataset)
	OnChannelChanged(channel string)
	OnLoadFailed(kind afm.ErrorKind, message string)
	OnModeChanged(old, mode string)
}

// Session owns the current path and channel.
type Session struct {
	dec     Decoder
	store   *store.Store
	depth   *depth.Control
	metrics *metrics.Metrics
	logger  *slog.Logger
	folder  folder.Options

	loadMu sync.Mutex

	mu        sync.RWMutex
	path      string
	channel   string
	listeners []Listener
}

// Option configures a Session.
type Option func(*Session)

// WithDepth keeps ctl loaded with the current frames.
func WithDepth(ctl *depth.Control) Option { return func(s *Session) { s.depth = ctl } }

// WithMetrics records loads in m.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Session) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

// WithFolderOptions sets the aggregation thresholds and decision callback.
func WithFolderOptions(o folder.Options) Option { return func(s *Session) { s.folder = o } }

// New returns a session writing into st.
func New(dec Decoder, st *store.Store, opts ...Option) *Session {
	s := &Session{
		dec:    dec,
		store:  st,
		logger: slog.Default(),
		folder: folder.DefaultOptions(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.folder.Logger == nil {
		s.folder.Logger = s.logger
	}

	st.AddListener(store.ModeListenerFunc(s.modeChanged))

	return s
}

// AddListener registers l.
func (s *Session) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, l)
}

func (s *Session) each(fn func(Listener)) {
	s.mu.RLock()
	ls := slices.Clone(s.listeners)
	s.mu.RUnlock()

	for _, l := range ls {
		fn(l)
	}
}

func (s *Session) modeChanged(old, mode string) {
	s.each(func(l Listener) { l.OnModeChanged(old, mode) })
}

// Current returns the loaded path and channel.
func (s *Session) Current() (path, channel string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.path, s.channel
}

// Store returns the backing store.
func (s *Session) Store() *store.Store { return s.store }

// Depth returns the depth control, or nil.
func (s *Session) Depth() *depth.Control { return s.depth }

// Load decodes a file or folder and replaces the store contents. An empty
// channel selects the format default. Failures leave the store unchanged
// and are reported to listeners as well as returned.
func (s *Session) Load(ctx context.Context, path, channel string) (Info, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	info := Info{ID: uuid.New(), Path: path}
	start := time.Now()

	ds, err := s.decode(ctx, path, channel, &info)
	if err == nil {
		err = s.store.Load(ds)
	}

	info.Elapsed = time.Since(start)
	s.metrics.ObserveLoad(info.Folder, info.Elapsed, err)

	if err != nil {
		kind := afm.KindOf(err)
		s.logger.Error("load failed", "id", info.ID, "path", path, "channel", channel, "kind", kind, "err", err)
		s.each(func(l Listener) { l.OnLoadFailed(kind, err.Error()) })

		return info, err
	}

	info.Channel = ds.File.CurrentChannel

	if s.depth != nil {
		s.depth.Load(ds.Frames, ds.FrameMeta)
	}

	s.metrics.SetFrames(len(ds.Frames))

	s.mu.Lock()
	s.path, s.channel = path, info.Channel
	s.mu.Unlock()

	s.logger.Info("loaded", "id", info.ID, "path", path, "channel", info.Channel,
		"frames", ds.File.FrameCount, "shape", ds.Frames.Shape(), "folder", info.Folder, "elapsed", info.Elapsed)

	snap := ds.Clone()
	s.each(func(l Listener) { l.OnLoadComplete(info, snap) })

	return info, nil
}

func (s *Session) decode(ctx context.Context, path, channel string, info *Info) (*afm.Dataset, error) {
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %w", afm.ErrFileNotFound, err)
		}

		return nil, afm.WrapDecode("", path, -1, err)
	}

	if !st.IsDir() {
		return s.dec.Decode(path, channel)
	}

	info.Folder = true

	res, err := folder.Aggregate(ctx, s.dec, path, channel, s.folder)
	if err != nil {
		return nil, err
	}

	info.Failed = len(res.Failed)
	if res.Shape != nil {
		info.Discarded = res.Shape.Discarded
	}

	s.metrics.AddSkipped(info.Failed + len(info.Discarded))

	return res.Dataset, nil
}

// ChangeChannel reloads the current path with another channel.
func (s *Session) ChangeChannel(ctx context.Context, channel string) error {
	path, _ := s.Current()
	if path == "" {
		return ErrNothingLoaded
	}

	info, err := s.Load(ctx, path, channel)
	if err != nil {
		return err
	}

	s.each(func(l Listener) { l.OnChannelChanged(info.Channel) })

	return nil
}

// Reload decodes the current path and channel again.
func (s *Session) Reload(ctx context.Context) error {
	path, channel := s.Current()
	if path == "" {
		return ErrNothingLoaded
	}

	_, err := s.Load(ctx, path, channel)

	return err
}

// SetMode switches the active store view.
func (s *Session) SetMode(mode string) error {
	return s.store.SetMode(mode)
}
