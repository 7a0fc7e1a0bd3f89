package main

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/nsf/termbox-go"

	"afmio/internal/depth"
	"afmio/internal/session"
	"afmio/pkg/afm"
	"afmio/pkg/resample"
)

const (
	colDef    = termbox.ColorDefault
	colWhite  = termbox.ColorWhite
	colRed    = termbox.ColorRed
	colGreen  = termbox.ColorGreen
	colYellow = termbox.ColorYellow
	colCyan   = termbox.ColorCyan
)

// grayLevels is the size of the 256-colour grayscale ramp (232..255).
const grayLevels = 24

// headerRows is the space above the image.
const headerRows = 5

// statusLine keeps the last session event for the footer.
type statusLine struct {
	mu     sync.Mutex
	text   string
	failed bool
	load   session.Info
}

func (s *statusLine) set(text string, failed bool) {
	s.mu.Lock()
	s.text, s.failed = text, failed
	s.mu.Unlock()
}

func (s *statusLine) get() (string, bool, session.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.text, s.failed, s.load
}

func (s *statusLine) OnLoadComplete(info session.Info, ds *afm.Dataset) {
	s.mu.Lock()
	s.load = info
	s.mu.Unlock()

	msg := fmt.Sprintf("loaded %d frames in %s", ds.File.FrameCount, info.Elapsed.Round(time.Millisecond))
	if n := len(info.Discarded) + info.Failed; n > 0 {
		msg += fmt.Sprintf(", skipped %d files", n)
	}

	s.set(msg, false)
}

func (s *statusLine) OnChannelChanged(channel string) { s.set("channel "+channel, false) }

func (s *statusLine) OnLoadFailed(kind afm.ErrorKind, message string) {
	s.set(fmt.Sprintf("%s: %s", kind, message), true)
}

func (s *statusLine) OnModeChanged(_, mode string) { s.set("view "+mode, false) }

// rendered caches the last resampled frame.
type rendered struct {
	key   renderKey
	frame afm.Frame
}

type renderKey struct {
	load  string
	mode  string
	index int
	w, h  int
}

// TUIState is the interactive state of the terminal viewer.
type TUIState struct {
	ctx       context.Context
	sess      *session.Session
	status    *statusLine
	resampler *resample.Resampler
	exit      bool

	index    int
	playing  bool
	lastStep time.Time
	cache    rendered
	showHelp bool
}

func runTUI(ctx context.Context, sess *session.Session, status *statusLine) {
	err := termbox.Init()
	if err != nil {
		//nolint:forbidigo // TUI initialization error requires direct output
		fmt.Printf("Failed to initialize TUI: %v\n", err)
		return
	}
	defer termbox.Close()

	termbox.SetInputMode(termbox.InputEsc)
	termbox.SetOutputMode(termbox.Output256)

	state := &TUIState{
		ctx:       ctx,
		sess:      sess,
		status:    status,
		resampler: resample.New(),
	}

	eventQueue := make(chan termbox.Event)

	go func() {
		for {
			eventQueue <- termbox.PollEvent()
		}
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	draw(state)

	for !state.exit {
		select {
		case <-ctx.Done():
			return
		case ev := <-eventQueue:
			switch ev.Type {
			case termbox.EventKey:
				handleKey(ev, state)
			case termbox.EventResize:
				draw(state)
			}
		case now := <-ticker.C:
			state.advance(now)
			draw(state)
		}
	}
}

// advance steps playback at the file's frame rate, or 1 Hz when unknown.
func (s *TUIState) advance(now time.Time) {
	if !s.playing {
		return
	}

	n := s.sess.Store().FrameCount()
	if n < 2 {
		s.playing = false
		return
	}

	fps := 1.0
	if file, err := s.sess.Store().File(); err == nil && file.FPS.Known() {
		fps = float64(file.FPS)
	}

	if now.Sub(s.lastStep) < time.Duration(float64(time.Second)/fps) {
		return
	}

	s.lastStep = now
	s.index = (s.index + 1) % n
}

func (s *TUIState) step(delta int) {
	n := s.sess.Store().FrameCount()
	if n == 0 {
		s.index = 0
		return
	}

	s.index = ((s.index+delta)%n + n) % n
}

func handleKey(ev termbox.Event, s *TUIState) {
	if s.showHelp {
		s.showHelp = false
		return
	}

	if ev.Key == termbox.KeyEsc || ev.Ch == 'q' {
		s.exit = true
		return
	}

	st := s.sess.Store()

	switch ev.Key {
	case termbox.KeyArrowRight:
		s.step(1)
	case termbox.KeyArrowLeft:
		s.step(-1)
	case termbox.KeyHome:
		s.index = 0
	case termbox.KeyEnd:
		s.index = max(st.FrameCount()-1, 0)
	case termbox.KeySpace:
		s.playing = !s.playing
		s.lastStep = time.Now()
	}

	switch ev.Ch {
	case 'c':
		s.nextChannel()
	case 'v':
		modes := st.Modes()
		next := modes[(slices.Index(modes, st.Mode())+1)%len(modes)]
		_ = s.sess.SetMode(next)
	case 'd':
		s.nextDepthMode()
	case 'r':
		if err := s.sess.Reload(s.ctx); err != nil {
			s.status.set(err.Error(), true)
		}
	case '?', 'h':
		s.showHelp = true
	}

	s.step(0)
}

func (s *TUIState) nextChannel() {
	file, err := s.sess.Store().File()
	if err != nil || len(file.AvailableChannels) < 2 {
		return
	}

	i := slices.Index(file.AvailableChannels, file.CurrentChannel)
	next := file.AvailableChannels[(i+1)%len(file.AvailableChannels)]

	s.status.set("loading channel "+next, false)

	// failures are reported through the status listener
	_ = s.sess.ChangeChannel(s.ctx, next)
}

// nextDepthMode cycles the depth mode. Entering manual mode pins the
// current frame's range.
func (s *TUIState) nextDepthMode() {
	ctl := s.sess.Depth()
	if ctl == nil {
		return
	}

	next := ctl.Mode().Next()
	if next == depth.Manual {
		if b, err := ctl.Bounds(s.index); err == nil && b.Min < b.Max {
			_ = ctl.SetManual(b.Min, b.Max)
		}
	}

	_ = ctl.SetMode(next)
}

func draw(state *TUIState) {
	_ = termbox.Clear(colDef, colDef)

	if state.showHelp {
		drawHelp()
		return
	}

	w, h := termbox.Size()
	st := state.sess.Store()
	path, channel := state.sess.Current()

	printTB(0, 0, colCyan, colDef, "AFM viewer (afmview) - ? for help, q to quit")

	if path == "" {
		printTB(0, 2, colWhite, colDef, "Nothing loaded.")
		drawStatus(state, h)
		termbox.Flush()

		return
	}

	file, _ := st.File()
	f, fm, err := st.Frame(state.index)

	printTB(0, 1, colWhite, colDef, truncate(path, w))

	play := "paused"
	if state.playing {
		play = "playing"
	}

	printTB(0, 2, colDef, colDef, truncate(fmt.Sprintf("channel %s of %v  view %s  depth %s  fps %s  %s",
		channel, file.AvailableChannels, st.Mode(), state.depthMode(), file.FPS, play), w))

	if err != nil {
		drawStatus(state, h)
		termbox.Flush()

		return
	}

	printTB(0, 3, colDef, colDef, truncate(fmt.Sprintf("frame %d/%d  t=%.3fs  %dx%d px  %.4g nm  range %.4g..%.4g",
		state.index+1, st.FrameCount(), fm.TimestampS, f.Width, f.Height, fm.XRangeNM, fm.MinValue, fm.MaxValue), w))

	drawFrame(state, f, fm, w, h)
	drawStatus(state, h)

	termbox.Flush()
}

func (s *TUIState) depthMode() depth.Mode {
	if ctl := s.sess.Depth(); ctl != nil {
		return ctl.Mode()
	}

	return depth.Frame
}

// drawFrame renders f with half blocks: each cell shows two image rows,
// the upper one as foreground.
func drawFrame(state *TUIState, f afm.Frame, fm afm.FrameMetadata, w, h int) {
	rows := h - headerRows - 3
	if rows < 2 || w < 2 {
		return
	}

	pw, ph := resample.Fit(f.Width, f.Height, w, rows*2, 1)

	_, _, load := state.status.get()
	key := renderKey{load: load.ID.String(), mode: state.sess.Store().Mode(), index: state.index, w: pw, h: ph}

	if state.cache.key != key {
		state.cache = rendered{key: key, frame: state.resampler.Frame(f, pw, ph)}
	}

	img := state.cache.frame

	b := depth.Bounds{Min: fm.MinValue, Max: fm.MaxValue}
	if ctl := state.sess.Depth(); ctl != nil {
		if cb, err := ctl.Bounds(state.index); err == nil {
			b = cb
		}
	}

	for y := 0; y < img.Height; y += 2 {
		for x := range img.Width {
			top := gray(b.Normalize(img.At(y, x)))
			bottom := colDef

			if y+1 < img.Height {
				bottom = gray(b.Normalize(img.At(y+1, x)))
			}

			termbox.SetCell(x, headerRows+y/2, '▀', top, bottom)
		}
	}

	drawScaleBar(fm, f.Width, img.Width, headerRows+(img.Height+1)/2)
}

// gray maps v in [0, 1] onto the 256-colour grayscale ramp.
func gray(v float64) termbox.Attribute {
	level := min(int(math.Round(v*(grayLevels-1))), grayLevels-1)
	return termbox.Attribute(232 + level + 1)
}

func drawScaleBar(fm afm.FrameMetadata, frameWidth, cells, y int) {
	if fm.ScaleBarPixels <= 0 || frameWidth <= 0 {
		return
	}

	n := max(fm.ScaleBarPixels*cells/frameWidth, 1)
	for x := range n {
		termbox.SetCell(x, y, '━', colWhite, colDef)
	}

	printTB(n+1, y, colWhite, colDef, fmt.Sprintf("%g nm", fm.NiceScaleBarNM))
}

func drawStatus(state *TUIState, h int) {
	text, failed, _ := state.status.get()
	if text == "" {
		return
	}

	col := colGreen
	if failed {
		col = colRed
	}

	printTB(0, h-1, col, colDef, text)
}

func drawHelp() {
	lines := []string{
		"Keys",
		"",
		"  ← →        previous / next frame",
		"  Home End   first / last frame",
		"  Space      play / pause",
		"  c          next channel",
		"  v          next view (Target, Preview, Original, ...)",
		"  d          next depth mode (frame, histogram, outlier, manual)",
		"  r          reload from disk",
		"  q / Esc    quit",
		"",
		"Press any key to return.",
	}

	for i, l := range lines {
		col := colDef
		if i == 0 {
			col = colYellow
		}

		printTB(0, i, col, colDef, l)
	}

	termbox.Flush()
}

// truncate cuts s to at most w display columns.
func truncate(s string, w int) string {
	if runewidth.StringWidth(s) <= w {
		return s
	}

	return runewidth.Truncate(s, max(w, 1), "…")
}

func printTB(x, y int, fg, bg termbox.Attribute, msg string) {
	for _, c := range msg {
		termbox.SetCell(x, y, c, fg, bg)
		x += runewidth.RuneWidth(c)
	}
}
