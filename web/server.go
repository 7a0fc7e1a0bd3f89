// Package web serves the loaded dataset to a browser over REST and
// WebSocket.
package web

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"log/slog"
	"math"
	"net/http"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"afmio/internal/depth"
	"afmio/internal/metrics"
	"afmio/internal/session"
	"afmio/pkg/afm"
	"afmio/pkg/f16"
	"afmio/pkg/resample"
)

// Errors.
var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrLoadDisabled        = errors.New("web: loading by path is disabled")
	ErrOutsideRoot         = errors.New("web: path is outside the load root")
)

//go:embed static/*
var staticFiles embed.FS

// maxPreviewWidth bounds the w parameter of /api/frame.png.
const maxPreviewWidth = 4096

// Message is one WebSocket message in either direction.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MetadataPayload describes the active view.
type MetadataPayload struct {
	Path     string              `json:"path"`
	Format   string              `json:"format"`
	InFolder bool                `json:"contained_in_folder"`
	Mode     string              `json:"mode"`
	Depth    depth.Mode          `json:"depth_mode"`
	File     afm.FileMetadata    `json:"file"`
	Frames   []afm.FrameMetadata `json:"frames"`
}

// LoadFailedPayload is sent when a load fails.
type LoadFailedPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ViewsPayload lists the store views.
type ViewsPayload struct {
	Mode  string   `json:"mode"`
	Modes []string `json:"modes"`
}

type loadRequest struct {
	Path    string `json:"path"`
	Channel string `json:"channel"`
}

type depthRequest struct {
	Mode string   `json:"mode"`
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
}

// Server is the browser UI server. It implements session.Listener.
type Server struct {
	sess       *session.Session
	metrics    *metrics.Metrics
	resampler  *resample.Resampler
	port       int
	loadRoot   string
	hub        *Hub
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer creates a server for sess. m may be nil.
func NewServer(sess *session.Session, m *metrics.Metrics, port int) *Server {
	s := &Server{
		sess:      sess,
		metrics:   m,
		resampler: resample.New(),
		port:      port,
		hub:       NewHub(m.SetClients),
	}

	s.mux = s.routes()

	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	staticFS, err := fs.Sub(staticFiles, "static")
	if err == nil {
		mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	}

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/metadata", s.handleMetadata)
	mux.HandleFunc("GET /api/frame", s.handleFrame)
	mux.HandleFunc("GET /api/frame.png", s.handleFramePNG)
	mux.HandleFunc("GET /api/views", s.handleViews)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return mux
}

// SetLoadRoot allows "load" messages for paths under dir. Until it is
// called every "load" message is refused.
func (s *Server) SetLoadRoot(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	s.loadRoot = abs

	return nil
}

// resolveLoad returns the absolute form of a client-supplied path that
// lies under the load root.
func (s *Server) resolveLoad(path string) (string, error) {
	if s.loadRoot == "" {
		return "", ErrLoadDisabled
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(s.loadRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}

	return abs, nil
}

// Handler returns the HTTP handler without starting the hub.
func (s *Server) Handler() http.Handler { return s.mux }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub and listens until Shutdown.
func (s *Server) Start() error {
	go s.hub.Run()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Web server starting", "port", s.port, "url", fmt.Sprintf("http://localhost:%d", s.port))

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Shutdown stops the listener and the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

// upgrader keeps gorilla's default same-origin check: browsers on other
// sites cannot drive the session.
//
//nolint:gochecknoglobals // WebSocket upgrader configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{hub: s.hub, conn: conn, send: make(chan []byte, sendBuffer)}

	// queue the current state before the client becomes visible to broadcasts
	client.send <- s.encode("views", s.views())
	if md, err := s.metadata(); err == nil {
		client.send <- s.encode("metadata", md)
	}

	if !s.hub.add(client) {
		conn.Close()
		return
	}

	go client.writePump()
	client.readPump(s.handleClientMessage)
}

func (s *Server) encode(typ string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal payload", "type", typ, "error", err)
		return nil
	}

	data, _ := json.Marshal(Message{Type: typ, Payload: raw})

	return data
}

func (s *Server) broadcast(typ string, payload any) {
	if data := s.encode(typ, payload); data != nil {
		s.hub.Broadcast(data)
	}
}

func (s *Server) handleClientMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Error("Failed to parse WebSocket message", "error", err)
		return
	}

	ctx := context.Background()

	switch msg.Type {
	case "set_channel":
		var req loadRequest
		if err := json.Unmarshal(msg.Payload, &req); err == nil {
			if err := s.sess.ChangeChannel(ctx, req.Channel); err != nil {
				slog.Warn("set_channel failed", "channel", req.Channel, "error", err)
			}
		}

	case "set_mode":
		var req struct {
			Mode string `json:"mode"`
		}

		if err := json.Unmarshal(msg.Payload, &req); err == nil {
			if err := s.sess.SetMode(req.Mode); err != nil {
				slog.Warn("set_mode rejected", "mode", req.Mode, "error", err)
			}
		}

	case "set_depth":
		var req depthRequest
		if err := json.Unmarshal(msg.Payload, &req); err == nil {
			if err := s.setDepth(req); err != nil {
				slog.Warn("set_depth rejected", "mode", req.Mode, "error", err)
				return
			}

			s.broadcast("depth_changed", req)
		}

	case "load":
		var req loadRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Path == "" {
			return
		}

		path, err := s.resolveLoad(req.Path)
		if err != nil {
			slog.Warn("load rejected", "path", req.Path, "error", err)
			s.OnLoadFailed(afm.KindFileNotFound, err.Error())

			return
		}

		if _, err := s.sess.Load(ctx, path, req.Channel); err != nil {
			slog.Warn("load failed", "path", path, "error", err)
		}

	default:
		slog.Debug("Unknown WebSocket message", "type", msg.Type)
	}
}

func (s *Server) setDepth(req depthRequest) error {
	ctl := s.sess.Depth()
	if ctl == nil {
		return depth.ErrNotLoaded
	}

	m, err := depth.ParseMode(req.Mode)
	if err != nil {
		return err
	}

	if m == depth.Manual && req.Min != nil && req.Max != nil {
		if err := ctl.SetManual(*req.Min, *req.Max); err != nil {
			return err
		}
	}

	return ctl.SetMode(m)
}

// OnLoadComplete broadcasts the new metadata (session.Listener).
func (s *Server) OnLoadComplete(_ session.Info, _ *afm.Dataset) {
	if md, err := s.metadata(); err == nil {
		s.broadcast("load_complete", md)
	}
}

// OnChannelChanged broadcasts the reloaded channel (session.Listener).
func (s *Server) OnChannelChanged(channel string) {
	s.broadcast("channel_changed", map[string]string{"channel": channel})
}

// OnLoadFailed broadcasts the failure (session.Listener).
func (s *Server) OnLoadFailed(kind afm.ErrorKind, message string) {
	s.broadcast("load_failed", LoadFailedPayload{Kind: kind.String(), Message: message})
}

// OnModeChanged broadcasts the active view (session.Listener).
func (s *Server) OnModeChanged(_, mode string) {
	s.broadcast("mode_changed", s.views())
}

func (s *Server) views() ViewsPayload {
	st := s.sess.Store()
	return ViewsPayload{Mode: st.Mode(), Modes: st.Modes()}
}

func (s *Server) metadata() (MetadataPayload, error) {
	st := s.sess.Store()

	file, err := st.File()
	if err != nil {
		return MetadataPayload{}, err
	}

	frames, err := st.FrameMeta()
	if err != nil {
		return MetadataPayload{}, err
	}

	path, format, inFolder := st.Source()

	md := MetadataPayload{
		Path:     path,
		Format:   format,
		InFolder: inFolder,
		Mode:     st.Mode(),
		Depth:    depth.Frame,
		File:     file,
		Frames:   frames,
	}

	if ctl := s.sess.Depth(); ctl != nil {
		md.Depth = ctl.Mode()
	}

	return md, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	md, err := s.metadata()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, md)
}

func (s *Server) handleViews(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.views())
}

// frame loads frame i from the query along with its display bounds.
func (s *Server) frame(r *http.Request) (afm.Frame, depth.Bounds, int, error) {
	i, err := strconv.Atoi(r.URL.Query().Get("i"))
	if err != nil {
		i = 0
	}

	f, fm, err := s.sess.Store().Frame(i)
	if err != nil {
		return afm.Frame{}, depth.Bounds{}, http.StatusNotFound, err
	}

	b := depth.Bounds{Min: fm.MinValue, Max: fm.MaxValue}
	if ctl := s.sess.Depth(); ctl != nil {
		if cb, err := ctl.Bounds(i); err == nil {
			b = cb
		}
	}

	return f, b, http.StatusOK, nil
}

// handleFrame sends frame values as float16 normalized to the display
// bounds, which are reported in headers.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	f, b, code, err := s.frame(r)
	if err != nil {
		http.Error(w, err.Error(), code)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("X-Frame-Width", strconv.Itoa(f.Width))
	h.Set("X-Frame-Height", strconv.Itoa(f.Height))
	h.Set("X-Depth-Min", strconv.FormatFloat(b.Min, 'g', -1, 64))
	h.Set("X-Depth-Max", strconv.FormatFloat(b.Max, 'g', -1, 64))

	_, _ = w.Write(f16.EncodeNormalized(f.Data, b.Min, b.Max))
}

// handleFramePNG renders frame i as 8-bit grayscale, optionally resized to
// width w.
func (s *Server) handleFramePNG(w http.ResponseWriter, r *http.Request) {
	f, b, code, err := s.frame(r)
	if err != nil {
		http.Error(w, err.Error(), code)
		return
	}

	if pw, err := strconv.Atoi(r.URL.Query().Get("w")); err == nil && pw > 0 && pw != f.Width {
		pw = min(pw, maxPreviewWidth)
		ph := max(int(math.Round(float64(f.Height)*float64(pw)/float64(f.Width))), 1)
		f = s.resampler.Frame(f, pw, ph)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, Grayscale(f, b)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

// Grayscale maps f through b onto 8-bit gray. Row 0 of the frame is the
// top row of the image.
func Grayscale(f afm.Frame, b depth.Bounds) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))

	for y := range f.Height {
		for x := range f.Width {
			img.SetGray(x, y, color.Gray{Y: uint8(math.Round(b.Normalize(f.At(y, x)) * 255))})
		}
	}

	return img
}

// OpenBrowser opens the default browser to the specified URL.
func OpenBrowser(url string) error {
	ctx := context.Background()

	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux":
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "cmd", "/c", "start", url)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, runtime.GOOS)
	}

	return cmd.Start()
}
