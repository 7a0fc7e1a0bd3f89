// Command afmview shows an AFM file or frame-sequence folder in the
// terminal and in a browser.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"afmio/internal/config"
	"afmio/internal/format"
	"afmio/internal/h5/native"
	"afmio/internal/metrics"
	"afmio/internal/session"
	"afmio/internal/store"
	"afmio/internal/watch"
	"afmio/web"
)

func main() {
	configFile := flag.String("config", "", "YAML settings file")
	channel := flag.String("channel", "", "Channel to load (default: the format's default channel)")
	depthMode := flag.String("depth", "", "Initial depth mode: frame, histogram, outlier or manual")
	noTUI := flag.Bool("no-tui", false, "Disable interactive TUI")
	webPort := flag.Int("port", 0, "Web server port (default from config, 8080)")
	noBrowser := flag.Bool("no-browser", false, "Don't auto-open browser")
	noWeb := flag.Bool("no-web", false, "Disable web server")
	watchPath := flag.Bool("watch", false, "Reload when the file or folder changes on disk")
	yes := flag.Bool("yes", false, "Continue loading folders whose members disagree")
	logFile := flag.String("log", "", "Log file path (default from config, afmview.log)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showHelp := flag.Bool("help", false, "Show this help message")

	flag.Parse()

	if *showHelp || flag.NArg() != 1 {
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("AFM viewer (afmview)")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("\nUsage: afmview [options] <file-or-folder>")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("\nExamples:")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("  afmview scan.ibw")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("  afmview -channel Phase -depth outlier ./timelapse")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("\nOptions:")
		flag.PrintDefaults()

		if !*showHelp {
			os.Exit(1)
		}

		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		//nolint:forbidigo // error output before logging is initialized
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	applyFlags(&cfg, *webPort, *logFile, *depthMode, *noBrowser, *watchPath, *yes)

	if err := cfg.Validate(); err != nil {
		//nolint:forbidigo // error output before logging is initialized
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	// Setup logging
	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		//nolint:forbidigo // error output before logging is initialized
		fmt.Printf("Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(file, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	slog.Info("Starting afmview", "args", os.Args)

	ctl, err := cfg.DepthControl()
	if err != nil {
		slog.Error("Invalid depth settings", "error", err)
		//nolint:forbidigo // critical error output to user
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	m := metrics.New()

	reg := format.New(native.Opener, format.WithLogger(logger), format.WithObserver(m))
	for ext, ch := range cfg.Channels {
		reg.SetDefaultChannel(ext, ch)
	}

	fo := cfg.FolderOptions()
	fo.Logger = logger

	sess := session.New(reg, store.New(),
		session.WithDepth(ctl),
		session.WithMetrics(m),
		session.WithLogger(logger),
		session.WithFolderOptions(fo))

	status := &statusLine{}
	sess.AddListener(status)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start web server if not disabled
	var webServer *web.Server
	if !*noWeb {
		webServer = web.NewServer(sess, m, cfg.Web.Port)
		sess.AddListener(webServer)

		if err := webServer.SetLoadRoot(loadRoot(flag.Arg(0))); err != nil {
			slog.Warn("Browser loads disabled", "error", err)
		}

		go func() {
			if err := webServer.Start(); err != nil {
				slog.Error("Web server error", "error", err)
			}
		}()

		if cfg.Web.Browser {
			time.Sleep(200 * time.Millisecond) // Give server time to start
			go func() {
				url := fmt.Sprintf("http://localhost:%d", cfg.Web.Port)
				if err := web.OpenBrowser(url); err != nil {
					slog.Error("Failed to open browser", "error", err)
				}
			}()
		}

		//nolint:forbidigo // startup message
		fmt.Printf("Web UI available at http://localhost:%d\n", cfg.Web.Port)
	}

	path := flag.Arg(0)
	if _, err := sess.Load(ctx, path, *channel); err != nil {
		// the session has already logged and reported the failure
		//nolint:forbidigo // critical error output to user
		fmt.Printf("ERROR: %v\n", err)
	}

	if cfg.Web.Watch {
		go func() {
			err := watch.Run(ctx, path, watch.DefaultDebounce, func() {
				if err := sess.Reload(ctx); err != nil {
					slog.Warn("Reload after change failed", "path", path, "error", err)
				}
			})
			if err != nil {
				slog.Error("Watch failed", "path", path, "error", err)
			}
		}()
	}

	if *noTUI {
		//nolint:forbidigo // headless mode startup message
		fmt.Println("TUI disabled. Running in headless mode.")
		//nolint:forbidigo // headless mode startup message
		fmt.Println("Log file:", cfg.LogFile)
		//nolint:forbidigo // headless mode startup message
		fmt.Println("Press Ctrl+C to exit.")

		<-ctx.Done()
	} else {
		runTUI(ctx, sess, status)
	}

	stop()

	// Shutdown web server gracefully
	if webServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := webServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Web server shutdown error", "error", err)
		}
	}

	slog.Info("Shutdown complete")
}

// loadRoot is the directory browser clients may load from: the folder
// itself, or the directory holding the file.
func loadRoot(path string) string {
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		return path
	}

	return filepath.Dir(path)
}

// applyFlags lays command-line values over the settings file. Zero values
// leave the file's setting in place.
func applyFlags(cfg *config.Config, port int, logFile, depthMode string, noBrowser, watchPath, yes bool) {
	if port != 0 {
		cfg.Web.Port = port
	}

	if logFile != "" {
		cfg.LogFile = logFile
	}

	if depthMode != "" {
		cfg.Depth.Mode = depthMode
	}

	if noBrowser {
		cfg.Web.Browser = false
	}

	if watchPath {
		cfg.Web.Watch = true
	}

	if yes {
		cfg.Folder.Continue = true
	}
}
