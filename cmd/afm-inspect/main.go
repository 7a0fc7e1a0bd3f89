// Command afm-inspect decodes an AFM file or frame-sequence folder and
// prints its normalized metadata.
//
// Usage:
//
//	afm-inspect [options] <file-or-folder>
//
// Options:
//
//	-channel    Channel to decode (default: the format's default channel)
//	-config     YAML settings file
//	-json       Print the load result as JSON
//	-frames     Print one line per frame
//	-yes        Continue when folder members disagree without asking
//	-formats    List the supported extensions and exit
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"afmio/internal/config"
	"afmio/internal/folder"
	"afmio/internal/format"
	"afmio/internal/h5/native"
	"afmio/internal/session"
	"afmio/internal/store"
	"afmio/pkg/afm"
)

var (
	channel    = flag.String("channel", "", "Channel to decode (default: the format's default channel)")
	configFile = flag.String("config", "", "YAML settings file")
	asJSON     = flag.Bool("json", false, "Print the load result as JSON")
	frames     = flag.Bool("frames", false, "Print one line per frame")
	yes        = flag.Bool("yes", false, "Continue when folder members disagree without asking")
	formats    = flag.Bool("formats", false, "List the supported extensions and exit")
)

// options are the flag values run needs.
type options struct {
	Channel string
	JSON    bool
	Frames  bool
	Yes     bool
	Folder  folder.Options
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <file-or-folder>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Decodes an AFM file or frame-sequence folder and prints its metadata.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s scan.ibw\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -channel Phase -json ./timelapse\n", os.Args[0])
	}
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	reg := format.New(native.Opener)
	for ext, ch := range cfg.Channels {
		reg.SetDefaultChannel(ext, ch)
	}

	if *formats {
		//nolint:forbidigo // CLI output
		fmt.Println(strings.Join(reg.Extensions(), " "))
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	opts := options{
		Channel: *channel,
		JSON:    *asJSON,
		Frames:  *frames,
		Yes:     *yes || cfg.Folder.Continue,
		Folder:  cfg.FolderOptions(),
	}

	if err := run(context.Background(), os.Stdout, os.Stdin, reg, flag.Arg(0), opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", afm.KindOf(err), err)
		os.Exit(1)
	}
}

// loadResult is the JSON output.
type loadResult struct {
	Load    session.Info `json:"load"`
	Dataset *afm.Dataset `json:"dataset"`
}

func run(ctx context.Context, w io.Writer, in io.Reader, dec session.Decoder, path string, opts options) error {
	fo := opts.Folder
	fo.Decide = decider(w, in, opts.Yes)

	st := store.New()
	sess := session.New(dec, st, session.WithFolderOptions(fo))

	info, err := sess.Load(ctx, path, opts.Channel)
	if err != nil {
		return err
	}

	ds, err := st.Snapshot()
	if err != nil {
		return err
	}

	if opts.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(loadResult{Load: info, Dataset: ds})
	}

	return printSummary(w, info, ds, opts.Frames)
}

// decider answers folder inconsistencies, asking on in unless yes is set.
func decider(w io.Writer, in io.Reader, yes bool) func(folder.Inconsistency) bool {
	return func(inc folder.Inconsistency) bool {
		fmt.Fprintf(w, "Warning: %v\n", inc)

		for _, m := range inc.Mismatches {
			fmt.Fprintf(w, "  %s: %s has %g, %s has %g\n", m.Field, m.Path, m.Got, inc.Reference, m.Want)
		}

		if yes {
			return true
		}

		fmt.Fprint(w, "Continue loading? [y/N] ")

		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false
		}

		answer := strings.ToLower(strings.TrimSpace(line))

		return answer == "y" || answer == "yes"
	}
}

func printSummary(w io.Writer, info session.Info, ds *afm.Dataset, perFrame bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "path\t%s\n", ds.Path)
	fmt.Fprintf(tw, "format\t%s\n", ds.Format)
	fmt.Fprintf(tw, "folder\t%t\n", ds.InFolder)

	for i, name := range afm.FileMetadataFields {
		fmt.Fprintf(tw, "%s\t%v\n", name, ds.File.Fields()[i])
	}

	if len(info.Discarded) > 0 {
		fmt.Fprintf(tw, "discarded\t%s\n", strings.Join(info.Discarded, ", "))
	}

	if info.Failed > 0 {
		fmt.Fprintf(tw, "failed\t%d\n", info.Failed)
	}

	fmt.Fprintf(tw, "elapsed\t%s\n", info.Elapsed.Round(time.Microsecond))

	if err := tw.Flush(); err != nil {
		return err
	}

	if !perFrame {
		return nil
	}

	fmt.Fprintln(w)

	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "frame\t%s\tscale_bar_nm\t\n", strings.Join(afm.FrameMetadataFields, "\t"))

	for i, m := range ds.FrameMeta {
		fmt.Fprintf(tw, "%d\t%.4g\t%.4g\t%.4g\t%.4g\t%.3f\t%g\t\n",
			i, m.XRangeNM, m.PixelToNMScale, m.MaxValue, m.MinValue, m.TimestampS, m.NiceScaleBarNM)
	}

	return tw.Flush()
}
