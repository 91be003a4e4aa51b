package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/schaermu/blogsync/internal/backend"
	"github.com/schaermu/blogsync/internal/changes"
	"github.com/schaermu/blogsync/internal/lock"
	"github.com/schaermu/blogsync/internal/manifest"
	"github.com/schaermu/blogsync/internal/publish"
	"github.com/schaermu/blogsync/internal/site"
)

var (
	publishForce   bool
	publishDryRun  bool
	publishSource  string
	publishMessage string
	publishHashes  string
	manifestSource string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Upload the rendered site to the configured backend",
	Long: `Publish compares the rendered site with the manifest of the last publish and
uploads new and changed files, then deletes files that were published before
but no longer exist locally. Files blogsync never published are left alone.

Without a manifest on the backend every file is uploaded and nothing is deleted.`,
	RunE: runPublish,
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Show the manifest stored on the backend",
	RunE:  runManifest,
}

var manifestWriteCmd = &cobra.Command{
	Use:   "write",
	Short: "Record the rendered site as published without uploading",
	Long: `Write stores a manifest describing the rendered site on the backend. Use it to
adopt a backend whose content was uploaded by other means, so the next publish
only sends changes.`,
	RunE: runManifestWrite,
}

func init() {
	publishCmd.Flags().BoolVar(&publishForce, "force", false, "upload every file regardless of the manifest")
	publishCmd.Flags().BoolVar(&publishDryRun, "dry-run", false, "show what would be uploaded and deleted without making changes")
	publishCmd.Flags().StringVar(&publishSource, "source", "", "rendered site directory (default is blog.source_dir)")
	publishCmd.Flags().StringVar(&publishMessage, "message", "", "commit message for git backends")
	publishCmd.Flags().StringVar(&publishHashes, "hashes", "", "JSON file mapping paths to renderer-computed hashes")

	manifestWriteCmd.Flags().StringVar(&manifestSource, "source", "", "rendered site directory (default is blog.source_dir)")
	manifestCmd.AddCommand(manifestWriteCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	publisher, err := a.publisher()
	if err != nil {
		return err
	}
	defer func() {
		_ = publisher.Close()
	}()

	hashes, err := readHashes(publishHashes)
	if err != nil {
		return err
	}

	bar := newProgress(cmd.ErrOrStderr(), publishDryRun)
	engine := publish.NewEngine(a.cfg, publisher, a.locker, a.logger)
	report, err := engine.Run(ctx, publish.Options{
		SourceDir: publishSource,
		Hashes:    hashes,
		Force:     publishForce,
		DryRun:    publishDryRun,
		Message:   publishMessage,
		Progress:  bar.update,
	})
	bar.finish()
	if err != nil {
		a.logger.Error("publish failed", "error", err)
		return err
	}

	printReport(cmd.OutOrStdout(), report)
	return nil
}

func readHashes(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hashes file: %w", err)
	}
	var hashes map[string]string
	if err := json.Unmarshal(data, &hashes); err != nil {
		return nil, fmt.Errorf("failed to parse hashes file: %w", err)
	}
	if hashes == nil {
		hashes = map[string]string{}
	}
	return hashes, nil
}

// progress renders upload progress on a terminal.
type progress struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func newProgress(w io.Writer, disabled bool) *progress {
	p := &progress{w: w}
	if disabled || !isTerminal(w) {
		return p
	}
	p.bar = progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("connecting"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(20),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
	return p
}

func (p *progress) update(ev backend.Progress) {
	if p.bar == nil {
		return
	}
	p.bar.Describe(string(ev.Phase))
	if ev.Total > 0 {
		p.bar.ChangeMax(ev.Total)
		_ = p.bar.Set(ev.Done)
	}
}

func (p *progress) finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func printReport(w io.Writer, report *publish.Report) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	if report.DryRun {
		printDelta(w, report.Delta)
		return
	}

	res := report.Result
	_, _ = fmt.Fprintf(w, "published to %s (%s)\n", res.Backend, report.PublishID)
	_, _ = fmt.Fprintf(w, "  %s %d  %s %d  unchanged %d\n",
		green("uploaded"), len(res.Uploaded), red("deleted"), len(res.Deleted), res.Skipped)
	if res.Manifest != nil {
		_, _ = fmt.Fprintf(w, "  manifest version %d\n", res.Manifest.Version)
	}
	for _, warning := range res.Warnings {
		_, _ = fmt.Fprintf(w, "  %s %v\n", yellow("warning"), warning)
	}
}

func printDelta(w io.Writer, d changes.Delta) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	_, _ = fmt.Fprintf(w, "dry run (%s): %d to upload, %d to delete, %d unchanged\n",
		d.Mode, len(d.ToUpload), len(d.ToDelete), d.Skipped)
	for _, p := range d.ToUpload {
		_, _ = fmt.Fprintf(w, "  %s %s\n", green("+"), p)
	}
	for _, p := range d.ToDelete {
		_, _ = fmt.Fprintf(w, "  %s %s\n", red("-"), p)
	}
}

func runManifest(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	publisher, err := a.publisher()
	if err != nil {
		return err
	}
	defer func() {
		_ = publisher.Close()
	}()

	m, err := publisher.FetchManifest(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch manifest: %w", err)
	}
	if m == nil {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no manifest on backend; the next publish uploads everything")
		return nil
	}
	data, err := manifest.Marshal(m)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runManifestWrite(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	dir := manifestSource
	if dir == "" {
		dir = a.cfg.Blog.SourceDir
	}
	files, err := site.Scan(dir)
	if err != nil {
		return fmt.Errorf("failed to read rendered site: %w", err)
	}

	publisher, err := a.publisher()
	if err != nil {
		return err
	}
	defer func() {
		_ = publisher.Close()
	}()

	release, err := a.locker.TryAcquire(ctx, lock.PublishKey(a.cfg.Blog.URL))
	if err != nil {
		return err
	}
	defer release()

	if err := publisher.WriteManifest(ctx, files.Hashes(), a.cfg.Publish.PublishedBy); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "recorded %d files in the %s manifest\n", len(files), publisher.Name())
	return nil
}
