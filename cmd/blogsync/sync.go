package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/schaermu/blogsync/internal/content"
	"github.com/schaermu/blogsync/internal/sync"
)

var (
	syncJSON     bool
	syncNoDrafts bool
	syncClear    bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Check and pull content published from another device",
	Long: `Sync compares the local content with the remote configured in sync.remote_url
and merges remote changes in. The blog defaults to blog.url.

Drafts are only exchanged when the sync password (sync.password_ref) is set on
both sides. They are encrypted before they leave the remote.`,
}

var syncCheckCmd = &cobra.Command{
	Use:   "check [blog-url]",
	Short: "Show what a pull would change",
	Args:  cobra.MaximumNArgs(1),
	RunE:  withSyncClient(runSyncCheck),
}

var syncPullCmd = &cobra.Command{
	Use:   "pull [blog-url]",
	Short: "Merge remote changes into the local content",
	Args:  cobra.MaximumNArgs(1),
	RunE:  withSyncClient(runSyncPull),
}

var syncImportCmd = &cobra.Command{
	Use:   "import [blog-url]",
	Short: "Register a blog that is new to this device and pull it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  withSyncClient(runSyncImport),
}

var syncEnableCmd = &cobra.Command{
	Use:   "enable [blog-url]",
	Short: "Enable sync for a blog",
	Args:  cobra.MaximumNArgs(1),
	RunE:  withSyncClient(runSyncEnable),
}

var syncDisableCmd = &cobra.Command{
	Use:   "disable [blog-url]",
	Short: "Disable sync for a blog, keeping its registration",
	Args:  cobra.MaximumNArgs(1),
	RunE:  withSyncClient(runSyncDisable),
}

var syncPasswordCmd = &cobra.Command{
	Use:   "password [blog-url]",
	Short: "Apply the configured sync password and rotate the draft salt",
	Long: `Password records that the blog's drafts are protected by the password in
sync.password_ref and generates a new draft salt. Drafts sealed under the old
salt can no longer be opened. With --clear, draft sync is turned off.`,
	Args: cobra.MaximumNArgs(1),
	RunE: withSyncClient(runSyncPassword),
}

func init() {
	syncCheckCmd.Flags().BoolVar(&syncJSON, "json", false, "print the result as JSON")
	syncPullCmd.Flags().BoolVar(&syncNoDrafts, "no-drafts", false, "do not pull drafts even if a sync password is configured")
	syncPasswordCmd.Flags().BoolVar(&syncClear, "clear", false, "remove the sync password")

	syncCmd.AddCommand(syncCheckCmd, syncPullCmd, syncImportCmd, syncEnableCmd, syncDisableCmd, syncPasswordCmd)
}

type syncRunFunc func(ctx context.Context, cmd *cobra.Command, a *app, client *sync.Client, blogURL string) error

// withSyncClient builds the app and a sync client for a sync subcommand.
func withSyncClient(run syncRunFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := setupSignalHandler()
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		blogURL := a.cfg.Blog.URL
		if len(args) == 1 {
			blogURL = args[0]
		}
		return run(ctx, cmd, a, a.syncClient(sync.NewSessionCache()), blogURL)
	}
}

func runSyncCheck(ctx context.Context, cmd *cobra.Command, _ *app, client *sync.Client, blogURL string) error {
	res, err := client.Check(ctx, blogURL)
	if err != nil {
		return err
	}
	if syncJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printCheck(cmd.OutOrStdout(), blogURL, res)
	return nil
}

func printCheck(w io.Writer, blogURL string, res *sync.CheckResult) {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	if !res.HasChanges {
		_, _ = fmt.Fprintf(w, "%s is up to date (version %d)\n", bold(blogURL), res.RemoteVersion)
		return
	}
	_, _ = fmt.Fprintf(w, "%s: remote version %d, last pulled %d\n", bold(blogURL), res.RemoteVersion, res.LocalVersion)
	_, _ = fmt.Fprintf(w, "  %s %d  %s %d  %s %d\n",
		green("new"), res.Summary.New, yellow("modified"), res.Summary.Modified, red("deleted"), res.Summary.Deleted)

	for _, c := range sortedCategories(res.Details) {
		d := res.Details[c]
		_, _ = fmt.Fprintf(w, "  %s\n", bold(c))
		printRefs(w, green("+"), d.New)
		printRefs(w, yellow("~"), d.Modified)
		printRefs(w, red("-"), d.Deleted)
	}
	if res.Manifest.HasDrafts {
		_, _ = fmt.Fprintln(w, "  remote has drafts; they are pulled when a sync password is configured")
	}
}

func printRefs(w io.Writer, mark string, refs []sync.ItemRef) {
	for _, r := range refs {
		_, _ = fmt.Fprintf(w, "    %s %s\n", mark, r.ID)
	}
}

// sortedCategories returns the categories of d in display order.
func sortedCategories(d sync.SyncDiff) []content.Category {
	order := make(map[content.Category]int, len(content.Categories))
	for i, c := range content.Categories {
		order[c] = i
	}
	out := make([]content.Category, 0, len(d))
	for c := range d {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i]] < order[out[j]] })
	return out
}

func pullPassword(ctx context.Context, a *app) (string, error) {
	if syncNoDrafts {
		return "", nil
	}
	return a.syncPassword(ctx)
}

func runSyncPull(ctx context.Context, cmd *cobra.Command, a *app, client *sync.Client, blogURL string) error {
	password, err := pullPassword(ctx, a)
	if err != nil {
		return err
	}
	res, err := client.Pull(ctx, blogURL, password)
	if err != nil {
		return err
	}
	printPull(cmd.OutOrStdout(), "pulled", blogURL, res)
	return nil
}

func runSyncImport(ctx context.Context, cmd *cobra.Command, a *app, client *sync.Client, blogURL string) error {
	password, err := a.syncPassword(ctx)
	if err != nil {
		return err
	}
	res, err := client.Import(ctx, blogURL, password)
	if err != nil {
		return err
	}
	printPull(cmd.OutOrStdout(), "imported", blogURL, res)
	return nil
}

func printPull(w io.Writer, verb, blogURL string, res *sync.PullResult) {
	s := res.Applied.Summary()
	drafts := "without drafts"
	if res.DraftsIncluded {
		drafts = "with drafts"
	}
	_, _ = fmt.Fprintf(w, "%s %s at version %d %s: %d new, %d modified, %d deleted\n",
		verb, blogURL, res.Version, drafts, s.New, s.Modified, s.Deleted)
}

func runSyncEnable(ctx context.Context, cmd *cobra.Command, a *app, client *sync.Client, blogURL string) error {
	password, err := a.syncPassword(ctx)
	if err != nil {
		return err
	}
	cfg, err := client.EnableSync(ctx, blogURL, password)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sync enabled for %s (password: %t)\n", blogURL, cfg.HasPassword)
	return nil
}

func runSyncDisable(ctx context.Context, cmd *cobra.Command, _ *app, client *sync.Client, blogURL string) error {
	if err := client.DisableSync(ctx, blogURL); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sync disabled for %s\n", blogURL)
	return nil
}

func runSyncPassword(ctx context.Context, cmd *cobra.Command, a *app, client *sync.Client, blogURL string) error {
	password := ""
	if !syncClear {
		p, err := a.syncPassword(ctx)
		if err != nil {
			return err
		}
		if p == "" {
			return fmt.Errorf("sync.password_ref is not set; use --clear to remove the password")
		}
		password = p
	}
	cfg, err := client.ChangePassword(ctx, blogURL, password)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sync password for %s updated (password: %t)\n", blogURL, cfg.HasPassword)
	return nil
}
