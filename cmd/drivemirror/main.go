package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vonshlovens/drivemirror/internal/api"
	"github.com/vonshlovens/drivemirror/internal/sync"
	"github.com/vonshlovens/drivemirror/internal/tree"
)

var (
	cfgFile string
	verbose bool
	actor   string
	jsonOut bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "drivemirror",
		Short:        "Mirror a cloud drive into a relational database",
		Long:         `Crawls a remote drive into a local PostgreSQL or SQLite mirror and applies file operations to both.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Setup logging until a command loads its config
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "actor id recorded in the audit log (default $USER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print results as JSON")

	rootCmd.AddCommand(
		initCmd(),
		migrateCmd(),
		statusCmd(),
		syncCmd(),
		lsCmd(),
		showCmd(),
		uploadCmd(),
		mkdirCmd(),
		renameCmd(),
		mvCmd(),
		trashCmd(),
		downloadCmd(),
		serveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Runs all pending mirror database migrations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			mirror, err := openMirror(ctx, cfg)
			if err != nil {
				return err
			}
			defer mirror.Close()

			if err := mirror.RunMigrations(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			states, err := mirror.MigrationStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to read migration status: %w", err)
			}
			for _, s := range states {
				fmt.Printf("  %05d  %-40s applied=%t\n", s.Version, s.Source, s.Applied)
			}

			fmt.Println("Migrations completed successfully.")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection status and sync info",
		Long:  `Shows the mirror database status, the last crawl and node counts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			a, err := setup(ctx)
			if err != nil {
				fmt.Printf("Database Status: Disconnected\n")
				fmt.Printf("Error: %v\n", err)
				return nil
			}
			defer a.Close()

			if reset {
				a.state.Clear()
				if err := a.state.Save(); err != nil {
					return fmt.Errorf("failed to reset sync state: %w", err)
				}
				a.logger.Info("Crawl history cleared", "path", a.state.Path())
			}

			status, err := a.engine.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			if jsonOut {
				return printJSON(status)
			}

			fmt.Println("=== drivemirror status ===")
			fmt.Printf("Database Status: Connected\n")
			fmt.Printf("  Driver: %s\n", a.cfg.Database.Driver)
			if a.cfg.Database.Driver == "postgres" {
				fmt.Printf("  Host: %s\n", a.cfg.Database.Host)
				fmt.Printf("  Database: %s\n", a.cfg.Database.Database)
				fmt.Printf("  Schema: %s\n", a.cfg.Database.Schema)
			} else {
				fmt.Printf("  Path: %s\n", a.cfg.Database.Path)
			}
			fmt.Printf("Remote Backend: %s\n", a.cfg.Remote.Backend)
			fmt.Println()
			fmt.Printf("Mirrored Nodes:\n")
			fmt.Printf("  Files: %d\n", status.Mirror.Files)
			fmt.Printf("  Folders: %d\n", status.Mirror.Folders)
			fmt.Printf("  Trashed: %d\n", status.Mirror.Trashed)
			if status.Mirror.LastSyncedAt != nil {
				fmt.Printf("  Last Write: %s\n", status.Mirror.LastSyncedAt.Format(time.RFC3339))
			}
			if last := status.LastCrawl; last != nil {
				fmt.Println()
				fmt.Printf("Last Crawl:\n")
				fmt.Printf("  Started: %s\n", last.StartedAt.Format(time.RFC3339))
				if last.CompletedAt != nil {
					fmt.Printf("  Completed: %s\n", last.CompletedAt.Format(time.RFC3339))
				}
				fmt.Printf("  Discovered: %d files, %d folders\n", last.FilesDiscovered, last.FoldersDiscovered)
				if last.Error != "" {
					fmt.Printf("  Error: %s\n", last.Error)
				}
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&reset, "reset", false, "Forget the recorded crawl history first")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Crawl the remote drive into the mirror, then exit",
		Long:  `Performs a full crawl of the remote drive and upserts every entry into the mirror.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			bar := progressbar.NewOptions(-1,
				progressbar.OptionSetDescription("Crawling"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionClearOnFinish(),
			)

			a, err := setup(ctx, sync.WithProgress(func(p sync.Progress) {
				bar.Add(1)
			}))
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.engine.Sync(actorContext(ctx))
			bar.Finish()
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			if jsonOut {
				return printJSON(result)
			}

			fmt.Printf("Sync completed: %d files, %d folders in %s\n",
				result.FilesDiscovered, result.FoldersDiscovered, result.Duration().Round(time.Millisecond))
			if result.TrashedUnseen > 0 {
				fmt.Printf("Marked %d unseen nodes as trashed\n", result.TrashedUnseen)
			}
			return nil
		},
	}
}

func lsCmd() *cobra.Command {
	var query string
	var trashed bool

	cmd := &cobra.Command{
		Use:   "ls [folder-id]",
		Short: "List a folder or search by name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			var parent *int64
			if len(args) == 1 {
				id, err := parseParent(args[0])
				if err != nil {
					return err
				}
				parent = id
			}

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			nodes, err := a.engine.ListChildren(ctx, sync.ListOptions{
				Parent:         parent,
				Term:           query,
				IncludeTrashed: trashed,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(nodes)
			}
			printNodes(nodes)
			return nil
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "case-insensitive name filter")
	cmd.Flags().BoolVar(&trashed, "trashed", false, "include trashed nodes")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a node with its breadcrumbs and children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := a.engine.GetNode(ctx, id)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(view)
			}

			path := ""
			for i, crumb := range view.Breadcrumbs {
				if i > 0 {
					path += " / "
				}
				path += crumb.Name
			}
			n := view.Node
			fmt.Printf("Path:      %s\n", path)
			fmt.Printf("ID:        %d\n", n.LocalID)
			fmt.Printf("Remote ID: %s\n", n.RemoteID)
			fmt.Printf("Type:      %s\n", n.Kind)
			if n.SizeBytes != nil {
				fmt.Printf("Size:      %s\n", tree.FormatSize(n.SizeBytes))
			}
			if n.MimeType != nil {
				fmt.Printf("MIME type: %s\n", *n.MimeType)
			}
			fmt.Printf("Modified:  %s\n", n.RemoteModifiedAt.Format(time.RFC3339))
			if n.IsFolder() {
				fmt.Println()
				printNodes(view.Children)
			}
			return nil
		},
	}
}

func uploadCmd() *cobra.Command {
	var parentArg, name, mimeType string

	cmd := &cobra.Command{
		Use:   "upload <local-file>",
		Short: "Upload a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			parent, err := parseParent(parentArg)
			if err != nil {
				return err
			}

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			node, err := a.engine.Upload(actorContext(ctx), args[0], name, parent, mimeType)
			if err != nil {
				return err
			}
			return printNode("Uploaded", node)
		},
	}

	cmd.Flags().StringVarP(&parentArg, "parent", "p", "", "destination folder id (default root)")
	cmd.Flags().StringVar(&name, "name", "", "remote name (default local file name)")
	cmd.Flags().StringVar(&mimeType, "mime", "", "MIME type (default detected from content)")
	return cmd
}

func mkdirCmd() *cobra.Command {
	var parentArg string

	cmd := &cobra.Command{
		Use:   "mkdir <name>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			parent, err := parseParent(parentArg)
			if err != nil {
				return err
			}

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			node, err := a.engine.CreateFolder(actorContext(ctx), args[0], parent)
			if err != nil {
				return err
			}
			return printNode("Created", node)
		},
	}

	cmd.Flags().StringVarP(&parentArg, "parent", "p", "", "parent folder id (default root)")
	return cmd
}

func renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <new-name>",
		Short: "Rename a file or folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			node, err := a.engine.Rename(actorContext(ctx), id, args[1])
			if err != nil {
				return err
			}
			return printNode("Renamed", node)
		},
	}
}

func mvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <id> <folder-id|root>",
		Short: "Move a file or folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			parent, err := parseParent(args[1])
			if err != nil {
				return err
			}

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			node, err := a.engine.Move(actorContext(ctx), id, parent)
			if err != nil {
				return err
			}
			return printNode("Moved", node)
		},
	}
}

func trashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trash <id>",
		Short: "Move a file or folder to the trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			node, err := a.engine.Trash(actorContext(ctx), id)
			if err != nil {
				return err
			}
			return printNode("Trashed", node)
		},
	}
}

func downloadCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Download a file",
		Long:  `Streams a file from the remote drive. Use -o - to write to stdout.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			node, body, err := a.engine.Download(ctx, id)
			if err != nil {
				return err
			}
			defer body.Close()

			if output == "-" {
				if _, err := io.Copy(os.Stdout, body); err != nil {
					return fmt.Errorf("download failed: %w", err)
				}
				return nil
			}
			if output == "" {
				output = filepath.Base(node.Name)
			}

			n, err := saveFile(output, body)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Downloaded %s (%s) to %s\n", node.Name, tree.FormatSize(&n), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default the file name)")
	return cmd
}

// saveFile writes r to path. A failed write leaves no partial file behind.
func saveFile(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(path)
		return n, fmt.Errorf("download failed: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return n, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return n, nil
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the mirror over HTTP",
		Long:  `Starts the HTTP API and the /metrics endpoint. Callers identify themselves with the X-Actor-ID header.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           api.NewServer(a.engine, a.logger).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				slog.Info("HTTP server started", "addr", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				slog.Info("Shutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return cmd
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

// parseParent reads a folder id where "" and "root" mean the root.
func parseParent(raw string) (*int64, error) {
	if raw == "" || raw == "root" {
		return nil, nil
	}
	id, err := parseID(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printNode(verb string, n *tree.Node) error {
	if jsonOut {
		return printJSON(n)
	}
	fmt.Printf("%s %s %q (id %d)\n", verb, n.Kind, n.Name, n.LocalID)
	return nil
}

func printNodes(nodes []*tree.Node) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tNAME\tSIZE\tMODIFIED")
	for _, n := range nodes {
		name := n.Name
		if n.Trashed {
			name += " (trashed)"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			n.LocalID, n.Kind, name, tree.FormatSize(n.SizeBytes), n.RemoteModifiedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
}
