package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gonzalop/filestore"
	"github.com/gonzalop/filestore/config"
	"github.com/gonzalop/filestore/internal/logging"
)

type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:               "filestore",
		Short:             "Inspect and modify files on a configured storage backend",
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "filestore.yaml", "configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logger.level")

	root.AddCommand(
		a.checkCommand(),
		a.lsCommand(),
		a.catCommand(),
		a.putCommand(),
		a.mimeCommand(),
		a.rmCommand(),
		a.existsCommand(),
	)
	return root
}

func (a *app) load(*cobra.Command, []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logger.Level = a.logLevel
	}
	logger, err := logging.New(cfg.Logger)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// withFilesystem opens the configured backend for the duration of fn.
func (a *app) withFilesystem(ctx context.Context, fn func(filestore.Filesystem) error) (err error) {
	fs, err := config.Open(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(fs))
	return fn(fs)
}

func (a *app) checkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Connect to the backend and report the result",
		Long: "For FTP, runs the full connection bootstrap with retries and prints the " +
			"resolved root directory. Other backends list their root.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if a.cfg.Storage.Backend == config.BackendFTP {
				opts, err := a.cfg.FTPOptions()
				if err != nil {
					return err
				}
				conn, err := a.cfg.FTPProvider(a.logger).CreateConnection(ctx, opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "connected to %s, root %s\n", opts.Address(), conn.Root())
				return conn.Close()
			}

			return a.withFilesystem(ctx, func(fs filestore.Filesystem) error {
				entries, err := fs.List(ctx, "")
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s backend reachable, %d entries at root\n", a.cfg.Storage.Backend, len(entries))
				return nil
			})
		},
	}
}

func (a *app) lsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [DIR]",
		Short: "List the files and directories directly under DIR",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dir string
			if len(args) == 1 {
				dir = args[0]
			}
			return a.withFilesystem(cmd.Context(), func(fs filestore.Filesystem) error {
				entries, err := fs.List(cmd.Context(), dir)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', tabwriter.AlignRight)
				for _, e := range entries {
					if e.IsDir {
						fmt.Fprintf(w, "-\t%s\t\n", e.Path)
						continue
					}
					fmt.Fprintf(w, "%d\t%s\t\n", e.Size, e.Path)
				}
				return w.Flush()
			})
		},
	}
}

func (a *app) catCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cat PATH",
		Short: "Write the contents of PATH to standard output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withFilesystem(cmd.Context(), func(fs filestore.Filesystem) (err error) {
				rc, err := fs.Read(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				defer multierr.AppendInvoke(&err, multierr.Close(rc))
				_, err = io.Copy(cmd.OutOrStdout(), rc)
				return err
			})
		},
	}
}

func (a *app) putCommand() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "put LOCAL REMOTE",
		Short: "Upload the local file LOCAL to REMOTE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			var opts []filestore.WriteOption
			if contentType != "" {
				opts = append(opts, filestore.WithContentType(contentType))
			}
			return a.withFilesystem(cmd.Context(), func(fs filestore.Filesystem) error {
				return fs.Write(cmd.Context(), args[1], f, opts...)
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "MIME type to store with the file (detected when empty)")
	return cmd
}

func (a *app) mimeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mime PATH",
		Short: "Print the MIME type of the file at PATH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withFilesystem(cmd.Context(), func(fs filestore.Filesystem) error {
				t, err := fs.MimeType(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), t)
				return nil
			})
		},
	}
}

func (a *app) rmCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm PATH",
		Short: "Delete the file at PATH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withFilesystem(cmd.Context(), func(fs filestore.Filesystem) error {
				return fs.Delete(cmd.Context(), args[0])
			})
		},
	}
}

func (a *app) existsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exists PATH",
		Short: "Print true if a file exists at PATH, false otherwise",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withFilesystem(cmd.Context(), func(fs filestore.Filesystem) error {
				ok, err := fs.FileExists(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ok)
				return nil
			})
		},
	}
}
