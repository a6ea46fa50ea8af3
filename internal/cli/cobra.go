package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"photomark/internal/fsutil"
	"photomark/internal/pipeline"
	"photomark/internal/server"
	"photomark/internal/templates"
	"photomark/internal/watch"
	"photomark/internal/watermark"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "photomark",
		Short: "Photomark stamps text watermarks onto batches of photos",
		Long: `Photomark places a text watermark on photos, previews the result at any
size, and exports whole folders with consistent placement. Settings are
kept between runs and can be saved as named templates.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newExportCmd(root))
	rootCmd.AddCommand(newPreviewCmd(root))
	rootCmd.AddCommand(newSetCmd(root))
	rootCmd.AddCommand(newPlaceCmd(root))
	rootCmd.AddCommand(newTemplateCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newExportCmd(root *Root) *cobra.Command {
	var (
		flags    watermarkFlags
		template string
	)

	cmd := &cobra.Command{
		Use:   "export <image|folder>...",
		Short: "Watermark and export images",
		Long: `Export applies the current watermark settings to every image given. Folders
are expanded to the images directly inside them. Flags override the
current settings for this export only.

Examples:
  photomark export ~/shoot --output ~/shoot-wm
  photomark export a.jpg b.png --template studio --format png --naming prefix`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			settings := root.session.Snapshot()
			if template != "" {
				t, err := root.templates.Load(template)
				if err != nil {
					return err
				}
				settings = t.Settings
			}
			if err := flags.apply(cmd, &settings); err != nil {
				return err
			}
			if settings.Output.Folder == "" {
				settings.Output.Folder = root.cfg.Paths.DefaultOutput
			}

			assets, err := fsutil.ExpandAssets(args)
			if err != nil {
				return err
			}
			if len(assets) == 0 {
				return errors.New("no images found")
			}

			progress, unsubscribe := root.pipeline.Subscribe()
			defer unsubscribe()
			done := make(chan struct{})
			go func() {
				defer close(done)
				for p := range progress {
					if p.Error != "" {
						fmt.Fprintf(out, "[%3d%%] %s: %s\n", p.Percent, p.Asset, p.Error)
					} else {
						fmt.Fprintf(out, "[%3d%%] %s\n", p.Percent, p.Asset)
					}
					if p.Done == p.Total {
						return
					}
				}
			}()

			res, err := root.pipeline.Run(cmd.Context(), pipeline.NewBatch(assets, settings))
			if err != nil {
				return err
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}

			fmt.Fprintf(out, "Exported %d of %d images to %s in %s\n",
				res.Success, len(assets), settings.Output.Folder, res.Duration.Round(time.Millisecond))
			for _, f := range res.Failures {
				fmt.Fprintf(out, "  failed: %s: %s\n", f.Asset, f.Message)
			}
			if res.Failure > 0 {
				return fmt.Errorf("%d of %d images failed", res.Failure, len(assets))
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&template, "template", "t", "", "Export with a saved template instead of the current settings")
	return cmd
}

func newPreviewCmd(root *Root) *cobra.Command {
	var (
		width, height int
		output        string
	)

	cmd := &cobra.Command{
		Use:   "preview <image>",
		Short: "Render a scaled preview with the current watermark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, _, err := root.codec.Open(args[0])
			if err != nil {
				return err
			}
			w, h := root.previewSize(width, height)
			p, err := root.session.Preview(img, w, h)
			if err != nil {
				return err
			}
			if output == "" {
				base := filepath.Base(args[0])
				output = base[:len(base)-len(filepath.Ext(base))] + "_preview.png"
			}
			if err := imaging.Save(p.Image, output); err != nil {
				return fmt.Errorf("save preview: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Preview %dx%d written to %s (scale %.3f, text %v, font %dpx)\n",
				w, h, output, p.Viewport.Scale, p.TextRect, p.FontPx)
			return nil
		},
	}

	cmd.Flags().IntVar(&width, "width", 0, "Preview surface width")
	cmd.Flags().IntVar(&height, "height", 0, "Preview surface height")
	cmd.Flags().StringVarP(&output, "out", "o", "", "Preview PNG path")
	return cmd
}

func newSetCmd(root *Root) *cobra.Command {
	var flags watermarkFlags

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Edit the current watermark settings",
		Long: `Set changes the current settings. They are remembered and used by the next
export, preview and watch.

Examples:
  photomark set --text "© Jo Doe" --opacity 40 --position BottomRight
  photomark set --anchor 1200,800`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			next := root.session.Snapshot()
			if err := flags.apply(cmd, &next); err != nil {
				return err
			}
			if err := root.session.Update(func(s *watermark.Settings) { *s = next }); err != nil {
				return err
			}
			return printSettings(cmd, root.session.Snapshot())
		},
	}

	flags.register(cmd)
	return cmd
}

func newPlaceCmd(root *Root) *cobra.Command {
	var (
		width, height int
		at            string
	)

	cmd := &cobra.Command{
		Use:   "place <image>",
		Short: "Centre the watermark on a point of the preview",
		Long: `Place renders a preview of the image and centres the text on the given
preview point. The point is stored as a manual anchor in image pixels, so
it applies unchanged to every exported image.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pt, err := parsePoint(at)
			if err != nil {
				return err
			}
			img, _, err := root.codec.Open(args[0])
			if err != nil {
				return err
			}
			w, h := root.previewSize(width, height)
			if _, err := root.session.Preview(img, w, h); err != nil {
				return err
			}
			anchor, err := root.session.PlaceAt(pt)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Manual anchor set to %.0f,%.0f\n", anchor.X, anchor.Y)
			return nil
		},
	}

	cmd.Flags().IntVar(&width, "width", 0, "Preview surface width")
	cmd.Flags().IntVar(&height, "height", 0, "Preview surface height")
	cmd.Flags().StringVar(&at, "at", "", "Preview point as x,y")
	cmd.MarkFlagRequired("at")
	return cmd
}

func newTemplateCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage saved watermark templates",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := root.session.Templates()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Print a saved template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := root.templates.Load(args[0])
			if err != nil {
				return err
			}
			return printSettings(cmd, t.Settings)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "save <name>",
		Short: "Save the current settings as a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.session.SaveTemplate(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved template %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a saved template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.session.DeleteTemplate(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted template %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "use <name>",
		Short: "Make a saved template the current settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.session.LoadTemplate(args[0]); err != nil {
				return err
			}
			return printSettings(cmd, root.session.Snapshot())
		},
	})

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "watch <folder>",
		Short: "Export every image dropped into a folder",
		Long: `Watch monitors a folder and exports each new image with the current
settings once it has stopped changing. The output folder must differ from
the watched folder.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = root.session.Snapshot().Output.Folder
			}
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			if err := pipeline.Preflight(output, []string{filepath.Join(args[0], "x")}); err != nil {
				return err
			}
			w := watch.New(args[0], root.pipeline, root.session, watch.Options{
				Debounce: root.cfg.Export.WatchDebounce(),
				Output:   output,
				Logger:   root.log,
				OnResult: func(asset string, res pipeline.Result, err error) {
					switch {
					case err != nil:
						fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", asset, err)
					case res.Failure > 0:
						fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", asset, res.Failures[0].Message)
					default:
						fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", asset, res.Outputs[0])
					}
				},
			})
			return w.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output folder")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local preview service",
		Long: `Serve exposes settings, templates, previews and exports over HTTP on a
loopback address, and streams changes and export progress on /ws.

Examples:
  photomark serve
  photomark serve --addr 127.0.0.1:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			root.log.Info("starting server", "addr", addr)
			return root.serveFn(cmd.Context(), addr, server.Deps{
				Session:       root.session,
				Templates:     root.templates,
				Exporter:      root.pipeline,
				Codec:         root.codec,
				History:       root.history,
				Logger:        root.log,
				PreviewWidth:  root.cfg.Preview.Width,
				PreviewHeight: root.cfg.Preview.Height,
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address")
	return cmd
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [batch-id]",
		Short: "Show recent exports",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			if len(args) == 1 {
				assets, err := root.history.BatchAssets(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "STATUS\tASSET\tOUTPUT\tERROR")
				for _, a := range assets {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Status, a.AssetPath, a.OutputPath, a.Error)
				}
				return nil
			}
			recs, err := root.history.RecentBatches(limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "ID\tSTATUS\tOK\tFAILED\tFORMAT\tDESTINATION\tCREATED")
			for _, b := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
					b.ID, b.Status, b.Success, b.Failure, b.Format, b.Destination, b.CreatedAt.Format(time.DateTime))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of batches to show")
	return cmd
}

func printSettings(cmd *cobra.Command, s watermark.Settings) error {
	data, err := templates.Marshal(s)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
