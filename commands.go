// Copyright 2025 The mediasync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/valandreev/mediasync/core"
	"github.com/valandreev/mediasync/pkg/cache/cleaner"
	"github.com/valandreev/mediasync/pkg/cache/index"
	"github.com/valandreev/mediasync/pkg/cache/uploader"
	"github.com/valandreev/mediasync/pkg/media"
)

var stdout io.Writer = os.Stdout

func requireArgs(c *cli.Context, n int, usage string) error {
	if len(c.Args()) != n {
		return fmt.Errorf("usage: %s %s", c.Command.FullName(), usage)
	}
	return nil
}

func cacheCommand() cli.Command {
	return cli.Command{
		Name:  "cache",
		Usage: "Inspect and manage the local content cache",
		Subcommands: []cli.Command{
			{
				Name:  "init",
				Usage: "Create the cache directory and rebuild the index from disk",
				Action: withApp(func(ctx context.Context, c *cli.Context, app *core.App) error {
					if err := app.Cache.Initialize(ctx); err != nil {
						return err
					}
					s := app.Cache.Stats()
					fmt.Fprintf(stdout, "%s: %d entries, %s\n", app.Cache.Dir(), s.Entries, media.FormatBytes(s.Bytes))
					return nil
				}),
			},
			{
				Name:      "get",
				Usage:     "Print the cached path of a source",
				ArgsUsage: "<source>",
				Action: withApp(func(ctx context.Context, c *cli.Context, app *core.App) error {
					if err := requireArgs(c, 1, "<source>"); err != nil {
						return err
					}
					path, ok := app.Cache.Get(ctx, c.Args().First())
					if !ok {
						return fmt.Errorf("%w: %s is not cached", media.ErrNotFound, c.Args().First())
					}
					fmt.Fprintln(stdout, path)
					return nil
				}),
			},
			{
				Name:      "set",
				Usage:     "Copy a local file into the cache under a source",
				ArgsUsage: "<source> <local-path>",
				Action: withApp(func(ctx context.Context, c *cli.Context, app *core.App) error {
					if err := requireArgs(c, 2, "<source> <local-path>"); err != nil {
						return err
					}
					return app.Cache.Set(ctx, c.Args().Get(0), c.Args().Get(1))
				}),
			},
			{
				Name:      "download",
				Usage:     "Fetch a source from the remote store through the cache and print the local path",
				ArgsUsage: "<source>",
				Action: withApp(func(ctx context.Context, c *cli.Context, app *core.App) error {
					if err := requireArgs(c, 1, "<source>"); err != nil {
						return err
					}
					source := c.Args().First()
					path := app.Download(ctx, source)
					if path == source {
						return fmt.Errorf("%w: could not download %s", media.ErrTransferFailed, source)
					}
					fmt.Fprintln(stdout, path)
					return nil
				}),
			},
			{
				Name:      "remove",
				Usage:     "Drop one source from the cache",
				ArgsUsage: "<source>",
				Action: withApp(func(ctx context.Context, c *cli.Context, app *core.App) error {
					if err := requireArgs(c, 1, "<source>"); err != nil {
						return err
					}
					return app.Cache.Remove(ctx, c.Args().First())
				}),
			},
			{
				Name:  "clear",
				Usage: "Remove every cached file",
				Action: withApp(func(ctx context.Context, c *cli.Context, app *core.App) error {
					return app.Cache.Clear(ctx)
				}),
			},
			{
				Name:  "compact",
				Usage: "Evict oldest entries down to the soft threshold, or to --target-mb",
				Flags: []cli.Flag{
					cli.Int64Flag{Name: "target-mb", Usage: "Target size in MiB. 0 means the soft threshold."},
				},
				Action: withApp(func(ctx context.Context, c *cli.Context, app *core.App) error {
					report, err := app.Cache.Compact(ctx, cleaner.Trigger{
						Reason: cleaner.TriggerReasonManual,
						Target: c.Int64("target-mb") * media.MiB,
					})
					fmt.Fprintf(stdout, "evicted %d entries, freed %s, %s left\n",
						len(report.Evicted), media.FormatBytes(report.BytesFreed), media.FormatBytes(report.TotalAfter))
					return err
				}),
			},
			{
				Name:  "size",
				Usage: "Print the total size of cached files",
				Action: withApp(func(ctx context.Context, c *cli.Context, app *core.App) error {
					if err := app.Cache.Initialize(ctx); err != nil {
						return err
					}
					fmt.Fprintln(stdout, app.Cache.CurrentSize())
					return nil
				}),
			},
			{
				Name:  "stats",
				Usage: "Print cache occupancy",
				Action: withApp(func(ctx context.Context, c *cli.Context, app *core.App) error {
					if err := app.Cache.Initialize(ctx); err != nil {
						return err
					}
					s := app.Cache.Stats()
					w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintf(w, "dir\t%s\n", app.Cache.Dir())
					fmt.Fprintf(w, "entries\t%d\n", s.Entries)
					fmt.Fprintf(w, "size\t%s\n", media.FormatBytes(s.Bytes))
					fmt.Fprintf(w, "soft threshold\t%s\n", media.FormatBytes(s.SoftThreshold))
					fmt.Fprintf(w, "max size\t%s\n", media.FormatBytes(s.MaxSize))
					fmt.Fprintf(w, "ttl\t%s\n", s.TTL)
					if !s.Oldest.IsZero() {
						fmt.Fprintf(w, "oldest write\t%s\n", s.Oldest.Format(time.RFC3339))
					}
					return w.Flush()
				}),
			},
		},
	}
}

var uploadFlags = []cli.Flag{
	cli.Float64Flag{Name: "quality", Usage: "JPEG quality for photos, in (0,1]. 0 uses the config value."},
	cli.Int64Flag{Name: "max-size-mb", Usage: "Reject files larger than this. 0 uses the config value."},
	cli.IntFlag{Name: "retries", Usage: "Maximum transfer attempts. 0 uses the config value."},
	cli.DurationFlag{Name: "timeout", Usage: "Per attempt timeout. 0 uses the config value."},
	cli.StringFlag{Name: "name", Usage: "Remote object name. Only valid with a single path."},
}

func uploadOptions(c *cli.Context) uploader.Options {
	return uploader.Options{
		MaxRetries: c.Int("retries"),
		Timeout:    c.Duration("timeout"),
		MaxSize:    c.Int64("max-size-mb") * media.MiB,
		Quality:    c.Float64("quality"),
		Name:       c.String("name"),
	}
}

func progressPrinter(path string) uploader.ProgressFunc {
	return func(fraction float64) {
		mainLog.Debugf("%s: %.0f%%", path, fraction*100)
	}
}

func uploadCommand() cli.Command {
	return cli.Command{
		Name:      "upload",
		Usage:     "Upload one or more media files concurrently",
		ArgsUsage: "<path>...",
		Flags: append([]cli.Flag{
			cli.StringFlag{Name: "kind", Value: string(media.KindPhoto), Usage: "photo, video or voice_note"},
		}, uploadFlags...),
		Action: withApp(func(ctx context.Context, c *cli.Context, app *core.App) error {
			paths := c.Args()
			if len(paths) == 0 {
				return fmt.Errorf("usage: %s <path>...", c.Command.FullName())
			}
			if len(paths) > 1 && c.String("name") != "" {
				return fmt.Errorf("%w: --name needs a single path", media.ErrValidationFailed)
			}
			kind, err := media.ParseKind(c.String("kind"))
			if err != nil {
				return err
			}

			var (
				mu     sync.Mutex
				failed int
				g      errgroup.Group
			)
			for _, path := range paths {
				path := path
				opts := uploadOptions(c)
				opts.Progress = progressPrinter(path)
				g.Go(func() error {
					res, err := app.Pipeline.Upload(ctx, path, kind, opts)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						failed++
						fmt.Fprintf(stdout, "%s\tFAILED\t%v\n", path, err)
						return nil
					}
					fmt.Fprintf(stdout, "%s\t%s\t%s\t%d attempt(s)\n", path, res.URI, media.FormatBytes(res.Size), res.Attempts)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", failed, len(paths))
			}
			return nil
		}),
	}
}

func voiceCommand() cli.Command {
	return cli.Command{
		Name:      "voice",
		Usage:     "Upload a voice note with its duration",
		ArgsUsage: "<path>",
		Flags: append([]cli.Flag{
			cli.DurationFlag{Name: "duration", Usage: "Recording length, e.g. 12.5s"},
		}, uploadFlags...),
		Action: withApp(func(ctx context.Context, c *cli.Context, app *core.App) error {
			if err := requireArgs(c, 1, "<path>"); err != nil {
				return err
			}
			path := c.Args().First()
			opts := uploadOptions(c)
			opts.Progress = progressPrinter(path)
			res, err := app.Pipeline.UploadVoiceNote(ctx, path, c.Duration("duration"), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n", path, res.URI, media.FormatBytes(res.Size), res.Duration)
			return nil
		}),
	}
}

func validateCommand() cli.Command {
	return cli.Command{
		Name:      "validate",
		Usage:     "Check that a file would be accepted for upload",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "kind", Value: string(media.KindPhoto), Usage: "photo, video or voice_note"},
			cli.Int64Flag{Name: "max-size-mb", Usage: "0 uses the config value"},
		},
		Action: withApp(func(ctx context.Context, c *cli.Context, app *core.App) error {
			if err := requireArgs(c, 1, "<path>"); err != nil {
				return err
			}
			kind, err := media.ParseKind(c.String("kind"))
			if err != nil {
				return err
			}
			maxSize := c.Int64("max-size-mb") * media.MiB
			if maxSize == 0 {
				maxSize = int64(app.Config.Upload.MaxUploadMB) * media.MiB
			}
			if err := app.Pipeline.ValidateErr(c.Args().First(), kind, maxSize); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "ok")
			return nil
		}),
	}
}

func uploadsCommand() cli.Command {
	return cli.Command{
		Name:  "uploads",
		Usage: "Inspect the upload journal",
		Subcommands: []cli.Command{
			{
				Name:  "list",
				Usage: "List journal records, oldest first",
				Flags: []cli.Flag{
					cli.BoolFlag{Name: "failed", Usage: "Only show failed uploads"},
				},
				Action: withApp(func(ctx context.Context, c *cli.Context, app *core.App) error {
					records, err := app.Uploads(ctx)
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tKIND\tSTATUS\tATTEMPTS\tPATH\tREMOTE\tERROR")
					for _, r := range records {
						if c.Bool("failed") && r.Status != index.UploadStatusFailed {
							continue
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
							r.ID, r.Kind, r.Status, r.Attempts, r.SourcePath, r.RemoteURI, r.LastError)
					}
					return w.Flush()
				}),
			},
			{
				Name:      "retry",
				Usage:     "Upload a failed record again",
				ArgsUsage: "<id>",
				Flags:     uploadFlags,
				Action: withApp(func(ctx context.Context, c *cli.Context, app *core.App) error {
					if err := requireArgs(c, 1, "<id>"); err != nil {
						return err
					}
					res, err := app.RetryUpload(ctx, c.Args().First(), uploadOptions(c))
					if err != nil {
						return err
					}
					fmt.Fprintf(stdout, "%s\t%s\n", res.URI, media.FormatBytes(res.Size))
					return nil
				}),
			},
			{
				Name:      "forget",
				Usage:     "Remove a record from the journal",
				ArgsUsage: "<id>",
				Action: withApp(func(ctx context.Context, c *cli.Context, app *core.App) error {
					if err := requireArgs(c, 1, "<id>"); err != nil {
						return err
					}
					return app.ForgetUpload(ctx, c.Args().First())
				}),
			},
			{
				Name:  "prune",
				Usage: "Drop settled records from the journal",
				Flags: []cli.Flag{
					cli.DurationFlag{Name: "older-than", Value: 30 * 24 * time.Hour, Usage: "Only records unchanged for this long"},
					cli.BoolFlag{Name: "failed", Usage: "Also drop failed records"},
				},
				Action: withApp(func(ctx context.Context, c *cli.Context, app *core.App) error {
					statuses := []index.UploadStatus{index.UploadStatusComplete}
					if c.Bool("failed") {
						statuses = append(statuses, index.UploadStatusFailed)
					}
					n, err := app.PruneUploads(ctx, c.Duration("older-than"), statuses...)
					if err != nil {
						return err
					}
					fmt.Fprintf(stdout, "pruned %d\n", n)
					return nil
				}),
			},
		},
	}
}
