package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/klauern/crosssync/internal/export"
	"github.com/klauern/crosssync/internal/logging"
	"github.com/klauern/crosssync/internal/model"
	"github.com/klauern/crosssync/internal/progress"
	"github.com/klauern/crosssync/internal/ui"
)

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Check every stored record against its checksum",
		Description: `Decrypt each record in the record database and compare its content
   with the stored checksum. Exits with an error if any record fails.`,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			sealer, err := openSealer(cfg)
			if err != nil {
				return err
			}
			records, err := openRecords(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = records.Close() }()

			all, err := records.List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list records: %w", err)
			}

			bar := progress.New(progress.Options{Max: int64(len(all)), Description: "Verifying records"})
			var failed []model.Record
			for _, rec := range all {
				ok, err := sealer.Verify(rec)
				if !ok {
					failed = append(failed, rec)
					logging.Warn("record failed verification", logging.Record(rec.ID), logging.Err(err))
				}
				_ = bar.Add(1)
			}
			_ = bar.Finish()

			for _, rec := range failed {
				fmt.Println(ui.StatusError(fmt.Sprintf("%s (%s)", rec.ID, rec.Category)))
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d records failed verification", len(failed), len(all))
			}
			fmt.Println(ui.StatusSuccess(fmt.Sprintf("%d records verified", len(all))))
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Export decrypted records",
		UsageText: "crosssync export [options]",
		Description: `Write a decrypted snapshot of the record database.

   Examples:
     crosssync export --format yaml
     crosssync export --format markdown --category memory -o memory.md`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Value:   string(export.FormatJSON),
				Usage:   "Output format (json, yaml, markdown)",
			},
			&cli.StringFlag{
				Name:  "category",
				Usage: "Only export records of this category",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write to file instead of stdout",
			},
			&cli.BoolFlag{
				Name:  "compact",
				Usage: "Disable pretty-printing",
			},
			&cli.BoolFlag{
				Name:  "no-metadata",
				Usage: "Omit version, checksum and source fields",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			format, err := export.ParseFormat(cmd.String("format"))
			if err != nil {
				return err
			}
			opts := export.Options{
				Format:          format,
				Pretty:          !cmd.Bool("compact"),
				IncludeMetadata: !cmd.Bool("no-metadata"),
			}
			if c := cmd.String("category"); c != "" {
				if opts.Category, err = model.ParseCategory(c); err != nil {
					return err
				}
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			sealer, err := openSealer(cfg)
			if err != nil {
				return err
			}
			records, err := openRecords(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = records.Close() }()

			all, err := records.List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list records: %w", err)
			}

			var w io.Writer = os.Stdout
			path := cmd.String("output")
			if path != "" {
				// #nosec G304 - path is provided by the user
				f, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer func() { _ = f.Close() }()
				w = f
			}

			bar := progress.New(progress.Options{Max: int64(len(all)), Description: "Exporting records"})
			opts.OnRecord = func() { _ = bar.Add(1) }
			if err := export.New(sealer, opts).Export(all, w); err != nil {
				return err
			}
			_ = bar.Finish()

			if path != "" {
				fmt.Fprintln(os.Stderr, ui.StatusSuccess("Exported to "+path))
			}
			return nil
		},
	}
}
