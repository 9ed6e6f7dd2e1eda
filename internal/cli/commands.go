package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/klauern/crosssync/internal/config"
	"github.com/klauern/crosssync/internal/model"
	"github.com/klauern/crosssync/internal/rules"
	"github.com/klauern/crosssync/internal/security"
	"github.com/klauern/crosssync/internal/store"
	"github.com/klauern/crosssync/internal/sync"
	"github.com/klauern/crosssync/internal/ui"
)

// platformView is a registered platform as reported by offline commands.
type platformView struct {
	ID           string             `json:"id"`
	Kind         model.PlatformKind `json:"kind"`
	Version      string             `json:"version,omitempty"`
	Live         bool               `json:"live"`
	LastSeen     time.Time          `json:"lastSeen"`
	Capabilities []string           `json:"capabilities"`
	Endpoint     string             `json:"endpoint,omitempty"`
}

type statusReport struct {
	Registry   string                 `json:"registry"`
	Database   string                 `json:"database,omitempty"`
	Platforms  []platformView         `json:"platforms"`
	Records    int                    `json:"records"`
	ByCategory map[model.Category]int `json:"byCategory"`
}

// loadPlatforms reads the platform registry and re-derives liveness from
// last-seen the same way the engine does on start-up.
func loadPlatforms(cfg *config.Config, now time.Time) ([]platformView, error) {
	reg, err := sync.LoadRegistry(cfg.RegistryPath())
	if err != nil {
		return nil, err
	}
	var out []platformView
	for _, p := range reg.Sorted() {
		out = append(out, platformView{
			ID:           p.ID,
			Kind:         p.Kind,
			Version:      p.Version,
			Live:         p.Live && !p.Stale(now, cfg.Sync.StaleAfter),
			LastSeen:     p.LastSeen,
			Capabilities: p.Capabilities,
			Endpoint:     p.Endpoint,
		})
	}
	return out, nil
}

// openRecords opens the configured SQLite store. It fails when records
// are kept in memory or the database has not been created yet.
func openRecords(cfg *config.Config) (store.RecordStore, error) {
	path := cfg.DatabasePath()
	if path == "" {
		return nil, errors.New("records are kept in memory; set storage.database to persist them")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("record database not found: %w", err)
	}
	return store.OpenSQLite(path)
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show registered platforms and stored records",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the report as JSON",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			report := statusReport{
				Registry:   cfg.RegistryPath(),
				Database:   cfg.DatabasePath(),
				ByCategory: make(map[model.Category]int),
			}
			if report.Platforms, err = loadPlatforms(cfg, time.Now()); err != nil {
				return err
			}

			records, err := openRecords(cfg)
			if err == nil {
				defer func() { _ = records.Close() }()
				all, err := records.List(ctx)
				if err != nil {
					return fmt.Errorf("failed to list records: %w", err)
				}
				report.Records = len(all)
				for _, c := range model.AllCategories() {
					if n := len(store.ByCategory(all, c)); n > 0 {
						report.ByCategory[c] = n
					}
				}
			}

			if cmd.Bool("json") {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			live := 0
			for _, p := range report.Platforms {
				if p.Live {
					live++
				}
			}
			fmt.Println(ui.Header("Crosssync status"))
			fmt.Printf("  Registry:  %s\n", report.Registry)
			fmt.Printf("  Platforms: %d registered, %s\n", len(report.Platforms), ui.Success(fmt.Sprintf("%d live", live)))
			if err != nil {
				fmt.Printf("  Records:   %s\n", ui.Dim(err.Error()))
				return nil
			}
			fmt.Printf("  Database:  %s\n", report.Database)
			fmt.Printf("  Records:   %d\n", report.Records)
			for _, c := range model.AllCategories() {
				if n, ok := report.ByCategory[c]; ok {
					fmt.Printf("    %-14s %d\n", c, n)
				}
			}
			return nil
		},
	}
}

func platformsCommand() *cli.Command {
	return &cli.Command{
		Name:  "platforms",
		Usage: "List platforms from the platform registry",
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			now := time.Now()
			platforms, err := loadPlatforms(cfg, now)
			if err != nil {
				return err
			}
			if len(platforms) == 0 {
				fmt.Println("No platforms registered.")
				return nil
			}

			fmt.Println(ui.Header(fmt.Sprintf("%-36s  %-18s  %-12s  %s", "ID", "KIND", "STATE", "LAST SEEN")))
			for _, p := range platforms {
				fmt.Printf("%-36s  %-18s  %-12s  %s\n",
					p.ID, p.Kind, ui.PlatformState(p.Live, false), lastSeen(now, p.LastSeen))
				if len(p.Capabilities) > 0 {
					fmt.Printf("  %s\n", ui.Dim(strings.Join(p.Capabilities, ", ")))
				}
			}
			return nil
		},
	}
}

func lastSeen(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}

func rulesCommand() *cli.Command {
	return &cli.Command{
		Name:  "rules",
		Usage: "Inspect sync rules",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List the sync rules in effect",
				Action: func(_ context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd)
					if err != nil {
						return fmt.Errorf("failed to load config: %w", err)
					}
					doc, err := rules.LoadFile(cfg.RulesPath())
					if errors.Is(err, os.ErrNotExist) {
						fmt.Println(ui.Dim("No rule document yet, showing defaults"))
						doc = &rules.Document{Version: rules.DocumentVersion, Rules: rules.DefaultRules(time.Now())}
					} else if err != nil {
						return err
					}
					printRules(doc.Rules)
					return nil
				},
			},
			{
				Name:      "validate",
				Usage:     "Validate a rule document",
				UsageText: "crosssync rules validate [file]",
				Action: func(_ context.Context, cmd *cli.Command) error {
					path := cmd.Args().First()
					if path == "" {
						cfg, err := loadConfig(cmd)
						if err != nil {
							return fmt.Errorf("failed to load config: %w", err)
						}
						path = cfg.RulesPath()
					}
					doc, err := rules.LoadFile(path)
					if err != nil {
						fmt.Println(ui.StatusError(path))
						return err
					}
					fmt.Println(ui.StatusSuccess(fmt.Sprintf("%s: %d rule(s), %d credential(s)",
						path, len(doc.Rules), len(doc.Credentials))))
					return nil
				},
			},
		},
	}
}

func printRules(list []rules.Rule) {
	if len(list) == 0 {
		fmt.Println("No rules defined.")
		return
	}
	for _, r := range list {
		state := ui.Success("enabled")
		if !r.IsEnabled() {
			state = ui.Dim("disabled")
		}
		fmt.Printf("%s %s (%s)\n", ui.Bold(r.ID), r.Name, state)
		fmt.Printf("  category: %s  strategy: %s  security: %s  frequency: %s\n",
			r.Category, orDefault(string(r.Strategy)), orDefault(string(r.SecurityLevel)), orDefault(string(r.Frequency)))
		if len(r.TargetKinds) > 0 {
			kinds := make([]string, len(r.TargetKinds))
			for i, k := range r.TargetKinds {
				kinds[i] = string(k)
			}
			fmt.Printf("  targets: %s\n", strings.Join(kinds, ", "))
		}
	}
}

func orDefault(s string) string {
	if s == "" {
		return "default"
	}
	return s
}

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Create the master encryption key",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Replace an existing key (existing records become unreadable)",
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			path := cfg.KeyFile()
			if _, err := security.WriteKey(path, cmd.Bool("force")); err != nil {
				return err
			}
			fmt.Println(ui.StatusSuccess("Wrote key to " + path))
			return nil
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Display or initialize configuration",
		Commands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print the effective configuration",
				Action: func(_ context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd)
					if err != nil {
						return fmt.Errorf("failed to load config: %w", err)
					}
					data, err := yaml.Marshal(cfg)
					if err != nil {
						return err
					}
					fmt.Print(string(data))
					return nil
				},
			},
			{
				Name:  "path",
				Usage: "Print the config file path",
				Action: func(_ context.Context, cmd *cli.Command) error {
					path := configPath(cmd)
					if _, err := os.Stat(path); err != nil {
						fmt.Printf("%s %s\n", path, ui.Dim("(not created)"))
						return nil
					}
					fmt.Println(path)
					return nil
				},
			},
			{
				Name:  "init",
				Usage: "Write the default configuration",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Overwrite an existing config file",
					},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					path := configPath(cmd)
					if _, err := os.Stat(path); err == nil && !cmd.Bool("force") {
						return fmt.Errorf("config file already exists: %s", path)
					}
					if err := config.Default().SaveToPath(path); err != nil {
						return fmt.Errorf("failed to write config: %w", err)
					}
					fmt.Println(ui.StatusSuccess("Wrote " + path))
					return nil
				},
			},
		},
	}
}

func configPath(cmd *cli.Command) string {
	if path := cmd.String("config"); path != "" {
		return path
	}
	return config.FilePath()
}
