// Package export writes decrypted snapshots of synchronized records.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klauern/crosssync/internal/logging"
	"github.com/klauern/crosssync/internal/model"
)

// Format represents the output format for exported records.
type Format string

const (
	// FormatJSON exports records as JSON.
	FormatJSON Format = "json"
	// FormatYAML exports records as YAML.
	FormatYAML Format = "yaml"
	// FormatMarkdown exports records as Markdown.
	FormatMarkdown Format = "markdown"
)

// IsValid returns true if the format is recognized.
func (f Format) IsValid() bool {
	switch f {
	case FormatJSON, FormatYAML, FormatMarkdown:
		return true
	default:
		return false
	}
}

// String returns the string representation of the format.
func (f Format) String() string {
	return string(f)
}

// AllFormats returns all supported export formats.
func AllFormats() []Format {
	return []Format{FormatJSON, FormatYAML, FormatMarkdown}
}

// ParseFormat parses a string into a Format.
func ParseFormat(s string) (Format, error) {
	format := Format(strings.ToLower(strings.TrimSpace(s)))
	if format == "md" {
		format = FormatMarkdown
	}
	if !format.IsValid() {
		return "", fmt.Errorf("unsupported format %q (valid: json, yaml, markdown)", s)
	}
	return format, nil
}

// Opener decrypts record payloads. security.Sealer implements it.
type Opener interface {
	OpenPayload(env model.Envelope) (map[string]any, error)
}

// Options configures export behavior.
type Options struct {
	// Format specifies the output format.
	Format Format
	// Pretty enables pretty-printing for JSON/YAML.
	Pretty bool
	// IncludeMetadata includes version, checksum and source fields.
	IncludeMetadata bool
	// Category filters records by category (empty means all).
	Category model.Category
	// OnRecord is called after each record is decrypted.
	OnRecord func()
}

// DefaultOptions returns the default export options.
func DefaultOptions() Options {
	return Options{
		Format:          FormatJSON,
		Pretty:          true,
		IncludeMetadata: true,
	}
}

// Exporter handles exporting records to different formats.
type Exporter struct {
	opener Opener
	opts   Options
}

// New creates a new Exporter that decrypts with opener.
func New(opener Opener, opts Options) *Exporter {
	return &Exporter{opener: opener, opts: opts}
}

// Export decrypts the given records and writes them in the configured
// format, ordered by category then id. A record that cannot be decrypted
// is exported with its error instead of its content.
func (e *Exporter) Export(records []model.Record, w io.Writer) error {
	defer logging.Timer("export")()

	logging.Debug("starting export",
		slog.String("format", string(e.opts.Format)),
		logging.Count(len(records)),
		logging.Category(string(e.opts.Category)),
		logging.Operation("export"),
	)

	entries := e.entries(records)

	var err error
	switch e.opts.Format {
	case FormatJSON:
		err = e.exportJSON(entries, w)
	case FormatYAML:
		err = e.exportYAML(entries, w)
	case FormatMarkdown:
		err = e.exportMarkdown(entries, w)
	default:
		err = fmt.Errorf("unsupported format: %s", e.opts.Format)
	}

	if err != nil {
		logging.Error("export failed",
			slog.String("format", string(e.opts.Format)),
			logging.Err(err),
		)
		return err
	}

	logging.Info("export completed successfully",
		slog.String("format", string(e.opts.Format)),
		logging.Count(len(entries)),
	)

	return nil
}

// exportRecord is the exported form of a record.
type exportRecord struct {
	ID        string         `json:"id" yaml:"id"`
	Category  string         `json:"category" yaml:"category"`
	Content   map[string]any `json:"content,omitempty" yaml:"content,omitempty"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
	Version   int64          `json:"version,omitempty" yaml:"version,omitempty"`
	Source    string         `json:"source,omitempty" yaml:"source,omitempty"`
	Checksum  string         `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	UpdatedAt string         `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

func (e *Exporter) entries(records []model.Record) []exportRecord {
	var out []exportRecord
	for _, rec := range records {
		if e.opts.Category != "" && rec.Category != e.opts.Category {
			continue
		}
		out = append(out, e.toExportRecord(rec))
		if e.opts.OnRecord != nil {
			e.opts.OnRecord()
		}
	}
	if len(out) != len(records) {
		logging.Debug("records filtered by category",
			logging.Count(len(out)),
			slog.Int("original", len(records)),
		)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Exporter) toExportRecord(rec model.Record) exportRecord {
	er := exportRecord{
		ID:       rec.ID,
		Category: string(rec.Category),
	}
	payload, err := e.opener.OpenPayload(rec.Content)
	if err != nil {
		logging.Warn("record could not be decrypted", logging.Record(rec.ID), logging.Err(err))
		er.Error = err.Error()
	} else {
		er.Content = payload
	}

	if e.opts.IncludeMetadata {
		er.Version = rec.Version
		er.Source = rec.SourcePlatform
		er.Checksum = rec.Checksum
		if !rec.Timestamp.IsZero() {
			er.UpdatedAt = rec.Timestamp.Format(time.RFC3339)
		}
	}
	return er
}

// exportJSON exports records as JSON.
func (e *Exporter) exportJSON(records []exportRecord, w io.Writer) error {
	encoder := json.NewEncoder(w)
	if e.opts.Pretty {
		encoder.SetIndent("", "  ")
	}
	if records == nil {
		records = []exportRecord{}
	}
	return encoder.Encode(records)
}

// exportYAML exports records as YAML.
func (e *Exporter) exportYAML(records []exportRecord, w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	if e.opts.Pretty {
		encoder.SetIndent(2)
	}
	if err := encoder.Encode(records); err != nil {
		_ = encoder.Close()
		return err
	}
	return encoder.Close()
}

// exportMarkdown exports records as Markdown, one section per category.
func (e *Exporter) exportMarkdown(records []exportRecord, w io.Writer) error {
	var sb strings.Builder

	sb.WriteString("# Exported Records\n\n")
	sb.WriteString(fmt.Sprintf("Total: %d record(s)\n", len(records)))

	current := ""
	for _, rec := range records {
		if rec.Category != current {
			current = rec.Category
			sb.WriteString(fmt.Sprintf("\n## %s\n", categoryTitle(current)))
		}
		sb.WriteString("\n")
		sb.WriteString(e.formatMarkdownRecord(rec))
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

func categoryTitle(c string) string {
	if desc := model.Category(c).Description(); desc != c {
		return fmt.Sprintf("%s (%s)", c, desc)
	}
	return c
}

// formatMarkdownRecord formats a single record as Markdown.
func (e *Exporter) formatMarkdownRecord(rec exportRecord) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("### %s\n\n", rec.ID))

	if e.opts.IncludeMetadata {
		sb.WriteString("| Property | Value |\n")
		sb.WriteString("|----------|-------|\n")
		sb.WriteString(fmt.Sprintf("| Version | %d |\n", rec.Version))
		if rec.Source != "" {
			sb.WriteString(fmt.Sprintf("| Source | %s |\n", rec.Source))
		}
		if rec.UpdatedAt != "" {
			sb.WriteString(fmt.Sprintf("| Updated | %s |\n", rec.UpdatedAt))
		}
		sb.WriteString("\n")
	}

	switch {
	case rec.Error != "":
		sb.WriteString(fmt.Sprintf("*Unreadable: %s*\n", rec.Error))
	case len(rec.Content) == 0:
		sb.WriteString("*No content*\n")
	default:
		body, err := json.MarshalIndent(rec.Content, "", "  ")
		if err != nil {
			sb.WriteString(fmt.Sprintf("*Unrenderable: %v*\n", err))
			break
		}
		sb.WriteString("```json\n")
		sb.Write(body)
		sb.WriteString("\n```\n")
	}

	return sb.String()
}
