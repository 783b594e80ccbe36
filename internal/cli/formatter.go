// =============================================================================
// CLI OUTPUT FORMATTER - TABLE, JSON, YAML OUTPUT SUPPORT
// =============================================================================
//
// Every busctl command prints through a Formatter:
//   - table (default): aligned columns for a terminal
//   - json: for scripting with jq
//   - yaml: for pasting back into a config file
//
//   $ busctl topic list
//   NAME          PARTITIONS  COMPACTED
//   order-state   4           true
//   orders        4           false
//
//   $ busctl topic list -o json | jq '.[].name'
//
// =============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"messagebus/pkg/messaging"
)

// =============================================================================
// OUTPUT FORMAT
// =============================================================================

// OutputFormat represents the output format type.
type OutputFormat string

// Supported output formats
const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// ParseOutputFormat parses an output format string.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return OutputTable, nil
	case "json":
		return OutputJSON, nil
	case "yaml", "yml":
		return OutputYAML, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (supported: table, json, yaml)", s)
	}
}

// =============================================================================
// FORMATTER
// =============================================================================

// Formatter handles output formatting for CLI commands.
type Formatter struct {
	format OutputFormat
	writer io.Writer
}

// NewFormatter creates a new formatter writing to w.
func NewFormatter(format OutputFormat, w io.Writer) *Formatter {
	if w == nil {
		w = os.Stdout
	}
	return &Formatter{format: format, writer: w}
}

// structured writes data as JSON or YAML and reports whether it did.
func (f *Formatter) structured(data any) (bool, error) {
	switch f.format {
	case OutputJSON:
		enc := json.NewEncoder(f.writer)
		enc.SetIndent("", "  ")
		return true, enc.Encode(data)
	case OutputYAML:
		enc := yaml.NewEncoder(f.writer)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return true, err
		}
		return true, enc.Close()
	}
	return false, nil
}

// =============================================================================
// TABLE FORMATTING
// =============================================================================

// Table creates a new table writer.
func (f *Formatter) Table(headers ...string) *TableWriter {
	t := &TableWriter{tw: tabwriter.NewWriter(f.writer, 0, 0, 2, ' ', 0)}
	if len(headers) > 0 {
		upper := make([]string, len(headers))
		for i, h := range headers {
			upper[i] = strings.ToUpper(h)
		}
		fmt.Fprintln(t.tw, strings.Join(upper, "\t"))
	}
	return t
}

// TableWriter wraps tabwriter for convenient table output.
type TableWriter struct {
	tw *tabwriter.Writer
}

// WriteRow writes a single row.
func (t *TableWriter) WriteRow(values ...any) {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = fmt.Sprint(v)
	}
	fmt.Fprintln(t.tw, strings.Join(strs, "\t"))
}

// Flush flushes the table writer.
func (t *TableWriter) Flush() error {
	return t.tw.Flush()
}

// =============================================================================
// DOMAIN FORMATTERS
// =============================================================================

// FormatTopics prints topics sorted by name.
func (f *Formatter) FormatTopics(topics map[string]messaging.TopicInfo) error {
	list := make([]messaging.TopicInfo, 0, len(topics))
	for _, t := range topics {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	if ok, err := f.structured(list); ok {
		return err
	}
	table := f.Table("name", "partitions", "compacted")
	for _, t := range list {
		table.WriteRow(t.Name, t.Partitions, t.Compacted)
	}
	return table.Flush()
}

// PublishResult is one produced record as printed.
type PublishResult struct {
	Topic     string `json:"topic" yaml:"topic"`
	Partition int    `json:"partition" yaml:"partition"`
	Offset    int64  `json:"offset" yaml:"offset"`
}

// FormatPublishResults prints where records landed.
func (f *Formatter) FormatPublishResults(md []messaging.RecordMetadata) error {
	out := make([]PublishResult, len(md))
	for i, m := range md {
		out[i] = PublishResult{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset}
	}
	if ok, err := f.structured(out); ok {
		return err
	}
	table := f.Table("topic", "partition", "offset")
	for _, r := range out {
		table.WriteRow(r.Topic, r.Partition, r.Offset)
	}
	return table.Flush()
}

// RecordView is one consumed record as printed. Values print as text.
type RecordView struct {
	Partition int               `json:"partition" yaml:"partition"`
	Offset    int64             `json:"offset" yaml:"offset"`
	Timestamp string            `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Key       string            `json:"key,omitempty" yaml:"key,omitempty"`
	Value     *string           `json:"value" yaml:"value"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// NewRecordView converts a record. A tombstone has a nil Value.
func NewRecordView(r messaging.ConsumedRecord) RecordView {
	v := RecordView{
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       string(r.Key),
		Headers:   r.Headers,
	}
	if !r.Timestamp.IsZero() {
		v.Timestamp = r.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if !r.IsTombstone() {
		s := string(r.Value)
		v.Value = &s
	}
	return v
}

// FormatRecords prints consumed records.
func (f *Formatter) FormatRecords(records []messaging.ConsumedRecord) error {
	views := make([]RecordView, len(records))
	for i, r := range records {
		views[i] = NewRecordView(r)
	}
	if ok, err := f.structured(views); ok {
		return err
	}
	table := f.Table("partition", "offset", "key", "value")
	for _, v := range views {
		value := "<tombstone>"
		if v.Value != nil {
			value = *v.Value
		}
		table.WriteRow(v.Partition, v.Offset, orDash(v.Key), value)
	}
	return table.Flush()
}

// Allocation is the partition split for one listener.
type Allocation struct {
	Listener   string `json:"listener" yaml:"listener"`
	Partitions []int  `json:"partitions" yaml:"partitions"`
}

// FormatAllocation prints a split of partitions across listeners.
func (f *Formatter) FormatAllocation(topic string, allocs []Allocation) error {
	if ok, err := f.structured(map[string]any{"topic": topic, "listeners": allocs}); ok {
		return err
	}
	table := f.Table("listener", "partitions")
	for _, a := range allocs {
		table.WriteRow(a.Listener, formatPartitions(a.Partitions))
	}
	return table.Flush()
}

// FormatOffsets prints a group's committed offsets.
func (f *Formatter) FormatOffsets(group string, offsets map[string]map[int]int64) error {
	if ok, err := f.structured(map[string]any{"group": group, "offsets": offsets}); ok {
		return err
	}
	topics := make([]string, 0, len(offsets))
	for t := range offsets {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	table := f.Table("topic", "partition", "committed")
	for _, t := range topics {
		parts := make([]int, 0, len(offsets[t]))
		for p := range offsets[t] {
			parts = append(parts, p)
		}
		sort.Ints(parts)
		for _, p := range parts {
			table.WriteRow(t, p, offsets[t][p])
		}
	}
	return table.Flush()
}

// VersionInfo is build information.
type VersionInfo struct {
	Version   string `json:"version" yaml:"version"`
	GitCommit string `json:"git_commit" yaml:"git_commit"`
	BuildTime string `json:"build_time" yaml:"build_time"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

// FormatVersion prints build information.
func (f *Formatter) FormatVersion(info VersionInfo) error {
	if ok, err := f.structured(info); ok {
		return err
	}
	fmt.Fprintf(f.writer, "Version:    %s\n", info.Version)
	fmt.Fprintf(f.writer, "Git commit: %s\n", info.GitCommit)
	fmt.Fprintf(f.writer, "Built:      %s\n", info.BuildTime)
	fmt.Fprintf(f.writer, "Go:         %s\n", info.GoVersion)
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// formatPartitions formats a list of partitions for display.
func formatPartitions(partitions []int) string {
	if len(partitions) == 0 {
		return "-"
	}
	parts := make([]string, len(partitions))
	for i, p := range partitions {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// PrintSuccess prints a success message to w.
func PrintSuccess(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "✓ "+format+"\n", args...)
}
