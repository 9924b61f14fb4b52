// =============================================================================
// CLI OUTPUT FORMATTER - TABLE, JSON, YAML OUTPUT SUPPORT
// =============================================================================
//
//   ┌─────────────────────────────────────────────────────────────────────────┐
//   │  Human (terminal):                                                      │
//   │    $ logq topics describe orders                                        │
//   │    Topic:               orders                                          │
//   │    Partitions:          3                                               │
//   │    Replication factor:  3                                               │
//   │                                                                         │
//   │    PARTITION  LEADER    REPLICAS                      ISR               │
//   │    0          broker-1  broker-1,broker-2,broker-3    broker-1,broker-2 │
//   │                                                                         │
//   │  Script (JSON + jq):                                                    │
//   │    $ logq topics describe orders -o json | jq '.partitions[].leader'    │
//   └─────────────────────────────────────────────────────────────────────────┘
//
// Titles, labels and status words are styled with lipgloss. The renderer is
// bound to the output writer, so pipes and files get plain text.
//
// =============================================================================

package cli

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"logq/internal/api"
	"logq/internal/coordinator"
	"logq/pkg/protocol"
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
// STYLES
// =============================================================================

// Palette
var (
	colorAccent = lipgloss.Color("#8AB4F8")
	colorMuted  = lipgloss.Color("#9AA0A6")
	colorGood   = lipgloss.Color("#34A853")
	colorWarn   = lipgloss.Color("#FBBC04")
	colorBad    = lipgloss.Color("#EA4335")
)

// Styles are built from one renderer so colour support follows the writer.
type Styles struct {
	Title lipgloss.Style
	Label lipgloss.Style
	Muted lipgloss.Style
	Good  lipgloss.Style
	Warn  lipgloss.Style
	Bad   lipgloss.Style
}

// NewStyles returns the palette rendered for w.
func NewStyles(w io.Writer) Styles {
	r := lipgloss.NewRenderer(w)
	return Styles{
		Title: r.NewStyle().Foreground(colorAccent).Bold(true),
		Label: r.NewStyle().Foreground(colorMuted),
		Muted: r.NewStyle().Foreground(colorMuted).Italic(true),
		Good:  r.NewStyle().Foreground(colorGood).Bold(true),
		Warn:  r.NewStyle().Foreground(colorWarn).Bold(true),
		Bad:   r.NewStyle().Foreground(colorBad).Bold(true),
	}
}

// Status colours a health or liveness word.
func (s Styles) Status(status string) string {
	switch status {
	case api.CheckPass, "alive", "Stable":
		return s.Good.Render(status)
	case api.CheckWarn, "Rebalancing":
		return s.Warn.Render(status)
	case api.CheckFail, "dead":
		return s.Bad.Render(status)
	default:
		return status
	}
}

// =============================================================================
// FORMATTER
// =============================================================================

// Formatter handles output formatting for CLI commands.
type Formatter struct {
	format OutputFormat
	writer io.Writer
	styles Styles
}

// NewFormatter creates a formatter writing to stdout.
func NewFormatter(format OutputFormat) *Formatter {
	return NewFormatterTo(format, os.Stdout)
}

// NewFormatterTo creates a formatter writing to w.
func NewFormatterTo(format OutputFormat, w io.Writer) *Formatter {
	return &Formatter{format: format, writer: w, styles: NewStyles(w)}
}

// Format returns the configured output format.
func (f *Formatter) Format() OutputFormat { return f.format }

// Styles returns the styles bound to the output writer.
func (f *Formatter) Styles() Styles { return f.styles }

// structured writes data as JSON or YAML and reports whether it did.
func (f *Formatter) structured(data interface{}) (bool, error) {
	switch f.format {
	case OutputJSON:
		encoder := json.NewEncoder(f.writer)
		encoder.SetIndent("", "  ")
		return true, encoder.Encode(data)
	case OutputYAML:
		encoder := yaml.NewEncoder(f.writer)
		encoder.SetIndent(2)
		defer encoder.Close()
		return true, encoder.Encode(data)
	default:
		return false, nil
	}
}

func (f *Formatter) title(s string) {
	fmt.Fprintln(f.writer, f.styles.Title.Render(s))
}

func (f *Formatter) field(label string, value interface{}) {
	fmt.Fprintf(f.writer, "%s %v\n", f.styles.Label.Render(fmt.Sprintf("%-20s", label+":")), value)
}

// =============================================================================
// TABLE FORMATTING
// =============================================================================

// TableWriter wraps tabwriter for convenient table output.
type TableWriter struct {
	tw *tabwriter.Writer
}

// Table creates a new table writer and writes its header row.
func (f *Formatter) Table(headers ...string) *TableWriter {
	t := &TableWriter{tw: tabwriter.NewWriter(f.writer, 0, 0, 2, ' ', 0)}
	upper := make([]string, len(headers))
	for i, h := range headers {
		upper[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(t.tw, strings.Join(upper, "\t"))
	return t
}

// WriteRow writes a single row.
func (t *TableWriter) WriteRow(values ...interface{}) {
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
// TOPICS
// =============================================================================

// FormatTopics outputs a list of topic names.
func (f *Formatter) FormatTopics(topics []string) error {
	if ok, err := f.structured(topics); ok {
		return err
	}
	if len(topics) == 0 {
		fmt.Fprintln(f.writer, f.styles.Muted.Render("no topics"))
		return nil
	}
	table := f.Table("name")
	for _, topic := range topics {
		table.WriteRow(topic)
	}
	return table.Flush()
}

// FormatTopicMetadata outputs a topic's placement. Partitions whose ISR is
// smaller than the replica set are flagged.
func (f *Formatter) FormatTopicMetadata(meta *protocol.MetadataResponse) error {
	if ok, err := f.structured(meta); ok {
		return err
	}
	f.field("Topic", meta.Topic)
	f.field("Partitions", meta.NumPartitions)
	f.field("Replication factor", meta.ReplicationFactor)
	fmt.Fprintln(f.writer)

	table := f.Table("partition", "leader", "replicas", "isr", "")
	for _, p := range meta.Partitions {
		flag := ""
		if len(p.ISR) < len(p.Replicas) {
			flag = "under-replicated"
		}
		leader := "none"
		if p.Leader != protocol.AnyBroker {
			leader = brokerName(p.Leader)
		}
		table.WriteRow(p.Partition, leader, brokerList(p.Replicas), brokerList(p.ISR), flag)
	}
	return table.Flush()
}

// =============================================================================
// RECORDS
// =============================================================================

// ProducedRecord is one produce outcome.
type ProducedRecord struct {
	Topic     string `json:"topic" yaml:"topic"`
	Partition int32  `json:"partition" yaml:"partition"`
	Offset    int64  `json:"offset" yaml:"offset"`
	Duplicate bool   `json:"duplicate,omitempty" yaml:"duplicate,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// FormatProduced outputs produce outcomes.
func (f *Formatter) FormatProduced(results []ProducedRecord) error {
	if ok, err := f.structured(results); ok {
		return err
	}
	table := f.Table("topic", "partition", "offset", "error")
	for _, r := range results {
		offset := fmt.Sprint(r.Offset)
		if r.Offset < 0 {
			offset = "-"
		}
		errStr := r.Error
		if errStr == "" {
			errStr = "-"
		}
		table.WriteRow(r.Topic, r.Partition, offset, errStr)
	}
	return table.Flush()
}

// ConsumedRecord is one record in text form. Binary keys and values are
// base64, flagged by Encoding.
type ConsumedRecord struct {
	Topic     string            `json:"topic" yaml:"topic"`
	Partition int32             `json:"partition" yaml:"partition"`
	Offset    int64             `json:"offset" yaml:"offset"`
	Key       *string           `json:"key,omitempty" yaml:"key,omitempty"`
	Value     string            `json:"value" yaml:"value"`
	Encoding  string            `json:"encoding,omitempty" yaml:"encoding,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timestamp string            `json:"produced_at" yaml:"produced_at"`
}

// NewConsumedRecord converts a wire record.
func NewConsumedRecord(topic string, partition int32, rec protocol.Record) ConsumedRecord {
	out := ConsumedRecord{
		Topic:     topic,
		Partition: partition,
		Offset:    rec.Offset,
		Headers:   rec.Headers,
		Timestamp: rec.ProducedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	text := func(b []byte) string { return string(b) }
	if !utf8.Valid(rec.Value) || !utf8.Valid(rec.Key) {
		out.Encoding = "base64"
		text = base64.StdEncoding.EncodeToString
	}
	out.Value = text(rec.Value)
	if rec.HasKey() {
		k := text(rec.Key)
		out.Key = &k
	}
	return out
}

// FormatRecords outputs consumed records. JSON output is one object per
// line so it can be streamed into jq.
func (f *Formatter) FormatRecords(records []ConsumedRecord) error {
	switch f.format {
	case OutputJSON:
		encoder := json.NewEncoder(f.writer)
		for _, r := range records {
			if err := encoder.Encode(r); err != nil {
				return err
			}
		}
		return nil
	case OutputYAML:
		_, err := f.structured(records)
		return err
	}

	table := f.Table("partition", "offset", "timestamp", "key", "value")
	for _, r := range records {
		key := "-"
		if r.Key != nil {
			key = *r.Key
		}
		table.WriteRow(r.Partition, r.Offset, r.Timestamp, key, truncate(r.Value, 60))
	}
	return table.Flush()
}

// =============================================================================
// GROUPS
// =============================================================================

// FormatGroups outputs a list of group IDs.
func (f *Formatter) FormatGroups(groups []string) error {
	if ok, err := f.structured(groups); ok {
		return err
	}
	if len(groups) == 0 {
		fmt.Fprintln(f.writer, f.styles.Muted.Render("no groups"))
		return nil
	}
	table := f.Table("group id")
	for _, g := range groups {
		table.WriteRow(g)
	}
	return table.Flush()
}

// FormatGroup outputs a group's generation and assignment.
func (f *Formatter) FormatGroup(desc *coordinator.GroupDescription) error {
	if ok, err := f.structured(desc); ok {
		return err
	}
	f.field("Group", desc.GroupID)
	f.field("State", f.styles.Status(desc.State))
	f.field("Generation", desc.Generation)
	if desc.LastRebalance != "" {
		f.field("Last rebalance", desc.LastRebalance)
	}
	fmt.Fprintln(f.writer)
	f.title("MEMBERS")

	table := f.Table("member id", "client id", "topic", "synced", "partitions")
	for _, m := range desc.Members {
		table.WriteRow(m.MemberID, orDash(m.ClientID), m.Topic, m.Synced, formatPartitions(m.Assignment))
	}
	return table.Flush()
}

// FormatOffsets outputs a group's committed offsets.
func (f *Formatter) FormatOffsets(groupID string, offsets []coordinator.CommittedOffset) error {
	if ok, err := f.structured(offsets); ok {
		return err
	}
	f.field("Group", groupID)
	fmt.Fprintln(f.writer)

	sorted := append([]coordinator.CommittedOffset(nil), offsets...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Topic != sorted[j].Topic {
			return sorted[i].Topic < sorted[j].Topic
		}
		return sorted[i].Partition < sorted[j].Partition
	})
	table := f.Table("topic", "partition", "offset", "generation", "committed at")
	for _, o := range sorted {
		table.WriteRow(o.Topic, o.Partition, o.Offset, o.Generation, o.CommittedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return table.Flush()
}

// =============================================================================
// BROKERS
// =============================================================================

// FormatBrokers outputs every broker with its liveness.
func (f *Formatter) FormatBrokers(brokers []api.BrokerView) error {
	if ok, err := f.structured(brokers); ok {
		return err
	}
	table := f.Table("id", "address", "status", "running", "since")
	for _, b := range brokers {
		table.WriteRow(b.ID, orDash(b.Address), f.styles.Status(liveness(b.Alive)), b.Running, b.Since.Format("15:04:05"))
	}
	return table.Flush()
}

// FormatBroker outputs one broker and the replicas it hosts.
func (f *Formatter) FormatBroker(b *api.BrokerView) error {
	if ok, err := f.structured(b); ok {
		return err
	}
	f.field("Broker", b.ID)
	f.field("Address", orDash(b.Address))
	f.field("Status", f.styles.Status(liveness(b.Alive)))
	f.field("Running", b.Running)
	fmt.Fprintln(f.writer)
	f.title("REPLICAS")

	table := f.Table("topic", "partition", "role", "start", "end", "hw", "isr")
	for _, p := range b.Partitions {
		isr := make([]int32, len(p.ISR))
		for i, id := range p.ISR {
			isr[i] = int32(id)
		}
		table.WriteRow(p.Topic, p.Partition, p.Role, p.LogStartOffset, p.LogEndOffset, p.HighWatermark, brokerList(isr))
	}
	return table.Flush()
}

// =============================================================================
// SERVER
// =============================================================================

// FormatHealth outputs health status with per-check results.
func (f *Formatter) FormatHealth(health *HealthResponse) error {
	if ok, err := f.structured(health); ok {
		return err
	}
	f.field("Status", f.styles.Status(health.Status))
	f.field("Uptime", health.Uptime)
	if len(health.Checks) == 0 {
		return nil
	}
	fmt.Fprintln(f.writer)

	names := make([]string, 0, len(health.Checks))
	for name := range health.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	table := f.Table("check", "status", "message")
	for _, name := range names {
		c := health.Checks[name]
		table.WriteRow(name, f.styles.Status(c.Status), c.Message)
	}
	return table.Flush()
}

// FormatVersion outputs client and, when reachable, server versions.
func (f *Formatter) FormatVersion(client string, server *VersionInfo) error {
	data := map[string]interface{}{"client": client}
	if server != nil {
		data["server"] = server
	}
	if ok, err := f.structured(data); ok {
		return err
	}
	f.field("Client version", client)
	if server != nil {
		f.field("Server version", server.Version)
		f.field("Git commit", server.GitCommit)
		f.field("Go version", server.GoVersion)
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func brokerName(id int32) string {
	return fmt.Sprintf("broker-%d", id)
}

func brokerList(ids []int32) string {
	if len(ids) == 0 {
		return "-"
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = brokerName(id)
	}
	return strings.Join(names, ",")
}

func liveness(alive bool) string {
	if alive {
		return "alive"
	}
	return "dead"
}

// formatPartitions formats a list of partitions for display.
func formatPartitions(partitions []protocol.TopicPartition) string {
	if len(partitions) == 0 {
		return "-"
	}
	parts := make([]string, len(partitions))
	for i, p := range partitions {
		parts[i] = fmt.Sprintf("%s:%d", p.Topic, p.Partition)
	}
	return strings.Join(parts, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// =============================================================================
// MESSAGES
// =============================================================================

var stderrStyles = NewStyles(os.Stderr)
var stdoutStyles = NewStyles(os.Stdout)

// PrintError prints an error message to stderr.
func PrintError(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, stderrStyles.Bad.Render("Error:"), fmt.Sprintf(format, args...))
}

// PrintSuccess prints a success message.
func PrintSuccess(format string, args ...interface{}) {
	fmt.Println(stdoutStyles.Good.Render("✓"), fmt.Sprintf(format, args...))
}

// PrintInfo prints an info message.
func PrintInfo(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}
