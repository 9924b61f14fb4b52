package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"gopkg.in/yaml.v3"

	"logq/internal/api"
	"logq/internal/broker"
	"logq/internal/cluster"
	"logq/internal/coordinator"
	"logq/pkg/protocol"
)

// =============================================================================
// CONFIG
// =============================================================================

func TestConfig_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	config := DefaultConfig()
	config.SetContext("staging", &ContextConfig{Server: "http://staging:8080", GRPC: "staging:9000", Timeout: 5})
	if err := config.UseContext("staging"); err != nil {
		t.Fatalf("UseContext failed: %v", err)
	}
	if err := config.SaveToPath(path); err != nil {
		t.Fatalf("SaveToPath failed: %v", err)
	}

	loaded, err := LoadConfigFromPath(path)
	if err != nil {
		t.Fatalf("LoadConfigFromPath failed: %v", err)
	}
	if loaded.CurrentContext != "staging" {
		t.Errorf("CurrentContext = %q, want staging", loaded.CurrentContext)
	}
	if got := loaded.ListContexts(); strings.Join(got, ",") != "local,staging" {
		t.Errorf("ListContexts = %v", got)
	}
	ctx, err := loaded.GetCurrentContext()
	if err != nil {
		t.Fatalf("GetCurrentContext failed: %v", err)
	}
	if ctx.GRPC != "staging:9000" || ctx.Timeout != 5 {
		t.Errorf("loaded context = %s", spew.Sdump(ctx))
	}
}

func TestConfig_MissingFileIsDefault(t *testing.T) {
	config, err := LoadConfigFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfigFromPath failed: %v", err)
	}
	if config.CurrentContext != "local" {
		t.Errorf("CurrentContext = %q, want local", config.CurrentContext)
	}
	if err := config.UseContext("prod"); err == nil {
		t.Error("UseContext(prod) should fail for an unknown context")
	}
}

func TestResolve(t *testing.T) {
	config := DefaultConfig()
	config.SetContext("staging", &ContextConfig{Server: "http://staging:8080", GRPC: "staging:9000", Timeout: 5})
	config.CurrentContext = "staging"

	tests := []struct {
		name       string
		serverFlag string
		grpcFlag   string
		config     *Config
		env        map[string]string
		want       Resolved
	}{
		{
			name: "defaults",
			want: Resolved{Server: DefaultServer, GRPC: DefaultGRPC, Timeout: 30},
		},
		{
			name:   "config context",
			config: config,
			want:   Resolved{Server: "http://staging:8080", GRPC: "staging:9000", Timeout: 5},
		},
		{
			name:   "env over config",
			config: config,
			env:    map[string]string{EnvServer: "http://env:1", EnvGRPC: "env:2"},
			want:   Resolved{Server: "http://env:1", GRPC: "env:2", Timeout: 5},
		},
		{
			name:       "flags over env",
			serverFlag: "http://flag:1",
			grpcFlag:   "flag:2",
			config:     config,
			env:        map[string]string{EnvServer: "http://env:1", EnvGRPC: "env:2"},
			want:       Resolved{Server: "http://flag:1", GRPC: "flag:2", Timeout: 5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := func(k string) (string, bool) {
				v, ok := tt.env[k]
				return v, ok
			}
			got := Resolve(tt.serverFlag, tt.grpcFlag, tt.config, lookup)
			if got != tt.want {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// FORMATTER
// =============================================================================

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", OutputTable, false},
		{"TABLE", OutputTable, false},
		{"json", OutputJSON, false},
		{"yml", OutputYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func sampleMetadata() *protocol.MetadataResponse {
	return &protocol.MetadataResponse{
		Topic:             "orders",
		NumPartitions:     2,
		ReplicationFactor: 2,
		Partitions: []protocol.PartitionMetadata{
			{Partition: 0, Leader: 1, Replicas: []int32{1, 2}, ISR: []int32{1, 2}},
			{Partition: 1, Leader: 2, Replicas: []int32{2, 1}, ISR: []int32{2}},
		},
	}
}

func TestFormatter_TopicMetadataTable(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatterTo(OutputTable, &buf)
	if err := f.FormatTopicMetadata(sampleMetadata()); err != nil {
		t.Fatalf("FormatTopicMetadata failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{"orders", "PARTITION", "broker-1,broker-2", "under-replicated"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	// Output to a buffer is not a terminal, so no escape codes.
	if strings.Contains(out, "\x1b[") {
		t.Errorf("unexpected ANSI escapes in non-terminal output:\n%q", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if !strings.Contains(lines[len(lines)-1], "under-replicated") {
		t.Errorf("partition 1 should be flagged:\n%s", out)
	}
	if strings.Contains(lines[len(lines)-2], "under-replicated") {
		t.Errorf("partition 0 should not be flagged:\n%s", out)
	}
}

func TestFormatter_Structured(t *testing.T) {
	meta := sampleMetadata()

	var jsonBuf bytes.Buffer
	if err := NewFormatterTo(OutputJSON, &jsonBuf).FormatTopicMetadata(meta); err != nil {
		t.Fatalf("json: %v", err)
	}
	var fromJSON protocol.MetadataResponse
	if err := json.Unmarshal(jsonBuf.Bytes(), &fromJSON); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, jsonBuf.String())
	}
	if fromJSON.Partitions[1].Leader != 2 {
		t.Errorf("JSON lost data:\n%s", jsonBuf.String())
	}

	var yamlBuf bytes.Buffer
	if err := NewFormatterTo(OutputYAML, &yamlBuf).FormatTopics([]string{"a", "b"}); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	var topics []string
	if err := yaml.Unmarshal(yamlBuf.Bytes(), &topics); err != nil || len(topics) != 2 {
		t.Errorf("YAML output = %q, err %v", yamlBuf.String(), err)
	}
}

func TestFormatter_Records(t *testing.T) {
	produced := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	records := []ConsumedRecord{
		NewConsumedRecord("orders", 0, protocol.Record{Offset: 7, Key: []byte("k"), Value: []byte("v"), ProducedAt: produced}),
		NewConsumedRecord("orders", 0, protocol.Record{Offset: 8, Value: []byte(strings.Repeat("x", 100)), ProducedAt: produced}),
	}
	if records[1].Key != nil {
		t.Fatal("a record without a key should have a nil key")
	}
	if records[0].Encoding != "" || records[0].Value != "v" {
		t.Errorf("text record = %+v", records[0])
	}
	binary := NewConsumedRecord("orders", 0, protocol.Record{Offset: 9, Key: []byte("k"), Value: []byte{0xff, 0x00}, ProducedAt: produced})
	if binary.Encoding != "base64" || binary.Value != "/wA=" || binary.Key == nil || *binary.Key != "aw==" {
		t.Errorf("binary record = %+v", binary)
	}

	var jsonBuf bytes.Buffer
	if err := NewFormatterTo(OutputJSON, &jsonBuf).FormatRecords(records); err != nil {
		t.Fatalf("json: %v", err)
	}
	if n := strings.Count(strings.TrimSpace(jsonBuf.String()), "\n") + 1; n != 2 {
		t.Errorf("want one JSON object per line, got %d lines", n)
	}

	var tableBuf bytes.Buffer
	if err := NewFormatterTo(OutputTable, &tableBuf).FormatRecords(records); err != nil {
		t.Fatalf("table: %v", err)
	}
	if !strings.Contains(tableBuf.String(), "...") {
		t.Errorf("long values should be truncated:\n%s", tableBuf.String())
	}
}

// =============================================================================
// CLIENT
// =============================================================================

func setupAPI(t *testing.T, brokers int) (*Client, *broker.Cluster) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	config := broker.ClusterConfig{
		Replication: broker.ReplicationConfig{
			AckTimeout:          2 * time.Second,
			FetchInterval:       5 * time.Millisecond,
			MaintenanceInterval: time.Hour,
		},
		Logger: logger,
	}
	for i := 1; i <= brokers; i++ {
		config.Brokers = append(config.Brokers, broker.BrokerConfig{ID: cluster.BrokerID(i)})
	}
	c, err := broker.NewCluster(config)
	if err != nil {
		t.Fatalf("NewCluster failed: %v", err)
	}
	c.Start()
	t.Cleanup(func() { c.Close() })

	serverConfig := api.DefaultServerConfig()
	serverConfig.Logger = logger
	server := api.NewServer(c, serverConfig)
	server.Health().SetReady(true)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return NewClient(ClientConfig{ServerURL: ts.URL, Timeout: 5 * time.Second}), c
}

func TestClient_Topics(t *testing.T) {
	client, _ := setupAPI(t, 3)
	ctx := context.Background()

	meta, err := client.CreateTopic(ctx, api.CreateTopicRequest{Name: "orders", Partitions: 3, ReplicationFactor: 2})
	if err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}
	if meta.NumPartitions != 3 || len(meta.Partitions[0].Replicas) != 2 {
		t.Errorf("unexpected metadata:\n%s", spew.Sdump(meta))
	}

	_, err = client.CreateTopic(ctx, api.CreateTopicRequest{Name: "orders", Partitions: 1})
	if !errors.Is(err, protocol.ErrTopicExists) {
		t.Errorf("duplicate CreateTopic error = %v, want ErrTopicExists", err)
	}

	topics, err := client.ListTopics(ctx)
	if err != nil || len(topics) != 1 || topics[0] != "orders" {
		t.Errorf("ListTopics = %v, %v", topics, err)
	}

	if _, err := client.DescribeTopic(ctx, "missing"); !errors.Is(err, protocol.ErrTopicNotFound) {
		t.Errorf("DescribeTopic(missing) error = %v, want ErrTopicNotFound", err)
	}
}

func TestClient_GroupsAndBrokers(t *testing.T) {
	client, c := setupAPI(t, 2)
	ctx := context.Background()

	if _, err := c.CreateTopic(cluster.TopicConfig{Name: "events", NumPartitions: 2, ReplicationFactor: 2}); err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}
	joined, err := c.JoinGroup(ctx, protocol.JoinGroupRequest{GroupID: "g", Topic: "events"})
	if err != nil {
		t.Fatalf("JoinGroup failed: %v", err)
	}
	err = c.CommitOffset(ctx, protocol.CommitOffsetRequest{
		GroupID: "g", MemberID: joined.MemberID, Topic: "events", Partition: 1, Offset: 3, Generation: joined.Generation,
	})
	if err != nil {
		t.Fatalf("CommitOffset failed: %v", err)
	}

	groups, err := client.ListGroups(ctx)
	if err != nil || len(groups) != 1 {
		t.Fatalf("ListGroups = %v, %v", groups, err)
	}
	desc, err := client.DescribeGroup(ctx, "g")
	if err != nil {
		t.Fatalf("DescribeGroup failed: %v", err)
	}
	if len(desc.Members) != 1 || desc.Generation != joined.Generation {
		t.Errorf("unexpected group:\n%s", spew.Sdump(desc))
	}
	offsets, err := client.GroupOffsets(ctx, "g")
	if err != nil || len(offsets) != 1 || offsets[0].Offset != 3 {
		t.Errorf("GroupOffsets = %s, %v", spew.Sdump(offsets), err)
	}
	if err := client.DeleteGroup(ctx, "g"); !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Errorf("DeleteGroup with members error = %v, want ErrInvalidRequest", err)
	}
	var apiErr *APIError
	if !errors.As(client.DeleteGroup(ctx, "g"), &apiErr) || apiErr.StatusCode != 400 {
		t.Errorf("DeleteGroup should fail with a 400 APIError, got %v", apiErr)
	}

	brokers, err := client.ListBrokers(ctx)
	if err != nil || len(brokers) != 2 {
		t.Fatalf("ListBrokers = %v, %v", brokers, err)
	}
	if err := client.SetBrokerAlive(ctx, 2, false); err != nil {
		t.Fatalf("SetBrokerAlive failed: %v", err)
	}
	b, err := client.DescribeBroker(ctx, 2)
	if err != nil {
		t.Fatalf("DescribeBroker failed: %v", err)
	}
	if b.Alive || b.Running {
		t.Errorf("broker 2 should be dead:\n%s", spew.Sdump(b))
	}
	if _, err := client.DescribeBroker(ctx, 9); !errors.Is(err, protocol.ErrBrokerNotFound) {
		t.Errorf("DescribeBroker(9) error = %v, want ErrBrokerNotFound", err)
	}

	health, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Status != api.CheckWarn {
		t.Errorf("Health status = %q with one broker down, want warn", health.Status)
	}

	if err := client.SetBrokerAlive(ctx, 1, false); err != nil {
		t.Fatalf("SetBrokerAlive(1) failed: %v", err)
	}
	health, err = client.Health(ctx)
	if err != nil {
		t.Fatalf("Health with all brokers down should still decode, got %v", err)
	}
	if health.Status != api.CheckFail {
		t.Errorf("Health status = %q, want fail", health.Status)
	}
}

func TestClient_GroupOffsetsFormat(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatterTo(OutputTable, &buf)
	offsets := []coordinator.CommittedOffset{
		{GroupID: "g", Topic: "b", Partition: 1, Offset: 9},
		{GroupID: "g", Topic: "a", Partition: 0, Offset: 4},
	}
	if err := f.FormatOffsets("g", offsets); err != nil {
		t.Fatalf("FormatOffsets failed: %v", err)
	}
	out := buf.String()
	var topics []string
	for _, line := range strings.Split(out, "\n") {
		if fields := strings.Fields(line); len(fields) > 0 && (fields[0] == "a" || fields[0] == "b") {
			topics = append(topics, fields[0])
		}
	}
	if strings.Join(topics, ",") != "a,b" {
		t.Errorf("offsets should be sorted by topic:\n%s", out)
	}
	if offsets[0].Topic != "b" {
		t.Error("FormatOffsets must not reorder the caller's slice")
	}
}
