// =============================================================================
// PRODUCE COMMAND - PRODUCE RECORDS OVER gRPC
// =============================================================================
//
// USAGE:
//   logq produce <topic> [flags]
//
// FLAGS:
//   -m, --message     Record value (required unless using --file)
//   -k, --key         Record key; records with one key stay in order
//   -p, --partition   Target partition (overrides key-based routing)
//   -H, --header      Header as key=value, repeatable
//   -a, --acks        none, leader or all (default: leader)
//   -f, --file        Read values from a file, one per line ("-" for stdin)
//
// EXAMPLES:
//   logq produce orders -m '{"id": 123}' -k customer-7 --acks all
//   logq produce orders -f orders.txt -H source=import
//   tail -f app.log | logq produce logs -f -
//
// =============================================================================

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"logq/internal/cli"
	"logq/pkg/client"
	"logq/pkg/protocol"
)

var (
	produceMessage   string
	produceKey       string
	producePartition int32
	produceHeaders   []string
	produceAcks      string
	produceFile      string
)

var produceCmd = &cobra.Command{
	Use:   "produce <topic>",
	Short: "Produce records to a topic",
	Long: `Produce records to a topic through the gRPC listener.

The producer batches records per partition and retries transient failures;
retries are deduplicated by the leader, so a record is written once.`,
	Args: cobra.ExactArgs(1),
	RunE: runProduce,
}

func init() {
	produceCmd.Flags().StringVarP(&produceMessage, "message", "m", "",
		"Record value")
	produceCmd.Flags().StringVarP(&produceKey, "key", "k", "",
		"Record key (determines partition)")
	produceCmd.Flags().Int32VarP(&producePartition, "partition", "p", protocol.NoPartition,
		"Target partition (overrides key-based routing)")
	produceCmd.Flags().StringArrayVarP(&produceHeaders, "header", "H", nil,
		"Header as key=value (repeatable)")
	produceCmd.Flags().StringVarP(&produceAcks, "acks", "a", "leader",
		"Acknowledgement level: none, leader, all")
	produceCmd.Flags().StringVarP(&produceFile, "file", "f", "",
		"File with one value per line (- for stdin)")
}

func runProduce(cmd *cobra.Command, args []string) error {
	topic := args[0]

	acks, err := protocol.ParseAckLevel(produceAcks)
	if err != nil {
		return err
	}
	headers, err := parseHeaders(produceHeaders)
	if err != nil {
		return err
	}

	var values []string
	switch {
	case produceFile != "":
		values, err = readValues(produceFile)
		if err != nil {
			return err
		}
	case cmd.Flags().Changed("message"):
		values = []string{produceMessage}
	default:
		return fmt.Errorf("either --message or --file is required")
	}

	conn, err := dialGRPC()
	if err != nil {
		return err
	}
	defer conn.Close()

	config := client.DefaultProducerConfig()
	config.Acks = acks
	config.RequestTimeout = requestTimeout()
	config.Logger = quietLogger()
	producer, err := client.NewProducer(conn, config)
	if err != nil {
		return err
	}
	defer producer.Close()

	ctx, cancel := getContext()
	defer cancel()

	// Send everything first so records share batches, then collect.
	pending := make([]<-chan client.ProducerResult, 0, len(values))
	for _, v := range values {
		rec := client.ProducerRecord{Topic: topic, Value: []byte(v), Headers: headers}
		if cmd.Flags().Changed("key") {
			rec.Key = []byte(produceKey)
		}
		if producePartition != protocol.NoPartition {
			rec.Partition = producePartition
			rec.Pinned = true
		}
		ch, err := producer.Send(ctx, rec)
		if err != nil {
			return err
		}
		pending = append(pending, ch)
	}
	if err := producer.Flush(ctx); err != nil {
		return err
	}

	results := make([]cli.ProducedRecord, 0, len(pending))
	failed := 0
	for _, ch := range pending {
		var res client.ProducerResult
		select {
		case res = <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		out := cli.ProducedRecord{Topic: res.Topic, Partition: res.Partition, Offset: res.Offset, Duplicate: res.Duplicate}
		if res.Error != nil {
			out.Error = res.Error.Error()
			failed++
		}
		results = append(results, out)
	}

	if formatter.Format() == cli.OutputTable && len(results) == 1 && failed == 0 {
		r := results[0]
		if r.Offset < 0 {
			cli.PrintSuccess("Sent to %s partition %d (acks=none)", r.Topic, r.Partition)
		} else {
			cli.PrintSuccess("Produced to %s partition %d offset %d", r.Topic, r.Partition, r.Offset)
		}
		return nil
	}
	if err := formatter.FormatProduced(results); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d records failed", failed, len(results))
	}
	return nil
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		k, v, ok := strings.Cut(h, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("header %q: want key=value", h)
		}
		headers[k] = v
	}
	return headers, nil
}

// readValues reads one value per non-empty line.
func readValues(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		r = file
	}

	var values []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		values = append(values, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}
