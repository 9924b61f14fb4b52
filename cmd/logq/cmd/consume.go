// =============================================================================
// CONSUME COMMAND - READ RECORDS OVER gRPC
// =============================================================================
//
// Two modes:
//
//   GROUP MODE (--group):
//     Joins the group, gets a share of the topic's partitions, starts from
//     the committed offsets and commits what it printed. Run it twice with
//     the same group and the partitions are split between the two.
//
//   PARTITION MODE (no --group):
//     Reads one partition from --offset without any group state.
//
// EXAMPLES:
//   logq consume orders -g billing --from earliest
//   logq consume orders -g billing --follow
//   logq consume orders -p 2 --offset 100 -n 10
//   logq consume orders -p 0 --offset latest --follow --committed
//
// =============================================================================

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"logq/internal/cli"
	"logq/pkg/client"
	"logq/pkg/protocol"
)

var (
	consumeGroup     string
	consumePartition int32
	consumeOffset    string
	consumeFrom      string
	consumeMax       int
	consumeFollow    bool
	consumeNoCommit  bool
	consumeCommitted bool
)

var consumeCmd = &cobra.Command{
	Use:   "consume <topic>",
	Short: "Consume records from a topic",
	Args:  cobra.ExactArgs(1),
	RunE:  runConsume,
}

func init() {
	consumeCmd.Flags().StringVarP(&consumeGroup, "group", "g", "",
		"Consume as a member of this group")
	consumeCmd.Flags().Int32VarP(&consumePartition, "partition", "p", 0,
		"Partition to read (partition mode)")
	consumeCmd.Flags().StringVar(&consumeOffset, "offset", "earliest",
		"Start offset: earliest, latest or a number (partition mode)")
	consumeCmd.Flags().StringVar(&consumeFrom, "from", "earliest",
		"Where to start without a committed offset: earliest, latest (group mode)")
	consumeCmd.Flags().IntVarP(&consumeMax, "max", "n", 0,
		"Stop after this many records (0 = no limit)")
	consumeCmd.Flags().BoolVar(&consumeFollow, "follow", false,
		"Keep waiting for new records")
	consumeCmd.Flags().BoolVar(&consumeNoCommit, "no-commit", false,
		"Do not commit offsets (group mode)")
	consumeCmd.Flags().BoolVar(&consumeCommitted, "committed", false,
		"Only read records replicated to every in-sync replica")
}

func runConsume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := dialGRPC()
	if err != nil {
		return err
	}
	defer conn.Close()

	isolation := protocol.ReadUncommitted
	if consumeCommitted {
		isolation = protocol.ReadCommitted
	}

	if consumeGroup != "" {
		err = consumeGroupMode(ctx, conn, args[0], isolation)
	} else {
		err = consumePartitionMode(ctx, conn, args[0], isolation)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pollInterval is the wait between empty polls in follow mode.
const pollInterval = 200 * time.Millisecond

func consumeGroupMode(ctx context.Context, conn *client.GRPCConn, topic string, isolation protocol.IsolationLevel) error {
	reset, err := client.ParseOffsetReset(consumeFrom)
	if err != nil {
		return err
	}
	config := client.DefaultConsumerConfig(consumeGroup, topic)
	config.ClientID = "logq-cli"
	config.AutoOffsetReset = reset
	config.Isolation = isolation
	config.AutoCommitInterval = 0
	config.RequestTimeout = requestTimeout()
	config.Logger = quietLogger()

	consumer, err := client.NewConsumer(conn, config)
	if err != nil {
		return err
	}
	defer consumer.Close()

	if err := consumer.Join(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "joined %s as %s (generation %d, %d partitions)\n",
		consumeGroup, consumer.MemberID(), consumer.Generation(), len(consumer.Assignment()))

	printed := 0
	for {
		records, err := consumer.Poll(ctx, remaining(printed))
		if err != nil {
			return err
		}
		out := make([]cli.ConsumedRecord, len(records))
		for i, r := range records {
			out[i] = cli.NewConsumedRecord(r.Topic, r.Partition, r.Record)
		}
		if len(out) > 0 {
			if err := formatter.FormatRecords(out); err != nil {
				return err
			}
			printed += len(out)
			if !consumeNoCommit {
				if err := consumer.CommitPosition(ctx); err != nil {
					return err
				}
			}
		}

		if done(printed, len(records)) {
			return nil
		}
		if len(records) == 0 {
			if err := sleep(ctx, pollInterval); err != nil {
				return err
			}
		}
	}
}

func consumePartitionMode(ctx context.Context, conn *client.GRPCConn, topic string, isolation protocol.IsolationLevel) error {
	from, err := startOffset()
	if err != nil {
		return err
	}

	printed := 0
	for {
		resp, err := conn.Fetch(ctx, protocol.FetchRequest{
			Topic:      topic,
			Partition:  consumePartition,
			FromOffset: from,
			MaxRecords: remaining(printed),
			Isolation:  isolation,
		})
		if err != nil {
			return err
		}
		out := make([]cli.ConsumedRecord, len(resp.Records))
		for i, r := range resp.Records {
			out[i] = cli.NewConsumedRecord(topic, consumePartition, r)
		}
		if len(out) > 0 {
			if err := formatter.FormatRecords(out); err != nil {
				return err
			}
			printed += len(out)
			from = resp.Records[len(resp.Records)-1].Offset + 1
		} else if from < 0 {
			// Nothing readable yet: pin the symbolic offset so records
			// appended before the next poll are not skipped.
			from = resp.LogEndOffset
			if isolation == protocol.ReadCommitted {
				from = resp.HighWatermark
			}
		}

		if done(printed, len(resp.Records)) {
			return nil
		}
		if len(resp.Records) == 0 {
			if err := sleep(ctx, pollInterval); err != nil {
				return err
			}
		}
	}
}

// startOffset resolves --offset. earliest and latest stay symbolic until
// the first fetch pins them.
func startOffset() (int64, error) {
	switch consumeOffset {
	case "earliest":
		return protocol.OffsetEarliest, nil
	case "latest":
		return protocol.OffsetLatest, nil
	}
	n, err := strconv.ParseInt(consumeOffset, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("offset %q: want earliest, latest or a non-negative number", consumeOffset)
	}
	return n, nil
}

func remaining(printed int) int {
	const batch = 100
	if consumeMax > 0 && consumeMax-printed < batch {
		return consumeMax - printed
	}
	return batch
}

func done(printed, lastBatch int) bool {
	if consumeMax > 0 && printed >= consumeMax {
		return true
	}
	return lastBatch == 0 && !consumeFollow
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
