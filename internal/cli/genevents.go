package cli

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"dirsync/internal/changelog"
	"dirsync/internal/fixture"
)

func newGenEventsCommand() *cobra.Command {
	var (
		file         string
		count        int
		seed         uint64
		maxSecondary int
		topic        string
	)
	cmd := &cobra.Command{
		Use:   "gen-events",
		Short: "Generate sample ListingCategoryChanged events",
		Long: `Gen-events draws random category selections over the listings of a directory
file (the built-in sample by default) and writes them as JSONL to stdout, or
to a Kafka topic keyed by listing id when --topic is set.`,
		Example: `  dirsync gen-events --count 100 > events.jsonl
  dirsync gen-events --count 100 --kafka localhost:9092 --topic listing-categories`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			dir := fixture.Sample()
			if file != "" {
				var err error
				if dir, err = fixture.Load(file); err != nil {
					return err
				}
			}
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			events := dir.RandomEvents(rand.New(rand.NewPCG(seed, seed>>1)), count, maxSecondary)

			if topic == "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				for i := range events {
					if err := enc.Encode(&events[i]); err != nil {
						return fmt.Errorf("encode event %d: %w", i+1, err)
					}
				}
				return nil
			}

			cfg := getConfig(ctx)
			if cfg.Kafka.Bootstrap == "" {
				return fmt.Errorf("--topic needs kafka.bootstrap (--kafka)")
			}
			w := &kafka.Writer{
				Addr:         kafka.TCP(changelog.SplitBrokers(cfg.Kafka.Bootstrap)...),
				Topic:        topic,
				Balancer:     &kafka.Hash{},
				RequiredAcks: kafka.RequireAll,
			}
			defer w.Close()
			msgs := make([]kafka.Message, 0, len(events))
			for i := range events {
				b, err := json.Marshal(&events[i])
				if err != nil {
					return fmt.Errorf("marshal event %d: %w", i+1, err)
				}
				msgs = append(msgs, kafka.Message{Key: []byte(events[i].ListingID), Value: b})
			}
			if err := w.WriteMessages(ctx, msgs...); err != nil {
				return fmt.Errorf("produce: %w", err)
			}
			getLogger(ctx).Info("events produced", "count", len(msgs), "topic", topic)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML directory file (default: built-in sample)")
	cmd.Flags().IntVarP(&count, "count", "n", 100, "number of events")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed (0 = time based)")
	cmd.Flags().IntVar(&maxSecondary, "max-secondary-per-event", 3, "maximum secondary categories per event")
	cmd.Flags().StringVar(&topic, "topic", "", "produce to this Kafka topic instead of stdout")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dirsync %s (%s)\n", Version, GitCommit)
		},
	}
}
