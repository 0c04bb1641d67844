package cmd

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/agentic-research/knowledge-services/internal/engine"
	"github.com/spf13/cobra"
)

// maxRecordSize bounds one JSON line in the records file.
const maxRecordSize = 16 << 20

var buildCmd = &cobra.Command{
	Use:   "build [records.jsonl] [shard.db]",
	Short: "Build a content shard from newline-delimited JSON records",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := args[0]
		output := args[1]

		in, err := os.Open(source)
		if err != nil {
			return fmt.Errorf("open records: %w", err)
		}
		defer func() { _ = in.Close() }()

		_ = os.Remove(output) // Overwrite
		writer, err := engine.NewShardWriter(output)
		if err != nil {
			return err
		}

		start := time.Now()
		fmt.Fprintf(cmd.OutOrStdout(), "Building %s from %s...\n", output, source)

		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), maxRecordSize)
		line := 0
		for sc.Scan() {
			line++
			raw := bytes.TrimSpace(sc.Bytes())
			if len(raw) == 0 {
				continue
			}
			if err := writer.AddJSON(raw); err != nil {
				_ = writer.Close()
				return fmt.Errorf("%s:%d: %w", source, line, err)
			}
		}
		if err := sc.Err(); err != nil {
			_ = writer.Close()
			return fmt.Errorf("read records: %w", err)
		}

		n := writer.Written()
		if err := writer.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d records in %v.\n", n, time.Since(start))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
}
