package cli

import (
	"bufio"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mithrel/updwire/pkg/record"
	"github.com/mithrel/updwire/pkg/tcpchan"
)

// newSendCmd defines "updwire send": read update records from stdin and
// push them to a receiver as one transaction bracketed by start/commit,
// followed by the end-of-stream marker.
//
// Input is one record per line: "<op> <relation> <payload>", with op one of
// insert, delete-value, delete-key. Blank lines and #-comments are skipped.
func newSendCmd() *cobra.Command {
	var keepOpen bool

	cmd := &cobra.Command{
		Use:   "send <addr>",
		Short: "Send one transaction of updates to a receiver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := readRecords(cmd)
			if err != nil {
				return err
			}

			snd, err := tcpchan.Dial(args[0], record.Codec{})
			if err != nil {
				return err
			}
			defer snd.Close()

			if err := snd.OnStart(); err != nil {
				return err
			}
			if err := snd.OnUpdates(slices.Values(recs)); err != nil {
				return err
			}
			if err := snd.OnCommit(); err != nil {
				return err
			}
			if !keepOpen {
				if err := snd.OnCompleted(); err != nil {
					return err
				}
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sent %d record(s)\n", len(recs))
			return snd.Close()
		},
	}

	cmd.Flags().BoolVar(&keepOpen, "keep-open", false, "skip the end-of-stream marker so more transactions can follow")

	return cmd
}

func readRecords(cmd *cobra.Command) ([]record.Record, error) {
	var recs []record.Record
	sc := bufio.NewScanner(cmd.InOrStdin())
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 2 {
			return nil, fmt.Errorf("bad record line %q: want <op> <relation> [payload]", line)
		}
		op, err := record.ParseOp(fields[0])
		if err != nil {
			return nil, err
		}
		rel, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad relation in %q: %w", line, err)
		}
		rec := record.Record{Op: op, Relation: uint32(rel)}
		if len(fields) == 3 {
			rec.Payload = []byte(fields[2])
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}
