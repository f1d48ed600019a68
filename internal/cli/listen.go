package cli

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mithrel/updwire/internal/journal"
	"github.com/mithrel/updwire/pkg/observe"
	"github.com/mithrel/updwire/pkg/record"
	"github.com/mithrel/updwire/pkg/tcpchan"
)

// newListenCmd defines "updwire listen": bind a receiver, subscribe a
// printing observer (plus the journal when configured), and run until the
// stream completes or the process is interrupted.
func newListenCmd() *cobra.Command {
	var addr string
	var journalDSN string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Receive transactional updates on a TCP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig(cmd)
			if !cmd.Flags().Changed("addr") {
				addr = cfg.ListenAddr
			}
			if !cmd.Flags().Changed("journal") {
				journalDSN = cfg.JournalDSN
			}
			if !cmd.Flags().Changed("json") {
				asJSON = cfg.JSON
			}

			opts := []tcpchan.Option{tcpchan.WithLogger(log.Default())}
			if cfg.DecodePolicy == "fail" {
				opts = append(opts, tcpchan.WithDecodePolicy(tcpchan.DecodeFail))
			}
			if cfg.DecodeRetries > 0 {
				opts = append(opts, tcpchan.WithDecodeRetryLimit(cfg.DecodeRetries))
			}

			recv, err := tcpchan.Listen(addr, record.Codec{}, opts...)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", recv.Addr())

			var target observe.Observer[record.Record] = newPrintObserver(cmd.OutOrStdout(), asJSON)
			if journalDSN != "" {
				j, err := journal.Open(cmd.Context(), journalDSN)
				if err != nil {
					_ = recv.Close()
					return err
				}
				defer j.Close()
				target = tee(j, target)
			}
			obs := withCompletion(target)
			sub, err := recv.Subscribe(obs)
			if err != nil {
				_ = recv.Close()
				return err
			}
			defer sub.Unsubscribe()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			select {
			case <-ctx.Done():
			case <-obs.done:
			}
			return recv.Close()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:0", "listen address (host:port, port 0 = OS-assigned)")
	cmd.Flags().StringVar(&journalDSN, "journal", "", "journal database DSN (sqlite://path)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON lines")

	return cmd
}
