package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// bundle <user> <device>: 取得設備的公開密鑰包
func bundleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bundle <user> <device>",
		Short: "Fetch the published key bundle of a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := client.GetKeyBundle(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), bundle)
		},
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices <user>",
		Short: "List the registered devices of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := client.GetUserDevices(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), devices)
		},
	}
}

// key-log <user>: 取得透明日誌，--verify 時逐筆檢查帳本簽名
func keyLogCmd() *cobra.Command {
	var (
		since  string
		verify bool
	)
	cmd := &cobra.Command{
		Use:   "key-log <user>",
		Short: "Show the key transparency log of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var from time.Time
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since must be RFC3339: %w", err)
				}
				from = t
			}

			log, err := client.GetKeyLog(cmd.Context(), args[0], from)
			if err != nil {
				return err
			}
			if verify {
				if err := log.Verify(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "verified %d entries\n", len(log.Entries))
			}
			return printJSON(cmd.OutOrStdout(), log.Entries)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only entries at or after this RFC3339 time")
	cmd.Flags().BoolVar(&verify, "verify", false, "verify each entry against the ledger public key")
	return cmd
}

func hybridKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hybrid-key <user> <device>",
		Short: "Fetch the hybrid (X25519 + ML-KEM-768) public key of a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := client.GetHybridPublicKey(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pub)
		},
	}
}

func safetyNumberCmd() *cobra.Command {
	var showQR bool
	cmd := &cobra.Command{
		Use:   "safety-number <user> <other>",
		Short: "Compute the safety number shared by two users",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, qr, err := client.GetSafetyNumber(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), number)
			if showQR {
				fmt.Fprintln(cmd.OutOrStdout(), qr)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showQR, "qr", false, "also print the QR verification payload")
	return cmd
}
