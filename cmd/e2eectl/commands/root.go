package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"e2ee-gateway/internal/grpcclient"
	"e2ee-gateway/internal/platform/config"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var (
	addr    string
	useTLS  bool
	caFile  string
	cfgFile string

	conn   *grpc.ClientConn
	client *grpcclient.KeyDirectoryClient
)

// Execute 執行命令列
func Execute() error {
	root := &cobra.Command{
		Use:           "e2eectl",
		Short:         "Operator CLI for the e2ee gateway key directory",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&addr, "addr", "", "gRPC address (default from config, else localhost:8081)")
	root.PersistentFlags().BoolVar(&useTLS, "tls", false, "connect with TLS")
	root.PersistentFlags().StringVar(&caFile, "ca-file", "", "CA certificate for TLS")
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file used to resolve the address")

	root.AddCommand(
		withDirectory(bundleCmd()),
		withDirectory(devicesCmd()),
		withDirectory(keyLogCmd()),
		withDirectory(hybridKeyCmd()),
		withDirectory(safetyNumberCmd()),
		demoCmd(),
	)
	return root.Execute()
}

// withDirectory 在命令執行前後建立與關閉 gRPC 連接
func withDirectory(cmd *cobra.Command) *cobra.Command {
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		target := addr
		tlsConfig := config.TLSConfig{Enabled: useTLS, CAFile: caFile}

		if cfgFile != "" {
			if err := os.Setenv("CONFIG_PATH", cfgFile); err != nil {
				return err
			}
			if err := config.Load(); err != nil {
				return err
			}
			if target == "" {
				target = config.GetGRPCAddr()
			}
			if !useTLS {
				tlsConfig = config.Get().Security.TLS
			}
		}
		if target == "" {
			target = config.GetGRPCAddr()
		}

		c, err := grpcclient.Dial(target, tlsConfig)
		if err != nil {
			return err
		}
		conn = c
		client = grpcclient.NewKeyDirectoryClient(conn)
		return nil
	}
	cmd.PostRunE = func(cmd *cobra.Command, args []string) error {
		if conn == nil {
			return nil
		}
		return conn.Close()
	}
	return cmd
}

// printJSON 以縮排 JSON 輸出
func printJSON(w io.Writer, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
