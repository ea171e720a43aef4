package commands

import (
	"context"
	"fmt"
	"io"

	"e2ee-gateway/internal/security/e2ee"

	"github.com/spf13/cobra"
)

// demo: 在本進程內跑一次完整的握手、配對訊息、群組訊息與混合加密
func demoCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an in-process end-to-end round trip without a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), cmd.OutOrStdout(), message)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "hello from alice", "plaintext to send")
	return cmd
}

func runDemo(ctx context.Context, w io.Writer, message string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mgr, err := e2ee.New(ctx, e2ee.DefaultConfig())
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close(context.Background()) }()

	for _, u := range []string{"alice", "bob", "carol"} {
		if _, err := mgr.AddDevice(ctx, u, "phone"); err != nil {
			return err
		}
	}
	fmt.Fprintln(w, "=== 一對一會話 ===")

	sid, err := mgr.InitiateSession(ctx, "alice", "bob", "phone")
	if err != nil {
		return err
	}
	peerSid, err := mgr.AcceptSession(ctx, sid, "bob", "alice")
	if err != nil {
		return err
	}
	msg, err := mgr.EncryptMessage(ctx, sid, []byte(message))
	if err != nil {
		return err
	}
	plaintext, err := mgr.DecryptMessage(ctx, peerSid, msg)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "✓ bob 解密: %s\n", plaintext)

	number, err := mgr.GenerateSafetyNumber("alice", "bob")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  安全碼: %s\n", number)

	fmt.Fprintln(w, "=== 群組 ===")
	info, err := mgr.CreateMLSGroup(ctx, []string{"alice", "bob", "carol"}, "demo")
	if err != nil {
		return err
	}
	gmsg, err := mgr.EncryptGroupMessage(ctx, info.ID, "alice", []byte(message))
	if err != nil {
		return err
	}
	for _, member := range []string{"bob", "carol"} {
		pt, err := mgr.DecryptGroupMessage(ctx, info.ID, member, gmsg)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "✓ %s 解密 (epoch %d): %s\n", member, info.Epoch, pt)
	}

	fmt.Fprintln(w, "=== 混合加密 ===")
	for _, u := range []string{"alice", "bob"} {
		if _, err := mgr.GenerateHybridKeys(ctx, u, "phone"); err != nil {
			return err
		}
	}
	env, err := mgr.HybridEncrypt(ctx, "alice", "phone", "bob", "phone", []byte(message))
	if err != nil {
		return err
	}
	pt, err := mgr.HybridDecrypt(ctx, "bob", "phone", env)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "✓ bob 解密: %s\n", pt)

	m := mgr.GetEncryptionMetrics()
	return printJSON(w, m)
}
