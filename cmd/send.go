package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teemow/draftsender/internal/delivery"
	"github.com/teemow/draftsender/internal/logging"
)

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one record from the command line",
		Long: `Send a single draft, followup or resend through the same pipeline as the
HTTP service. The record must exist in the configured document store.`,
	}

	cmd.AddCommand(newSendDraftCmd())
	cmd.AddCommand(newSendFollowupCmd())
	cmd.AddCommand(newSendResendCmd())
	return cmd
}

func newSendDraftCmd() *cobra.Command {
	var (
		testEmail string
		draftOnly bool
	)

	cmd := &cobra.Command{
		Use:   "draft <draft-id>",
		Short: "Send a pending draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, s *delivery.Service) (*delivery.Result, error) {
				if draftOnly {
					return s.CreateGmailDraft(ctx, args[0])
				}
				return s.SendDraft(ctx, sendRequest(args[0], testEmail))
			})
		},
	}

	cmd.Flags().StringVar(&testEmail, "test-email", "", "Send a test copy to this address instead of the recipient. The draft stays pending.")
	cmd.Flags().BoolVar(&draftOnly, "draft-only", false, "Create a Gmail draft in the sender's mailbox instead of sending")
	cmd.MarkFlagsMutuallyExclusive("test-email", "draft-only")
	return cmd
}

func newSendFollowupCmd() *cobra.Command {
	var testEmail string

	cmd := &cobra.Command{
		Use:   "followup <followup-id>",
		Short: "Send a pending followup in its parent's thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, s *delivery.Service) (*delivery.Result, error) {
				return s.SendFollowup(ctx, sendRequest(args[0], testEmail))
			})
		},
	}

	cmd.Flags().StringVar(&testEmail, "test-email", "", "Send a test copy to this address instead of the recipient. The followup stays pending.")
	return cmd
}

func newSendResendCmd() *cobra.Command {
	var to, name string

	cmd := &cobra.Command{
		Use:   "resend <draft-id>",
		Short: "Forward a sent draft to another recipient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, s *delivery.Service) (*delivery.Result, error) {
				return s.ResendToAnother(ctx, delivery.ResendRequest{
					DraftID:        args[0],
					RecipientEmail: to,
					RecipientName:  name,
				})
			})
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "New recipient address")
	cmd.Flags().StringVar(&name, "name", "", "New recipient display name")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func sendRequest(id, testEmail string) delivery.SendRequest {
	return delivery.SendRequest{ID: id, TestMode: testEmail != "", TestEmail: testEmail}
}

// withService wires the delivery service, runs op once and prints its result.
func withService(cmd *cobra.Command, op func(context.Context, *delivery.Service) (*delivery.Result, error)) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg)
	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("cleanup failed", logging.Err(err))
		}
	}()

	res, err := op(ctx, a.service)
	if err != nil {
		return fmt.Errorf("%s: %w", delivery.Code(err), err)
	}
	printResult(cmd.OutOrStdout(), res)
	return nil
}

// printResult writes the non-empty fields of res, one per line.
func printResult(w io.Writer, res *delivery.Result) {
	fields := []struct{ name, value string }{
		{"status", res.Status},
		{"message_id", res.MessageID},
		{"thread_id", res.ThreadID},
		{"pixel_id", res.PixelID},
		{"recipient", res.Recipient},
		{"draft_id", res.DraftID},
		{"followup_id", res.FollowupID},
		{"original_draft_id", res.OriginalDraftID},
		{"resend_id", res.ResendID},
		{"gmail_draft_id", res.GmailDraftID},
	}
	for _, f := range fields {
		if f.value != "" {
			fmt.Fprintf(w, "%-18s %s\n", f.name+":", f.value)
		}
	}
	if res.TestMode {
		fmt.Fprintf(w, "%-18s %s\n", "test_mode:", "true")
	}
}
