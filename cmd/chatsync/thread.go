package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// thread messages
	threadMessagesLimit  int
	threadMessagesBefore int64
	threadMessagesAfter  int64
	threadMessagesJSON   bool

	// thread send
	threadSendReplyTo int64
	threadSendJSON    bool

	// thread upload
	threadUploadMime    string
	threadUploadCaption string
	threadUploadJSON    bool

	// thread react
	threadReactRemove bool
)

// ============================================================================
// Root thread command
// ============================================================================

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Thread commands",
	Long:  "Read and write a chat thread: list history, send messages and files, react, delete and mark read.",
}

func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid message id %q", s)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// thread messages
// ============================================================================

var threadMessagesCmd = &cobra.Command{
	Use:   "messages <thread-id>",
	Short: "List a page of messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := withTimeout(15 * time.Second)
		defer cancel()

		limit := threadMessagesLimit
		if limit <= 0 {
			limit = cfg.Sync.PageSize
		}
		msgs, err := client.GetMessages(ctx, args[0], chatsync.PageQuery{
			BeforeID: threadMessagesBefore,
			AfterID:  threadMessagesAfter,
			Limit:    limit,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if threadMessagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		now := time.Now()
		for _, m := range msgs {
			fmt.Println(formatMessage(m, now))
		}
		return nil
	},
}

// ============================================================================
// thread send
// ============================================================================

var threadSendCmd = &cobra.Command{
	Use:   "send <thread-id> <text>",
	Short: "Send a text message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := withTimeout(15 * time.Second)
		defer cancel()

		reqID := chatsync.NewClientRequestID()
		msg, err := client.PostMessage(ctx, args[0], chatsync.OutgoingMessage{
			ClientRequestID:  reqID,
			Content:          args[1],
			Type:             chatsync.TypeText,
			ReplyToMessageID: threadSendReplyTo,
		}, reqID)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if threadSendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent message %d\n", msg.ID)
		return nil
	},
}

// ============================================================================
// thread upload
// ============================================================================

var threadUploadCmd = &cobra.Command{
	Use:   "upload <thread-id> <file>",
	Short: "Send a file as an attachment message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("cannot read file: %w", err)
		}

		up := chatsync.NewAttachmentUpload(args[0], chatsync.NewClientRequestID(), chatsync.FileUpload{
			FileName: filepath.Base(args[1]),
			MimeType: threadUploadMime,
			Data:     data,
			Caption:  threadUploadCaption,
		})
		up.OnProgress = func(sent, total int64) {
			fmt.Fprintf(os.Stderr, "\r%s / %s", humanize.Bytes(uint64(sent)), humanize.Bytes(uint64(total)))
		}

		ctx, cancel := withTimeout(5 * time.Minute)
		defer cancel()

		// A failed phase is retried once; the upload resumes where it stopped.
		msg, err := up.Run(ctx, client)
		if err != nil && chatsync.IsRetryable(err) {
			phase, _ := chatsync.FailedPhase(err)
			fmt.Fprintf(os.Stderr, "\n%s failed, retrying: %v\n", phase, err)
			msg, err = up.Run(ctx, client)
		}
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}

		if threadUploadJSON {
			return printJSON(msg)
		}
		fmt.Printf("Uploaded %s as message %d\n", up.File.FileName, msg.ID)
		return nil
	},
}

// ============================================================================
// thread delete / react / read
// ============================================================================

var threadDeleteCmd = &cobra.Command{
	Use:   "delete <thread-id> <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := withTimeout(15 * time.Second)
		defer cancel()
		if err := client.DeleteMessage(ctx, args[0], id); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Deleted message %d\n", id)
		return nil
	},
}

var threadReactCmd = &cobra.Command{
	Use:   "react <thread-id> <message-id> <emoji>",
	Short: "Add or remove a reaction",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := withTimeout(15 * time.Second)
		defer cancel()
		if threadReactRemove {
			err = client.DeleteReaction(ctx, args[0], id, args[2])
		} else {
			err = client.PostReaction(ctx, args[0], id, args[2])
		}
		if err != nil {
			return fmt.Errorf("reaction failed: %w", err)
		}
		fmt.Println("OK")
		return nil
	},
}

var threadReadCmd = &cobra.Command{
	Use:   "read <thread-id> <message-id>",
	Short: "Mark the thread read up to a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := withTimeout(15 * time.Second)
		defer cancel()
		if err := client.PostReadReceipt(ctx, args[0], id); err != nil {
			return fmt.Errorf("read receipt failed: %w", err)
		}
		fmt.Printf("Read up to %d\n", id)
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	threadMessagesCmd.Flags().IntVarP(&threadMessagesLimit, "limit", "n", 0, "Maximum number of messages to return")
	threadMessagesCmd.Flags().Int64Var(&threadMessagesBefore, "before", 0, "Only messages older than this ID")
	threadMessagesCmd.Flags().Int64Var(&threadMessagesAfter, "after", 0, "Only messages newer than this ID")
	threadMessagesCmd.Flags().BoolVar(&threadMessagesJSON, "json", false, "Output JSON")

	threadSendCmd.Flags().Int64Var(&threadSendReplyTo, "reply-to", 0, "Message ID this replies to")
	threadSendCmd.Flags().BoolVar(&threadSendJSON, "json", false, "Output JSON")

	threadUploadCmd.Flags().StringVar(&threadUploadMime, "mime", "", "MIME type (detected from the file name when empty)")
	threadUploadCmd.Flags().StringVar(&threadUploadCaption, "caption", "", "Caption shown with the file")
	threadUploadCmd.Flags().BoolVar(&threadUploadJSON, "json", false, "Output JSON")

	threadReactCmd.Flags().BoolVar(&threadReactRemove, "remove", false, "Remove the reaction instead of adding it")

	threadCmd.AddCommand(threadMessagesCmd, threadSendCmd, threadUploadCmd, threadDeleteCmd, threadReactCmd, threadReadCmd)
	rootCmd.AddCommand(threadCmd)
}
