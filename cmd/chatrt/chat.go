package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	conversationsJSON bool
	unreadJSON        bool
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output raw JSON")
	unreadCmd.Flags().BoolVar(&unreadJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(unreadCmd)
	rootCmd.AddCommand(markReadCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		list, err := client.Conversations(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch conversations: %w", err)
		}

		if conversationsJSON {
			return json.NewEncoder(os.Stdout).Encode(list)
		}

		if len(list) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range list {
			badge := ""
			if c.UnreadCount > 0 {
				badge = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			name := c.PartnerName
			if name == "" {
				name = fmt.Sprintf("user %d", c.PartnerID)
			}
			fmt.Printf("%-24s %s %s%s\n", name,
				c.LastMessageAt.Local().Format("2006-01-02 15:04"),
				truncate(c.LastMessagePreview, 48), badge)
		}
		return nil
	},
}

// ============================================================================
// unread
// ============================================================================

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show the authoritative unread summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		summary, err := client.UnreadSummary(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch unread summary: %w", err)
		}

		if unreadJSON {
			return json.NewEncoder(os.Stdout).Encode(summary)
		}

		fmt.Printf("Total unread: %d\n", summary.Total)
		for _, c := range summary.Conversations {
			if c.Count > 0 {
				fmt.Printf("  user %d: %d\n", c.PartnerID, c.Count)
			}
		}
		return nil
	},
}

// ============================================================================
// mark-read
// ============================================================================

var markReadCmd = &cobra.Command{
	Use:   "mark-read <partner-user-id>",
	Short: "Mark the conversation with a user as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		partnerID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("partner-user-id must be an integer: %w", err)
		}

		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.MarkRead(ctx, partnerID, nil); err != nil {
			return fmt.Errorf("failed to mark read: %w", err)
		}
		fmt.Printf("Conversation with user %d marked read.\n", partnerID)
		return nil
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
