package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chatrt "github.com/teamgrid-hq/chatrt-go"
)

var watchPresence bool

func init() {
	watchCmd.Flags().BoolVar(&watchPresence, "presence", false, "also print presence changes")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect to the realtime channel and print events as they arrive",
	Long:  "Open a realtime session and tail message, delivered, read and reaction events.\nDelivered receipts are issued for incoming messages, so the sender sees double ticks while you watch.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		if cfg.Auth.UserID == 0 {
			return fmt.Errorf("auth.user_id is not set; run 'chatrt init' again")
		}

		sess := chatrt.NewSession(client, cfg.Auth.UserID, &chatrt.SessionOptions{
			Logger: newLogger(cfg),
			OnNotify: func(p chatrt.MessagePayload) {
				fmt.Printf("[%s] message %d from %s: %s\n",
					p.SentAt.Local().Format("15:04:05"), p.MessageID,
					senderLabel(p), truncate(p.Text, 72))
			},
		})
		defer sess.Stop()

		sess.Dispatcher().OnDelivered(func(p chatrt.DeliveredPayload) {
			fmt.Printf("[%s] delivered: %d message(s)\n",
				p.DeliveredAt.Local().Format("15:04:05"), len(p.MessageIDs))
		})
		sess.Dispatcher().OnRead(func(p chatrt.ReadPayload) {
			fmt.Printf("[%s] read: %d message(s)\n",
				p.ReadAt.Local().Format("15:04:05"), len(p.MessageIDs))
		})
		sess.Dispatcher().OnReaction(func(p chatrt.ReactionPayload) {
			verb := "removed"
			if p.Added {
				verb = "added"
			}
			fmt.Printf("reaction %s on message %d by %s\n", verb, p.MessageID, p.ReactorName)
		})
		if watchPresence {
			sess.Presence().OnChange(func(c chatrt.PresenceChange) {
				fmt.Printf("presence: user %d is %s\n", c.UserID, c.Status)
			})
		}
		sess.Unread().OnChange(func() {
			fmt.Printf("unread total: %d\n", sess.Unread().Total())
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := sess.Start(ctx)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "realtime unavailable (%v); polling only\n", err)
		} else {
			fmt.Println("Connected. Waiting for events (Ctrl-C to quit)...")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nClosing session.")
		return nil
	},
}

func senderLabel(p chatrt.MessagePayload) string {
	if p.SenderName != "" {
		return p.SenderName
	}
	return fmt.Sprintf("user %d", p.SenderUserID)
}
