package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/transflow/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	convUnread bool
	convFormat string

	// messages
	msgLimit  int
	msgPage   int
	msgAround string
	msgFormat string

	// delete
	deleteForEveryone bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		convs, err := client.Chat().Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		dir := chatsync.NewDirectory()
		dir.MergeSnapshot(convs)

		list := dir.List()
		if convUnread {
			filtered := list[:0]
			for _, c := range list {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			list = filtered
		}

		return render(convFormat, list, func() {
			if len(list) == 0 {
				fmt.Println("No conversations found.")
				return
			}
			for _, c := range list {
				last := ""
				if c.LastMessage != nil {
					last = c.LastMessage.Preview()
				}
				fmt.Printf("%-24s %-24s %3d  %-16s %s\n", c.ID, truncate(c.Title(cfg.Auth.UserID), 24), c.UnreadCount, since(c.UpdatedAt), last)
			}
			fmt.Printf("\n%d unread\n", dir.TotalUnread())
		})
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a page of messages, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		client, _ := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		msgs, err := client.Chat().Messages.List(ctx, convID, chatsync.PageQuery{
			Page:   msgPage,
			Limit:  msgLimit,
			Around: msgAround,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		tl := chatsync.NewTimeline()
		tl.Reset(convID)
		tl.ReplacePage(msgs, false)
		page := tl.Messages()

		return render(msgFormat, page, func() {
			if len(page) == 0 {
				fmt.Println("No messages found.")
				return
			}
			for _, m := range page {
				marker := " "
				if m.ID == msgAround {
					marker = ">"
				}
				fmt.Printf("%s[%s] %s: %s (%s)\n", marker, since(m.CreatedAt), m.Sender.Name(), m.Preview(), m.Status)
			}
		})
	},
}

// ============================================================================
// send / read / delete
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a text message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		req := &chatsync.SendRequest{
			ConversationID: args[0],
			ClientID:       uuid.NewString(),
			Content:        strings.Join(args[1:], " "),
		}
		if err := client.Chat().Messages.Send(ctx, req); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Message sent to conversation %s\n", req.ConversationID)
		fmt.Printf("  Client ID: %s\n", req.ClientID)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		if err := client.Chat().Conversations.MarkRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s marked read\n", args[0])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		if err := client.Chat().Messages.Delete(ctx, args[0], deleteForEveryone); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Message %s deleted\n", args[0])
		return nil
	},
}

// ============================================================================
// dm
// ============================================================================

var dmCmd = &cobra.Command{
	Use:   "dm <user-id>",
	Short: "Open the direct conversation with a user, creating it if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := args[0]
		client, cfg := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		id, err := identity(ctx, client, cfg)
		if err != nil {
			return err
		}
		convs, err := client.Chat().Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		dir := chatsync.NewDirectory()
		dir.MergeSnapshot(convs)
		if c, ok := dir.FindDirect(id.UserID, peer); ok {
			fmt.Printf("Existing conversation %s with %s\n", c.ID, c.Title(id.UserID))
			return nil
		}

		c, err := client.Chat().Conversations.CreateDirect(ctx, peer)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Created conversation %s with %s\n", c.ID, c.Title(id.UserID))
		return nil
	},
}

// ============================================================================
// group
// ============================================================================

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage group conversations",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name> <user-id>...",
	Short: "Create a group conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		c, err := client.Chat().Conversations.CreateGroup(ctx, args[0], args[1:])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Group created: %s (%s)\n", c.Name, c.ID)
		fmt.Printf("  Members: %d\n", len(c.Participants))
		return nil
	},
}

type memberOp func(p *chatsync.ParticipantsClient, ctx context.Context, conversationID, userID string) error

func groupMemberCmd(use, short, done string, op memberOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <conversation-id> <user-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _ := getClient()
			ctx, cancel := requestContext()
			defer cancel()

			if err := op(client.Chat().Participants, ctx, args[0], args[1]); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Printf("%s %s in %s\n", done, args[1], args[0])
			return nil
		},
	}
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().BoolVar(&convUnread, "unread", false, "Only conversations with unread messages")
	conversationsCmd.Flags().StringVarP(&convFormat, "format", "o", "table", "Output format: table, json, yaml")

	messagesCmd.Flags().IntVarP(&msgLimit, "limit", "n", 30, "Messages per page")
	messagesCmd.Flags().IntVar(&msgPage, "page", 1, "Page number, newest first")
	messagesCmd.Flags().StringVar(&msgAround, "around", "", "Center the page on a message id")
	messagesCmd.Flags().StringVarP(&msgFormat, "format", "o", "table", "Output format: table, json, yaml")

	deleteCmd.Flags().BoolVar(&deleteForEveryone, "for-everyone", true, "Tombstone the message for all participants")

	groupCmd.AddCommand(groupCreateCmd)
	groupCmd.AddCommand(groupMemberCmd("add", "Add a member to a group", "Added", (*chatsync.ParticipantsClient).Add))
	groupCmd.AddCommand(groupMemberCmd("remove", "Remove a member from a group", "Removed", (*chatsync.ParticipantsClient).Remove))
	groupCmd.AddCommand(groupMemberCmd("admin", "Toggle admin rights for a member", "Toggled admin for", (*chatsync.ParticipantsClient).ToggleAdmin))

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(dmCmd)
	rootCmd.AddCommand(groupCmd)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
