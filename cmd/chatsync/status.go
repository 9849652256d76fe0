package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Log level:   %s\n", valueOrDefault(cfg.Default.LogLevel, "info"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(resolved from server)"))

		client, _ := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		me, err := client.Chat().Account.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  Display Name:  %s\n", me.Name())
		fmt.Printf("  Role:          %s\n", valueOrDefault(me.Role, "-"))

		counts, err := client.Chat().Conversations.UnreadCounts(ctx)
		if err != nil {
			fmt.Printf("  Error fetching unread counts: %v\n", err)
			return nil
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		fmt.Printf("  Conversations: %s\n", humanize.Comma(int64(len(counts))))
		fmt.Printf("  Unread:        %s\n", humanize.Comma(int64(total)))
		return nil
	},
}
