package cmd

import (
	"encoding/json"
	"fmt"
	"github.com/arcward/andrzej/andrzej"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show or clear stored conversations",
}

var historyShowCmd = &cobra.Command{
	Use:   "show <user_id> <channel_name>",
	Short: "Print a conversation's stored turns, oldest first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bot, err := openBot(cmd)
		if err != nil {
			return err
		}
		defer closeBot(bot)

		limit := historyLimit
		if limit <= 0 {
			limit = bot.Store().Window()
		}
		key := andrzej.ConversationKey{UserID: args[0], ChannelName: args[1]}
		turns, err := bot.Store().Recent(cmd.Context(), key, limit)
		if err != nil {
			return err
		}
		return writeJSON(cmd, turns)
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear <user_id> <channel_name>",
	Short: "Delete a conversation's stored turns",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bot, err := openBot(cmd)
		if err != nil {
			return err
		}
		defer closeBot(bot)

		key := andrzej.ConversationKey{UserID: args[0], ChannelName: args[1]}
		n, err := bot.Store().Clear(cmd.Context(), key)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d turns\n", n)
		return nil
	},
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

//nolint:gochecknoinits
func init() {
	historyShowCmd.Flags().IntVar(
		&historyLimit,
		"limit",
		0,
		"maximum number of turns to show (default: the retention window)",
	)
	historyCmd.AddCommand(historyShowCmd, historyClearCmd)
	rootCmd.AddCommand(historyCmd)
}
