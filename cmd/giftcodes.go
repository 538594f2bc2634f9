package cmd

import (
	"fmt"
	"github.com/arcward/andrzej/andrzej"
	"github.com/spf13/cobra"
)

var listLocalGiftCodes bool

var giftCodesCmd = &cobra.Command{
	Use:   "giftcodes",
	Short: "Manage gift codes on the remote gift code API",
}

var giftCodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the codes offered by the gift code API (or the local mirror, with --local)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		bot, err := openBot(cmd)
		if err != nil {
			return err
		}
		defer closeBot(bot)

		if listLocalGiftCodes {
			codes, e := bot.GiftCodes().LocalCodes(ctx)
			if e != nil {
				return e
			}
			return writeJSON(cmd, codes)
		}
		codes, err := bot.GiftCodes().ListCodes(ctx)
		if err != nil {
			return err
		}
		return writeJSON(cmd, codes)
	},
}

var giftCodesRemoveCmd = &cobra.Command{
	Use:   "remove <code>",
	Short: "Remove a code from the gift code API and the local mirror",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bot, err := openBot(cmd)
		if err != nil {
			return err
		}
		defer closeBot(bot)

		removed, err := bot.GiftCodes().RemoveCode(cmd.Context(), args[0], true)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("gift code API did not confirm removal of %q", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
		return nil
	},
}

// openBot creates a bot and opens its database, for commands which
// don't connect to discord
func openBot(cmd *cobra.Command) (*andrzej.Bot, error) {
	bot, err := andrzej.New(cfg)
	if err != nil {
		return nil, err
	}
	if err = bot.Init(cmd.Context()); err != nil {
		closeBot(bot)
		return nil, err
	}
	return bot, nil
}

func closeBot(bot *andrzej.Bot) {
	_ = bot.Close()
}

//nolint:gochecknoinits
func init() {
	giftCodesListCmd.Flags().BoolVar(
		&listLocalGiftCodes,
		"local",
		false,
		"list the local gift_codes table instead",
	)
	giftCodesCmd.AddCommand(giftCodesListCmd, giftCodesRemoveCmd)
	rootCmd.AddCommand(giftCodesCmd)
}
