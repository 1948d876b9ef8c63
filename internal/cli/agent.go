package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tutu-network/settle/internal/app/agentwallet"
	"github.com/tutu-network/settle/internal/domain"
)

// ─── Agent Wallets ──────────────────────────────────────────────────────────
// Agents spend from their own account under a daily cap. These commands
// manage the wallet side; inference reservations go through the API.

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentCreateCmd)
	agentCmd.AddCommand(agentFundCmd)
	agentCmd.AddCommand(agentBudgetCmd)

	agentCreateCmd.Flags().StringVar(&agentCommunity, "community", "", "community the agent belongs to")
	agentCreateCmd.Flags().StringVar(&agentAnchor, "anchor", "", "identity anchor (one wallet per anchor)")
	agentCreateCmd.Flags().StringVar(&agentDailyCap, "daily-cap", "", "daily spending cap in dollars (default [budget] setting)")
	agentCreateCmd.Flags().StringVar(&agentRefill, "refill-threshold", "", "refill threshold in dollars (default [budget] setting)")
	agentFundCmd.Flags().StringVar(&agentTxHash, "tx", "", "deposit transaction hash (required)")
}

var (
	agentCommunity string
	agentAnchor    string
	agentDailyCap  string
	agentRefill    string
	agentTxHash    string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent wallets",
	Long: `Manage agent wallets. Each agent token owns one ledger account with a
daily spending cap; the cap resets at UTC midnight.`,
}

// ─── agent create ───────────────────────────────────────────────────────────

var agentCreateCmd = &cobra.Command{
	Use:   "create TOKEN_ID",
	Short: "Create the wallet for an agent token",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentCreate,
}

func runAgentCreate(cmd *cobra.Command, args []string) error {
	wc := agentwallet.WalletConfig{
		TokenID:        args[0],
		CommunityID:    agentCommunity,
		IdentityAnchor: agentAnchor,
	}
	var err error
	if agentDailyCap != "" {
		if wc.DailyCapMicro, err = domain.ParseUSD(agentDailyCap); err != nil {
			return err
		}
	}
	if agentRefill != "" {
		if wc.RefillThresholdMicro, err = domain.ParseUSD(agentRefill); err != nil {
			return err
		}
	}

	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	w, err := d.Agents.CreateAgentWallet(cmd.Context(), wc)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✅ Agent %q wallet ready\n", w.TokenID)
	fmt.Fprintf(out, "   account:   %s\n", w.AccountID)
	fmt.Fprintf(out, "   address:   %s\n", w.Address)
	fmt.Fprintf(out, "   daily cap: %s\n", domain.FormatUSD(w.DailyCapMicro))
	return nil
}

// ─── agent fund ─────────────────────────────────────────────────────────────

var agentFundCmd = &cobra.Command{
	Use:   "fund TOKEN_ID AMOUNT",
	Short: "Credit an on-chain deposit to an agent wallet",
	Args:  cobra.ExactArgs(2),
	RunE:  runAgentFund,
}

func runAgentFund(cmd *cobra.Command, args []string) error {
	amount, err := domain.ParseUSD(args[1])
	if err != nil {
		return err
	}
	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	w, err := d.Agents.GetWalletByToken(ctx, args[0])
	if err != nil {
		return err
	}
	lot, err := d.Agents.FundFromDeposit(ctx, w, amount, agentTxHash)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Deposit %s credited %s (lot %s)\n",
		agentTxHash, domain.FormatUSD(lot.OriginalMicro), lot.ID)
	return nil
}

// ─── agent budget ───────────────────────────────────────────────────────────

var agentBudgetCmd = &cobra.Command{
	Use:   "budget TOKEN_ID",
	Short: "Show today's spend against the daily cap",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentBudget,
}

func runAgentBudget(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	w, err := d.Agents.GetWalletByToken(ctx, args[0])
	if err != nil {
		return err
	}
	spent := d.Agents.GetDailySpent(ctx, w.AccountID)
	remaining := d.Agents.GetRemainingDailyBudget(ctx, w)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Agent %s\n", w.TokenID)
	fmt.Fprintf(out, "  spent today: %s\n", domain.FormatUSD(spent))
	fmt.Fprintf(out, "  remaining:   %s of %s\n", domain.FormatUSD(remaining), domain.FormatUSD(w.DailyCapMicro))
	return nil
}
