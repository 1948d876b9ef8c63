package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/settle/internal/domain"
)

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountCreateCmd)
	accountCmd.AddCommand(accountMintCmd)
	accountCmd.AddCommand(accountKYCCmd)
	accountCmd.AddCommand(accountBalanceCmd)

	accountMintCmd.Flags().StringVar(&mintSource, "source", string(domain.SourceGrant), "lot source: deposit, grant, refund or transfer")
	accountMintCmd.Flags().StringVar(&mintKey, "key", "", "idempotency key; a replay returns the first lot")
	accountMintCmd.Flags().DurationVar(&mintExpiresIn, "expires-in", 0, "expire the lot after this long (0 never expires)")
}

var (
	mintSource    string
	mintKey       string
	mintExpiresIn time.Duration
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage ledger accounts",
}

// ─── account create ─────────────────────────────────────────────────────────

var accountCreateCmd = &cobra.Command{
	Use:   "create ENTITY_TYPE ENTITY_ID",
	Short: "Create (or look up) the account for an entity",
	Args:  cobra.ExactArgs(2),
	RunE:  runAccountCreate,
}

func runAccountCreate(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	acct, err := d.DB.GetOrCreateAccount(cmd.Context(), domain.EntityType(args[0]), args[1])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Account %s\n", acct.ID)
	fmt.Fprintf(out, "  entity: %s/%s\n", acct.EntityType, acct.EntityID)
	fmt.Fprintf(out, "  kyc:    %s\n", acct.KYCLevel)
	return nil
}

// ─── account mint ───────────────────────────────────────────────────────────

var accountMintCmd = &cobra.Command{
	Use:   "mint ACCOUNT_ID AMOUNT",
	Short: "Mint a credit lot (AMOUNT in dollars, e.g. 12.50)",
	Args:  cobra.ExactArgs(2),
	RunE:  runAccountMint,
}

func runAccountMint(cmd *cobra.Command, args []string) error {
	amount, err := domain.ParseUSD(args[1])
	if err != nil {
		return err
	}
	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	opts := domain.MintOptions{IdempotencyKey: mintKey, Description: "minted from cli"}
	if mintExpiresIn > 0 {
		at := d.Clock.Now().Add(mintExpiresIn)
		opts.ExpiresAt = &at
	}
	lot, err := d.DB.MintLot(cmd.Context(), args[0], amount, domain.SourceType(mintSource), opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Minted %s to %s (lot %s)\n",
		domain.FormatUSD(lot.OriginalMicro), lot.AccountID, lot.ID)
	return nil
}

// ─── account kyc ────────────────────────────────────────────────────────────

var accountKYCCmd = &cobra.Command{
	Use:   "kyc ACCOUNT_ID LEVEL",
	Short: "Set an account's KYC level (none, basic, enhanced, verified)",
	Args:  cobra.ExactArgs(2),
	RunE:  runAccountKYC,
}

func runAccountKYC(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.DB.SetKYCLevel(cmd.Context(), args[0], domain.KYCLevel(args[1])); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ %s is now KYC %s\n", args[0], args[1])
	return nil
}

// ─── account balance ────────────────────────────────────────────────────────

var accountBalanceCmd = &cobra.Command{
	Use:   "balance ACCOUNT_ID",
	Short: "Show an account's balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountBalance,
}

func runAccountBalance(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	if _, err := d.DB.GetAccount(ctx, args[0]); err != nil {
		return err
	}
	bal, err := d.DB.GetBalance(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Balance for %s (%d lots)\n", bal.AccountID, bal.LotCount)
	fmt.Fprintf(out, "  available: %s\n", domain.FormatUSD(bal.AvailableMicro))
	fmt.Fprintf(out, "  reserved:  %s\n", domain.FormatUSD(bal.ReservedMicro))
	fmt.Fprintf(out, "  consumed:  %s\n", domain.FormatUSD(bal.ConsumedMicro))
	return nil
}
