package cli

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/covenant-labs/covenant/internal/auth"
	"github.com/covenant-labs/covenant/internal/domain"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(assetCmd)
	assetCmd.AddCommand(assetAddCmd)
	assetCmd.AddCommand(assetListCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(tokenCmd)

	resolveCmd.Flags().Bool("verified", false, "resolve as fulfilled (stake returns to the owner)")
	resolveCmd.Flags().String("reason", "", "reason recorded with the resolution")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (default [auth] token_ttl)")
}

type commitmentOut struct {
	ID                 uint64     `json:"id"`
	Owner              string     `json:"owner"`
	Description        string     `json:"description"`
	Deadline           time.Time  `json:"deadline"`
	Beneficiary        string     `json:"beneficiary"`
	Asset              string     `json:"asset"`
	StakeAmount        string     `json:"stake_amount"`
	StakeDisplay       string     `json:"stake_display"`
	ProofReference     string     `json:"proof_reference"`
	Status             string     `json:"status"`
	VerificationReason string     `json:"verification_reason"`
	Expired            bool       `json:"expired"`
	ResolvedAt         *time.Time `json:"resolved_at"`
}

type assetOut struct {
	Asset     string `json:"asset"`
	Symbol    string `json:"symbol"`
	Supported bool   `json:"supported"`
	Custody   string `json:"custody"`
	Display   string `json:"custody_display"`
}

// ─── status ─────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status [COMMITMENT_ID]",
	Short: "Show daemon health or one commitment",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("commitment id must be a non-negative integer: %s", args[0])
		}
		var cm commitmentOut
		if err := c.do(cmd.Context(), http.MethodGet, "/v1/commitments/"+strconv.FormatUint(id, 10), nil, &cm); err != nil {
			return err
		}
		stake := cm.StakeAmount
		if cm.StakeDisplay != "" {
			stake = cm.StakeDisplay
		}
		fmt.Fprintf(out, "Commitment #%d  [%s]\n", cm.ID, cm.Status)
		fmt.Fprintf(out, "  Description:  %s\n", cm.Description)
		fmt.Fprintf(out, "  Owner:        %s\n", cm.Owner)
		fmt.Fprintf(out, "  Beneficiary:  %s\n", cm.Beneficiary)
		fmt.Fprintf(out, "  Stake:        %s (%s)\n", stake, cm.Asset)
		fmt.Fprintf(out, "  Deadline:     %s", cm.Deadline.Format(time.RFC3339))
		if cm.Expired {
			fmt.Fprint(out, "  (passed)")
		}
		fmt.Fprintln(out)
		if cm.ProofReference != "" {
			fmt.Fprintf(out, "  Evidence:     %s\n", cm.ProofReference)
		}
		if cm.ResolvedAt != nil {
			fmt.Fprintf(out, "  Resolved:     %s\n", cm.ResolvedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "  Reason:       %s\n", cm.VerificationReason)
		}
		return nil
	}

	var health struct {
		Status         string `json:"status"`
		Commitments    int    `json:"commitments"`
		Active         int    `json:"active"`
		SweeperPending *int   `json:"sweeper_pending"`
		Integrity      string `json:"integrity"`
	}
	if err := c.do(cmd.Context(), http.MethodGet, "/health", nil, &health); err != nil {
		var ae *apiError
		if !errors.As(err, &ae) || ae.Status != http.StatusInternalServerError {
			return err
		}
		health.Status = "degraded"
		health.Integrity = ae.Message
	}
	var resolver struct {
		Resolver string `json:"resolver"`
	}
	if err := c.do(cmd.Context(), http.MethodGet, "/v1/resolver", nil, &resolver); err != nil {
		return err
	}
	fmt.Fprintf(out, "Covenant daemon: %s\n", health.Status)
	fmt.Fprintf(out, "  Resolver:     %s\n", resolver.Resolver)
	fmt.Fprintf(out, "  Commitments:  %d (%d active)\n", health.Commitments, health.Active)
	if health.SweeperPending != nil {
		fmt.Fprintf(out, "  Awaiting deadline: %d\n", *health.SweeperPending)
	}
	if health.Integrity != "" {
		fmt.Fprintf(out, "  Integrity:    %s\n", health.Integrity)
	}
	return nil
}

// ─── asset ──────────────────────────────────────────────────────────────────

var assetCmd = &cobra.Command{
	Use:   "asset",
	Short: "Manage assets accepted for staking",
}

var assetAddCmd = &cobra.Command{
	Use:   "add ADDRESS",
	Short: "Accept an asset for staking (resolver only)",
	Long:  `Register an asset by contract address, or "native" for the chain's native coin.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runAssetAdd,
}

func runAssetAdd(cmd *cobra.Command, args []string) error {
	asset, err := domain.ParseAssetID(args[0])
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	var a assetOut
	if err := c.do(cmd.Context(), http.MethodPost, "/v1/assets", map[string]string{"asset": asset.Hex()}, &a); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Asset %s accepted for staking\n", a.Asset)
	return nil
}

var assetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List assets and their custody balances",
	Args:  cobra.NoArgs,
	RunE:  runAssetList,
}

func runAssetList(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	var resp struct {
		Assets []assetOut `json:"assets"`
	}
	if err := c.do(cmd.Context(), http.MethodGet, "/v1/assets", nil, &resp); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(resp.Assets) == 0 {
		fmt.Fprintln(out, "No assets registered.")
		fmt.Fprintln(out, "Use 'covenant asset add ADDRESS' to accept one.")
		return nil
	}
	fmt.Fprintf(out, "Assets (%d):\n", len(resp.Assets))
	for _, a := range resp.Assets {
		held := a.Custody
		if a.Display != "" {
			held = a.Display
		}
		state := "accepted"
		if !a.Supported {
			state = "not accepted"
		}
		label := a.Asset
		if a.Symbol != "" {
			label = fmt.Sprintf("%s (%s)", a.Symbol, a.Asset)
		}
		fmt.Fprintf(out, "  • %s  %s  custody %s\n", label, state, held)
	}
	return nil
}

// ─── resolve ────────────────────────────────────────────────────────────────

var resolveCmd = &cobra.Command{
	Use:   "resolve COMMITMENT_ID",
	Short: "Resolve a commitment (resolver only)",
	Long: `Finalize a commitment. With --verified the stake returns to the owner;
without it the stake is paid to the beneficiary. Resolution is final.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func runResolve(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("commitment id must be a non-negative integer: %s", args[0])
	}
	verified, _ := cmd.Flags().GetBool("verified")
	reason, _ := cmd.Flags().GetString("reason")

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	var cm commitmentOut
	body := map[string]any{"verified": verified, "reason": reason}
	if err := c.do(cmd.Context(), http.MethodPost, "/v1/commitments/"+strconv.FormatUint(id, 10)+"/resolve", body, &cm); err != nil {
		return err
	}
	recipient := cm.Beneficiary
	if cm.Status == domain.StatusCompleted.String() {
		recipient = cm.Owner
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Commitment #%d %s, stake paid to %s\n", cm.ID, cm.Status, recipient)
	return nil
}

// ─── sweep ──────────────────────────────────────────────────────────────────

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail expired commitments that never received evidence (resolver only)",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	var resp struct {
		Resolved []uint64 `json:"resolved"`
		Error    string   `json:"error"`
	}
	if err := c.do(cmd.Context(), http.MethodPost, "/v1/sweep", nil, &resp); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(resp.Resolved) == 0 {
		fmt.Fprintln(out, "Nothing to sweep.")
	} else {
		ids := make([]string, len(resp.Resolved))
		for i, id := range resp.Resolved {
			ids[i] = "#" + strconv.FormatUint(id, 10)
		}
		fmt.Fprintf(out, "Failed %d expired commitment(s): %s\n", len(ids), strings.Join(ids, ", "))
	}
	if resp.Error != "" {
		return fmt.Errorf("sweep incomplete: %s", resp.Error)
	}
	return nil
}

// ─── token ──────────────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token PRINCIPAL",
	Short: "Mint a bearer token for a principal",
	Long: `Sign an API token for PRINCIPAL with the local [auth] secret.
Anyone holding the token acts as that principal.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	p, err := domain.ParsePrincipal(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Auth.Secret == "" {
		return fmt.Errorf("no signing secret: set [auth] secret or COVENANT_JWT_SECRET")
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		if ttl, err = time.ParseDuration(cfg.Auth.TokenTTL); err != nil || ttl <= 0 {
			ttl = 24 * time.Hour
		}
	}
	tm, err := auth.NewTokenManager(cfg.Auth.Secret, ttl)
	if err != nil {
		return err
	}
	token, err := tm.Issue(p)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
