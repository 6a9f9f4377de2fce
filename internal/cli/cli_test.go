package cli

import (
	"bytes"
	"context"
	"math/big"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-labs/covenant/internal/app/custody"
	"github.com/covenant-labs/covenant/internal/auth"
	"github.com/covenant-labs/covenant/internal/daemon"
	"github.com/covenant-labs/covenant/internal/domain"
)

const (
	testSecret  = "cli-test-secret"
	resolverHex = "0x00000000000000000000000000000000000000aa"
	ownerHex    = "0x000000000000000000000000000000000000a11c"
	charityHex  = "0x00000000000000000000000000000000c4a21742"
	usdcHex     = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

// execute runs the root command. Flags stick between runs, so callers pass
// every flag they depend on.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("COVENANT_HOME", home)
	t.Setenv("COVENANT_JWT_SECRET", testSecret)
	data := `
[custody]
resolver = "` + resolverHex + `"

[[custody.assets]]
address  = "` + usdcHex + `"
symbol   = "USDC"
decimals = 6

[verifier]
enabled = false
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte(data), 0o600))
}

func startDaemon(t *testing.T) (*daemon.Daemon, string) {
	t.Helper()
	writeConfig(t)
	cfg, err := daemon.LoadConfig("")
	require.NoError(t, err)
	d, err := daemon.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	srv := httptest.NewServer(d.Handler())
	t.Cleanup(srv.Close)
	return d, srv.URL
}

func TestTokenCommand(t *testing.T) {
	writeConfig(t)

	out, err := execute(t, "token", ownerHex, "--ttl", "1h", "--config", "")
	require.NoError(t, err)

	tm, err := auth.NewTokenManager(testSecret, time.Hour)
	require.NoError(t, err)
	p, err := tm.Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	want, _ := domain.ParsePrincipal(ownerHex)
	assert.Equal(t, want, p)

	_, err = execute(t, "token", "not-an-address", "--ttl", "1h")
	require.ErrorIs(t, err, domain.ErrInvalidPrincipal)
}

func TestStatusAndResolve(t *testing.T) {
	d, url := startDaemon(t)
	owner, _ := domain.ParsePrincipal(ownerHex)
	charity, _ := domain.ParsePrincipal(charityHex)
	usdc, _ := domain.ParseAssetID(usdcHex)

	id, err := d.Engine.Create(context.Background(), custody.CreateRequest{
		Owner: owner, Description: "write 500 words a day", Deadline: time.Now().Add(72 * time.Hour),
		Beneficiary: charity, Asset: usdc, StakeAmount: big.NewInt(2500000), Transferred: big.NewInt(2500000),
	})
	require.NoError(t, err)

	out, err := execute(t, "status", "--addr", url, "--token", "")
	require.NoError(t, err)
	assert.Contains(t, out, "Covenant daemon: ok")
	assert.Contains(t, out, "1 active")

	out, err = execute(t, "status", "0", "--addr", url, "--token", "")
	require.NoError(t, err)
	assert.Contains(t, out, "write 500 words a day")
	assert.Contains(t, out, "2.5 USDC")

	out, err = execute(t, "asset", "list", "--addr", url, "--token", "")
	require.NoError(t, err)
	assert.Contains(t, out, "USDC")
	assert.Contains(t, out, "custody 2.5 USDC")

	// No --token: the resolver token is minted from the local config.
	out, err = execute(t, "resolve", "0", "--verified=false", "--reason", "missed two days", "--addr", url, "--token", "")
	require.NoError(t, err)
	assert.Contains(t, out, "failed, stake paid to "+charity.Hex())

	c, err := d.Engine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.Equal(t, "missed two days", c.VerificationReason)

	_, err = execute(t, "resolve", "0", "--verified=true", "--reason", "", "--addr", url, "--token", "")
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "already_resolved", ae.Code)
}

func TestOperatorCommandsRejectOthers(t *testing.T) {
	_, url := startDaemon(t)
	tm, err := auth.NewTokenManager(testSecret, time.Hour)
	require.NoError(t, err)
	owner, _ := domain.ParsePrincipal(ownerHex)
	token, err := tm.Issue(owner)
	require.NoError(t, err)

	_, err = execute(t, "sweep", "--addr", url, "--token", token)
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 403, ae.Status)

	_, err = execute(t, "asset", "add", "native", "--addr", url, "--token", token)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "not_authorized", ae.Code)

	out, err := execute(t, "sweep", "--addr", url, "--token", "")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to sweep.")
}

func TestStatus_UnknownCommitment(t *testing.T) {
	_, url := startDaemon(t)

	_, err := execute(t, "status", "42", "--addr", url, "--token", "")
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "not_found", ae.Code)
}
