package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"sharepool/internal/jwtsigner"
	"sharepool/services/pool/internal/cipher"
	"sharepool/services/pool/internal/dto"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globals struct {
	api     string
	signKey string
	issuer  string
	subject string
}

func newRootCommand(out io.Writer) *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "poolctl",
		Short:         "Operator tool for the account pool service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	pf := cmd.PersistentFlags()
	pf.StringVar(&g.api, "api", envOr("POOL_API", "http://localhost:8090"), "Base URL of the pool API")
	pf.StringVar(&g.signKey, "sign-key", os.Getenv("JWT_PRIVATE_KEY"), "Base64 Ed25519 private key used to mint operator tokens")
	pf.StringVar(&g.issuer, "issuer", envOr("JWT_ISSUER", "sharepool"), "Token issuer")
	pf.StringVar(&g.subject, "as", "", "Operator id placed in minted tokens (random when empty)")

	cmd.AddCommand(newKeygenCommand())
	cmd.AddCommand(newTokenCommand(g))
	cmd.AddCommand(newAccountsCommand(g))
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a master key and a JWT signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			master := make([]byte, cipher.MinMasterKeySize)
			if _, err := rand.Read(master); err != nil {
				return err
			}
			priv, pub, err := jwtsigner.GenerateBase64()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "MASTER_KEY=%s\n", base64.StdEncoding.EncodeToString(master))
			fmt.Fprintf(w, "JWT_PRIVATE_KEY=%s\n", priv)
			fmt.Fprintf(w, "JWT_PUBLIC_KEY=%s\n", pub)
			return nil
		},
	}
}

func newTokenCommand(g *globals) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := g.mint(role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", jwtsigner.RoleOperator, "Role claim (member or operator)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func (g *globals) mint(role string, ttl time.Duration) (string, error) {
	if g.signKey == "" {
		return "", fmt.Errorf("--sign-key or JWT_PRIVATE_KEY is required")
	}
	s, err := jwtsigner.NewFromBase64(g.signKey, "poolctl", g.issuer)
	if err != nil {
		return "", err
	}
	sub := g.subject
	if sub == "" {
		sub = uuid.NewString()
	}
	return s.Sign(sub, role, ttl)
}

func (g *globals) client() (*client, error) {
	tok, err := g.mint(jwtsigner.RoleOperator, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	return &client{base: g.api, token: tok, http: &http.Client{Timeout: 3 * time.Minute}}, nil
}

func newAccountsCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Account operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newProvisionCommand(g))
	cmd.AddCommand(newComputeCommand(g))
	cmd.AddCommand(newRotateCommand(g))
	cmd.AddCommand(newRotationsCommand(g))
	return cmd
}

func newProvisionCommand(g *globals) *cobra.Command {
	var req dto.ProvisionAccountRequest
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Register a shared account; the secret is read from POOL_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Secret = os.Getenv("POOL_SECRET")
			if req.Secret == "" {
				return fmt.Errorf("POOL_SECRET is required")
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			return c.do(cmd.Context(), http.MethodPost, "/v1/accounts", req, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&req.Platform, "platform", "", "Streaming platform")
	cmd.Flags().StringVar(&req.Tier, "tier", "", "Subscription tier")
	cmd.Flags().StringVar(&req.Username, "username", "", "Login on the platform")
	cmd.Flags().IntVar(&req.MaxConcurrent, "max-concurrent", 1, "Concurrent streams the tier allows")
	_ = cmd.MarkFlagRequired("platform")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newComputeCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "compute <account-id>",
		Short: "Recompute every window on the account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			return c.do(cmd.Context(), http.MethodPost, "/v1/accounts/"+args[0]+"/allocations/compute", nil, cmd.OutOrStdout())
		},
	}
}

func newRotateCommand(g *globals) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rotate <account-id>",
		Short: "Rotate the account credential now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			return c.do(cmd.Context(), http.MethodPost, "/v1/accounts/"+args[0]+"/rotate", dto.RotateRequest{Reason: reason}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator request", "Reason stored in the rotation history")
	return cmd
}

func newRotationsCommand(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "rotations <account-id>",
		Short: "Show rotation history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			path := "/v1/accounts/" + args[0] + "/rotations?limit=" + strconv.Itoa(limit)
			return c.do(cmd.Context(), http.MethodGet, path, nil, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "How many records to show")
	return cmd
}

// pretty re-indents a JSON body for the terminal.
func pretty(w io.Writer, body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		_, err = w.Write(body)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
