package token

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rovernet/roverbridge/internal/auth"
	"github.com/rovernet/roverbridge/internal/conf"
)

// Command creates the command that mints an operator token
func Command() *cobra.Command {
	var (
		owner int64
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed operator token",
		Long:  "Issue a token for the given owner, signed with the configured secret. Use it as a bearer token or in the push channel handshake.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner <= 0 {
				return fmt.Errorf("--owner must be a positive id")
			}

			settings, err := conf.Load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = settings.Security.TokenTTL
			}

			signed, err := auth.NewIssuer(settings.Security.JWTSecret).Issue(owner, ttl)
			if err != nil {
				return err
			}
			cmd.Println(signed)
			return nil
		},
	}

	cmd.Flags().Int64Var(&owner, "owner", 0, "Owner id the token is issued for")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime, 0 for no expiry (default: security.tokenttl)")

	return cmd
}
