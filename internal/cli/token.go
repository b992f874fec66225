package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newTokenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Show the admin API token",
		Long: `Show the admin token of the running server.

The server writes its token next to the database on startup. Use it as a
Bearer token for /api/admin endpoints.

Example:
  fgoat token`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(a.tokenFilePath())
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("no server running. Start with: fgoat serve")
				}
				return fmt.Errorf("failed to read token file: %w", err)
			}

			token := strings.TrimSpace(string(data))
			if token == "" {
				return fmt.Errorf("token file is empty. Restart the server with: fgoat serve")
			}

			out := cmd.OutOrStdout()
			serverURL := strings.TrimRight(a.cfg.Client.ServerURL, "/")
			fmt.Fprintf(out, "Token: %s\n", token)
			fmt.Fprintf(out, "Admin: %s/api/admin/experiments?token=%s\n", serverURL, token)
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Tip: curl -H 'Authorization: Bearer %s' %s/api/admin/experiments\n", token, serverURL)
			return nil
		},
	}
}
