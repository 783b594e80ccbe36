package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"messagebus/internal/security"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API key for http.api-keys",
	Long: `Print a random API key. Put it in http.api-keys on the server (or in
MESSAGEBUS_API_KEY) and send it as "Authorization: Bearer <key>".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := security.GenerateKey()
		if err != nil {
			return handleError(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}
