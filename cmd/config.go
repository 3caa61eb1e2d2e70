package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/codial/internal/config"
)

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Resolves defaults, the config file, and CORE_* environment overrides, then prints the result. Secrets are omitted.",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
				os.Exit(1)
			}
			// Token fields carry `json:"-"` so they never print here.
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to render config: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(out))

			if insecure := cfg.InsecureTokens(); len(insecure) > 0 {
				fmt.Fprintf(os.Stderr, "\nwarning: dev-default tokens in use: %v\n", insecure)
			}
		},
	}
}
