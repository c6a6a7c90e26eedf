package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/wizard"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup",
		Long: `Walk through initial configuration: state home, repo owner
allowlist, GitHub token environment variable, concurrency, and the
dashboard. Writes config.yaml under the chosen state home.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return runInit(force)
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing config")
	return cmd
}

func runInit(force bool) error {
	defaults, err := loadConfig()
	if err != nil {
		defaults = config.Default()
	}

	path := configPath(defaults)
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to rerun setup)", path)
	}

	cfg, written, err := wizard.RunSetup(defaults)
	if err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", written)
	fmt.Println("\nNext steps:")
	fmt.Printf("  export %s=...           # a token with repo scope\n", cfg.GitHubTokenEnv)
	fmt.Println("  ralph run owner/repo#42   # queue an issue")
	fmt.Println("  ralph serve               # start the daemon")
	return nil
}
