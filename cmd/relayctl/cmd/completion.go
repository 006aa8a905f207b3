package cmd

import (
	"github.com/spf13/cobra"
)

// completionCmd represents the completion command
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:

  $ source <(relayctl completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ relayctl completion bash > /etc/bash_completion.d/relayctl
  # macOS:
  $ relayctl completion bash > $(brew --prefix)/etc/bash_completion.d/relayctl

Zsh:

  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:

  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ relayctl completion zsh > "${fpath[1]}/_relayctl"

  # You will need to start a new shell for this setup to take effect.

fish:

  $ relayctl completion fish | source

  # To load completions for each session, execute once:
  $ relayctl completion fish > ~/.config/fish/completions/relayctl.fish

PowerShell:

  PS> relayctl completion powershell | Out-String | Invoke-Expression

  # To load completions for every new session, run:
  PS> relayctl completion powershell > relayctl.ps1
  # and source this file from your PowerShell profile.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(w, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(w)
		case "fish":
			return cmd.Root().GenFishCompletion(w, true)
		default:
			return cmd.Root().GenPowerShellCompletionWithDesc(w)
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
