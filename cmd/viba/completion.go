package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion <bash|zsh|fish>",
	Short: "Print a shell completion script",
	Long: `Print a completion script for viba to stdout.

Try it in the current shell:
  bash:  source <(viba completion bash)
  zsh:   source <(viba completion zsh)
  fish:  viba completion fish | source

Install it permanently by writing the output to the directory your shell
loads completions from, e.g. ~/.local/share/bash-completion/completions/viba,
a directory on $fpath named _viba, or ~/.config/fish/completions/viba.fish.`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeCompletion(cmd.Root(), cmd.OutOrStdout(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

func writeCompletion(root *cobra.Command, w io.Writer, shell string) error {
	switch shell {
	case "bash":
		return root.GenBashCompletionV2(w, true)
	case "zsh":
		return root.GenZshCompletion(w)
	case "fish":
		return root.GenFishCompletion(w, true)
	}
	return fmt.Errorf("unsupported shell %q", shell)
}
