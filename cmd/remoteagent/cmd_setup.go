package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/remoteagent/internal/config"
	"github.com/user/remoteagent/internal/types"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Walk through the settings needed to run the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		w := newWizard(os.Stdin, cmd.OutOrStdout())
		w.run(cfg)
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		ui.Success("Wrote %s", cfgPath)
		return nil
	},
}

type wizard struct {
	in  *bufio.Scanner
	out io.Writer
}

func newWizard(in io.Reader, out io.Writer) *wizard {
	return &wizard{in: bufio.NewScanner(in), out: out}
}

// ask prints label with current in brackets and returns the trimmed answer,
// or current when the answer is blank or input is exhausted.
func (w *wizard) ask(label, current string) string {
	return w.askShown(label, current, current)
}

// askSecret is ask with the current value masked in the prompt.
func (w *wizard) askSecret(label, current string) string {
	shown := ""
	if current != "" {
		shown = "configured"
	}
	return w.askShown(label, shown, current)
}

func (w *wizard) askShown(label, shown, current string) string {
	if shown == "" {
		fmt.Fprintf(w.out, "%s: ", label)
	} else {
		fmt.Fprintf(w.out, "%s [%s]: ", label, shown)
	}
	if !w.in.Scan() {
		return current
	}
	if answer := strings.TrimSpace(w.in.Text()); answer != "" {
		return answer
	}
	return current
}

// choose repeats ask until the answer is one of options.
func (w *wizard) choose(label, current string, options ...string) string {
	for {
		answer := w.ask(fmt.Sprintf("%s (%s)", label, strings.Join(options, "|")), current)
		if slices.Contains(options, answer) {
			return answer
		}
		fmt.Fprintf(w.out, "  expected one of %s\n", strings.Join(options, ", "))
		if answer == current {
			return options[0]
		}
	}
}

func (w *wizard) run(cfg *config.Config) {
	fmt.Fprintln(w.out, "Blank answers keep the value in brackets.")

	cfg.Workspace.Root = w.ask("Workspace root", cfg.Workspace.Root)
	cfg.Assistant.Default = w.choose("Default assistant", cfg.Assistant.Default, "claude", "codex")

	cfg.Telegram.Token = w.askSecret("Telegram bot token (blank to skip)", cfg.Telegram.Token)
	if cfg.Telegram.Token != "" {
		mode := w.choose("Telegram streaming mode", cfg.Telegram.StreamingMode, "stream", "batch")
		cfg.Telegram.StreamingMode = string(types.ParseStreamingMode(mode, types.StreamingModeStream))
	}

	cfg.GitHub.Token = w.askSecret("GitHub token (blank to skip)", cfg.GitHub.Token)
	if cfg.GitHub.Token != "" {
		cfg.GitHub.WebhookSecret = w.askSecret("GitHub webhook secret", cfg.GitHub.WebhookSecret)
		cfg.GitHub.BotMention = w.ask("Mention that triggers the bot", cfg.GitHub.BotMention)
		cfg.HTTP.Enabled = true
	}
	if cfg.HTTP.Enabled {
		cfg.HTTP.Listen = w.ask("HTTP listen address", cfg.HTTP.Listen)
	}
}
