package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/user/remoteagent/internal/git"
	"github.com/user/remoteagent/internal/output"
	"github.com/user/remoteagent/internal/workspace"
)

func init() {
	rootCmd.AddCommand(worktreeCmd)
	worktreeCmd.AddCommand(worktreeListCmd, worktreeCreateCmd, worktreeRemoveCmd)

	worktreeCreateCmd.Flags().Bool("pr", false, "create a pull request worktree (pr-<n>) instead of issue-<n>")
}

func worktreeManager() *workspace.Manager {
	cfg := loadConfig()
	return workspace.NewManager(git.NewExecRunner(cfg.GitTimeout()), cfg.Workspace.WorktreeBase, setupLogging(cfg))
}

var worktreeCmd = &cobra.Command{
	Use:   "worktree",
	Short: "Manage per-issue worktrees",
}

var worktreeListCmd = &cobra.Command{
	Use:   "list <repo>",
	Short: "List worktrees of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := workspace.CanonicalRepoPath(args[0])
		list := worktreeManager().List(cmd.Context(), repo)
		if len(list) == 0 {
			ui.Println("No worktrees found.")
			return nil
		}

		table := ui.Table([]string{"Path", "Branch", "Head"})
		for _, wt := range list {
			head := wt.HEAD
			if len(head) > 8 {
				head = head[:8]
			}
			_ = table.Append([]string{wt.Path, output.OrDash(wt.Branch), output.Cyan(head)})
		}
		return table.Render()
	},
}

var worktreeCreateCmd = &cobra.Command{
	Use:   "create <repo> <number>",
	Short: "Create the worktree for an issue or pull request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := strconv.Atoi(args[1])
		if err != nil || number <= 0 {
			return fmt.Errorf("invalid issue number: %s", args[1])
		}
		isPR, _ := cmd.Flags().GetBool("pr")

		path, err := worktreeManager().CreateForIssue(cmd.Context(), args[0], number, isPR)
		if err != nil {
			return err
		}
		ui.Success("Worktree %s ready at %s", workspace.BranchName(number, isPR), path)
		return nil
	},
}

var worktreeRemoveCmd = &cobra.Command{
	Use:   "remove <repo> <path>",
	Short: "Remove a worktree (refuses when it has uncommitted changes)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := worktreeManager().Remove(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		ui.Success("Worktree %s removed.", args[1])
		return nil
	},
}
