package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/remoteagent/internal/output"
	"github.com/user/remoteagent/internal/scheduler"
	"github.com/user/remoteagent/internal/state"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRemoveCmd, taskEnableCmd, taskDisableCmd)

	taskAddCmd.Flags().String("name", "", "task name (required)")
	taskAddCmd.Flags().String("prompt", "", "prompt text (required)")
	taskAddCmd.Flags().String("schedule", "", "cron schedule expression")
	taskAddCmd.Flags().String("platform", "", "platform to deliver to, e.g. telegram or github (required)")
	taskAddCmd.Flags().String("conversation", "", "platform conversation id (required)")
	_ = taskAddCmd.MarkFlagRequired("name")
	_ = taskAddCmd.MarkFlagRequired("prompt")
	_ = taskAddCmd.MarkFlagRequired("platform")
	_ = taskAddCmd.MarkFlagRequired("conversation")
}

func taskStore() *state.TaskStore {
	cfg := loadConfig()
	return state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))
}

const reloadHint = "Run `remoteagent reload` to apply schedule changes to a running daemon."

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled and webhook-triggered prompts",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		prompt, _ := cmd.Flags().GetString("prompt")
		schedule, _ := cmd.Flags().GetString("schedule")
		platform, _ := cmd.Flags().GetString("platform")
		conversation, _ := cmd.Flags().GetString("conversation")

		if schedule != "" {
			if err := scheduler.Validate(schedule); err != nil {
				return err
			}
		}

		task := &state.Task{
			Name:           name,
			Prompt:         prompt,
			Schedule:       schedule,
			Platform:       platform,
			ConversationID: conversation,
			Enabled:        true,
		}
		if err := taskStore().Add(task); err != nil {
			return fmt.Errorf("add task: %w", err)
		}
		ui.Success("Task %q added.", name)
		if schedule != "" {
			ui.Println(reloadHint)
		}
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := taskStore().List()
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		if len(tasks) == 0 {
			ui.Println("No tasks configured.")
			return nil
		}

		now := time.Now()
		table := ui.Table([]string{"Name", "Schedule", "Next", "State", "Platform", "Conversation"})
		for _, t := range tasks {
			status, next := "disabled", "-"
			if t.Enabled {
				status = "enabled"
				if at, err := scheduler.NextRun(t.Schedule, now); err == nil && t.Schedule != "" {
					next = output.Ago(at)
				}
			}
			_ = table.Append([]string{
				t.Name,
				output.OrDash(t.Schedule),
				next,
				output.StateColor(status),
				t.Platform,
				t.ConversationID,
			})
		}
		return table.Render()
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().Remove(args[0]); err != nil {
			return fmt.Errorf("remove task: %w", err)
		}
		ui.Success("Task %q removed.", args[0])
		return nil
	},
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().SetEnabled(args[0], true); err != nil {
			return fmt.Errorf("enable task: %w", err)
		}
		ui.Success("Task %q enabled.", args[0])
		return nil
	},
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().SetEnabled(args[0], false); err != nil {
			return fmt.Errorf("disable task: %w", err)
		}
		ui.Success("Task %q disabled.", args[0])
		return nil
	},
}
