package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/user/remoteagent/internal/output"
	"github.com/user/remoteagent/internal/state"
	"github.com/user/remoteagent/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd, codebaseCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionEndCmd)
	codebaseCmd.AddCommand(codebaseListCmd)

	sessionListCmd.Flags().Int("limit", 20, "maximum number of sessions to show")
}

func openStore(ctx context.Context) (*state.SQLiteStore, error) {
	cfg := loadConfig()
	store, err := state.NewSQLiteStore(ctx, dbPath(cfg), cfg.Assistant.Default)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect assistant sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		transcripts := state.NewTranscriptStore(loadConfig().DataDir)

		list, err := store.ListSessions(ctx, limit)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(list) == 0 {
			ui.Println("No sessions found.")
			return nil
		}

		table := ui.Table([]string{"ID", "Conversation", "Assistant", "State", "Events", "Started"})
		for _, s := range list {
			conversation := string(s.ConversationID)
			if conv, err := store.GetConversation(ctx, s.ConversationID); err == nil && conv != nil {
				conversation = conv.PlatformType + ":" + conv.PlatformConversationID
			}
			count, err := transcripts.Count(ctx, s.ID)
			if err != nil {
				count = 0
			}
			status := "ended"
			if s.Active {
				status = "active"
			}
			_ = table.Append([]string{
				string(s.ID),
				conversation,
				s.AIAssistantType,
				output.StateColor(status),
				strconv.FormatInt(count, 10),
				output.Ago(s.StartedAt),
			})
		}
		return table.Render()
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <id>",
	Short: "Deactivate a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeactivateSession(ctx, types.SessionID(args[0])); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		ui.Success("Session %s ended.", args[0])
		return nil
	},
}

var codebaseCmd = &cobra.Command{
	Use:   "codebase",
	Short: "Inspect registered codebases",
}

var codebaseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered codebases",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := store.ListCodebases(ctx)
		if err != nil {
			return fmt.Errorf("list codebases: %w", err)
		}
		if len(list) == 0 {
			ui.Println("No codebases registered. Use /clone <repo-url> from a conversation.")
			return nil
		}

		table := ui.Table([]string{"Name", "Repository", "Path", "Assistant", "Commands", "Updated"})
		for _, cb := range list {
			_ = table.Append([]string{
				cb.Name,
				output.OrDash(cb.RepositoryURL),
				cb.DefaultCwd,
				cb.AIAssistantType,
				strconv.Itoa(len(cb.Commands)),
				output.Ago(cb.UpdatedAt),
			})
		}
		return table.Render()
	},
}
