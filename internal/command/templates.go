// internal/command/templates.go
package command

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/user/remoteagent/internal/types"
)

// linkedCodebase loads conv's codebase. A nil codebase with a nil error means
// none is linked.
func (r *Router) linkedCodebase(ctx context.Context, conv *types.Conversation) (*types.Codebase, error) {
	if conv.CodebaseID == "" {
		return nil, nil
	}
	return r.store.GetCodebase(ctx, conv.CodebaseID)
}

func effectiveCwd(conv *types.Conversation, cb *types.Codebase) string {
	if conv.Cwd != "" {
		return conv.Cwd
	}
	return cb.DefaultCwd
}

// resolveWithin joins rel onto base and rejects paths that escape base.
func resolveWithin(base, rel string) (string, error) {
	full := filepath.Join(base, rel)
	out, err := filepath.Rel(base, full)
	if err != nil || out == ".." || strings.HasPrefix(out, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside %s", rel, base)
	}
	return full, nil
}

func (r *Router) listCommands(ctx context.Context, conv *types.Conversation, _ []string) (types.CommandResult, error) {
	cb, err := r.linkedCodebase(ctx, conv)
	if err != nil {
		return types.CommandResult{}, err
	}
	if cb == nil {
		return types.CommandResult{Message: NoCodebaseMessage}, nil
	}
	if len(cb.Commands) == 0 {
		return types.CommandResult{
			Success: true,
			Message: "No commands registered.\n\nUse /command-set or /load-commands to add commands.",
		}, nil
	}

	names := make([]string, 0, len(cb.Commands))
	for name := range cb.Commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Registered Commands:\n")
	for _, name := range names {
		tmpl := cb.Commands[name]
		fmt.Fprintf(&b, "\n/%s - %s", name, tmpl.Path)
		if tmpl.Description != "" {
			fmt.Fprintf(&b, " (%s)", tmpl.Description)
		}
	}
	return types.CommandResult{Success: true, Message: b.String()}, nil
}

func (r *Router) commandSet(ctx context.Context, conv *types.Conversation, args []string) (types.CommandResult, error) {
	if len(args) < 2 {
		return types.CommandResult{}, &UsageError{Usage: "/command-set <name> <path> [text]"}
	}
	cb, err := r.linkedCodebase(ctx, conv)
	if err != nil {
		return types.CommandResult{}, err
	}
	if cb == nil {
		return types.CommandResult{Message: NoCodebaseMessage}, nil
	}

	name, rel := args[0], args[1]
	full, err := resolveWithin(effectiveCwd(conv, cb), rel)
	if err != nil {
		return types.CommandResult{Message: "Invalid path: " + err.Error()}, nil
	}

	if len(args) > 2 {
		text := strings.Join(args[2:], " ")
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return types.CommandResult{}, fmt.Errorf("create command dir: %w", err)
		}
		if err := os.WriteFile(full, []byte(text), 0o644); err != nil {
			return types.CommandResult{}, fmt.Errorf("write command file: %w", err)
		}
	}

	commands := copyCommands(cb.Commands)
	commands[name] = types.CommandTemplate{Path: rel, Description: "Custom: " + name}
	if err := r.store.UpdateCodebaseCommands(ctx, cb.ID, commands); err != nil {
		return types.CommandResult{}, err
	}
	return types.CommandResult{
		Success: true,
		Message: fmt.Sprintf("Command '%s' registered!\nPath: %s", name, rel),
	}, nil
}

func (r *Router) loadCommands(ctx context.Context, conv *types.Conversation, args []string) (types.CommandResult, error) {
	if len(args) == 0 {
		return types.CommandResult{}, &UsageError{Usage: "/load-commands <folder>"}
	}
	cb, err := r.linkedCodebase(ctx, conv)
	if err != nil {
		return types.CommandResult{}, err
	}
	if cb == nil {
		return types.CommandResult{Message: NoCodebaseMessage}, nil
	}

	folder := strings.Join(args, " ")
	dir, err := resolveWithin(effectiveCwd(conv, cb), folder)
	if err != nil {
		return types.CommandResult{Message: "Invalid path: " + err.Error()}, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return types.CommandResult{Message: fmt.Sprintf("Failed to read folder %s: %v", folder, err)}, nil
	}

	commands := copyCommands(cb.Commands)
	var loaded []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".md")
		commands[name] = types.CommandTemplate{
			Path:        filepath.Join(folder, e.Name()),
			Description: frontmatterDescription(filepath.Join(dir, e.Name())),
		}
		loaded = append(loaded, name)
	}
	if len(loaded) == 0 {
		return types.CommandResult{Message: fmt.Sprintf("No .md files found in %s", folder)}, nil
	}
	if err := r.store.UpdateCodebaseCommands(ctx, cb.ID, commands); err != nil {
		return types.CommandResult{}, err
	}
	sort.Strings(loaded)
	return types.CommandResult{
		Success: true,
		Message: fmt.Sprintf("Loaded %d commands: %s", len(loaded), strings.Join(loaded, ", ")),
	}, nil
}

func (r *Router) repos(ctx context.Context, conv *types.Conversation, _ []string) (types.CommandResult, error) {
	entries, err := os.ReadDir(r.workspaceRoot)
	if err != nil && !os.IsNotExist(err) {
		return types.CommandResult{}, fmt.Errorf("read workspace: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return types.CommandResult{
			Success: true,
			Message: fmt.Sprintf("No repositories found in %s\n\nUse /clone <repo-url> to add one.", r.workspaceRoot),
		}, nil
	}

	var b strings.Builder
	b.WriteString("Available Repositories:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "\n- %s", name)
		path := filepath.Join(r.workspaceRoot, name)
		if conv.Cwd == path || strings.HasPrefix(conv.Cwd, path+string(filepath.Separator)) {
			b.WriteString(" (current)")
		}
	}
	return types.CommandResult{Success: true, Message: b.String()}, nil
}

func copyCommands(in map[string]types.CommandTemplate) map[string]types.CommandTemplate {
	out := make(map[string]types.CommandTemplate, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// frontmatterDescription returns the "description" field of a leading
// "---" YAML frontmatter block, or "" if there is none.
func frontmatterDescription(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "---" {
		return ""
	}
	var block strings.Builder
	closed := false
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "---" {
			closed = true
			break
		}
		block.WriteString(scanner.Text())
		block.WriteByte('\n')
	}
	if !closed {
		return ""
	}

	var meta struct {
		Description string `yaml:"description"`
	}
	if err := yaml.Unmarshal([]byte(block.String()), &meta); err != nil {
		return ""
	}
	return strings.TrimSpace(meta.Description)
}
