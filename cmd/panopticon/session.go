package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	sdk "panopticon/sdk/go"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Create, review and control sessions"}
	cmd.AddCommand(sessionCreateCmd())
	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionShowCmd())
	cmd.AddCommand(sessionApproveCmd())
	cmd.AddCommand(sessionRefineCmd())
	cmd.AddCommand(sessionFollowUpCmd())
	cmd.AddCommand(sessionFinishCmd())
	cmd.AddCommand(sessionStopCmd())
	cmd.AddCommand(sessionWatchCmd())
	return cmd
}

func sessionCreateCmd() *cobra.Command {
	var agents int
	cmd := &cobra.Command{
		Use:   "create <prompt>",
		Short: "Submit a prompt and print the proposed tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newClient().CreateSession(cmd.Context(), strings.Join(args, " "), agents)
			if err != nil {
				return err
			}
			return printSession(s)
		},
	}
	cmd.Flags().IntVarP(&agents, "agents", "n", 2, "number of agents")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var status, cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := newClient().ListSessions(cmd.Context(), status, limit, cursor)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(page)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Status", "Agents", "Tasks", "Created", "Prompt"})
			for _, s := range page.Items {
				tw.AppendRow(table.Row{s.ID, statusLabel(s), s.AgentCount, taskProgress(s), s.CreatedAt, truncate(s.Prompt, 48)})
			}
			tw.Render()
			if page.NextCursor != "" {
				fmt.Printf("next page: --cursor '%s'\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "page cursor")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	var whiteboard bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session with its tasks and agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newClient().GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printSession(s); err != nil {
				return err
			}
			if whiteboard && !viper.GetBool("json") && s.Whiteboard != "" {
				fmt.Println("\nWhiteboard:")
				fmt.Println(s.Whiteboard)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&whiteboard, "whiteboard", false, "print the whiteboard")
	return cmd
}

func sessionApproveCmd() *cobra.Command {
	var agents int
	var tasksFile string
	cmd := &cobra.Command{
		Use:   "approve <session-id>",
		Short: "Approve the task list and launch the agents",
		Long:  "Approve launches the session. --tasks-file replaces the task list with one description per line; prefix a line with '<task-id>:' to keep an existing task.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var edits []sdk.TaskEdit
			if tasksFile != "" {
				parsed, err := readTaskEdits(tasksFile)
				if err != nil {
					return err
				}
				edits = parsed
			}
			s, err := newClient().Approve(cmd.Context(), args[0], edits, agents)
			if err != nil {
				return err
			}
			return printSession(s)
		},
	}
	cmd.Flags().IntVarP(&agents, "agents", "n", 0, "override the agent count")
	cmd.Flags().StringVar(&tasksFile, "tasks-file", "", "file with the edited task list")
	return cmd
}

// readTaskEdits parses "id: description" or bare "description" lines.
func readTaskEdits(path string) ([]sdk.TaskEdit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	edits := []sdk.TaskEdit{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, desc, ok := strings.Cut(line, ":")
		if !ok || strings.ContainsAny(id, " \t") {
			edits = append(edits, sdk.TaskEdit{Description: line})
			continue
		}
		edits = append(edits, sdk.TaskEdit{ID: strings.TrimSpace(id), Description: strings.TrimSpace(desc)})
	}
	return edits, scanner.Err()
}

func sessionRefineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refine <session-id> <instruction>",
		Short: "Ask for a revised task list",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newClient().Refine(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return printSession(s)
		},
	}
}

func sessionFollowUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "followup <session-id> <instruction>",
		Short: "Give a running session more work",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newClient().FollowUp(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return printSession(s)
		},
	}
}

func sessionFinishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finish <session-id>",
		Short: "Complete a running session without waiting for the idle window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newClient().Finish(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printSession(s)
		},
	}
}

func sessionStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Abort a session and kill its agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newClient().Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printSession(s)
		},
	}
}

func sessionWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow a session's live events until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON := viper.GetBool("json")
			return newClient().Watch(cmd.Context(), args[0], func(ev sdk.StreamEvent) error {
				if asJSON {
					return printJSON(map[string]any{"id": ev.ID, "event": ev.Name, "data": ev.Data})
				}
				printStreamEvent(ev)
				return nil
			})
		},
	}
}

var (
	nameColor  = color.New(color.FgCyan, color.Bold)
	okColor    = color.New(color.FgGreen)
	errColor   = color.New(color.FgRed)
	faintColor = color.New(color.Faint)
)

func printStreamEvent(ev sdk.StreamEvent) {
	var data map[string]any
	_ = json.Unmarshal(ev.Data, &data)
	str := func(k string) string {
		v, _ := data[k].(string)
		return v
	}
	var line string
	switch ev.Name {
	case "session:snapshot":
		var snap struct {
			Session sdk.Session `json:"session"`
		}
		_ = json.Unmarshal(ev.Data, &snap)
		line = fmt.Sprintf("%s %s, %s tasks done", snap.Session.ID, statusLabel(snap.Session), taskProgress(snap.Session))
	case "task:assigned":
		line = fmt.Sprintf("%s → %s", str("agent_id"), truncate(str("description"), 72))
	case "task:completed":
		line = okColor.Sprintf("%s finished %s", str("agent_id"), str("task_id"))
	case "agent:thinking":
		line = fmt.Sprintf("%s %s", str("agent_id"), truncate(str("action"), 72))
	case "agent:reasoning":
		line = faintColor.Sprintf("%s %s", str("agent_id"), truncate(str("reasoning"), 72))
	case "agent:error", "error":
		line = errColor.Sprint(strings.TrimSpace(str("agent_id") + " " + str("error") + str("message")))
	case "whiteboard:updated":
		line = faintColor.Sprintf("whiteboard now %d bytes", len(str("content")))
	case "session:status":
		line = fmt.Sprintf("%s %s", str("status"), str("end_reason"))
	default:
		line = string(ev.Data)
	}
	fmt.Printf("%s %s\n", nameColor.Sprintf("%-20s", ev.Name), line)
}

func statusLabel(s sdk.Session) string {
	label := s.Status
	if s.EndReason != "" {
		label += " (" + s.EndReason + ")"
	}
	switch {
	case s.Status == "completed":
		return okColor.Sprint(label)
	case s.Status == "failed":
		return errColor.Sprint(label)
	default:
		return label
	}
}

func taskProgress(s sdk.Session) string {
	done := 0
	for _, t := range s.Tasks {
		if t.Status == "completed" {
			done++
		}
	}
	return fmt.Sprintf("%d/%d", done, len(s.Tasks))
}

func printSession(s sdk.Session) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	fmt.Printf("Session %s  %s\n", s.ID, statusLabel(s))
	fmt.Printf("Prompt: %s\n", s.Prompt)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Task", "Status", "Agent", "Description"})
	for _, t := range s.Tasks {
		tw.AppendRow(table.Row{t.ID, t.Status, t.AssignedTo, truncate(t.Description, 64)})
	}
	tw.Render()
	if len(s.Agents) > 0 {
		at := table.NewWriter()
		at.SetOutputMirror(os.Stdout)
		at.AppendHeader(table.Row{"Agent", "Status", "Task", "Done", "Stream"})
		for _, a := range s.Agents {
			at.AppendRow(table.Row{a.ID, a.Status, a.CurrentTaskID, a.TasksCompleted, a.StreamURL})
		}
		at.Render()
	}
	return nil
}
