package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// executeCommand parses one command line. An @id argument overrides the
// selected row.
func (a *App) executeCommand(input string) tea.Cmd {
	parts := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(parts) == 0 {
		return nil
	}
	cmd, args := parts[0], parts[1:]
	ref := ""
	if len(args) > 0 && strings.HasPrefix(args[0], "@") {
		ref = strings.TrimPrefix(args[0], "@")
		args = args[1:]
	}

	switch cmd {
	case "q", "quit", "exit":
		return tea.Quit

	case "filter":
		a.filter = ""
		if len(args) > 0 && args[0] != "all" {
			a.filter = args[0]
		}
		if !validFilter(a.filter) {
			a.filter = ""
			return result("Error: unknown status " + args[0])
		}
		a.view = "jobs"
		a.selectedIdx = 0
		return a.refresh()

	case "events":
		a.eventPrefix = ""
		if len(args) > 0 && args[0] != "all" {
			a.eventPrefix = args[0]
		}
		a.view = "events"
		a.selectedIdx = 0
		return a.refresh()
	}

	jobID := ref
	if jobID == "" {
		jobID = a.selectedJob()
	}
	stageID := ref
	if stageID == "" {
		stageID = a.selectedStage()
	}

	return func() tea.Msg {
		switch cmd {
		case "approve":
			if stageID == "" {
				return commandResultMsg{"Usage: approve [@stage] (select a stage in the stages view)"}
			}
			if err := a.client.ApproveStage(stageID); err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{"Approved stage " + shortID(stageID)}

		case "cancel", "reset", "fail":
			if jobID == "" {
				return commandResultMsg{fmt.Sprintf("Usage: %s [@job] (select a job in the jobs view)", cmd)}
			}
			var err error
			switch cmd {
			case "cancel":
				err = a.client.CancelJob(jobID)
			case "reset":
				err = a.client.ResetJob(jobID)
			default:
				err = a.client.FailJob(jobID, strings.Join(args, " "))
			}
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("%s %s: ok", cmd, shortID(jobID))}

		case "run":
			scope := ""
			if len(args) > 0 {
				scope = args[0]
			}
			id, err := a.client.Run(scope)
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{"Queued run " + shortID(id)}

		case "handoff":
			if len(args) < 1 {
				return commandResultMsg{"Usage: handoff <tag>"}
			}
			if err := a.client.Handoff(args[0]); err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{"Handoff requested with tag " + args[0]}
		}
		return commandResultMsg{fmt.Sprintf("Unknown: %s (try: approve, cancel, run, handoff)", cmd)}
	}
}

func (a *App) selectedJob() string {
	if a.view == "jobs" && a.selectedIdx < len(a.jobs) {
		return a.jobs[a.selectedIdx].ID
	}
	return ""
}

func (a *App) selectedStage() string {
	if a.view == "stages" && a.selectedIdx < len(a.stages) {
		return a.stages[a.selectedIdx].ID
	}
	return ""
}

func validFilter(f string) bool {
	for _, v := range jobFilters {
		if v == f {
			return true
		}
	}
	return false
}

func result(msg string) tea.Cmd {
	return func() tea.Msg { return commandResultMsg{msg} }
}
