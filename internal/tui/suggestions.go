package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for commands and ids
type Suggestions struct {
	items        []SuggestionItem
	filtered     []SuggestionItem
	selectedIdx  int
	visible      bool
	prefix       string // "/" or "@"
	currentInput string
}

// SuggestionItem represents a single autocomplete suggestion
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command", "job", "stage"
}

var commandSuggestions = []SuggestionItem{
	{Text: "approve", Description: "Approve the selected stage request", Type: "command"},
	{Text: "cancel", Description: "Cancel the selected job", Type: "command"},
	{Text: "reset", Description: "Requeue the selected running job", Type: "command"},
	{Text: "fail", Description: "Mark the selected job failed", Type: "command"},
	{Text: "run", Description: "Plan and run against a scope", Type: "command"},
	{Text: "handoff", Description: "Request WiFi to LAN handoff with a tag", Type: "command"},
	{Text: "filter", Description: "Filter jobs by status", Type: "command"},
	{Text: "events", Description: "Filter the event tail by topic prefix", Type: "command"},
}

// NewSuggestions creates a new suggestions handler
func NewSuggestions() *Suggestions {
	return &Suggestions{items: commandSuggestions}
}

// Update updates suggestions based on current input
func (s *Suggestions) Update(input string) {
	s.currentInput = input
	switch {
	case strings.HasPrefix(input, "/"):
		s.prefix = "/"
		s.items = commandSuggestions
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(input, "/")))
	case strings.HasPrefix(input, "@"):
		if s.prefix != "@" {
			s.items = nil
		}
		s.prefix = "@"
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(input, "@")))
	default:
		s.visible = false
		s.filtered = nil
		s.prefix = ""
	}
}

// SetRefs replaces the @ suggestions with job and stage ids
func (s *Suggestions) SetRefs(jobs []JobItem, stages []StageItem) {
	if s.prefix != "@" {
		return
	}
	s.items = s.items[:0]
	for _, j := range jobs {
		s.items = append(s.items, SuggestionItem{Text: j.ID, Description: j.Kind + " " + j.Status, Type: "job"})
	}
	for _, st := range stages {
		if st.Approved {
			continue
		}
		s.items = append(s.items, SuggestionItem{Text: st.ID, Description: "stage " + st.ActionID, Type: "stage"})
	}
	s.filter(strings.ToLower(strings.TrimPrefix(s.currentInput, "@")))
}

func (s *Suggestions) filter(query string) {
	s.selectedIdx = 0
	if query == "" {
		s.filtered = s.items
		return
	}
	s.filtered = nil
	for _, item := range s.items {
		if strings.Contains(strings.ToLower(item.Text), query) {
			s.filtered = append(s.filtered, item)
		}
	}
}

// Next moves to the next suggestion
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the currently selected suggestion
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.IsVisible() || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible returns whether suggestions are currently visible
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// Render renders the suggestions dropdown
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var b strings.Builder

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(secondaryColor).
		Padding(0, 1).
		Width(width - 4)
	selected := lipgloss.NewStyle().Background(primaryColor).Foreground(fgColor).Bold(true)
	item := lipgloss.NewStyle().Foreground(fgColor)
	desc := lipgloss.NewStyle().Foreground(mutedColor).Italic(true)

	header := "Commands"
	if s.prefix == "@" {
		header = "References"
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header))
	b.WriteString("\n")

	const maxVisible = 5
	for i, it := range s.filtered {
		if i >= maxVisible {
			b.WriteString(desc.Render(fmt.Sprintf("  ... and %d more", len(s.filtered)-maxVisible)))
			break
		}
		var line string
		if i == s.selectedIdx {
			line = selected.Render("> " + it.Text)
			if it.Description != "" {
				line += " " + selected.Render(it.Description)
			}
		} else {
			line = item.Render("  " + it.Text)
			if it.Description != "" {
				line += " " + desc.Render(it.Description)
			}
		}
		b.WriteString(line + "\n")
	}

	return box.Render(b.String())
}
