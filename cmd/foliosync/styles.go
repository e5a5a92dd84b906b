package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/openmined/foliosync/internal/folio"
)

var (
	red     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	cyan    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray    = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	heading = lipgloss.NewStyle().Bold(true)
)

func printFolios(w io.Writer, title string, folios []*folio.Folio) {
	fmt.Fprintln(w, heading.Render(fmt.Sprintf("%s (%d)", title, len(folios))))
	if len(folios) == 0 {
		fmt.Fprintln(w, gray.Render(fmt.Sprintf("  No %s folios", strings.ToLower(title))))
		return
	}

	sorted := make([]*folio.Folio, len(folios))
	copy(sorted, folios)
	sort.Slice(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].Title) < strings.ToLower(sorted[j].Title)
	})

	for _, f := range sorted {
		line := "  " + cyan.Render(f.Title)
		if f.Description != "" {
			line += "  " + f.Description
		}
		if f.Share() != nil {
			line += "  " + green.Render("[shared]")
		}
		if f.Record != nil && !f.Record.ModifiedAt.IsZero() {
			line += "  " + gray.Render(humanize.Time(f.Record.ModifiedAt))
		}
		fmt.Fprintln(w, line)
	}
}
