// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders dbtforge command output for terminals and pipes.
//
// A Printer styles its output with lipgloss when it writes to a terminal and
// falls back to plain, prefix-tagged lines ("OK:", "WARN:", "ERROR:") when
// the output is redirected, so logs and CI captures stay greppable.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// Palette. Deep teals with standard semantic colors.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#2C4A54")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Header    lipgloss.Style
	Border    lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Header:    lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
	Border:    lipgloss.NewStyle().Foreground(ColorTealDeep),
}

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// tag is the plain-mode prefix for an icon.
func (i Icon) tag() string {
	switch i {
	case IconSuccess:
		return "OK:"
	case IconWarning:
		return "WARN:"
	case IconError:
		return "ERROR:"
	case IconPending:
		return "SKIP:"
	default:
		return "-"
	}
}

func (i Icon) style() lipgloss.Style {
	switch i {
	case IconSuccess:
		return Styles.Success
	case IconWarning:
		return Styles.Warning
	case IconError:
		return Styles.Error
	default:
		return Styles.Muted
	}
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// =============================================================================
// PRINTER
// =============================================================================

// Printer writes styled or plain lines to one writer.
type Printer struct {
	w      io.Writer
	styled bool
}

// NewPrinter creates a printer. Styling is enabled when w is a terminal and
// NO_COLOR is unset.
func NewPrinter(w io.Writer) *Printer {
	styled := false
	if f, ok := w.(*os.File); ok && os.Getenv("NO_COLOR") == "" {
		styled = IsTerminal(f)
	}
	return &Printer{w: w, styled: styled}
}

// NewPlainPrinter creates a printer that never styles.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Styled reports whether the printer emits terminal styling.
func (p *Printer) Styled() bool {
	return p.styled
}

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer {
	return p.w
}

// Title prints a heading. Plain mode prints it as "== text ==".
func (p *Printer) Title(text string) {
	if !p.styled {
		fmt.Fprintf(p.w, "== %s ==\n", text)
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Status prints "icon label detail".
func (p *Printer) Status(icon Icon, label, detail string) {
	if !p.styled {
		line := icon.tag() + " " + label
		if detail != "" {
			line += " (" + detail + ")"
		}
		fmt.Fprintln(p.w, line)
		return
	}
	line := icon.style().Render(string(icon)) + " " + Styles.Bold.Render(label)
	if detail != "" {
		line += " " + Styles.Muted.Render(detail)
	}
	fmt.Fprintln(p.w, line)
}

// Success prints a success line.
func (p *Printer) Success(format string, args ...any) {
	p.message(IconSuccess, fmt.Sprintf(format, args...))
}

// Warning prints a warning line.
func (p *Printer) Warning(format string, args ...any) {
	p.message(IconWarning, fmt.Sprintf(format, args...))
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...any) {
	p.message(IconError, fmt.Sprintf(format, args...))
}

// Info prints an informational line.
func (p *Printer) Info(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if !p.styled {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints secondary text. Plain mode prints it unchanged.
func (p *Printer) Muted(text string) {
	if !p.styled {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintln(p.w, Styles.Muted.Render(text))
}

func (p *Printer) message(icon Icon, text string) {
	if !p.styled {
		fmt.Fprintf(p.w, "%s %s\n", icon.tag(), text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", icon.style().Render(string(icon)), icon.style().Render(text))
}

// Table prints rows under headers. Plain mode prints tab-separated values.
func (p *Printer) Table(headers []string, rows [][]string) {
	if !p.styled {
		fmt.Fprintln(p.w, strings.Join(headers, "\t"))
		for _, r := range rows {
			fmt.Fprintln(p.w, strings.Join(r, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(Styles.Border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	fmt.Fprintln(p.w, t.String())
}

// Summary prints "n passed  n failed  n total" style counts.
func (p *Printer) Summary(passed, failed, total int) {
	if !p.styled {
		fmt.Fprintf(p.w, "SUMMARY: passed=%d failed=%d total=%d\n", passed, failed, total)
		return
	}
	fmt.Fprintf(p.w, "\n%s %s  %s %s  %s %s\n",
		Styles.Success.Render(fmt.Sprint(passed)), Styles.Muted.Render("passed"),
		Styles.Error.Render(fmt.Sprint(failed)), Styles.Muted.Render("failed"),
		Styles.Bold.Render(fmt.Sprint(total)), Styles.Muted.Render("total"),
	)
}
