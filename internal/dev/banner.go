package dev

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Iron-Ham/oxyrun/internal/event"
)

const defaultBannerWidth = 80

var (
	bannerBorder = lipgloss.Color("#10B981")
	bannerMuted  = lipgloss.Color("#9CA3AF")
)

// bannerInfo is what the startup banner shows.
type bannerInfo struct {
	AppURL     string
	Inspector  string
	LiveReload bool
}

func renderBanner(w io.Writer, info bannerInfo) string {
	r := lipgloss.NewRenderer(w)
	title := r.NewStyle().Bold(true).Foreground(bannerBorder)
	muted := r.NewStyle().Foreground(bannerMuted)

	lines := []string{
		title.Render("success") + " View app: " + info.AppURL,
		"",
		muted.Render("View server network requests: ") + strings.TrimSuffix(info.AppURL, "/") + event.DebugNetworkPath,
	}
	if info.Inspector != "" {
		lines = append(lines, muted.Render("Debugger: ")+info.Inspector)
	}
	if info.LiveReload {
		lines = append(lines, muted.Render("Live reload enabled"))
	}

	box := r.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(bannerBorder).
		Padding(0, 1)
	if width := terminalWidth(w); width > 4 {
		box = box.MaxWidth(width)
	}
	return box.Render(strings.Join(lines, "\n"))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultBannerWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return defaultBannerWidth
	}
	return width
}

func printBanner(w io.Writer, info bannerInfo) {
	_, _ = fmt.Fprintln(w, renderBanner(w, info))
}
