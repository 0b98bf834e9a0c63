package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/oxyrun/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View dev server logs",
	Long: `View and filter the dev server log of the current project.

Examples:
  # Show the last 50 entries
  oxyrun logs

  # Follow the log while the dev server runs
  oxyrun logs -f

  # Only runtime warnings and errors
  oxyrun logs --level warn --component runtime

  # Entries of one build cycle
  oxyrun logs --cycle 12`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

// logFilter selects log entries.
type logFilter struct {
	minLevel  int
	since     time.Time
	grep      *regexp.Regexp
	component string
	cycle     uint64
}

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntP("tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().BoolP("follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().String("level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().String("since", "", "Show entries since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().String("grep", "", "Filter entries matching pattern (regex)")
	logsCmd.Flags().String("component", "", "Filter by component (pipeline, runtime, livereload, ...)")
	logsCmd.Flags().Uint64("cycle", 0, "Filter by build cycle")
}

// logEntry is one JSON line of dev.log.
type logEntry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Msg       string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Worker    string         `json:"worker,omitempty"`
	Cycle     uint64         `json:"cycle,omitempty"`
	Extra     map[string]any `json:"-"`
}

// UnmarshalJSON keeps the fields without a struct field in Extra.
func (e *logEntry) UnmarshalJSON(data []byte) error {
	type alias logEntry
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, known := range []string{"time", "level", "msg", "component", "worker", "cycle"} {
		delete(all, known)
	}
	if len(all) > 0 {
		e.Extra = all
	}
	return nil
}

var (
	logTimeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	logFieldStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#60A5FA"))
	logLevelStyle = map[string]lipgloss.Style{
		logging.LevelDebug: lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")),
		logging.LevelInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")),
		logging.LevelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		logging.LevelError: lipgloss.NewStyle().Foreground(lipgloss.Color("#F87171")),
	}
)

// levelPriority returns the priority of a log level for filtering
func levelPriority(level string) int {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return 0
	case logging.LevelInfo:
		return 1
	case logging.LevelWarn:
		return 2
	case logging.LevelError:
		return 3
	default:
		return -1
	}
}

func formatLogEntry(entry *logEntry) string {
	level := strings.ToUpper(entry.Level)
	style, ok := logLevelStyle[level]
	if !ok {
		style = lipgloss.NewStyle()
	}

	var sb strings.Builder
	sb.WriteString(logTimeStyle.Render("[" + entry.Time.Format("15:04:05.000") + "]"))
	sb.WriteString(" ")
	sb.WriteString(style.Render("[" + level + "]"))
	if entry.Component != "" {
		sb.WriteString(" " + entry.Component + ":")
	}
	sb.WriteString(" ")
	sb.WriteString(entry.Msg)

	if entry.Worker != "" {
		sb.WriteString(" " + logFieldStyle.Render("worker=") + entry.Worker)
	}
	if entry.Cycle != 0 {
		sb.WriteString(fmt.Sprintf(" %s%d", logFieldStyle.Render("cycle="), entry.Cycle))
	}

	keys := make([]string, 0, len(entry.Extra))
	for k := range entry.Extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf(" %s%v", logFieldStyle.Render(k+"="), entry.Extra[k]))
	}
	return sb.String()
}

func (f logFilter) pass(entry *logEntry) bool {
	if f.minLevel >= 0 && levelPriority(entry.Level) < f.minLevel {
		return false
	}
	if !f.since.IsZero() && entry.Time.Before(f.since) {
		return false
	}
	if f.component != "" && entry.Component != f.component {
		return false
	}
	if f.cycle != 0 && entry.Cycle != f.cycle {
		return false
	}
	if f.grep != nil {
		text := entry.Msg
		for _, v := range entry.Extra {
			text += " " + fmt.Sprint(v)
		}
		if !f.grep.MatchString(text) {
			return false
		}
	}
	return true
}

// formatLine formats a raw log line, or returns false when the filter
// rejects it. Lines that are not JSON are kept as they are.
func (f logFilter) formatLine(line string) (string, bool) {
	var entry logEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return line, true
	}
	if !f.pass(&entry) {
		return "", false
	}
	return formatLogEntry(&entry), true
}

func parseLogFilter(cmd *cobra.Command) (logFilter, error) {
	flags := cmd.Flags()
	filter := logFilter{minLevel: -1}

	if level, _ := flags.GetString("level"); level != "" {
		filter.minLevel = levelPriority(logging.ParseLevel(level))
	}
	if since, _ := flags.GetString("since"); since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			return filter, fmt.Errorf("invalid duration format: %w", err)
		}
		filter.since = time.Now().Add(-d)
	}
	if grep, _ := flags.GetString("grep"); grep != "" {
		re, err := regexp.Compile(grep)
		if err != nil {
			return filter, fmt.Errorf("invalid grep pattern: %w", err)
		}
		filter.grep = re
	}
	filter.component, _ = flags.GetString("component")
	filter.cycle, _ = flags.GetUint64("cycle")
	return filter, nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	p, err := resolveProject()
	if err != nil {
		return err
	}
	logPath := filepath.Join(p.logDir(), logging.LogFileName)

	out := cmd.OutOrStdout()
	if _, err := os.Stat(logPath); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(out, "No logs found at %s\n", logPath)
		return nil
	}

	filter, err := parseLogFilter(cmd)
	if err != nil {
		return err
	}

	if follow, _ := cmd.Flags().GetBool("follow"); follow {
		return followLogs(cmd.Context(), out, logPath, filter)
	}
	tail, _ := cmd.Flags().GetInt("tail")
	return displayLogs(out, logPath, tail, filter)
}

// displayLogs prints the last tail matching entries of the log file
func displayLogs(out io.Writer, logPath string, tail int, filter logFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if formatted, ok := filter.formatLine(line); ok {
			lines = append(lines, formatted)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}

	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	if len(lines) == 0 {
		fmt.Fprintln(out, "No matching log entries found.")
	}
	return nil
}

// followLogs prints entries appended to the log file until ctx ends
func followLogs(ctx context.Context, out io.Writer, logPath string, filter logFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}
	fmt.Fprintf(out, "Following logs... (Ctrl+C to stop)\n\n")

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("error reading log file: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if formatted, ok := filter.formatLine(line); ok {
			fmt.Fprintln(out, formatted)
		}
	}
}
