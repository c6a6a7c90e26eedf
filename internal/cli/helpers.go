package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/db"
	"github.com/randalmurphal/ralph/internal/db/driver"
	"github.com/randalmurphal/ralph/internal/queue"
	"github.com/randalmurphal/ralph/internal/store"
	"github.com/randalmurphal/ralph/internal/task"
)

// runtime bundles the shared backends a command operates on.
type runtime struct {
	cfg    *config.Config
	db     *db.DB
	queue  queue.Queue
	store  store.Store
	logger *slog.Logger
}

func (rt *runtime) close() {
	_ = rt.db.Close()
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFrom(cfgFile)
	}
	return config.Load()
}

// openRuntime loads config, opens the database, and runs migrations.
func openRuntime() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var database *db.DB
	if cfg.Database.Driver == "postgres" {
		database, err = db.OpenWithDialect(cfg.Database.DSN, driver.DialectPostgres)
	} else {
		database, err = db.Open(cfg.DatabasePath())
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &runtime{
		cfg:    cfg,
		db:     database,
		queue:  queue.New(database),
		store:  store.New(database),
		logger: slog.Default(),
	}, nil
}

var issueRefRe = regexp.MustCompile(`^([^/\s]+)/([^#\s]+)#(\d+)$`)

// parseIssueRef validates an owner/name#N reference and returns the
// owner/name repo part.
func parseIssueRef(ref string) (repo string, err error) {
	m := issueRefRe.FindStringSubmatch(ref)
	if m == nil {
		return "", fmt.Errorf("issue reference must look like owner/repo#42, got %q", ref)
	}
	return m[1] + "/" + m[2], nil
}

func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// colorize wraps s in an ANSI color when stdout is a terminal.
func colorize(code, s string) string {
	if !stdoutIsTerminal() {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func statusColor(s task.Status) string {
	switch s {
	case task.StatusQueued:
		return colorize("36", string(s))
	case task.StatusStarting, task.StatusInProgress:
		return colorize("33", string(s))
	case task.StatusThrottled:
		return colorize("35", string(s))
	case task.StatusBlocked, task.StatusEscalated:
		return colorize("31", string(s))
	case task.StatusDone:
		return colorize("32", string(s))
	default:
		return string(s)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func formatAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "ralph"
	}
	return h
}

func configPath(cfg *config.Config) string {
	if cfgFile != "" {
		return cfgFile
	}
	return filepath.Join(cfg.StateHome, config.ConfigFileName)
}
