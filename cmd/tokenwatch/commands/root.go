// Package commands provides the CLI command definitions for tokenwatch.
package commands

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v3"
)

var (
	logoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B")).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))
)

// App holds version metadata shared by the subcommands.
type App struct {
	Version string
	Commit  string
	Date    string
}

// New creates the root CLI command with all subcommands.
func New(version, commit, date string) *cli.Command {
	app := &App{
		Version: version,
		Commit:  commit,
		Date:    date,
	}

	return &cli.Command{
		Name:    "tokenwatch",
		Usage:   "LLM usage alerting and webhook delivery service",
		Version: version,
		Description: `Tokenwatch evaluates usage alerts against LLM call events and
   delivers notifications over webhooks and email.

   Run 'tokenwatch serve' to start the server.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
				Sources: cli.EnvVars("TOKENWATCH_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			app.serveCommand(),
			app.versionCommand(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
	}
}

// versionCommand shows version information.
func (a *App) versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "show version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Printf("%s version %s\n", logoStyle.Render("tokenwatch"), a.Version)
			fmt.Printf("  commit: %s\n", mutedStyle.Render(a.Commit))
			fmt.Printf("  built:  %s\n", mutedStyle.Render(a.Date))
			return nil
		},
	}
}
