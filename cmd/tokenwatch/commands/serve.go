package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tokenwatch/tokenwatch/internal/app"
)

// serveCommand runs the alerting server until interrupted.
func (a *App) serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "start the alert evaluation and delivery server",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, err := app.New(app.Options{
				ConfigPath: cmd.String("config"),
				Version:    a.Version,
			})
			if err != nil {
				return err
			}

			if err := application.Initialize(ctx); err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- application.Start()
			}()

			select {
			case err := <-errCh:
				_ = application.Shutdown(context.Background())
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return application.Shutdown(shutdownCtx)
			}
		},
	}
}
