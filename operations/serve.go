package operations

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/evergreen-ci/quince"
	"github.com/evergreen-ci/quince/rest"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.opentelemetry.io/otel"
)

const (
	hostFlagName        = "host"
	portFlagName        = "port"
	allowOriginFlagName = "allow-origin"
)

func Serve() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "serve the collections of the database over a REST API",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  hostFlagName,
				Usage: "interface to listen on",
				Value: "localhost",
			},
			cli.IntFlag{
				Name:  joinFlagNames(portFlagName, "p"),
				Usage: "port to listen on",
				Value: 9090,
			},
			cli.StringSliceFlag{
				Name:  allowOriginFlagName,
				Usage: "origin allowed to make cross-origin requests (may be repeated)",
			},
		},
		Before: requireConnection,
		Action: func(c *cli.Context) error {
			host := c.String(hostFlagName)
			port := c.Int(portFlagName)
			origins := c.StringSlice(allowOriginFlagName)

			return withManager(c, func(ctx context.Context, m *quince.Manager) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				app, err := rest.NewApp(m, otel.GetTracerProvider(), origins...)
				if err != nil {
					return errors.Wrap(err, "building REST service")
				}
				if err = app.SetHost(host); err != nil {
					return errors.Wrap(err, "setting REST host")
				}
				if err = app.SetPort(port); err != nil {
					return errors.Wrap(err, "setting REST port")
				}

				grip.Infof("starting REST service for database '%s' at '%s:%d'", m.Database(), host, port)
				return errors.Wrap(app.Run(ctx), "running REST service")
			})
		},
	}
}
