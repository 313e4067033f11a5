package operations

import (
	"strings"

	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

const (
	levelFlagName      = "level"
	confFlagName       = "conf"
	urlFlagName        = "url"
	dbFlagName         = "db"
	otelFlagName       = "otel-collector"
	collectionFlagName = "collection"
	queryFlagName      = "query"
	optionsFlagName    = "options"
	documentFlagName   = "document"
	updateFlagName     = "update"
	keysFlagName       = "keys"
	filterFlagName     = "filter"
)

func joinFlagNames(ids ...string) string { return strings.Join(ids, ", ") }

// GlobalFlags are accepted before any command. They describe how to
// reach the database and how much to log.
func GlobalFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  levelFlagName,
			Value: "info",
			Usage: "Specify lowest visible log level as string: 'emergency|alert|critical|error|warning|notice|info|debug|trace'",
		},
		cli.StringFlag{
			Name:  joinFlagNames(confFlagName, "config", "c"),
			Usage: "path to a yaml settings file",
		},
		cli.StringFlag{
			Name:   joinFlagNames(urlFlagName, "u"),
			Usage:  "connection string, e.g. 'localhost/mydb'; overrides the settings file",
			EnvVar: "QUINCE_URL",
		},
		cli.StringFlag{
			Name:  dbFlagName,
			Usage: "database to use instead of the one in the connection string",
		},
		cli.StringFlag{
			Name:   otelFlagName,
			Usage:  "OTLP gRPC endpoint to export traces and metrics to",
			EnvVar: "QUINCE_OTEL_COLLECTOR",
		},
	}
}

func collectionFlag(flags ...cli.Flag) []cli.Flag {
	return append(flags, cli.StringFlag{
		Name:  joinFlagNames(collectionFlagName, "n"),
		Usage: "name of the collection",
	})
}

func queryFlag(flags ...cli.Flag) []cli.Flag {
	return append(flags, cli.StringFlag{
		Name:  joinFlagNames(queryFlagName, "q"),
		Usage: "query as extended JSON, e.g. '{\"name\": \"quince\"}'",
	})
}

func optionsFlag(flags ...cli.Flag) []cli.Flag {
	return append(flags, cli.StringFlag{
		Name:  joinFlagNames(optionsFlagName, "o"),
		Usage: "operation options as extended JSON, e.g. '{\"limit\": 10, \"sort\": \"-createdAt\"}'",
	})
}

func mergeBeforeFuncs(ops ...cli.BeforeFunc) cli.BeforeFunc {
	return func(c *cli.Context) error {
		catcher := grip.NewBasicCatcher()

		for _, op := range ops {
			catcher.Add(op(c))
		}

		return catcher.Resolve()
	}
}

func requireStringFlag(name string) cli.BeforeFunc {
	return func(c *cli.Context) error {
		if c.String(name) == "" {
			return errors.Errorf("flag '--%s' was not specified", name)
		}
		return nil
	}
}

func requireConnection(c *cli.Context) error {
	if c.GlobalString(urlFlagName) == "" && c.GlobalString(confFlagName) == "" {
		return errors.Errorf("must specify '--%s' or '--%s'", urlFlagName, confFlagName)
	}
	if path := c.GlobalString(confFlagName); path != "" && !utility.FileExists(path) {
		return errors.Errorf("settings file '%s' does not exist", path)
	}
	return nil
}
