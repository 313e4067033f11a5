package main

import (
	"os"

	"github.com/evergreen-ci/quince/operations"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/send"
	"github.com/urfave/cli"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	undo, err := maxprocs.Set(maxprocs.Logger(grip.Debugf))
	defer undo()
	if err != nil {
		grip.Warning(message.WrapError(err, "setting GOMAXPROCS"))
	}

	app := buildApp()
	grip.EmergencyFatal(app.Run(os.Args))
}

func buildApp() *cli.App {
	app := cli.NewApp()
	app.Name = "quince"
	app.Usage = "run collection operations against a MongoDB database"
	app.Version = operations.ClientVersion

	app.Commands = []cli.Command{
		operations.Find(),
		operations.Count(),
		operations.Insert(),
		operations.Update(),
		operations.Remove(),
		operations.Indexes(),
		operations.Stats(),
		operations.Drop(),
		operations.Collections(),
		operations.Serve(),
	}

	// These are global options. Use this to configure logging or
	// the connection independent from specific sub commands.
	app.Flags = operations.GlobalFlags()

	app.Before = func(c *cli.Context) error {
		return loggingSetup(app.Name, c.String("level"))
	}

	return app
}

func loggingSetup(name, l string) error {
	if err := grip.SetSender(send.MakeErrorLogger()); err != nil {
		return err
	}
	grip.SetName(name)

	sender := grip.GetSender()
	info := sender.Level()
	info.Threshold = level.FromString(l)

	return sender.SetLevel(info)
}
