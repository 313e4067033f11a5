package operations

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/evergreen-ci/quince"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/logging"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.mongodb.org/mongo-driver/bson"
)

const closeTimeout = 10 * time.Second

// settingsFromFlags reads the settings file, if one was given, and
// applies the global flags over it.
func settingsFromFlags(c *cli.Context) (*quince.Settings, error) {
	settings := &quince.Settings{}
	if path := c.GlobalString(confFlagName); path != "" {
		var err error
		if settings, err = quince.NewSettings(path); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	if url := c.GlobalString(urlFlagName); url != "" {
		settings.URL = url
		settings.Hosts = nil
	}
	if name := c.GlobalString(dbFlagName); name != "" {
		settings.DB = name
	}
	if c.GlobalIsSet(levelFlagName) || settings.LogLevel == "" {
		settings.LogLevel = c.GlobalString(levelFlagName)
	}

	return settings, nil
}

// withManager connects to the database described by the global flags,
// runs op, and closes the connection.
func withManager(c *cli.Context, op func(ctx context.Context, m *quince.Manager) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings, err := settingsFromFlags(c)
	if err != nil {
		return errors.Wrap(err, "reading settings")
	}

	tel, err := initTelemetry(ctx, c.GlobalString(otelFlagName))
	if err != nil {
		return errors.Wrap(err, "initializing telemetry")
	}

	m, err := quince.NewManager(settings,
		quince.WithLogger(logging.MakeGrip(grip.GetSender())),
		quince.WithTracer(tel.tracer),
		quince.WithMeter(tel.meter),
	)
	if err != nil {
		return errors.Wrap(err, "creating manager")
	}

	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
		defer closeCancel()

		catcher := grip.NewBasicCatcher()
		catcher.Add(m.Close(closeCtx, false))
		catcher.Add(tel.close(closeCtx))
		if catcher.HasErrors() {
			grip.Warning(message.WrapError(catcher.Resolve(), message.Fields{
				"message":  "problem shutting down",
				"database": m.Database(),
			}))
		}
	}()

	return op(ctx, m)
}

// parseDocument reads an extended JSON document. An empty string is the
// empty document.
func parseDocument(in string) (bson.M, error) {
	doc := bson.M{}
	if in == "" {
		return doc, nil
	}
	if err := bson.UnmarshalExtJSON([]byte(in), false, &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing '%s' as extended JSON", in)
	}
	return doc, nil
}

// parseDocuments reads either one extended JSON document or an array
// of them.
func parseDocuments(in string) ([]any, error) {
	var wrapper struct {
		Docs []bson.M `bson:"docs"`
	}
	if err := bson.UnmarshalExtJSON([]byte(`{"docs": `+in+`}`), false, &wrapper); err == nil {
		out := make([]any, len(wrapper.Docs))
		for i := range wrapper.Docs {
			out[i] = wrapper.Docs[i]
		}
		return out, nil
	}

	doc, err := parseDocument(in)
	if err != nil {
		return nil, err
	}
	return []any{doc}, nil
}

func parseOptions(in string) (*quince.Options, error) {
	raw, err := parseDocument(in)
	if err != nil {
		return nil, errors.Wrap(err, "parsing options")
	}
	return quince.OptionsFromMap(raw)
}

func printDocument(w io.Writer, doc any) error {
	out, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return errors.Wrap(err, "rendering document")
	}
	_, err = fmt.Fprintln(w, string(out))
	return errors.WithStack(err)
}

func printDocuments(docs []bson.M) error {
	for _, doc := range docs {
		if err := printDocument(os.Stdout, doc); err != nil {
			return err
		}
	}
	return nil
}
