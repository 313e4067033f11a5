package operations

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/cheynewallace/tabby"
	"github.com/dustin/go-humanize"
	"github.com/evergreen-ci/quince"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.mongodb.org/mongo-driver/bson"
)

func Find() cli.Command {
	return cli.Command{
		Name:  "find",
		Usage: "print the documents matching a query, one per line",
		Flags: collectionFlag(queryFlag(optionsFlag(cli.BoolFlag{
			Name:  "one",
			Usage: "print only the first match",
		})...)...),
		Before: mergeBeforeFuncs(requireConnection, requireStringFlag(collectionFlagName)),
		Action: func(c *cli.Context) error {
			query, err := parseDocument(c.String(queryFlagName))
			if err != nil {
				return errors.Wrap(err, "parsing query")
			}
			opts, err := parseOptions(c.String(optionsFlagName))
			if err != nil {
				return err
			}
			one := c.Bool("one")

			return withManager(c, func(ctx context.Context, m *quince.Manager) error {
				coll := m.Collection(c.String(collectionFlagName))
				if one {
					doc, err := coll.FindOne(ctx, query, opts).Wait(ctx)
					if err != nil {
						return err
					}
					if doc == nil {
						return nil
					}
					return printDocument(os.Stdout, doc)
				}

				var printErr error
				_, err := coll.FindEach(ctx, query, func(doc bson.M, ctl quince.StreamControl) {
					if printErr = printDocument(os.Stdout, doc); printErr != nil {
						ctl.Close()
					}
				}, opts).Wait(ctx)
				if err != nil {
					return err
				}
				return printErr
			})
		},
	}
}

func Count() cli.Command {
	return cli.Command{
		Name:   "count",
		Usage:  "print the number of documents matching a query",
		Flags:  collectionFlag(queryFlag(optionsFlag()...)...),
		Before: mergeBeforeFuncs(requireConnection, requireStringFlag(collectionFlagName)),
		Action: func(c *cli.Context) error {
			query, err := parseDocument(c.String(queryFlagName))
			if err != nil {
				return errors.Wrap(err, "parsing query")
			}
			opts, err := parseOptions(c.String(optionsFlagName))
			if err != nil {
				return err
			}

			return withManager(c, func(ctx context.Context, m *quince.Manager) error {
				n, err := m.Collection(c.String(collectionFlagName)).Count(ctx, query, opts).Wait(ctx)
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			})
		},
	}
}

func Insert() cli.Command {
	return cli.Command{
		Name:  "insert",
		Usage: "insert one document, or an array of them, and print them with their ids",
		Flags: collectionFlag(optionsFlag(cli.StringFlag{
			Name:  joinFlagNames(documentFlagName, "d"),
			Usage: "document or array of documents as extended JSON",
		})...),
		Before: mergeBeforeFuncs(requireConnection, requireStringFlag(collectionFlagName), requireStringFlag(documentFlagName)),
		Action: func(c *cli.Context) error {
			docs, err := parseDocuments(c.String(documentFlagName))
			if err != nil {
				return errors.Wrap(err, "parsing documents")
			}
			opts, err := parseOptions(c.String(optionsFlagName))
			if err != nil {
				return err
			}

			return withManager(c, func(ctx context.Context, m *quince.Manager) error {
				inserted, err := m.Collection(c.String(collectionFlagName)).InsertMany(ctx, docs, opts).Wait(ctx)
				if err != nil {
					return err
				}
				return printDocuments(inserted)
			})
		},
	}
}

func Update() cli.Command {
	return cli.Command{
		Name:  "update",
		Usage: "update the documents matching a query",
		Flags: collectionFlag(queryFlag(optionsFlag(cli.StringFlag{
			Name:  updateFlagName,
			Usage: "update document as extended JSON",
		})...)...),
		Before: mergeBeforeFuncs(requireConnection, requireStringFlag(collectionFlagName), requireStringFlag(updateFlagName)),
		Action: func(c *cli.Context) error {
			query, err := parseDocument(c.String(queryFlagName))
			if err != nil {
				return errors.Wrap(err, "parsing query")
			}
			update, err := parseDocument(c.String(updateFlagName))
			if err != nil {
				return errors.Wrap(err, "parsing update")
			}
			opts, err := parseOptions(c.String(optionsFlagName))
			if err != nil {
				return err
			}

			return withManager(c, func(ctx context.Context, m *quince.Manager) error {
				res, err := m.Collection(c.String(collectionFlagName)).Update(ctx, query, update, opts).Wait(ctx)
				if err != nil {
					return err
				}
				return printDocument(os.Stdout, res)
			})
		},
	}
}

func Remove() cli.Command {
	return cli.Command{
		Name:   "remove",
		Usage:  "remove the documents matching a query",
		Flags:  collectionFlag(queryFlag(optionsFlag()...)...),
		Before: mergeBeforeFuncs(requireConnection, requireStringFlag(collectionFlagName)),
		Action: func(c *cli.Context) error {
			query, err := parseDocument(c.String(queryFlagName))
			if err != nil {
				return errors.Wrap(err, "parsing query")
			}
			opts, err := parseOptions(c.String(optionsFlagName))
			if err != nil {
				return err
			}

			return withManager(c, func(ctx context.Context, m *quince.Manager) error {
				res, err := m.Collection(c.String(collectionFlagName)).Remove(ctx, query, opts).Wait(ctx)
				if err != nil {
					return err
				}
				return printDocument(os.Stdout, res)
			})
		},
	}
}

func Indexes() cli.Command {
	return cli.Command{
		Name:  "indexes",
		Usage: "manage the indexes of a collection",
		Subcommands: []cli.Command{
			indexesList(),
			indexesCreate(),
			indexesDrop(),
		},
	}
}

func indexesList() cli.Command {
	return cli.Command{
		Name:   "list",
		Usage:  "print each index name and its keys",
		Flags:  collectionFlag(),
		Before: mergeBeforeFuncs(requireConnection, requireStringFlag(collectionFlagName)),
		Action: func(c *cli.Context) error {
			return withManager(c, func(ctx context.Context, m *quince.Manager) error {
				indexes, err := m.Collection(c.String(collectionFlagName)).Indexes(ctx).Wait(ctx)
				if err != nil {
					return err
				}

				names := make([]string, 0, len(indexes))
				for name := range indexes {
					names = append(names, name)
				}
				sort.Strings(names)

				t := tabby.New()
				t.AddHeader("Name", "Key")
				for _, name := range names {
					key, err := bson.MarshalExtJSON(indexes[name], false, false)
					if err != nil {
						return errors.Wrapf(err, "rendering keys of index '%s'", name)
					}
					t.AddLine(name, string(key))
				}
				t.Print()
				return nil
			})
		},
	}
}

func indexesCreate() cli.Command {
	return cli.Command{
		Name:  "create",
		Usage: "create an index and print its name",
		Flags: collectionFlag(optionsFlag(cli.StringFlag{
			Name:  joinFlagNames(keysFlagName, "k"),
			Usage: "index keys, e.g. 'name -createdAt'",
		})...),
		Before: mergeBeforeFuncs(requireConnection, requireStringFlag(collectionFlagName), requireStringFlag(keysFlagName)),
		Action: func(c *cli.Context) error {
			opts, err := parseOptions(c.String(optionsFlagName))
			if err != nil {
				return err
			}

			return withManager(c, func(ctx context.Context, m *quince.Manager) error {
				name, err := m.Collection(c.String(collectionFlagName)).CreateIndex(ctx, c.String(keysFlagName), opts).Wait(ctx)
				if err != nil {
					return err
				}
				fmt.Println(name)
				return nil
			})
		},
	}
}

func indexesDrop() cli.Command {
	return cli.Command{
		Name:  "drop",
		Usage: "drop one index by keys, or every index but _id with --all",
		Flags: collectionFlag(optionsFlag(
			cli.StringFlag{
				Name:  joinFlagNames(keysFlagName, "k"),
				Usage: "keys of the index to drop, e.g. 'name -createdAt'",
			},
			cli.BoolFlag{
				Name:  "all",
				Usage: "drop all indexes",
			})...),
		Before: mergeBeforeFuncs(requireConnection, requireStringFlag(collectionFlagName)),
		Action: func(c *cli.Context) error {
			opts, err := parseOptions(c.String(optionsFlagName))
			if err != nil {
				return err
			}
			if !c.Bool("all") && c.String(keysFlagName) == "" && opts.Name == nil {
				return errors.Errorf("must specify '--%s', a name in '--%s', or '--all'", keysFlagName, optionsFlagName)
			}

			return withManager(c, func(ctx context.Context, m *quince.Manager) error {
				coll := m.Collection(c.String(collectionFlagName))

				var res bson.M
				if c.Bool("all") {
					res, err = coll.DropIndexes(ctx, opts).Wait(ctx)
				} else {
					res, err = coll.DropIndex(ctx, c.String(keysFlagName), opts).Wait(ctx)
				}
				if err != nil {
					return err
				}
				return printDocument(os.Stdout, res)
			})
		},
	}
}

func Stats() cli.Command {
	return cli.Command{
		Name:  "stats",
		Usage: "print collection statistics",
		Flags: collectionFlag(optionsFlag(cli.BoolFlag{
			Name:  "human",
			Usage: "print a table with sizes in human readable units",
		})...),
		Before: mergeBeforeFuncs(requireConnection, requireStringFlag(collectionFlagName)),
		Action: func(c *cli.Context) error {
			opts, err := parseOptions(c.String(optionsFlagName))
			if err != nil {
				return err
			}
			human := c.Bool("human")

			return withManager(c, func(ctx context.Context, m *quince.Manager) error {
				stats, err := m.Collection(c.String(collectionFlagName)).Stats(ctx, opts).Wait(ctx)
				if err != nil {
					return err
				}
				if human {
					printStatsTable(stats)
					return nil
				}
				return printDocument(os.Stdout, stats)
			})
		},
	}
}

func Drop() cli.Command {
	return cli.Command{
		Name:   "drop",
		Usage:  "drop a collection",
		Flags:  collectionFlag(),
		Before: mergeBeforeFuncs(requireConnection, requireStringFlag(collectionFlagName)),
		Action: func(c *cli.Context) error {
			return withManager(c, func(ctx context.Context, m *quince.Manager) error {
				res, err := m.Collection(c.String(collectionFlagName)).Drop(ctx).Wait(ctx)
				if err != nil {
					return err
				}
				fmt.Println(res)
				return nil
			})
		},
	}
}

func Collections() cli.Command {
	return cli.Command{
		Name:  "collections",
		Usage: "list the collections in the database",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  filterFlagName,
				Usage: "filter on collection information as extended JSON, e.g. '{\"name\": \"users\"}'",
			},
		},
		Before: requireConnection,
		Action: func(c *cli.Context) error {
			filter, err := parseDocument(c.String(filterFlagName))
			if err != nil {
				return errors.Wrap(err, "parsing filter")
			}

			return withManager(c, func(ctx context.Context, m *quince.Manager) error {
				colls, err := m.ListCollections(ctx, filter).Wait(ctx)
				if err != nil {
					return err
				}
				for _, coll := range colls {
					fmt.Println(coll.Name())
				}
				return nil
			})
		},
	}
}

var sizeStats = map[string]bool{
	"size":           true,
	"storageSize":    true,
	"totalIndexSize": true,
	"totalSize":      true,
	"avgObjSize":     true,
}

// printStatsTable prints the top level statistics, one per row. Sizes
// are only humanized when the server reported them in bytes.
func printStatsTable(stats bson.M) {
	scaled := false
	if scale, ok := statInt(stats["scaleFactor"]); ok && scale != 1 {
		scaled = true
	}

	fields := make([]string, 0, len(stats))
	for field := range stats {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	t := tabby.New()
	t.AddHeader("Field", "Value")
	for _, field := range fields {
		value := stats[field]
		if n, ok := statInt(value); ok && sizeStats[field] && !scaled && n >= 0 {
			t.AddLine(field, humanize.Bytes(uint64(n)))
			continue
		}
		if _, ok := value.(bson.M); ok {
			continue
		}
		t.AddLine(field, value)
	}
	t.Print()
}

func statInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
