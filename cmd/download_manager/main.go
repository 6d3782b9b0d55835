package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "download_manager"
	app.Usage = "downloads queued URLs into the media library"
	app.Version = version
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the download service until it goes idle",
			Action: serve,
		},
		{
			Name:      "add",
			Aliases:   []string{"a"},
			Usage:     "queue one or more URLs as a new batch",
			ArgsUsage: "<url> [url...]",
			Flags:     addFlags,
			Action:    add,
		},
		{
			Name:    "list",
			Aliases: []string{"l"},
			Usage:   "display the batches of a running service",
			Flags:   apiFlags,
			Action:  list,
		},
	}
	app.Action = func(c *cli.Context) error {
		if c.NArg() > 0 {
			return fmt.Errorf("unknown command %q", c.Args().First())
		}

		return serve(c)
	}

	return app
}
