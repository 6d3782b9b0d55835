package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"github.com/italolelis/download_manager/internal/http/rest"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/storage/sqlite"
)

const requestTimeout = 10 * time.Second

var (
	apiFlags = []cli.Flag{
		cli.StringFlag{
			Name:   "server, s",
			Usage:  "base URL of the download service API",
			EnvVar: "DOWNLOAD_MANAGER_URL",
			Value:  "http://127.0.0.1:9092",
		},
		cli.StringFlag{
			Name:   "username",
			EnvVar: "API_USERNAME",
		},
		cli.StringFlag{
			Name:   "password",
			EnvVar: "API_PASSWORD",
		},
	}

	addFlags = append([]cli.Flag{
		cli.StringFlag{
			Name:   "db",
			Usage:  "path of the downloads database",
			EnvVar: "DB_PATH",
			Value:  "downloads.db",
		},
		cli.StringFlag{
			Name:  "title, t",
			Usage: "title of the batch",
		},
		cli.StringFlag{
			Name:  "description",
			Usage: "description of the batch",
		},
		cli.StringFlag{
			Name:  "visibility",
			Usage: "visible, visible_notify_completed, visible_notify_only_completion or hidden",
			Value: string(storage.VisibilityVisible),
		},
		cli.BoolFlag{
			Name:  "external, e",
			Usage: "write the files to the external directory",
		},
	}, apiFlags...)
)

// add stores the batch directly in the database and then pokes the service, so downloads
// queued while the service is stopped are picked up by the next serve.
func add(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.ShowCommandHelp(c, c.Command.Name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	database, err := sqlite.InitDB(c.String("db"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	repo := sqlite.NewDownloadRepository(database)

	title := c.String("title")
	if title == "" {
		title = c.Args().First()
	}

	batchID, err := repo.InsertBatch(ctx, storage.BatchRecord{
		Title:       title,
		Description: c.String("description"),
		Visibility:  storage.Visibility(c.String("visibility")),
	})
	if err != nil {
		return err
	}

	destination := storage.DestinationInternal
	if c.Bool("external") {
		destination = storage.DestinationExternal
	}

	for _, uri := range c.Args() {
		id, err := repo.InsertDownload(ctx, storage.DownloadRecord{BatchID: batchID, URI: uri, Destination: destination})
		if err != nil {
			return err
		}

		fmt.Printf("queued download %d: %s\n", id, uri)
	}

	var start rest.StartResponse
	if err := callAPI(ctx, c, http.MethodPost, "/start", &start); err != nil {
		fmt.Fprintf(os.Stderr, "service not reachable (%v); batch %d starts with the next serve\n", err, batchID)

		return nil
	}

	fmt.Printf("batch %d queued, service started (token %d)\n", batchID, start.Token)

	return nil
}

func list(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var batches []rest.BatchResponse
	if err := callAPI(ctx, c, http.MethodGet, "/batches", &batches); err != nil {
		return err
	}

	if len(batches) == 0 {
		fmt.Println("no batches found")

		return nil
	}

	printBatches(os.Stdout, batches)

	return nil
}

func printBatches(out io.Writer, batches []rest.BatchResponse) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tFILES\tPROGRESS")

	for _, b := range batches {
		if b.Visibility == storage.VisibilityHidden {
			continue
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", b.ID, b.Title, b.Status, len(b.Downloads), progress(b.CurrentBytes, b.TotalBytes))
	}
}

func progress(current, total int64) string {
	if total < 0 {
		return humanize.Bytes(uint64(current)) + " / ?"
	}

	return humanize.Bytes(uint64(current)) + " / " + humanize.Bytes(uint64(total))
}

func callAPI(ctx context.Context, c *cli.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.String("server"), "/")+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if user := c.String("username"); user != "" {
		req.SetBasicAuth(user, c.String("password"))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}

	return nil
}
