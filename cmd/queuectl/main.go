package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"sensorbridge/internal/backend"
	"sensorbridge/internal/config"
	"sensorbridge/internal/deadletter"
	"sensorbridge/internal/models"
	"sensorbridge/internal/queue"
	"sensorbridge/internal/report"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "queuectl",
		Usage: "Inspect and repair the sensorbridge write-ahead queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the collector config file",
				Value:   "configs/config.yaml",
				EnvVars: []string{"CONFIG_PATH"},
			},
			&cli.StringFlag{
				Name:    "queue",
				Aliases: []string{"q"},
				Usage:   "Queue file, overrides storage.queue.path",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log queue operations to stderr",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "stats",
				Usage:  "Print queue counters as JSON",
				Action: statsCommand,
			},
			{
				Name:   "list",
				Usage:  "List queue entries, oldest first",
				Action: listCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 50, Usage: "Maximum entries to show (0 for all)"},
					&cli.BoolFlag{Name: "stuck", Usage: "Only entries that exhausted their retries"},
				},
			},
			{
				Name:      "requeue",
				Usage:     "Give stuck entries a fresh set of retries",
				ArgsUsage: "[id...]",
				Action:    requeueCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "stuck", Usage: "Requeue every stuck entry"},
				},
			},
			{
				Name:      "purge",
				Usage:     "Delete entries without forwarding them",
				ArgsUsage: "[id...]",
				Action:    purgeCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "stuck", Usage: "Delete every stuck entry"},
				},
			},
			{
				Name:   "export",
				Usage:  "Write queue entries to an XLSX workbook",
				Action: exportCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file", Value: fmt.Sprintf("queue_%s.xlsx", time.Now().Format("20060102_150405"))},
				},
			},
			{
				Name:   "backup",
				Usage:  "Snapshot the queue file",
				Action: backupCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "Backup directory, overrides backup.storage_path"},
				},
			},
			{
				Name:   "readings",
				Usage:  "Read back what the configured backend stored",
				Action: readingsCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 50, Usage: "Maximum readings to show"},
					&cli.IntFlag{Name: "offset", Usage: "Skip this many of the newest readings"},
					&cli.StringFlag{Name: "sensor", Usage: "Only readings of this sensor"},
					&cli.TimestampFlag{Name: "from", Layout: "2006-01-02 15:04:05", Timezone: time.UTC, Usage: "Start of a time range (UTC)"},
					&cli.TimestampFlag{Name: "to", Layout: "2006-01-02 15:04:05", Timezone: time.UTC, Usage: "End of a time range (UTC), defaults to now"},
					&cli.BoolFlag{Name: "stats", Usage: "Print record count and time span as JSON"},
				},
			},
			{
				Name:   "deadletter",
				Usage:  "Show entries published to the Redis dead-letter list",
				Action: deadLetterCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 50, Usage: "Maximum entries to show (0 for all)"},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		if c.IsSet("queue") {
			// A bare queue file is enough for most commands.
			cfg = &config.Config{}
			cfg.Storage.ApplyDefaults()
			cfg.Backup.StoragePath = "backups"
		} else {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if c.IsSet("queue") {
		cfg.Storage.Queue.Path = c.String("queue")
	}
	return cfg, nil
}

func logger(c *cli.Context) *zerolog.Logger {
	l := zerolog.Nop()
	if c.Bool("verbose") {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return &l
}

func openQueue(c *cli.Context) (*queue.Queue, *config.Config, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(cfg.Storage.Queue.Path); err != nil {
		return nil, nil, fmt.Errorf("queue file %s: %w", cfg.Storage.Queue.Path, err)
	}
	q, err := queue.Open(cfg.Storage.Queue.Path, cfg.Storage.Queue.MaxRetry, logger(c))
	if err != nil {
		return nil, nil, err
	}
	return q, cfg, nil
}

func statsCommand(c *cli.Context) error {
	q, _, err := openQueue(c)
	if err != nil {
		return err
	}
	defer q.Close()

	stats, err := q.Stats(c.Context)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func listCommand(c *cli.Context) error {
	q, _, err := openQueue(c)
	if err != nil {
		return err
	}
	defer q.Close()

	limit := c.Int("limit")
	if limit <= 0 {
		limit = -1
	}

	var entries []models.QueueEntry
	if c.Bool("stuck") {
		entries, err = q.Stuck(c.Context, limit)
	} else {
		entries, err = q.All(c.Context, limit)
	}
	if err != nil {
		return err
	}

	printEntries(c, entries)
	return nil
}

func printEntries(c *cli.Context, entries []models.QueueEntry) {
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSENSOR\tSLAVE\tTEMP\tHUMIDITY\tCAPTURED\tRETRIES")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%d\t%.1f\t%.1f\t%s\t%d\n",
			e.ID, e.Reading.SensorName, e.Reading.SlaveID, e.Reading.Temperature, e.Reading.Humidity,
			e.Reading.CapturedAt.Local().Format("2006-01-02 15:04:05"), e.RetryCount)
	}
	_ = w.Flush()
}

func parseIDs(c *cli.Context) ([]int64, error) {
	ids := make([]int64, 0, c.NArg())
	for _, arg := range c.Args().Slice() {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid entry id %q", arg)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 && !c.Bool("stuck") {
		return nil, fmt.Errorf("give entry ids or --stuck")
	}
	return ids, nil
}

func requeueCommand(c *cli.Context) error {
	ids, err := parseIDs(c)
	if err != nil {
		return err
	}
	q, _, err := openQueue(c)
	if err != nil {
		return err
	}
	defer q.Close()

	var newIDs []int64
	if c.Bool("stuck") {
		newIDs, err = q.RequeueStuck(c.Context)
	} else {
		newIDs, err = q.Requeue(c.Context, ids...)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "requeued %d entries\n", len(newIDs))
	return nil
}

func purgeCommand(c *cli.Context) error {
	ids, err := parseIDs(c)
	if err != nil {
		return err
	}
	q, _, err := openQueue(c)
	if err != nil {
		return err
	}
	defer q.Close()

	var n int64
	if c.Bool("stuck") {
		n, err = q.PurgeStuck(c.Context)
	} else {
		n, err = q.Purge(c.Context, ids...)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "purged %d entries\n", n)
	return nil
}

func exportCommand(c *cli.Context) error {
	q, _, err := openQueue(c)
	if err != nil {
		return err
	}
	defer q.Close()

	entries, err := q.All(c.Context, -1)
	if err != nil {
		return err
	}
	stats, err := q.Stats(c.Context)
	if err != nil {
		return err
	}

	out := c.String("out")
	if err := report.Save(out, entries, stats, q.MaxRetry()); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "exported %d entries to %s\n", len(entries), out)
	return nil
}

func backupCommand(c *cli.Context) error {
	q, cfg, err := openQueue(c)
	if err != nil {
		return err
	}
	defer q.Close()

	backupCfg := cfg.Backup
	if c.IsSet("dir") {
		backupCfg.StoragePath = c.String("dir")
	}
	path, err := queue.NewBackupService(q, backupCfg, logger(c)).PerformBackup(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, path)
	return nil
}

func readingsCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	adapter, err := backend.New(c.Context, cfg.Storage.Backend, logger(c))
	if err != nil {
		return err
	}
	if adapter == nil {
		return fmt.Errorf("storage backend is disabled")
	}
	defer adapter.Close()

	querier, ok := adapter.(backend.Querier)
	if !ok {
		return fmt.Errorf("%s backend cannot be queried", cfg.Storage.Backend.Kind)
	}

	if c.Bool("stats") {
		stats, err := querier.Stats(c.Context)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	var readings []models.Reading
	switch {
	case c.IsSet("from"):
		to := time.Now().UTC()
		if c.IsSet("to") {
			to = *c.Timestamp("to")
		}
		readings, err = querier.QueryByTimeRange(c.Context, *c.Timestamp("from"), to)
	case c.IsSet("sensor"):
		readings, err = querier.QueryBySensor(c.Context, c.String("sensor"), c.Int("limit"))
	default:
		readings, err = querier.Query(c.Context, c.Int("limit"), c.Int("offset"))
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CAPTURED\tSENSOR\tSLAVE\tTEMP\tHUMIDITY")
	for _, r := range readings {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.1f\t%.1f\n",
			r.CapturedAt.Format("2006-01-02 15:04:05"), r.SensorName, r.SlaveID, r.Temperature, r.Humidity)
	}
	return w.Flush()
}

func deadLetterCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address is not configured")
	}

	client := deadletter.NewRedisClient(cfg.Redis)
	defer client.Close()
	if err := deadletter.Ping(c.Context, client); err != nil {
		return err
	}

	entries, err := deadletter.NewRedisList(client, cfg.Storage.DeadLetter.Key).List(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	printEntries(c, entries)
	return nil
}
