package backend

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"sensorbridge/internal/config"
	"sensorbridge/internal/models"

	"github.com/rs/zerolog"
)

// CSVTimeLayout is the timestamp format of the flat-file backend.
const CSVTimeLayout = "2006-01-02 15:04:05"

var csvHeader = []string{"timestamp", "sensor_name", "slave_id", "temperature", "humidity"}

// CSV appends readings to a UTF-8 CSV file. A failed write leaves the file at
// its previous size.
type CSV struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	logger *zerolog.Logger
	closed bool
}

// DefaultCSVPath returns sensor_data_YYYYMMDD.csv for the given day.
func DefaultCSVPath(now time.Time) string {
	return fmt.Sprintf("sensor_data_%s.csv", now.Format("20060102"))
}

func NewCSV(path string, logger *zerolog.Logger) (*CSV, error) {
	if path == "" {
		path = DefaultCSVPath(time.Now())
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, initErr(config.KindFlatFile, err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, initErr(config.KindFlatFile, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, initErr(config.KindFlatFile, err)
	}
	if info.Size() == 0 {
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		_ = w.Write(csvHeader)
		w.Flush()
		if _, err := file.Write(buf.Bytes()); err != nil {
			file.Close()
			return nil, initErr(config.KindFlatFile, err)
		}
	}

	logger.Info().Str("path", path).Msg("backend ready")
	return &CSV{file: file, path: path, logger: logger}, nil
}

// Path returns the file being appended to.
func (c *CSV) Path() string {
	return c.path
}

func (c *CSV) Save(ctx context.Context, r *models.Reading) error {
	return wrapErr(config.KindFlatFile, "save", c.append(ctx, []*models.Reading{r}))
}

func (c *CSV) SaveBatch(ctx context.Context, rs []*models.Reading) error {
	if len(rs) == 0 {
		return nil
	}
	return wrapErr(config.KindFlatFile, "save batch", c.append(ctx, rs))
}

func (c *CSV) append(ctx context.Context, rs []*models.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, r := range rs {
		record := []string{
			r.CapturedAt.UTC().Format(CSVTimeLayout),
			r.SensorName,
			strconv.Itoa(r.SlaveID),
			strconv.FormatFloat(r.Temperature, 'f', 1, 64),
			strconv.FormatFloat(r.Humidity, 'f', 1, 64),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	info, err := c.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	if _, err := c.file.Write(buf.Bytes()); err != nil {
		c.rollback(size)
		return err
	}
	if err := c.file.Sync(); err != nil {
		c.rollback(size)
		return err
	}
	return nil
}

func (c *CSV) rollback(size int64) {
	if err := c.file.Truncate(size); err != nil {
		c.logger.Error().Err(err).Str("path", c.path).Msg("failed to truncate partial csv write")
	}
}

// Query returns up to limit readings, newest first, skipping offset of them.
func (c *CSV) Query(ctx context.Context, limit, offset int) ([]models.Reading, error) {
	all, err := c.readAll(ctx, "query")
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	newest := reversed(all)
	if offset >= len(newest) {
		return nil, nil
	}
	newest = newest[offset:]
	if limit = queryLimit(limit); len(newest) > limit {
		newest = newest[:limit]
	}
	return newest, nil
}

func (c *CSV) QueryByTimeRange(ctx context.Context, start, end time.Time) ([]models.Reading, error) {
	all, err := c.readAll(ctx, "query by time range")
	if err != nil {
		return nil, err
	}
	var out []models.Reading
	for _, r := range all {
		if r.CapturedAt.Before(start) || r.CapturedAt.After(end) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

func (c *CSV) QueryBySensor(ctx context.Context, sensor string, limit int) ([]models.Reading, error) {
	all, err := c.readAll(ctx, "query by sensor")
	if err != nil {
		return nil, err
	}
	limit = queryLimit(limit)
	var out []models.Reading
	for _, r := range reversed(all) {
		if r.SensorName != sensor {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (c *CSV) Stats(ctx context.Context) (StoredStats, error) {
	var stats StoredStats
	all, err := c.readAll(ctx, "stats")
	if err != nil {
		return stats, err
	}
	stats.TotalRecords = len(all)
	for i, r := range all {
		if i == 0 || r.CapturedAt.Before(stats.Earliest) {
			stats.Earliest = r.CapturedAt
		}
		if i == 0 || r.CapturedAt.After(stats.Latest) {
			stats.Latest = r.CapturedAt
		}
	}
	return stats, nil
}

// readAll parses the whole file in append order. Rows that do not parse are
// skipped with a warning.
func (c *CSV) readAll(ctx context.Context, op string) ([]models.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr(config.KindFlatFile, op, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, wrapErr(config.KindFlatFile, op, ErrClosed)
	}

	f, err := os.Open(c.path)
	if err != nil {
		return nil, wrapErr(config.KindFlatFile, op, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, wrapErr(config.KindFlatFile, op, err)
	}

	readings := make([]models.Reading, 0, len(records))
	for i, record := range records {
		if i == 0 && record[0] == csvHeader[0] {
			continue
		}
		if len(record) != len(csvHeader) {
			c.logger.Warn().Int("line", i+1).Int("fields", len(record)).Str("path", c.path).Msg("skipping malformed csv row")
			continue
		}
		r, err := parseCSVRecord(record)
		if err != nil {
			c.logger.Warn().Err(err).Int("line", i+1).Str("path", c.path).Msg("skipping malformed csv row")
			continue
		}
		readings = append(readings, r)
	}
	return readings, nil
}

func parseCSVRecord(record []string) (models.Reading, error) {
	var r models.Reading
	at, err := time.ParseInLocation(CSVTimeLayout, record[0], time.UTC)
	if err != nil {
		return r, err
	}
	slaveID, err := strconv.Atoi(record[2])
	if err != nil {
		return r, err
	}
	temp, err := strconv.ParseFloat(record[3], 64)
	if err != nil {
		return r, err
	}
	humi, err := strconv.ParseFloat(record[4], 64)
	if err != nil {
		return r, err
	}
	return models.Reading{
		SensorName:  record[1],
		SlaveID:     slaveID,
		Temperature: temp,
		Humidity:    humi,
		CapturedAt:  at,
	}, nil
}

func reversed(rs []models.Reading) []models.Reading {
	out := make([]models.Reading, len(rs))
	for i, r := range rs {
		out[len(rs)-1-i] = r
	}
	return out
}

func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.file.Close()
}
