package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"shieldgate/internal/ledger"
)

// Export renders compliance ledger history as CSV and/or PNG. The chain is
// verified first: a tampered range is never exported.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	core, err := a.buildCore(ctx)
	if err != nil {
		return err
	}
	defer core.close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-30 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	events, err := core.events.ListEventsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		a.Logger.Info().Msg("no compliance events found for export window")
		return nil
	}

	integrity, err := core.ledger.VerifyIntegrity(ctx, events[0].Sequence, events[len(events)-1].Sequence)
	if err != nil {
		return err
	}
	if !integrity.Valid {
		return errors.New("ledger integrity broken in export range: " + integrity.Detail)
	}

	exported := downsampleEvents(events, opts.MaxPoints)
	a.Logger.Info().Int("total", len(events)).Int("exported", len(exported)).Msg("exporting compliance events")

	if opts.CSVPath != "" {
		if err := writeEventsCSV(opts.CSVPath, exported); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeEventsPNG(opts.PNGPath, events); err != nil {
			return err
		}
	}

	return nil
}

func downsampleEvents(events []ledger.Event, max int) []ledger.Event {
	if max <= 0 || len(events) <= max {
		return events
	}

	result := make([]ledger.Event, 0, max)
	step := float64(len(events)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(events) {
			idx = len(events) - 1
		}
		result = append(result, events[idx])
	}
	return result
}

func writeEventsCSV(path string, events []ledger.Event) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"sequence", "timestamp", "type", "severity", "payload", "prev_hash", "hash"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, event := range events {
		record := []string{
			strconv.FormatInt(event.Sequence, 10),
			event.Timestamp.UTC().Format(time.RFC3339Nano),
			string(event.Type),
			string(event.Severity),
			string(event.Payload),
			event.PrevHash,
			event.Hash,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// writeEventsPNG charts hourly event volume, with critical events on a
// separate series.
func writeEventsPNG(path string, events []ledger.Event) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	totals := make(map[time.Time]float64)
	criticals := make(map[time.Time]float64)
	for _, event := range events {
		bucket := event.Timestamp.UTC().Truncate(time.Hour)
		totals[bucket]++
		if event.Severity == ledger.SeverityCritical {
			criticals[bucket]++
		}
	}

	buckets := make([]time.Time, 0, len(totals))
	for bucket := range totals {
		buckets = append(buckets, bucket)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Before(buckets[j]) })

	x := make([]time.Time, len(buckets))
	total := make([]float64, len(buckets))
	critical := make([]float64, len(buckets))
	for i, bucket := range buckets {
		x[i] = bucket
		total[i] = totals[bucket]
		critical[i] = criticals[bucket]
	}

	countFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Events per hour",
			ValueFormatter: countFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "All events",
				XValues: x,
				YValues: total,
			},
			chart.TimeSeries{
				Name:    "Critical",
				XValues: x,
				YValues: critical,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
