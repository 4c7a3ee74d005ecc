package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"stethkeeper/internal/history"
)

// Export renders persisted tick history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	hist, closeHistory, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	if hist == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeHistory != nil {
		defer closeHistory()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Loop.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	ticks, err := hist.ListTicksBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(ticks) == 0 {
		a.Logger.Info().Msg("no ticks found for export window")
		return nil
	}

	downsampled := downsampleTicks(ticks, opts.MaxPoints)
	a.Logger.Info().Int("total", len(ticks)).Int("exported", len(downsampled)).Msg("exporting ticks")

	if opts.CSVPath != "" {
		if err := writeTicksCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeTicksPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleTicks(ticks []history.TickRecord, max int) []history.TickRecord {
	if max <= 0 || len(ticks) <= max {
		return ticks
	}

	result := make([]history.TickRecord, 0, max)
	step := float64(len(ticks)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(ticks) {
			idx = len(ticks) - 1
		}
		result = append(result, ticks[idx])
	}
	return result
}

func writeTicksCSV(path string, ticks []history.TickRecord) error {
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

	header := []string{"ts", "ratio", "discount_pct", "premium_pct", "eth_balance", "steth_balance", "action", "reason"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, tick := range ticks {
		record := []string{
			tick.TS.Format(time.RFC3339),
			tick.Ratio.String(),
			tick.DiscountPct.String(),
			tick.PremiumPct.String(),
			tick.ETHBalance.String(),
			tick.StETHBalance.String(),
			tick.Action,
			tick.Reason,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeTicksPNG(path string, ticks []history.TickRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(ticks))
	ratio := make([]float64, len(ticks))
	discount := make([]float64, len(ticks))

	for i, tick := range ticks {
		x[i] = tick.TS
		ratio[i] = tick.Ratio.InexactFloat64()
		discount[i] = tick.DiscountPct.InexactFloat64()
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Ratio (stETH/ETH)",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Discount (%)",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Ratio",
				XValues: x,
				YValues: ratio,
			},
			chart.TimeSeries{
				Name:    "Discount %",
				XValues: x,
				YValues: discount,
				YAxis:   chart.YAxisSecondary,
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
