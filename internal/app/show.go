package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Show prints recent coefficient samples.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	samples, err := store.ListRecentSamples(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Checked (UTC)\tMonitoring\tWarehouse\tSlot date\tCoefficient")

	for _, sample := range samples {
		name := sample.WarehouseName
		if name == "" {
			name = fmt.Sprintf("#%d", sample.WarehouseID)
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\n",
			sample.CheckedAt.UTC().Format(time.RFC3339),
			sample.MonitoringID,
			name,
			sample.SlotDate.UTC().Format("2006-01-02"),
			formatDecimal(sample.Coefficient, 1),
		)
	}

	writer.Flush()
	return nil
}
