package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"shieldgate/internal/zec"
)

// Show prints recent withdrawal records.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	core, err := a.buildCore(ctx)
	if err != nil {
		return err
	}
	defer core.close()

	records, err := core.records.ListRecentRecords(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no withdrawals found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tRequest ID\tUser\tAmount ZEC\tState\tRisk\tTx ID\tError")

	for _, record := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			record.CreatedAt.UTC().Format(time.RFC3339),
			record.RequestID,
			record.UserID,
			zec.FormatZEC(record.AmountZat),
			record.State,
			record.RiskScore,
			record.TransactionID,
			sanitizeInline(record.LastError),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
