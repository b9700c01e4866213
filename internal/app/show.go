package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"naira-ramp/internal/journal"
)

// Show prints recent journal entries.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show transactions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	entries, err := store.Query(ctx, journal.Filter{
		OwnerAddress: opts.OwnerAddress,
		Limit:        opts.Limit,
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, "no transactions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tID\tType\tAmount\tCurrency\tStatus\tOwner\tTxHash\tError")

	for _, entry := range entries {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			entry.Timestamp.UTC().Format(time.RFC3339),
			entry.ID,
			entry.Type,
			formatDecimal(entry.Amount, amountPlaces(entry.Currency)),
			entry.Currency,
			entry.Status,
			shortAddress(entry.OwnerAddress),
			entry.ChainTxHash,
			sanitizeInline(entry.Metadata["error"]),
		)
	}

	writer.Flush()
	return nil
}

func amountPlaces(currency string) int32 {
	if currency == "NGN" {
		return 2
	}
	return 6
}

func shortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:8] + ".." + addr[len(addr)-4:]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
