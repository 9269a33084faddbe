package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"ip-geocache/internal/app"
	"ip-geocache/internal/batch"
)

var pretty = jsoniter.Config{EscapeHTML: false, SortMapKeys: true, IndentionStep: 2}.Froze()

func newLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <ip>",
		Short: "Resolve one IP (cache first, then upstream)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ip := strings.TrimSpace(args[0])
			if net.ParseIP(ip) == nil {
				return fmt.Errorf("invalid ip: %q", ip)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Resolver.Resolve(ctx, ip, false)
				if err != nil {
					return err
				}
				b, err := pretty.Marshal(rec)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return err
			})
		},
	}
}

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Annotate CSV files or query results with country/region/city",
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := cmd.Flags().GetStringSlice("file")
			if err != nil {
				return fmt.Errorf("failed to get file flag: %w", err)
			}
			query, err := cmd.Flags().GetString("query")
			if err != nil {
				return fmt.Errorf("failed to get query flag: %w", err)
			}
			label, err := cmd.Flags().GetString("query-label")
			if err != nil {
				return fmt.Errorf("failed to get query-label flag: %w", err)
			}
			driver, err := cmd.Flags().GetString("query-driver")
			if err != nil {
				return fmt.Errorf("failed to get query-driver flag: %w", err)
			}
			dsn, err := cmd.Flags().GetString("query-dsn")
			if err != nil {
				return fmt.Errorf("failed to get query-dsn flag: %w", err)
			}
			column, err := cmd.Flags().GetString("ip-column")
			if err != nil {
				return fmt.Errorf("failed to get ip-column flag: %w", err)
			}
			if len(files) == 0 && query == "" {
				return errors.New("at least one --file or a --query is required")
			}

			var sources []batch.Source
			for _, f := range files {
				sources = append(sources, batch.FileSource(f))
			}
			if query != "" {
				if dsn == "" {
					return errors.New("--query requires --query-dsn")
				}
				db, err := sql.Open(driver, dsn)
				if err != nil {
					return fmt.Errorf("failed to open query database: %w", err)
				}
				defer db.Close()
				if label == "" {
					label = "query"
				}
				sources = append(sources, batch.QuerySource{DB: db, Name: label, Query: query})
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				a.Batch.IPColumn = column
				out := cmd.OutOrStdout()
				return a.Batch.Run(ctx, sources, func(e batch.Event) { printEvent(out, e) })
			})
		},
	}
	cmd.Flags().StringSlice("file", nil, "CSV file to process (repeatable)")
	cmd.Flags().String("query", "", "SQL query whose rows are processed as one source")
	cmd.Flags().String("query-label", "", "label for the query source (artifact name)")
	cmd.Flags().String("query-driver", "postgres", "database/sql driver for --query (postgres, sqlite)")
	cmd.Flags().String("query-dsn", "", "data source name for --query")
	cmd.Flags().String("ip-column", batch.DefaultIPColumn, "column holding the IP address")
	return cmd
}

// printEvent：事件的终端呈现
func printEvent(w io.Writer, e batch.Event) {
	switch e.Type {
	case batch.EventStart:
		fmt.Fprintf(w, "processing %s IPs from %d source(s)\n", humanize.Comma(int64(e.TotalIPs)), e.TotalFiles)
	case batch.EventProgress:
		fmt.Fprintf(w, "[%d/%d] %s %s/%s  total %s/%s (%.1f%%) eta %ds\n",
			e.FileIdx, e.TotalFiles, e.CurrentFile,
			humanize.Comma(int64(e.FileProgress)), humanize.Comma(int64(e.FileTotal)),
			humanize.Comma(int64(e.TotalProgress)), humanize.Comma(int64(e.TotalIPs)),
			e.Percentage, e.ETASeconds)
	case batch.EventSourceError:
		fmt.Fprintf(w, "error   %s: %s\n", e.Filename, e.Message)
	case batch.EventSourceComplete:
		fmt.Fprintf(w, "%-7s %s: %s\n", e.Status, e.Filename, e.Message)
	case batch.EventComplete:
		if e.Message != "" {
			fmt.Fprintf(w, "aborted: %s\n", strings.TrimPrefix(e.Message, "aborted: "))
			return
		}
		fmt.Fprintln(w, "done")
	}
}

func newRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Re-resolve cached records holding Unknown/Error values",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Repair.Run(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "fixed %s of %s records\n",
					humanize.Comma(int64(res.Fixed)), humanize.Comma(int64(res.Total)))
				return err
			})
		},
	}
}

func newCleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete every cached record, or one with --ip",
		RunE: func(cmd *cobra.Command, args []string) error {
			ip, err := cmd.Flags().GetString("ip")
			if err != nil {
				return fmt.Errorf("failed to get ip flag: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if ip != "" {
					if err := a.Store.Delete(ctx, ip); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", ip)
					return nil
				}
				n, err := a.Store.DeleteAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s records\n", humanize.Comma(n))
				return nil
			})
		},
	}
	cmd.Flags().String("ip", "", "delete only this IP")
	return cmd
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache totals and top locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			top, err := cmd.Flags().GetInt("top")
			if err != nil {
				return fmt.Errorf("failed to get top flag: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				st, err := a.Store.Stats(ctx, top)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "total   %s\nunknown %s\nerrors  %s\n",
					humanize.Comma(st.Total), humanize.Comma(st.Unknown), humanize.Comma(st.Errors))
				fmt.Fprintln(w, "top countries:")
				for _, c := range st.TopCountries {
					fmt.Fprintf(w, "  %-30s %s\n", c.Country, humanize.Comma(c.Count))
				}
				fmt.Fprintln(w, "top regions:")
				for _, c := range st.TopRegions {
					fmt.Fprintf(w, "  %-30s %s\n", c.Region+", "+c.Country, humanize.Comma(c.Count))
				}
				fmt.Fprintln(w, "top cities:")
				for _, c := range st.TopCities {
					fmt.Fprintf(w, "  %-30s %s\n", c.City+", "+c.Region+", "+c.Country, humanize.Comma(c.Count))
				}
				return nil
			})
		},
	}
	cmd.Flags().Int("top", 10, "entries per ranking")
	return cmd
}
