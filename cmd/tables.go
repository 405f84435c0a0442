package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/clickstream-etl/internal/store"
)

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "Show row counts of the output tables",
	Long:  "Connects to the primary store (falling back to the embedded store) and reports the current row count of every output table.",
	RunE:  runTables,
}

func init() {
	rootCmd.AddCommand(tablesCmd)
}

func runTables(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := zap.L().With(zap.String("command", "tables"))

	s, err := openAnyStore(ctx, log)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("store: %s\n", s.Name())
	for _, table := range []string{
		store.TableBuyFact, store.TableUserRFM, store.TableCohort,
		store.TableFunnel, store.TableFunnelLoose, store.TableAuditLog,
	} {
		n, err := s.CountRows(ctx, table)
		if err != nil {
			fmt.Printf("  %-24s (unavailable: %v)\n", table, err)
			continue
		}
		fmt.Printf("  %-24s %d rows\n", table, n)
	}
	return nil
}

func openAnyStore(ctx context.Context, log *zap.Logger) (store.Store, error) {
	primary, err := store.NewPostgres(ctx, cfg.Store.DSN())
	if err == nil {
		return primary, nil
	}
	log.Warn("primary store unavailable, reading fallback", zap.Error(err))
	return store.NewSQLite(cfg.Fallback.Path)
}
