// Package main contains the cli implementation of the tool. It uses cobra
// package for cli tool implementation.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"streamjoin/internal/cache"
	"streamjoin/internal/catalog"
	"streamjoin/internal/hashjoin"
	"streamjoin/internal/kv"
	"streamjoin/internal/metrics"
	"streamjoin/internal/operator"
	"streamjoin/internal/scenario"
	"streamjoin/internal/statetable"
	"streamjoin/internal/vnode"
)

var version = "dev"

type runFlags struct {
	file          string
	cacheCapacity int
	mysqlDSN      string
}

type ddlFlags struct {
	file             string
	retentionSeconds int64
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "streamjoin",
		Short: "Stateful hash-join operator for a streaming SQL engine",
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(ddlCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func ddlCmd() *cobra.Command {
	flags := &ddlFlags{}
	cmd := &cobra.Command{
		Use:   "ddl <schema.sql>",
		Short: "Parse a single CREATE TABLE statement and print its derived join schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			flags.file = args[0]
			return runDDL(flags)
		},
	}
	cmd.Flags().Int64Var(&flags.retentionSeconds, "retention-seconds", 0, "TTL to apply to the derived schema, 0 disables it")
	return cmd
}

func runDDL(flags *ddlFlags) error {
	content, err := os.ReadFile(flags.file)
	if err != nil {
		return fmt.Errorf("read DDL file: %w", err)
	}

	schema, err := catalog.FromDDL(string(content), flags.retentionSeconds)
	if err != nil {
		return fmt.Errorf("parse DDL: %w", err)
	}

	fmt.Printf("table %q\n", schema.Name)
	fmt.Println("primary key:")
	for i, col := range schema.PKColumns {
		fmt.Printf("  %d: %s %s\n", i, col.Name, col.Kind)
	}
	fmt.Println("value columns:")
	for i, col := range schema.ValueColumns {
		fmt.Printf("  %d: %s %s\n", i, col.Name, col.Kind)
	}
	if schema.RetentionSeconds > 0 {
		fmt.Printf("retention: %ds\n", schema.RetentionSeconds)
	}
	return nil
}

func runCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <scenario.toml>",
		Short: "Drive a join operator through a scenario file and print the resulting output deltas",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			flags.file = args[0]
			return runScenario(flags)
		},
	}
	cmd.Flags().IntVar(&flags.cacheCapacity, "cache-capacity", 1024, "Per-side bounded cache capacity (LRU entries)")
	cmd.Flags().StringVar(&flags.mysqlDSN, "mysql-dsn", "", "MySQL DSN to persist state/degree tables to instead of an in-memory store")
	return cmd
}

func runScenario(flags *runFlags) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	sc, err := scenario.NewLoader().LoadFile(flags.file)
	if err != nil {
		return fmt.Errorf("load scenario: %w", err)
	}
	log.Info("scenario loaded",
		zap.String("run_id", sc.RunID),
		zap.String("name", sc.Name),
	)

	sink, err := metrics.New()
	if err != nil {
		return fmt.Errorf("build metrics sink: %w", err)
	}
	defer func() { _ = sink.Shutdown(context.Background()) }()

	store, closeStore, err := buildStore(flags.mysqlDSN)
	if err != nil {
		return fmt.Errorf("build state store: %w", err)
	}
	defer closeStore()

	left, err := buildHashMap(store, sc.LeftSchema, sc.LeftCfg, len(sc.LeftKeyIdx), flags.cacheCapacity, sink, sc.RunID, "left", log)
	if err != nil {
		return fmt.Errorf("build left hash map: %w", err)
	}
	right, err := buildHashMap(store, sc.RightSchema, sc.RightCfg, len(sc.RightKeyIdx), flags.cacheCapacity, sink, sc.RunID, "right", log)
	if err != nil {
		return fmt.Errorf("build right hash map: %w", err)
	}

	op, err := operator.New(left, right, operator.Config{
		LeftJoinKeyIndices:  sc.LeftKeyIdx,
		RightJoinKeyIndices: sc.RightKeyIdx,
		JoinType:            sc.JoinType,
		ActorID:             sc.RunID,
	}, log)
	if err != nil {
		return fmt.Errorf("build operator: %w", err)
	}

	ctx := context.Background()
	for i, chunk := range sc.Chunks {
		for _, row := range chunk.Rows {
			out, err := op.ProcessRecord(ctx, chunk.Side, chunk.Op, row)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			for _, o := range out {
				fmt.Printf("%s %v\n", outputOpString(o.Op), o.Row)
			}
		}
	}

	for _, b := range sc.Barriers {
		var bitmap *vnode.Bitmap
		if b.VnodeCount > 0 {
			vnodes := make([]uint32, b.VnodeCount)
			for i := range vnodes {
				vnodes[i] = uint32(i)
			}
			bitmap = vnode.NewBitmap(vnodes...)
		}
		if err := op.ProcessBarrier(ctx, b.NextEpoch, bitmap); err != nil {
			return fmt.Errorf("barrier at epoch %d: %w", b.NextEpoch, err)
		}
	}

	return nil
}

// buildStore returns the kv.Store backing every side's state/degree
// tables, shared across sides since a Store partitions by table name, plus
// a cleanup func. An empty dsn uses an in-memory store per the teacher's
// own "works with zero external services by default" CLI ergonomics; a
// non-empty dsn opens a real MySQL connection via the blank-imported
// go-sql-driver/mysql driver.
func buildStore(dsn string) (kv.Store, func(), error) {
	if dsn == "" {
		return kv.NewMemStore(), func() {}, nil
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open mysql dsn: %w", err)
	}
	return kv.NewMySQLStore(db), func() { _ = db.Close() }, nil
}

func buildHashMap(store kv.Store, schema *catalog.TableSchema, cfg scenario.SideConfig, joinKeyColumnCount, cacheCapacity int, sink *metrics.Sink, actorID, side string, log *zap.Logger) (*hashjoin.JoinHashMap, error) {
	ctx := context.Background()

	if mysqlStore, ok := store.(*kv.MySQLStore); ok {
		if err := mysqlStore.EnsureSchema(ctx, schema.Name); err != nil {
			return nil, fmt.Errorf("ensure state schema: %w", err)
		}
		if err := mysqlStore.EnsureSchema(ctx, schema.Name+"_degree"); err != nil {
			return nil, fmt.Errorf("ensure degree schema: %w", err)
		}
	}

	// distKeyColumnCount is the join key's width, not the full PK's: a PK
	// may carry extra trailing columns purely to disambiguate rows that
	// share one join key (see the schema-construction contract in
	// DESIGN.md's internal/statetable entry — join key columns must be the
	// leading PK columns).
	state := statetable.New(store, schema, joinKeyColumnCount)
	if err := state.Init(ctx, 0, 1); err != nil {
		return nil, fmt.Errorf("init state table: %w", err)
	}

	degreeSchema := catalog.DegreeSchema(schema)
	degree := statetable.New(store, degreeSchema, joinKeyColumnCount)
	if err := degree.Init(ctx, 0, 1); err != nil {
		return nil, fmt.Errorf("init degree table: %w", err)
	}

	c, err := cache.New(cache.PolicyLocalLRU, cacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("build cache: %w", err)
	}

	return hashjoin.New(c, state, degree, hashjoin.Config{
		NullMatched:     cfg.NullMatched,
		NeedDegreeTable: true,
	}, sink, actorID, side, log)
}

func outputOpString(op operator.OutputOp) string {
	switch op {
	case operator.OutputInsert:
		return "+"
	case operator.OutputDelete:
		return "-"
	case operator.OutputUpdateDelete:
		return "U-"
	case operator.OutputUpdateInsert:
		return "U+"
	default:
		return "?"
	}
}
