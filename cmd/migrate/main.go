package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"gatehouse.org/internal/migrate"
	"gatehouse.org/internal/obs"
)

func main() {
	var (
		dsn            = flag.String("dsn", os.Getenv("GATEHOUSE_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "directory of SQL migrations (default: embedded)")
		seedsPath      = flag.String("seeds", "", "directory of SQL seeds (default: embedded)")
		timeout        = flag.Duration("timeout", 30*time.Second, "overall deadline")
		logFormat      = flag.String("log-format", "console", "log format: json or console")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: migrate [flags] up|down|seed|status\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger, err := obs.NewLogger("info", *logFormat, "gatehouse-migrate")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer obs.SetLogger(logger)()
	log := logger.Sugar()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or GATEHOUSE_PG_DSN")
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalw("open db", zap.Error(err))
	}
	defer db.Close()

	migrations, seeds := migrate.Embedded()
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(db, migrations, seeds)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalw("migrate failed", "command", cmd, zap.Error(err))
	}
	log.Infow("migrate done", "command", cmd)
}
