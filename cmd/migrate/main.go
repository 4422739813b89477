package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"orderdesk.org/internal/migrate"
	"orderdesk.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn       = flag.String("dsn", os.Getenv("ORDERDESK_PG_DSN"), "PostgreSQL DSN")
		seedsPath = flag.String("seeds", "", "Optional directory of SQL seed files")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or ORDERDESK_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(db, pg.Migrations, seeds)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history, pending []string
		history, err = mgr.Status(ctx)
		if err == nil {
			pending, err = mgr.Pending(ctx)
		}
		if err == nil {
			for _, item := range history {
				fmt.Println("applied", item)
			}
			for _, item := range pending {
				fmt.Println("pending", item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
