package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/loomworks/bazaar/pkg/store"
)

var databaseURL = flag.String("database-url", os.Getenv("BAZAAR_DATABASE_URL"), "Postgres connection string")

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] up|down|status\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "  up      apply all pending migrations")
	fmt.Fprintln(os.Stderr, "  down    roll back the most recent migration")
	fmt.Fprintln(os.Stderr, "  status  print the migration table")
	fmt.Fprintln(os.Stderr)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	if *databaseURL == "" {
		log.Fatal("No database URL: pass --database-url or set BAZAAR_DATABASE_URL")
	}

	st, err := store.Open(*databaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	switch cmd := flag.Arg(0); cmd {
	case "up":
		if err := store.Migrate(st.DB()); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migrations applied")
	case "down":
		if err := store.MigrateDown(st.DB()); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Println("Rolled back one migration")
	case "status":
		if err := store.MigrationStatus(st.DB()); err != nil {
			log.Fatalf("Status failed: %v", err)
		}
	default:
		log.Fatalf("Unknown command %q", cmd)
	}
}
