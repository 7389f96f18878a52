// The migrate binary applies the SQL files under migrations/ in order.
// Each file runs in its own transaction. With --list it prints the
// tables that currently exist instead of migrating.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/lib/pq"

	"github.com/dropocol/coldjot/internal/config"
)

func main() {
	listOnly := flag.Bool("list", false, "list existing tables and exit")
	dir := flag.String("dir", "migrations", "directory holding the .sql files")
	flag.Parse()

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatalf("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if *listOnly {
		listTables(db)
		return
	}

	files, err := filepath.Glob(filepath.Join(*dir, "*.sql"))
	if err != nil {
		log.Fatalf("Failed to read %s: %v", *dir, err)
	}
	if len(files) == 0 {
		log.Fatalf("No migration files found in %s", *dir)
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatalf("Failed to read %s: %v", file, err)
		}

		tx, err := db.Begin()
		if err != nil {
			log.Fatalf("Failed to begin transaction for %s: %v", file, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			log.Fatalf("Migration %s failed: %v", file, err)
		}
		if err := tx.Commit(); err != nil {
			log.Fatalf("Failed to commit %s: %v", file, err)
		}
		log.Printf("Applied %s", filepath.Base(file))
	}
	log.Printf("Migrations complete (%d files)", len(files))
}

func listTables(db *sql.DB) {
	rows, err := db.Query(`SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' ORDER BY table_name`)
	if err != nil {
		log.Fatalf("Failed to list tables: %v", err)
	}
	defer rows.Close()

	fmt.Println("Tables:")
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			log.Fatalf("Scan: %v", err)
		}
		fmt.Printf("  %s\n", name)
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("List tables: %v", err)
	}
}
