// Package main is a diagnostic tool for testing database connectivity and
// inspecting live credential data. It connects to the database, summarises the
// service_accounts and api_keys tables, and prints the result to stdout. The
// binary exits with a non-zero code on any failure so it can be embedded in
// CI/CD pipeline steps to gate deployments on a reachable, populated database.
package main

import (
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/credential-registry/credential-registry/internal/config"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	if err := printAccounts(db, os.Stdout); err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	if err := printKeys(db, os.Stdout); err != nil {
		log.Fatalf("Query failed: %v", err)
	}
}

func printAccounts(db *sql.DB, w io.Writer) error {
	fmt.Fprintln(w, "=== SERVICE ACCOUNTS ===")
	rows, err := db.Query("SELECT id, owner_id, deleted_at FROM service_accounts ORDER BY created_at")
	if err != nil {
		return err
	}
	defer rows.Close()

	accounts := 0
	for rows.Next() {
		var id, ownerID string
		var deletedAt *time.Time
		if err := rows.Scan(&id, &ownerID, &deletedAt); err != nil {
			log.Printf("Warning: failed to scan account row: %v", err)
			continue
		}
		state := "active"
		if deletedAt != nil {
			state = fmt.Sprintf("deleted %s", deletedAt.Format(time.RFC3339))
		}
		fmt.Fprintf(w, "Account: %s (owner: %s) - %s\n", id, ownerID, state)
		accounts++
	}
	if accounts == 0 {
		fmt.Fprintln(w, "No service accounts found!")
	}
	return rows.Err()
}

func printKeys(db *sql.DB, w io.Writer) error {
	fmt.Fprintln(w, "\n=== API KEYS ===")
	rows, err := db.Query("SELECT id, client_id, name, is_active, expiry_date, deleted_at FROM api_keys ORDER BY created_at")
	if err != nil {
		return err
	}
	defer rows.Close()

	keys := 0
	for rows.Next() {
		var id int64
		var clientID, name string
		var isActive bool
		var expiryDate, deletedAt *time.Time
		if err := rows.Scan(&id, &clientID, &name, &isActive, &expiryDate, &deletedAt); err != nil {
			log.Printf("Warning: failed to scan key row: %v", err)
			continue
		}
		expiry := "never"
		if expiryDate != nil {
			expiry = expiryDate.Format(time.RFC3339)
		}
		state := "inactive"
		switch {
		case deletedAt != nil:
			state = "deleted"
		case isActive:
			state = "active"
		}
		fmt.Fprintf(w, "Key %d: %q (account: %s) - %s, expires: %s\n", id, name, clientID, state, expiry)
		keys++
	}
	if keys == 0 {
		fmt.Fprintln(w, "No API keys found!")
	}
	return rows.Err()
}
