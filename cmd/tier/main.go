// tier changes a principal's subscription tier in the directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/config"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
)

func main() {
	agentID := flag.String("agent", "", "Agent UUID")
	tier := flag.String("tier", "", "free, pro or enterprise")
	flag.Parse()

	id, err := uuid.Parse(*agentID)
	if err != nil || !models.Tier(*tier).Valid() {
		fmt.Fprintln(os.Stderr, "Usage: tier -agent <agent-uuid> -tier <free|pro|enterprise>")
		os.Exit(1)
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var dir store.DataStore
	if cfg.DatabaseURL != "" {
		dir, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
	} else {
		dir, err = store.NewSQLiteStore(ctx, cfg.SQLitePath)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "directory unavailable:", err)
		os.Exit(1)
	}
	defer dir.Close()

	if err := dir.UpdatePrincipalTier(ctx, id, models.Tier(*tier)); err != nil {
		fmt.Fprintln(os.Stderr, "update failed:", err)
		os.Exit(1)
	}
	fmt.Printf("%s is now %s\n", id, *tier)
}
