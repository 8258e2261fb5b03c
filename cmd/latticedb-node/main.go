package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/latticedb/engine/internal/coordinator"
	qry "github.com/latticedb/engine/internal/query"
	"github.com/latticedb/engine/pkg/latticedb"
)

func main() {
	ctx := context.Background()

	appDataDir := os.Getenv("XDG_DATA_HOME")
	if appDataDir == "" {
		home, _ := os.UserHomeDir()
		appDataDir = filepath.Join(home, ".local", "share", "latticedb")
	}
	os.MkdirAll(appDataDir, 0755)

	db, err := latticedb.New(ctx, latticedb.Options{
		DataDir:        appDataDir,
		BootstrapPeers: parsePeers(os.Getenv("LATTICEDB_PEERS")),
		EncryptedMaps:  []string{"auth"},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer db.Shutdown()

	if err := db.RegisterLWWMap("auth"); err != nil {
		log.Fatal(err)
	}
	if err := db.RegisterORMap("tags"); err != nil {
		log.Fatal(err)
	}
	if err := db.RegisterPNCounterMap("views"); err != nil {
		log.Fatal(err)
	}

	fmt.Println("latticedb node started")

	parser := &qry.KNIRVQLParser{}

	setQuery, err := parser.Parse(`SET auth google_maps_api_key = "AIzaSy..."`)
	if err != nil {
		log.Fatal(err)
	}
	if _, err := setQuery.Execute(ctx, db.Raw()); err != nil {
		log.Fatal(err)
	}

	getQuery, err := parser.Parse(`GET auth WHERE key = "google_maps_api_key"`)
	if err != nil {
		log.Fatal(err)
	}
	result, err := getQuery.Execute(ctx, db.Raw())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("auth keys matching query: %v\n", result)

	if _, err := db.AddToSet(ctx, "tags", "post-1", "launch", coordinator.WriteOptions{}); err != nil {
		log.Fatal(err)
	}
	if _, err := db.IncrementCounter(ctx, "views", "post-1", 1, coordinator.WriteOptions{}); err != nil {
		log.Fatal(err)
	}
	views, _, err := db.Get("views", "post-1")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("post-1 views: %v\n", views)

	dispose := db.OnRejection(func(ev coordinator.RejectionEvent) {
		fmt.Printf("rejected merge: map=%s key=%s reason=%s\n", ev.MapName, ev.Key, ev.Reason)
	})
	defer dispose()

	fmt.Println("latticedb node running. Press Ctrl+C to exit.")
	select {}
}

func parsePeers(csv string) []string {
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}
