package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a read-only HTTP status and /metrics endpoint for the open database",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "localhost:8484", "address to listen on")
	rootCmd.AddCommand(serveCmd)
}

type statusResponse struct {
	Indexes    []string `json:"indexes"`
	CacheSize  int      `json:"cache_size"`
	CacheMax   int      `json:"cache_max"`
	LockCensus int      `json:"lock_census"`
}

func runServe(cmd *cobra.Command, args []string) error {
	router := mux.NewRouter()
	router.HandleFunc("/status", handleStatus).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	log.Sugar().Infof("tuplctl serve: listening on %s", serveAddr)
	return http.ListenAndServe(serveAddr, router)
}

func handleStatus(w http.ResponseWriter, r *http.Request) {
	indexes := db.Indexes()
	names := make([]string, len(indexes))
	for i, idx := range indexes {
		names[i] = string(idx.Name())
	}
	size, max := db.CacheOccupancy()
	resp := statusResponse{
		Indexes:    names,
		CacheSize:  size,
		CacheMax:   max,
		LockCensus: db.LockCensus(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
