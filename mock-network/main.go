package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

var (
	online     atomic.Bool
	probeCount atomic.Int64
)

func main() {
	online.Store(true)

	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}

	// Probe target — answers normally while the link is up. While the link
	// is down the connection is dropped without a response, because the
	// reachability monitor counts any completed HTTP exchange as online.
	http.HandleFunc("/probe", func(w http.ResponseWriter, r *http.Request) {
		count := probeCount.Add(1)

		if !online.Load() {
			log.Printf("[#%d] probe dropped (link down)", count)
			hj, ok := w.(http.Hijacker)
			if !ok {
				panic("response writer does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				log.Printf("hijack failed: %v", err)
				return
			}
			conn.Close()
			return
		}

		log.Printf("[#%d] probe ok", count)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	// Take the link down until /up is called
	http.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		online.Store(false)
		log.Printf("link down")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"link": "down"})
	})

	// Bring the link back up
	http.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		online.Store(true)
		log.Printf("link up")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"link": "up"})
	})

	// Drop the link for N seconds, then restore it — simulates a transient
	// outage so resync-on-restore can be watched end to end
	http.HandleFunc("/flap", func(w http.ResponseWriter, r *http.Request) {
		seconds := 30
		if s := r.URL.Query().Get("seconds"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				seconds = n
			}
		}

		online.Store(false)
		log.Printf("link down, restoring in %ds", seconds)
		time.AfterFunc(time.Duration(seconds)*time.Second, func() {
			online.Store(true)
			log.Printf("link restored after flap")
		})

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"link": "down", "restore_in_seconds": seconds})
	})

	// Stats endpoint — probe count and current link state
	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"probes": probeCount.Load(),
			"online": online.Load(),
		})
	})

	log.Printf("Mock network server starting on :%s", port)
	log.Printf("  GET  /probe          -> 200 while up, dropped connection while down")
	log.Printf("  POST /down           -> take the link down")
	log.Printf("  POST /up             -> bring the link up")
	log.Printf("  POST /flap?seconds=N -> transient outage, auto-restore")
	log.Printf("  GET  /stats          -> probe count and link state")

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
