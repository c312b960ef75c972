// devcollab runs stand-in translation and scoring services for local
// pipeline development. It speaks the same wire shape as the real
// collaborators.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

type messageReq struct {
	Message        string `json:"message"`
	SourceLanguage string `json:"source_language,omitempty"`
}

func main() {
	var (
		addr       string
		failRate   float64
		minLatency time.Duration
		maxLatency time.Duration
		seed       int64
	)

	flag.StringVar(&addr, "addr", ":7000", "HTTP listen address")
	flag.Float64Var(&failRate, "fail-rate", 0, "Probability [0,1] that a request fails with 500")
	flag.DurationVar(&minLatency, "min-latency", 0, "Minimum artificial response delay")
	flag.DurationVar(&maxLatency, "max-latency", 0, "Maximum artificial response delay")
	flag.Int64Var(&seed, "seed", 0, "Random seed (0 uses current time)")
	flag.Parse()

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	decode := func(w http.ResponseWriter, r *http.Request) (messageReq, bool) {
		defer r.Body.Close()

		if failRate > 0 && rng.Float64() < failRate {
			writeError(w, http.StatusInternalServerError, "injected failure")
			return messageReq{}, false
		}
		if maxLatency > minLatency {
			time.Sleep(minLatency + time.Duration(rng.Int63n(int64(maxLatency-minLatency))))
		} else if minLatency > 0 {
			time.Sleep(minLatency)
		}

		var req messageReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return messageReq{}, false
		}
		if req.Message == "" {
			writeError(w, http.StatusBadRequest, "message required")
			return messageReq{}, false
		}
		return req, true
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /translate", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"translated_message": req.Message,
		})
	})

	mux.HandleFunc("POST /score", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"score": scoreText(req.Message, rng),
		})
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	log.Printf("devcollab listening on %s (fail-rate=%.2f seed=%d)", addr, failRate, seed)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

// scoreText mixes a few crude keyword signals with noise so repeated runs
// against the same input produce plausible but varied scores.
func scoreText(text string, rng *rand.Rand) float64 {
	lowered := strings.ToLower(text)
	score := rng.Float64() * 0.3
	for _, word := range []string{"hate", "stupid", "terrible", "idiot"} {
		if strings.Contains(lowered, word) {
			score += 0.4
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
