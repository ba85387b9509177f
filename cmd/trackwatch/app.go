package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/rs/xid"

	"github.com/satindergrewal/trackwatch/internal/catalog"
	"github.com/satindergrewal/trackwatch/internal/config"
	"github.com/satindergrewal/trackwatch/internal/events"
	"github.com/satindergrewal/trackwatch/internal/fingerprint"
	"github.com/satindergrewal/trackwatch/internal/monitor"
	"github.com/satindergrewal/trackwatch/internal/stream"
	"github.com/satindergrewal/trackwatch/internal/worker"
)

// app owns the long-lived pieces behind the control API: one monitor slot,
// one index slot and the event hub both report into.
type app struct {
	ctx context.Context
	cfg config.Config
	hub *events.Hub

	newSource func(url string) monitor.Source
	querier   monitor.Querier
	storer    fingerprint.Storer

	monitorSlot *worker.Slot
	indexSlot   *worker.Slot

	// listen-along, nil when disabled
	framer      *stream.Framer
	broadcaster *stream.Broadcaster
	peers       func() int

	mu        sync.Mutex
	sessionID string
	streamURL string
	progress  [2]int // done, total of the running or last index job
	lastIndex *fingerprint.Summary
}

func newApp(ctx context.Context, cfg config.Config, hub *events.Hub) *app {
	panako := cfg.Panako()
	return &app{
		ctx: ctx,
		cfg: cfg,
		hub: hub,
		newSource: func(url string) monitor.Source {
			return monitor.DecoderSource{Config: cfg.Decoder(url)}
		},
		querier:     panako,
		storer:      panako,
		monitorSlot: worker.NewSlot("monitor"),
		indexSlot:   worker.NewSlot("index"),
	}
}

func (a *app) sink() events.Sink {
	return events.Multi(a.hub, events.LogSink{})
}

// startMonitor builds a session for url and runs it in the monitor slot.
func (a *app) startMonitor(url string) (string, error) {
	if url == "" {
		url = a.cfg.Stream.URL
	}
	if url == "" {
		return "", errors.New("no stream url given and stream.url is not configured")
	}

	tracks, err := catalog.Scan(a.cfg.Library.Dir, a.cfg.Library.Extensions)
	if err != nil {
		log.Printf("Catalog scan failed: %v", err)
	}

	opts := monitor.Options{
		Settings: a.cfg.MonitorSettings(),
		Source:   a.newSource(url),
		Matcher:  a.querier,
		Tracks:   tracks,
		Sink:     a.sink(),
	}
	if a.framer != nil {
		opts.Tap = a.framer.Tap
	}
	sess, err := monitor.New(opts)
	if err != nil {
		return "", err
	}

	run := func(ctx context.Context) {
		if a.framer != nil {
			// A partial frame left by the previous session.
			a.framer.Reset()
		}
		sess.Run(ctx)
	}
	if err := a.monitorSlot.Start(a.ctx, run); err != nil {
		return "", err
	}
	a.mu.Lock()
	a.sessionID = sess.ID()
	a.streamURL = url
	a.mu.Unlock()
	log.Printf("Monitor session %s started for %s (%d reference tracks)", sess.ID(), url, len(tracks))
	return sess.ID(), nil
}

// startIndex runs a store job in the index slot.
func (a *app) startIndex(force bool) (string, error) {
	id := xid.New().String()
	job := fingerprint.NewJob(fingerprint.Options{
		Library:    a.cfg.Library.Dir,
		Extensions: a.cfg.Library.Extensions,
		DBDir:      a.cfg.Matcher.DBDir,
		Force:      force,
		Storer:     a.storer,
		Sink:       events.WithSession(id, a.sink()),
		Progress: func(done, total int) {
			a.mu.Lock()
			a.progress = [2]int{done, total}
			a.mu.Unlock()
		},
	})
	err := a.indexSlot.Start(a.ctx, func(ctx context.Context) {
		a.mu.Lock()
		a.progress = [2]int{}
		a.lastIndex = nil
		a.mu.Unlock()

		sum := job.Run(ctx)
		a.mu.Lock()
		a.lastIndex = &sum
		a.mu.Unlock()
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

type statusResponse struct {
	Monitor struct {
		Running bool   `json:"running"`
		Session string `json:"session,omitempty"`
		URL     string `json:"url,omitempty"`
	} `json:"monitor"`
	Index struct {
		Running bool                 `json:"running"`
		Done    int                  `json:"done"`
		Total   int                  `json:"total"`
		Last    *fingerprint.Summary `json:"last,omitempty"`
	} `json:"index"`
	Playing         []events.Event `json:"playing"`
	Recent          []events.Event `json:"recent"`
	HTTPListeners   int            `json:"http_listeners"`
	WebRTCListeners int            `json:"webrtc_listeners"`
}

func (a *app) status() statusResponse {
	var st statusResponse
	a.mu.Lock()
	st.Monitor.Session = a.sessionID
	st.Monitor.URL = a.streamURL
	st.Index.Done, st.Index.Total = a.progress[0], a.progress[1]
	st.Index.Last = a.lastIndex
	a.mu.Unlock()

	st.Monitor.Running = a.monitorSlot.Running()
	st.Index.Running = a.indexSlot.Running()
	st.Playing = a.hub.Playing()

	hist := a.hub.History()
	if n := len(hist); n > 50 {
		hist = hist[n-50:]
	}
	st.Recent = hist
	if a.broadcaster != nil {
		st.HTTPListeners = a.broadcaster.ListenerCount()
	}
	if a.peers != nil {
		st.WebRTCListeners = a.peers()
	}
	return st
}

func (a *app) routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/monitor/start", a.handleMonitorStart)
	mux.HandleFunc("/api/monitor/stop", a.handleStop(a.monitorSlot))
	mux.HandleFunc("/api/index/start", a.handleIndexStart)
	mux.HandleFunc("/api/index/stop", a.handleStop(a.indexSlot))
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/events", a.handleEvents)
}

func (a *app) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	id, err := a.startMonitor(req.URL)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, map[string]any{"ok": true, "session": id})
}

func (a *app) handleIndexStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Force bool `json:"force"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	id, err := a.startIndex(req.Force)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, map[string]any{"ok": true, "job": id, "force": req.Force})
}

func (a *app) handleStop(slot *worker.Slot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]any{"ok": true, "stopping": slot.Stop()})
	}
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.status())
}

// handleEvents streams events as server-sent events, starting with the
// retained history.
func (a *app) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	sub, history := a.hub.SubscribeWithHistory(256)
	defer a.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	for _, e := range history {
		if writeSSE(w, e) != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case e := <-sub.C:
			if writeSSE(w, e) != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Kind, data)
	return err
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, worker.ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(v)
}
