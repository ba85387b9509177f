// Command trackwatch listens to a live audio stream and reports which
// reference tracks are playing, using Panako as the fingerprint matcher.
//
//	trackwatch [serve]                   control API, listen-along, metrics
//	trackwatch monitor [url]             one session in the foreground
//	trackwatch index [--force] [--watch] store the reference library
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/trackwatch/internal/catalog"
	"github.com/satindergrewal/trackwatch/internal/config"
	"github.com/satindergrewal/trackwatch/internal/events"
	"github.com/satindergrewal/trackwatch/internal/fingerprint"
	"github.com/satindergrewal/trackwatch/internal/metrics"
	"github.com/satindergrewal/trackwatch/internal/monitor"
	"github.com/satindergrewal/trackwatch/internal/stream"
)

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics.Register(prometheus.DefaultRegisterer)

	switch cmd {
	case "serve":
		err = runServe(ctx, cfg)
	case "monitor":
		err = runMonitor(ctx, cfg, args)
	case "index":
		err = runIndex(ctx, cfg, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: trackwatch [serve | monitor [url] | index [--force] [--watch]]\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("trackwatch %s: %v", cmd, err)
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	g, gctx := errgroup.WithContext(ctx)

	hub := events.NewHub(1000)
	a := newApp(gctx, cfg, hub)

	mux := http.NewServeMux()
	a.routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	if cfg.Server.ListenAlong {
		format := cfg.Format()
		frames := make(chan []int16, 50)
		framer, err := stream.NewFramer(format, frames)
		if err != nil {
			log.Printf("Listen-along disabled: %v", err)
		} else {
			b := stream.NewBroadcaster(format)
			g.Go(func() error {
				b.Run(gctx, frames)
				return nil
			})
			rtc := stream.NewWebRTCHandler(b)
			mux.Handle("/stream", stream.NewHTTPHandler(b, cfg.Stream.FFmpeg))
			mux.Handle("/offer", rtc)
			a.framer, a.broadcaster, a.peers = framer, b, rtc.PeerCount
			if err := stream.OpusSupported(format); err != nil {
				log.Printf("WebRTC listen-along unavailable: %v", err)
			}
		}
	}

	if cfg.Fingerprint.Watch {
		w := fingerprint.NewWatcher(fingerprint.Options{
			Library:    cfg.Library.Dir,
			Extensions: cfg.Library.Extensions,
			DBDir:      cfg.Matcher.DBDir,
			Storer:     a.storer,
			Sink:       events.WithSession(xid.New().String(), a.sink()),
		}, cfg.Fingerprint.Settle)
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				log.Printf("Library watch failed: %v", err)
			}
			return nil
		})
	}

	if cfg.Stream.URL != "" {
		if _, err := a.startMonitor(""); err != nil {
			log.Printf("Could not start monitor for %s: %v", cfg.Stream.URL, err)
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutCtx)
	})
	g.Go(func() error {
		log.Printf("trackwatch live on %s", addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err := g.Wait()

	// Workers were cancelled with gctx; give them time to terminate their
	// child processes and report STOPPED.
	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.monitorSlot.Wait(waitCtx)
	a.indexSlot.Wait(waitCtx)
	return err
}

func runMonitor(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	fs.Parse(args)

	url := cfg.Stream.URL
	if fs.NArg() > 0 {
		url = fs.Arg(0)
	}
	if url == "" {
		return errors.New("no stream url: pass one or set TRACKWATCH_STREAM_URL")
	}

	tracks, err := catalog.Scan(cfg.Library.Dir, cfg.Library.Extensions)
	if err != nil {
		log.Printf("Catalog scan failed: %v", err)
	}
	log.Printf("Loaded %d reference tracks from %s", len(tracks), cfg.Library.Dir)

	sess, err := monitor.New(monitor.Options{
		Settings: cfg.MonitorSettings(),
		Source:   monitor.DecoderSource{Config: cfg.Decoder(url)},
		Matcher:  cfg.Panako(),
		Tracks:   tracks,
		Sink:     events.LogSink{},
	})
	if err != nil {
		return err
	}
	sess.Run(ctx)
	return nil
}

func runIndex(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	force := fs.Bool("force", false, "delete the matcher database before storing")
	watch := fs.Bool("watch", cfg.Fingerprint.Watch, "keep watching the library for new files")
	fs.Parse(args)

	p := mpb.NewWithContext(ctx, mpb.WithWidth(64))
	var bar *mpb.Bar

	opts := fingerprint.Options{
		Library:    cfg.Library.Dir,
		Extensions: cfg.Library.Extensions,
		DBDir:      cfg.Matcher.DBDir,
		Force:      *force,
		Storer:     cfg.Panako(),
		Sink:       events.LogSink{},
		Progress: func(done, total int) {
			if bar == nil {
				bar = p.AddBar(int64(total),
					mpb.PrependDecorators(
						decor.Name("Indexing: "),
						decor.CountersNoUnit("%d / %d"),
					),
					mpb.AppendDecorators(
						decor.Percentage(),
						decor.AverageETA(decor.ET_STYLE_GO),
					),
				)
			}
			bar.SetCurrent(int64(done))
		},
	}

	sum := fingerprint.NewJob(opts).Run(ctx)
	if bar != nil && !bar.Completed() {
		bar.Abort(false)
	}
	p.Wait()
	log.Printf("Index finished: %d/%d completed, %d failed, %d skipped", sum.Completed, sum.Total, sum.Failed, sum.Skipped)

	if !*watch || sum.Cancelled || ctx.Err() != nil {
		return nil
	}
	opts.Force = false
	opts.Progress = nil
	return fingerprint.NewWatcher(opts, cfg.Fingerprint.Settle).Run(ctx)
}
