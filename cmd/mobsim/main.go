package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"mobsim.ai/internal/persistence/indexdb"
	persistlog "mobsim.ai/internal/persistence/log"
	"mobsim.ai/internal/persistence/snapshot"
	"mobsim.ai/internal/sim/kernel"
	"mobsim.ai/internal/sim/roles"
	"mobsim.ai/internal/sim/tuning"
	"mobsim.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "http listen address (empty to disable)")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "", "runtime data directory (default: output.data_dir)")
		runID      = flag.String("run", "", "run id (default: derived from the start time)")
		workers    = flag.Int("workers", 0, "override workers.count")
		seed       = flag.Int64("seed", 0, "override run.seed")
		endFrame   = flag.Uint64("end", 0, "override run.end_frame")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index")
		realtime   = flag.Bool("realtime", false, "pace ticks at simulated speed")
		linger     = flag.Bool("linger", false, "keep serving http after the run ends")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[mobsim] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	explicit := tp != ""
	if !explicit {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	if *workers > 0 {
		tune.Workers.Count = *workers
	}
	if *seed != 0 {
		tune.Run.Seed = *seed
	}
	if *endFrame > 0 {
		tune.Run.EndFrame = *endFrame
	}
	if *disableDB {
		tune.Output.IndexDB = false
	}
	if *dataDir != "" {
		tune.Output.DataDir = *dataDir
	}
	if err := tune.Validate(); err != nil {
		logger.Fatalf("tuning: %v", err)
	}

	cfgDir := filepath.Dir(tp)
	if abs, err := filepath.Abs(cfgDir); err == nil {
		cfgDir = abs
	}
	net, err := tune.LoadNetwork(cfgDir)
	if err != nil {
		logger.Fatalf("load network: %v", err)
	}

	id := strings.TrimSpace(*runID)
	if id == "" {
		id = "run_" + strconv.FormatInt(time.Now().UTC().Unix(), 10)
	}
	runDir := filepath.Join(tune.Output.DataDir, "runs", id)
	end := tune.EndFrame()
	if err := tuning.WriteManifest(runDir, tuning.Manifest{
		RunID:     id,
		CreatedAt: time.Now().UTC(),
		ConfigDir: cfgDir,
		EndFrame:  end,
		Tuning:    tune,
	}); err != nil {
		logger.Fatalf("write manifest: %v", err)
	}

	env, kcfg := tune.Kernel(net)
	g, err := kernel.New(env, kcfg)
	if err != nil {
		logger.Fatalf("kernel: %v", err)
	}
	g.SetLogger(log.New(os.Stdout, "[kernel] ", log.LstdFlags|log.Lmicroseconds))

	if _, err := roles.Populate(g, env, tune); err != nil {
		logger.Fatalf("populate: %v", err)
	}

	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Printf("close: %v", err)
			}
		}
		closers = nil
	}
	defer closeAll()
	if tune.Output.TickLog {
		tl := persistlog.NewTickLogger(runDir)
		fl := persistlog.NewFaultLogger(runDir)
		g.AddSink(tl)
		g.AddSink(fl)
		closers = append(closers, tl.Close, fl.Close)
	}
	var idx *indexdb.SQLiteIndex
	if tune.Output.IndexDB {
		idx, err = indexdb.OpenSQLite(indexdb.RunPath(runDir))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		if err := idx.UpsertRun(id, tune); err != nil {
			logger.Printf("index: upsert run: %v", err)
		}
		g.AddSink(idx)
		closers = append(closers, idx.Close)
	}

	var snaps *snapshot.Writer
	if tune.Output.SnapshotEveryTicks > 0 {
		snaps = snapshot.NewWriter(g, runDir, id, tune.Output.SnapshotEveryTicks, logger)
		g.AddSink(snaps)
		closers = append(closers, snaps.Close)
	}

	ctx, cancel := signalContext()
	defer cancel()

	var srv *http.Server
	if a := strings.TrimSpace(*addr); a != "" {
		obs := observer.NewServer(g, net, observer.RunInfo{RunID: id, EndFrame: end}, logger)
		if idx != nil {
			obs.AddStatus("index", func() any { return idx.Stats() })
		}
		if snaps != nil {
			obs.AddStatus("snapshots", func() any {
				written, skipped := snaps.Stats()
				return map[string]uint64{"written": written, "skipped": skipped}
			})
		}
		g.AddSink(obs)

		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(200)
			_, _ = rw.Write([]byte("ok"))
		})
		mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
			rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
			writeMetrics(rw, id, g.Stats(), idx)
		})
		obs.Routes(mux)
		if envBool("MOBSIM_ENABLE_PPROF_HTTP", false) {
			mux.HandleFunc("/debug/pprof/", pprof.Index)
			mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		}

		srv = &http.Server{
			Addr:              a,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Printf("listening on %s", a)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("ListenAndServe: %v", err)
			}
		}()
	}

	pop, err := admit(g)
	if err != nil {
		logger.Fatalf("start: %v", err)
	}
	logger.Printf("run %s: workers=%d tick=%dms end_frame=%d population=%d dir=%s",
		id, kcfg.Workers, env.TickMs, end, pop, runDir)
	started := time.Now()
	runErr := runLoop(ctx, g, end, pace(*realtime, env.TickMs))
	st := g.Stats()
	logger.Printf("run %s finished: frame=%d population=%d created=%d removed=%d faults=%d digest=%s wall=%s",
		id, st.Frame, st.Population, st.TotalCreated, st.TotalRemoved, st.TotalFaults, st.Digest, time.Since(started).Round(time.Millisecond))

	if srv != nil {
		if *linger && runErr == nil {
			logger.Printf("run done; serving until interrupted")
			<-ctx.Done()
		}
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(ctx2)
		cancel2()
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Printf("run failed: %v", runErr)
		closeAll()
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func pace(realtime bool, tickMs int) time.Duration {
	if !realtime {
		return 0
	}
	return time.Duration(tickMs) * time.Millisecond
}
