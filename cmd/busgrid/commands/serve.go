package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"busgrid.ai/internal/observability"
	"busgrid.ai/internal/persistence/indexdb"
	persistlog "busgrid.ai/internal/persistence/log"
	"busgrid.ai/internal/persistence/snapshot"
	"busgrid.ai/internal/sim/bus"
	"busgrid.ai/internal/sim/devices"
	"busgrid.ai/internal/sim/tuning"
	"busgrid.ai/internal/sim/world"
	"busgrid.ai/internal/transport/hostsync"
)

type serveFlags struct {
	Config       string
	DataDir      string
	WorldID      string
	Addr         string
	MetricsAddr  string
	LogLevel     string
	LogFormat    string
	LogFile      string
	Snapshot     string
	Fresh        bool
	DisableIndex bool
}

// NewServeCmd returns the command that runs a world
func NewServeCmd() *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a world and serve host sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			tune, err := loadTuning(cmd, f)
			if err != nil {
				return err
			}
			logger, err := newLogger(tune.Log.Level, tune.Log.Format, tune.Log.File, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return serve(ctx, tune, f, logger)
		},
	}

	addServeFlags(cmd, f)
	return cmd
}

func addServeFlags(cmd *cobra.Command, f *serveFlags) {
	cmd.Flags().StringVar(&f.Config, "config", "./configs/tuning.yaml", "path to tuning.yaml")
	cmd.Flags().StringVar(&f.DataDir, "data", "", "runtime data directory (overrides server.data_dir)")
	cmd.Flags().StringVar(&f.WorldID, "world", "", "world id (overrides world_id)")
	cmd.Flags().StringVar(&f.Addr, "addr", "", "http listen address (overrides server.sync_addr)")
	cmd.Flags().StringVar(&f.MetricsAddr, "metrics-addr", "", "separate /metrics listen address")
	cmd.Flags().StringVar(&f.LogLevel, "log", "", "debug, info, warn, error")
	cmd.Flags().StringVar(&f.LogFormat, "log-format", "", "text or json")
	cmd.Flags().StringVar(&f.LogFile, "log-file", "", "also write JSON log lines to this file")
	cmd.Flags().StringVar(&f.Snapshot, "snapshot", "", "snapshot to resume from (default: latest in data dir)")
	cmd.Flags().BoolVar(&f.Fresh, "fresh", false, "ignore existing snapshots")
	cmd.Flags().BoolVar(&f.DisableIndex, "disable-index", false, "do not maintain the sqlite index")
}

func loadTuning(cmd *cobra.Command, f *serveFlags) (tuning.Tuning, error) {
	tune, err := tuning.Load(f.Config)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || cmd.Flags().Changed("config") {
			return tune, err
		}
		tune = tuning.Defaults()
	}

	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("data", &tune.Server.DataDir, f.DataDir)
	set("world", &tune.WorldID, f.WorldID)
	set("addr", &tune.Server.SyncAddr, f.Addr)
	set("metrics-addr", &tune.Server.MetricsAddr, f.MetricsAddr)
	set("log", &tune.Log.Level, f.LogLevel)
	set("log-format", &tune.Log.Format, f.LogFormat)
	set("log-file", &tune.Log.File, f.LogFile)
	if cmd.Flags().Changed("disable-index") {
		tune.Server.DisableIndex = f.DisableIndex
	}
	return tune, nil
}

func serve(ctx context.Context, tune tuning.Tuning, f *serveFlags, logger *logrus.Logger) error {
	instance := uuid.NewString()
	log := logger.WithFields(logrus.Fields{"instance": instance, "world": tune.WorldID})
	log.WithFields(logrus.Fields{
		"data_dir":     tune.Server.DataDir,
		"sync_addr":    tune.Server.SyncAddr,
		"metrics_addr": tune.Server.MetricsAddr,
		"tick_rate_hz": tune.TickRateHz,
	}).Debug("SERVE")

	reg := bus.NewRegistry()
	if err := devices.NewSet(tune.Devices).Register(reg); err != nil {
		return err
	}
	w := world.New(tune.WorldConfig(), reg, logger)

	worldDir := filepath.Join(tune.Server.DataDir, "worlds", tune.WorldID)
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		return err
	}

	snapPath := f.Snapshot
	if snapPath == "" && !f.Fresh {
		snapPath = latestSnapshot(worldDir)
	}
	if snapPath != "" {
		if err := resume(w, snapPath, log); err != nil {
			return err
		}
	}

	var idx *indexdb.SQLiteIndex
	if !tune.Server.DisableIndex {
		var err error
		idx, err = indexdb.OpenSQLite(filepath.Join(worldDir, "index", "world.sqlite"), logger)
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()
	}

	tickLog := persistlog.NewTickLogger(worldDir)
	auditLog := persistlog.NewAuditLogger(worldDir)
	defer tickLog.Close()
	defer auditLog.Close()
	tl, al := multiTickLogger{tickLog}, multiAuditLogger{auditLog}
	if idx != nil {
		tl, al = append(tl, idx), append(al, idx)
	}
	w.SetTickLogger(tl)
	w.SetAuditLogger(al)

	hub := hostsync.NewHub(w.ID(), w, logger)
	defer hub.Close()
	w.SetStreamSink(hub)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	schedMetrics, err := observability.NewSchedulerCollector(promReg)
	if err != nil {
		return err
	}
	w.Scheduler().SetMetrics(schedMetrics)
	src := observability.WorldSources{World: w.Metrics, Sync: hub}
	if idx != nil {
		src.Index = idx.Stats
	}
	promReg.MustRegister(observability.NewWorldCollector(w.ID(), src))

	snapCh := make(chan snapshot.SnapshotV1, 2)
	w.SetSnapshotSink(snapCh)
	stopWriter, writerDone := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-stopWriter:
				return
			case snap := <-snapCh:
				writeSnapshot(worldDir, snap, idx, log)
			}
		}
	}()

	worldDone := make(chan error, 1)
	go func() { worldDone <- w.Run(ctx) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/v1/sync", hub.Handler())
	mux.HandleFunc("/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			Instance string        `json:"instance"`
			WorldID  string        `json:"world_id"`
			Metrics  world.Metrics `json:"metrics"`
			Sessions int           `json:"sessions"`
		}{instance, w.ID(), w.Metrics(), hub.Sessions()}
		_ = json.NewEncoder(rw).Encode(resp)
	})

	servers := []*http.Server{{Addr: tune.Server.SyncAddr, Handler: mux}}
	if tune.Server.MetricsAddr == "" {
		mux.Handle("/metrics", observability.Handler(promReg))
	} else {
		mm := http.NewServeMux()
		mm.Handle("/metrics", observability.Handler(promReg))
		servers = append(servers, &http.Server{Addr: tune.Server.MetricsAddr, Handler: mm})
	}
	serveErr := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			log.WithField("addr", srv.Addr).Info("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	var runErr error
	worldStopped := false
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	case runErr = <-worldDone:
		worldStopped = true
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	hub.Close()
	if !worldStopped {
		w.Stop()
		<-worldDone
	}
	close(stopWriter)
	<-writerDone

	// The loop has stopped, so the world is safe to read here.
	if snap, err := w.ExportSnapshot(); err != nil {
		log.WithError(err).Error("final snapshot export failed")
	} else {
		writeSnapshot(worldDir, snap, idx, log)
	}
	log.WithField("tick", w.CurrentTick()).Info("stopped")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func resume(w *world.World, path string, log logrus.FieldLogger) error {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if snap.Header.WorldID != "" && snap.Header.WorldID != w.ID() {
		return fmt.Errorf("snapshot world id mismatch: config=%s snap=%s", w.ID(), snap.Header.WorldID)
	}
	unknown, err := w.ImportSnapshot(snap)
	if err != nil {
		return err
	}
	for _, u := range unknown {
		log.WithFields(logrus.Fields{"slot": u.Slot.ID(), "type": u.TypeID}).Warn("device dropped on resume")
	}
	log.WithFields(logrus.Fields{
		"snapshot": filepath.Base(path),
		"tick":     w.CurrentTick(),
	}).Info("resumed")
	return nil
}

func writeSnapshot(worldDir string, snap snapshot.SnapshotV1, idx *indexdb.SQLiteIndex, log logrus.FieldLogger) {
	path := snapshot.Path(worldDir, snap.Header.Tick)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		log.WithError(err).Error("snapshot write failed")
		return
	}
	if idx != nil {
		idx.RecordSnapshot(path, snap)
	}
	log.WithFields(logrus.Fields{"tick": snap.Header.Tick, "hosts": len(snap.Hosts)}).Debug("snapshot written")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
