package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"

	"owg/server/internal/broadcast"
	"owg/server/internal/config"
	"owg/server/internal/fingerprint"
	grpcstream "owg/server/internal/grpc"
	httpapi "owg/server/internal/http"
	"owg/server/internal/ingest"
	"owg/server/internal/logging"
	"owg/server/internal/networking"
	"owg/server/internal/persist"
	"owg/server/internal/physics"
	"owg/server/internal/protocol"
	"owg/server/internal/replay"
	"owg/server/internal/sim"
	"owg/server/internal/simulation"
)

const (
	websocketPath          = "/ws"
	retentionSweepInterval = 10 * time.Minute
	shutdownTimeout        = 5 * time.Second
)

// server owns every long lived component of one process.
type server struct {
	cfg     *config.Config
	log     *logging.Logger
	started time.Time

	authority *sim.Authority
	hub       *broadcast.Hub
	monitor   *simulation.TickMonitor
	sync      *simulation.Synchronizer
	loop      *simulation.Loop
	ingestor  *ingest.Ingestor
	meter     *networking.TrafficMeter
	ws        *networking.Server
	service   *grpcstream.Service
	grpc      *grpc.Server
	recorder  *replay.Recorder
	cleaner   *replay.Cleaner
	ledger    *persist.Ledger
	persister *persist.Persister
	http      *http.Server

	mu         sync.Mutex
	startupErr error
}

// newServer wires the simulation from cfg. Nothing runs until serve is called.
func newServer(cfg *config.Config, logger *logging.Logger) (*server, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if logger == nil {
		logger = logging.L()
	}
	s := &server{cfg: cfg, log: logger, started: time.Now()}

	//1.- Engine and authority, restored from the persisted document when one exists.
	s.authority = sim.NewAuthority(sim.New(cfg.Simulation.Seed, engineOptions(cfg)...))
	if err := s.restore(); err != nil {
		return nil, err
	}

	//2.- Optional replay schedule; a broken file refuses to start.
	schedule, err := s.loadSchedule()
	if err != nil {
		return nil, err
	}

	//3.- Fan-out and the synchronization loop.
	s.hub = broadcast.NewHub()
	s.monitor = simulation.NewTickMonitor(cfg.Simulation.TickInterval)
	syncOpts := []simulation.SyncOption{
		simulation.WithSnapshotInterval(cfg.Simulation.SnapshotInterval),
		simulation.WithLogger(logger),
		simulation.WithTickMonitor(s.monitor),
	}
	if schedule != nil {
		syncOpts = append(syncOpts, simulation.WithSchedule(schedule))
	}
	s.sync = simulation.NewSynchronizer(s.authority, s.hub, syncOpts...)
	s.loop = simulation.NewLoop(cfg.Simulation.TickInterval, s.sync.Step)

	//4.- Session recording and retention.
	if cfg.Replay.RecordDir != "" {
		s.recorder, err = replay.NewRecorder(cfg.Replay.RecordDir, cfg.Simulation.Seed,
			replay.WithCompression(cfg.Replay.RecordCompress),
			replay.WithStartTick(s.authority.Tick()),
		)
		if err != nil {
			return nil, fmt.Errorf("open recorder: %w", err)
		}
		policy := replay.RetentionPolicy{MaxRecordings: cfg.Replay.RecordRetention, MaxAge: cfg.Replay.RecordMaxAge}
		s.cleaner = replay.NewCleaner(cfg.Replay.RecordDir, policy,
			replay.WithCleanerLogger(logger.With(logging.String("component", "retention"))),
			replay.WithProtectedDir(s.recorder.Dir()),
		)
		logger.Info("recording session", logging.String("path", s.recorder.Path()))
	}

	//5.- Command ingress shared by the websocket and gRPC transports.
	ingestOpts := []ingest.Option{
		ingest.WithBuffer(cfg.Simulation.SubscriberBuffer),
		ingest.WithStrictSchema(cfg.Simulation.StrictSchema),
		ingest.WithLogger(logger),
	}
	if s.recorder != nil {
		ingestOpts = append(ingestOpts, ingest.WithRecorder(s.recorder))
	}
	s.ingestor = ingest.New(s.authority, s.hub, ingestOpts...)
	s.meter = networking.NewTrafficMeter(nil)
	s.ws = networking.NewServer(s.ingestor,
		networking.WithAllowedOrigins(cfg.AllowedOrigins),
		networking.WithMaxClients(cfg.MaxClients),
		networking.WithReadLimit(cfg.MaxPayloadBytes),
		networking.WithPingInterval(cfg.PingInterval),
		networking.WithTrafficMeter(s.meter),
		networking.WithLogger(logger),
	)
	if cfg.GRPCAddress != "" {
		opts, err := grpcServerOptions(cfg, logger)
		if err != nil {
			s.closeStorage()
			return nil, err
		}
		s.grpc = grpc.NewServer(opts...)
		s.service = grpcstream.NewService(s.ingestor)
		grpcstream.Register(s.grpc, s.service)
	}

	//6.- State persistence.
	if cfg.State.Path != "" {
		persistOpts := []persist.Option{
			persist.WithLogger(logger),
			persist.WithArchiveDir(cfg.State.ArchiveDir),
			persist.WithHasher(stateHasher(cfg)),
		}
		if cfg.State.LedgerPath != "" {
			s.ledger, err = persist.OpenLedger(cfg.State.LedgerPath)
			if err != nil {
				s.closeStorage()
				return nil, fmt.Errorf("open ledger: %w", err)
			}
			persistOpts = append(persistOpts, persist.WithLedger(s.ledger))
		}
		s.persister = persist.New(s.authority, cfg.State.Path, cfg.State.Interval, persistOpts...)
	}

	//7.- HTTP surface.
	mux := http.NewServeMux()
	s.handlers().Register(mux)
	mux.Handle(websocketPath, s.ws)
	s.http = &http.Server{
		Handler:           logging.HTTPTraceMiddleware(logger)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func stateHasher(cfg *config.Config) fingerprint.Hasher {
	return fingerprint.New(fingerprint.WithAlgorithm(fingerprint.Algorithm(cfg.Simulation.FingerprintAlgorithm)))
}

func engineOptions(cfg *config.Config) []sim.Option {
	opts := []sim.Option{sim.WithHasher(stateHasher(cfg))}
	if integrator := cfg.Simulation.Integrator; integrator.Kind == config.IntegratorDamped {
		opts = append(opts, sim.WithIntegrator(physics.Damped{Drag: integrator.Drag, MaxSpeed: integrator.MaxSpeed}))
	}
	if len(cfg.Simulation.MineYields) > 0 {
		yields := make([]protocol.ItemStack, 0, len(cfg.Simulation.MineYields))
		for _, y := range cfg.Simulation.MineYields {
			yields = append(yields, protocol.ItemStack{ItemID: y.ItemID, Count: y.Count})
		}
		opts = append(opts, sim.WithMineYields(yields))
	}
	return opts
}

func (s *server) restore() error {
	if s.cfg.State.Path == "" {
		return nil
	}
	source := s.cfg.State.Path
	state, err := persist.LoadState(source)
	if errors.Is(err, fs.ErrNotExist) && s.cfg.State.ArchiveDir != "" {
		//1.- Without a live document fall back to the newest archived copy.
		source, err = persist.LatestArchive(s.cfg.State.ArchiveDir)
		if err == nil {
			state, err = persist.ReadArchive(source)
		}
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	if state.World.Seed != s.cfg.Simulation.Seed {
		s.log.Warn("restored state was produced with another seed",
			logging.String("state_seed", state.World.Seed),
			logging.String("configured_seed", s.cfg.Simulation.Seed),
		)
	}
	s.authority.Restore(state)
	s.log.Info("state restored", logging.Tick(s.authority.Tick()), logging.String("path", source))
	return nil
}

func (s *server) loadSchedule() (*replay.Schedule, error) {
	path := s.cfg.Replay.Path
	if path == "" {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", path, err)
	}
	var schedule *replay.Schedule
	if info.IsDir() {
		var header replay.Header
		header, schedule, err = replay.LoadRecording(path)
		if err == nil && header.Seed != s.cfg.Simulation.Seed {
			s.log.Warn("replaying a recording made with another seed", logging.String("recording_seed", header.Seed))
		}
	} else {
		schedule, err = replay.Load(path)
	}
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", path, err)
	}
	s.log.Info("replay schedule loaded",
		logging.String("path", path),
		logging.Int("commands", schedule.Len()),
		logging.Uint64("last_tick", schedule.LastTick()),
	)
	return schedule, nil
}

func (s *server) handlers() *httpapi.HandlerSet {
	sources := httpapi.MetricsSources{
		Hub:     s.hub.Stats,
		Sync:    s.sync.Stats,
		Ticks:   s.monitor.Snapshot,
		Ingest:  s.ingestor.Stats,
		Traffic: s.meter.Totals,
	}
	opts := httpapi.Options{
		Logger:      s.log,
		Readiness:   s,
		Fingerprint: s.authority,
		AdminToken:  s.cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(s.cfg.PersistWindow, s.cfg.PersistBurst, nil),
	}
	if s.service != nil {
		sources.GRPC = s.service.Stats
	}
	if s.recorder != nil {
		sources.Recorder = s.recorder.Stats
		sources.Retention = s.cleaner.Stats
	}
	if s.persister != nil {
		sources.Persist = s.persister.Stats
		opts.Persister = s.persister
	}
	if s.ledger != nil {
		opts.Ledger = s.ledger
	}
	opts.Metrics = sources
	return httpapi.NewHandlerSet(opts)
}

// StartupError reports a listener failure observed after serve began.
func (s *server) StartupError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startupErr
}

// Uptime reports how long the process has been running.
func (s *server) Uptime() time.Duration {
	return time.Since(s.started)
}

func (s *server) fail(err error) {
	s.mu.Lock()
	if s.startupErr == nil {
		s.startupErr = err
	}
	s.mu.Unlock()
}

// serve runs every component until ctx ends or a listener fails, then shuts down in order.
// grpcLn may be nil when gRPC is disabled.
func (s *server) serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	//1.- Background work.
	s.loop.Start(ctx)
	s.persister.Start()
	var wg sync.WaitGroup
	if s.cleaner != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.cleaner.Run(ctx, retentionSweepInterval)
		}()
	}

	//2.- Listeners.
	errCh := make(chan error, 2)
	tlsEnabled := s.cfg.TLSCertPath != ""
	go func() {
		var err error
		if tlsEnabled {
			err = s.http.ServeTLS(httpLn, s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
		} else {
			err = s.http.Serve(httpLn)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	s.log.Info("simulation server listening",
		logging.String("url", listenerURL(httpLn.Addr().String(), tlsEnabled)),
		logging.String("websocket", websocketURL(httpLn.Addr().String(), tlsEnabled)),
		logging.String("seed", s.cfg.Simulation.Seed),
		logging.Tick(s.authority.Tick()),
	)
	if s.grpc != nil && grpcLn != nil {
		go func() {
			if err := s.grpc.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
		s.log.Info("gRPC listening", logging.String("addr", grpcLn.Addr().String()))
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		s.fail(runErr)
		s.log.Error("listener failed", logging.Error(runErr))
	}

	//3.- Stop ingress before the loop so no command lands after the final save.
	s.log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	s.ws.Close()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown", logging.Error(err))
	}
	if s.grpc != nil {
		s.grpc.Stop()
	}
	cancel()
	s.loop.Stop()
	wg.Wait()
	s.closeStorage()
	return runErr
}

func (s *server) closeStorage() {
	if s.persister != nil {
		if err := s.persister.Close(); err != nil {
			s.log.Error("final state save failed", logging.Error(err))
		}
	}
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.log.Error("close recorder", logging.Error(err))
		}
	}
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			s.log.Error("close ledger", logging.Error(err))
		}
	}
}
