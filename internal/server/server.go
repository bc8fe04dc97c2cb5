package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/codearena/internal/api"
	"github.com/victornm/codearena/internal/auth"
	"github.com/victornm/codearena/internal/challenge"
	"github.com/victornm/codearena/internal/event"
	"github.com/victornm/codearena/internal/judge"
	"github.com/victornm/codearena/internal/leaderboard"
	"github.com/victornm/codearena/internal/ledger"
	"github.com/victornm/codearena/internal/match"
	"github.com/victornm/codearena/internal/practice"
	"github.com/victornm/codearena/internal/room"
	"github.com/victornm/codearena/internal/score"
	"github.com/victornm/codearena/internal/telemetry"
	"github.com/victornm/codearena/migrations"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	// judgeHealthService is the gRPC health service name reflecting the remote judge.
	judgeHealthService = "codearena.judge"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Arena struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Arena struct {
			Addr    string
			User    string
			Pass    string
			Name    string
			Migrate bool
		}
	}

	Judge struct {
		URL            string
		APIKey         string
		Host           string
		SelfHosted     bool
		DispatchDelay  time.Duration
		RequestTimeout time.Duration
		HealthTTL      time.Duration
		HealthInterval time.Duration

		Fallback struct {
			Enabled      bool
			Slack        time.Duration
			Interpreters map[string][]string
		}
	}

	Auth struct {
		Secret string
	}

	Event struct {
		PoolSize       int
		HandlerTimeout time.Duration
	}

	Match struct {
		TieWindow     time.Duration
		SweepInterval time.Duration
	}

	Ledger struct {
		Driver string
	}

	Challenge struct {
		Driver string
		// File is a JSON array of challenges, used by the memory driver.
		File string
	}
}

// DefaultConfig is overridden by the config file and the environment.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 9090
	c.Redis.Arena.Addrs = []string{"localhost:6379"}
	c.Redis.Arena.Prefix = "arena"
	c.Redis.Pubsub.Addrs = []string{"localhost:6379"}
	c.Redis.Pubsub.Prefix = "arena"
	c.Postgres.Arena.Migrate = true
	c.Judge.URL = "http://localhost:2358"
	c.Judge.DispatchDelay = 500 * time.Millisecond
	c.Judge.RequestTimeout = 15 * time.Second
	c.Judge.HealthTTL = 30 * time.Second
	c.Judge.HealthInterval = 30 * time.Second
	c.Judge.Fallback.Slack = time.Second
	c.Match.SweepInterval = 5 * time.Second
	c.Ledger.Driver = DriverPostgres
	c.Challenge.Driver = DriverPostgres
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			arena  redis.UniversalClient
			pubsub redis.UniversalClient
		}

		postgres struct {
			arena *pgxpool.Pool
		}
	}

	service struct {
		auth        *auth.Service
		judge       *judge.Service
		score       *score.Service
		challenges  challenge.Source
		ledger      *ledger.Service
		room        *room.Service
		match       *match.Service
		practice    *practice.Service
		leaderboard *leaderboard.Service
	}

	scheduler gocron.Scheduler
	health    *health.Server

	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus(
		event.WithPoolSize(c.Event.PoolSize),
		event.WithHandlerTimeout(c.Event.HandlerTimeout),
	)

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()

	if err := s.initScheduler(); err != nil {
		return nil, fmt.Errorf("server: init scheduler: %w", err)
	}

	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if s.c.Ledger.Driver == DriverPostgres || s.c.Challenge.Driver == DriverPostgres {
		if err := s.initPostgres(); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(name string, addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r, name); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.arena, err = connect("arena", s.c.Redis.Arena.Addrs, s.c.Redis.Arena.Pass)
	if err != nil {
		return fmt.Errorf("arena: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pc := s.c.Postgres.Arena
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pc.User, pc.Pass, pc.Addr, pc.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	if pc.Migrate {
		if err := migrations.Apply(ctx, db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	s.infra.postgres.arena = db
	return nil
}

func (s *Server) initService() error {
	jc := s.c.Judge

	var fallback judge.Runner
	if jc.Fallback.Enabled {
		fallback = judge.NewFallbackRunner(judge.FallbackConfig{
			Interpreters: jc.Fallback.Interpreters,
			Slack:        jc.Fallback.Slack,
		})
	}

	s.service.judge = judge.NewService(judge.Config{
		Remote: judge.NewJudge0Client(judge.Judge0Config{
			URL:        jc.URL,
			APIKey:     jc.APIKey,
			Host:       jc.Host,
			SelfHosted: jc.SelfHosted,
			HealthTTL:  jc.HealthTTL,
		}),
		Fallback:       fallback,
		DispatchDelay:  jc.DispatchDelay,
		RequestTimeout: jc.RequestTimeout,
	})

	s.service.score = score.NewService(score.Config{
		TieWindow: s.c.Match.TieWindow,
	})

	switch s.c.Challenge.Driver {
	case DriverPostgres:
		s.service.challenges = challenge.NewPostgresSource(s.infra.postgres.arena)
	case DriverMemory:
		if s.c.Challenge.File == "" {
			s.service.challenges = challenge.NewMemorySource()
			break
		}

		src, err := challenge.LoadFile(s.c.Challenge.File)
		if err != nil {
			return err
		}
		s.service.challenges = src
	default:
		return fmt.Errorf("unknown challenge driver %q", s.c.Challenge.Driver)
	}

	var store ledger.Store
	switch s.c.Ledger.Driver {
	case DriverPostgres:
		store = ledger.NewPostgresStore(s.infra.postgres.arena)
	case DriverMemory:
		store = ledger.NewMemoryStore()
	default:
		return fmt.Errorf("unknown ledger driver %q", s.c.Ledger.Driver)
	}

	s.service.ledger = ledger.NewService(ledger.Config{
		EventBus: s.eb,
		Store:    store,
	})

	s.service.auth = auth.NewService(auth.Config{
		Secret:    s.c.Auth.Secret,
		Registrar: s.service.ledger,
	})

	s.service.room = room.NewService(room.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.arena,
		Prefix:   s.c.Redis.Arena.Prefix,
		Users:    s.service.ledger,
	})

	s.service.match = match.NewService(match.Config{
		EventBus:   s.eb,
		Redis:      s.infra.redis.arena,
		Prefix:     s.c.Redis.Arena.Prefix,
		Rooms:      s.service.room,
		Challenges: s.service.challenges,
		Judge:      s.service.judge,
		Score:      s.service.score,
		Ledger:     s.service.ledger,
	})

	s.service.practice = practice.NewService(practice.Config{
		Challenges: s.service.challenges,
		Judge:      s.service.judge,
		Score:      s.service.score,
		Ledger:     s.service.ledger,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.arena,
		Prefix:   s.c.Redis.Arena.Prefix,
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Auth:         s.service.auth,
		Rooms:        s.service.room,
		Matches:      s.service.match,
		Practice:     s.service.practice,
		Leaderboard:  s.service.leaderboard,
		Ledger:       s.service.ledger,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.grpc = grpc.NewServer(telemetry.GRPCServerOptions()...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) initScheduler() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.c.Match.SweepInterval),
		gocron.NewTask(s.sweepMatches),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("match sweeper: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.c.Judge.HealthInterval),
		gocron.NewTask(s.checkJudge),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("judge health check: %w", err)
	}

	s.scheduler = sched
	return nil
}

func (s *Server) sweepMatches() {
	ctx, cancel := context.WithTimeout(context.Background(), s.c.Match.SweepInterval)
	defer cancel()

	n, err := s.service.match.Sweep(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "server: sweep matches failed", "error", err)
		return
	}

	if n > 0 {
		slog.InfoContext(ctx, "server: finished timed out matches", "count", n)
	}
}

func (s *Server) checkJudge() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st := healthpb.HealthCheckResponse_SERVING
	if !s.service.judge.Healthy(ctx) {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		slog.WarnContext(ctx, "server: remote judge unhealthy")
	}

	s.health.SetServingStatus(judgeHealthService, st)
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	s.scheduler.Start()

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown scheduler failed", "error", err)
	}

	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.service.leaderboard.Stop()
	s.eb.Stop()

	if s.infra.postgres.arena != nil {
		s.infra.postgres.arena.Close()
	}
	_ = s.infra.redis.arena.Close()
	_ = s.infra.redis.pubsub.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
