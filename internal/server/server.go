package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/khanhvc/exercode/internal/access"
	"github.com/khanhvc/exercode/internal/api"
	"github.com/khanhvc/exercode/internal/changelog"
	"github.com/khanhvc/exercode/internal/course"
	"github.com/khanhvc/exercode/internal/event"
	"github.com/khanhvc/exercode/internal/exchange"
	"github.com/khanhvc/exercode/internal/quiz"
	"github.com/khanhvc/exercode/internal/receipt"
	"github.com/khanhvc/exercode/internal/standings"
	"github.com/khanhvc/exercode/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Auth struct {
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
		Changelog struct {
			Addr string
			User string
			Pass string
			Name string
		}

		Grading struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Exchange struct {
		BaseURL string
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			auth   redis.UniversalClient
			pubsub redis.UniversalClient
		}

		postgres struct {
			changelog *pgxpool.Pool
			grading   *pgxpool.Pool
		}
	}

	service struct {
		course    *course.Service
		gate      *access.Gate
		changelog *changelog.Service
		receipt   *receipt.Service
		standings *standings.Service
		quiz      *quiz.Service
		exchange  *exchange.Client
	}

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.auth, err = connect(s.c.Redis.Auth.Addrs, s.c.Redis.Auth.Pass)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(addr, user, pass, name string) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	s.infra.postgres.changelog, err = connect(s.c.Postgres.Changelog.Addr, s.c.Postgres.Changelog.User, s.c.Postgres.Changelog.Pass, s.c.Postgres.Changelog.Name)
	if err != nil {
		return fmt.Errorf("changelog: %w", err)
	}

	s.infra.postgres.grading, err = connect(s.c.Postgres.Grading.Addr, s.c.Postgres.Grading.User, s.c.Postgres.Grading.Pass, s.c.Postgres.Grading.Name)
	if err != nil {
		return fmt.Errorf("grading: %w", err)
	}

	return nil
}

func (s *Server) initService() {
	// Course lookups and quiz state back the access gate, so they come first.
	s.service.course = course.NewService(course.Config{
		DB: s.infra.postgres.grading,
	})

	quizStore := quiz.NewPGStore(s.infra.postgres.grading)

	s.service.gate = access.NewGate(access.Config{
		Roster:   s.service.course,
		Problems: s.service.course,
		Quizzes:  quizStore,
	})

	s.service.quiz = quiz.NewService(quiz.Config{
		Store:    quizStore,
		EventBus: s.eb,
		Gate:     s.service.gate,
	})

	s.service.changelog = changelog.NewService(changelog.Config{
		Store:    changelog.NewPGStore(s.infra.postgres.changelog),
		EventBus: s.eb,
		Gate:     s.service.gate,
	})

	s.service.receipt = receipt.NewService(receipt.Config{
		Store:    receipt.NewPGStore(s.infra.postgres.grading),
		Catalog:  s.service.course,
		EventBus: s.eb,
		Gate:     s.service.gate,
	})

	s.service.standings = standings.NewService(standings.Config{
		Store:  standings.NewPGStore(s.infra.postgres.grading),
		Roster: s.service.course,
		Gate:   s.service.gate,
	})

	s.service.exchange = exchange.NewClient(exchange.Config{
		BaseURL: s.c.Exchange.BaseURL,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Engine:       e,
		EventBus:     s.eb,
		Resolver:     access.NewRedisResolver(s.infra.redis.auth, s.c.Redis.Auth.Prefix),
		Gate:         s.service.gate,
		ChangeLog:    s.service.changelog,
		Receipts:     s.service.receipt,
		Standings:    s.service.standings,
		Quizzes:      s.service.quiz,
		Courses:      s.service.course,
		Exchange:     s.service.exchange,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	s.infra.postgres.changelog.Close()
	s.infra.postgres.grading.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
