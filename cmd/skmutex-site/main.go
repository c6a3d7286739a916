// Command skmutex-site runs one site of a Suzuki-Kasami group. The site
// enters its critical section over and over, idling between rounds, and
// serves its state and metrics over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/jessevdk/go-flags"
	natsgo "github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-skmutex/v1/events"
	"github.com/mirkobrombin/go-skmutex/v1/lock"
	"github.com/mirkobrombin/go-skmutex/v1/message"
	"github.com/mirkobrombin/go-skmutex/v1/metrics"
	"github.com/mirkobrombin/go-skmutex/v1/status"
	"github.com/mirkobrombin/go-skmutex/v1/transport"
	"github.com/mirkobrombin/go-skmutex/v1/transport/kafka"
	"github.com/mirkobrombin/go-skmutex/v1/transport/nats"
	"github.com/mirkobrombin/go-skmutex/v1/transport/redis"
)

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithError(err).Fatal("invalid options")
	}

	logger, err := newLogger(opts)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.WithError(err).Fatal("site stopped")
	}
}

func newLogger(opts *options) (*log.Logger, error) {
	logger := log.New()
	lvl, err := log.ParseLevel(opts.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(lvl)
	if opts.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger, nil
}

func run(ctx context.Context, opts *options, logger *log.Logger) error {
	if opts.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	tr, closeTransport, err := newTransport(ctx, opts)
	if err != nil {
		return fmt.Errorf("%s transport: %w", opts.Transport, err)
	}
	defer closeTransport()
	if opts.BreakerThreshold > 0 {
		tr = transport.NewCircuitBreaker(tr, opts.BreakerThreshold, opts.BreakerTimeout)
	}

	var codec message.Codec = message.JSONCodec{}
	if opts.Codec == "gob" {
		codec = message.GobCodec{}
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	hub := events.NewHub()

	site, err := lock.NewSite(opts.SiteID, opts.Sites, tr,
		lock.WithLogger(logger),
		lock.WithCodec(codec),
		lock.WithObserver(hub),
	)
	if err != nil {
		return err
	}
	driver := lock.NewDriver(site, lock.RandomDelay(opts.WorkMin, opts.WorkMax),
		lock.WithThinkTime(opts.ThinkMin, opts.ThinkMax),
		lock.WithMaxIterations(opts.Iterations),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return site.Run(gctx) })
	g.Go(func() error {
		// peers may not be subscribed yet and brokers drop what nobody
		// receives, so nothing is requested before every site answered
		if err := site.WaitReady(gctx, opts.ReadyInterval); err != nil {
			return err
		}
		if err := driver.Run(gctx); err != nil {
			return err
		}
		logger.WithField("iterations", driver.Iterations()).Info("driver finished")
		return nil
	})
	if opts.StatusAddr != "" {
		srv := &http.Server{
			Addr:              opts.StatusAddr,
			Handler:           status.NewRouter(site, hub, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.WithField("addr", opts.StatusAddr).Info("status server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	logger.WithFields(log.Fields{
		"site":      opts.SiteID,
		"sites":     opts.Sites,
		"transport": opts.Transport,
	}).Info("site started")
	return g.Wait()
}

// newTransport connects the configured transport. The returned function
// releases everything it opened.
func newTransport(ctx context.Context, opts *options) (transport.Transport, func(), error) {
	switch opts.Transport {
	case "nats":
		nc, err := natsgo.Connect(opts.NatsURL, natsgo.Name(fmt.Sprintf("skmutex-site-%d", opts.SiteID)))
		if err != nil {
			return nil, nil, err
		}
		t, err := nats.New(nc, opts.SiteID, opts.Sites, nats.Options{Prefix: opts.Prefix})
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return t, func() { _ = t.Close(); nc.Close() }, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: opts.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		t, err := redis.New(opts.SiteID, opts.Sites, redis.Options{Client: client, Prefix: opts.Prefix})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		// the inbox outlives the process, drop what a previous run left
		if err := t.Purge(ctx); err != nil {
			_ = t.Close()
			_ = client.Close()
			return nil, nil, err
		}
		return t, func() { _ = t.Close(); _ = client.Close() }, nil
	case "kafka":
		cfg := sarama.NewConfig()
		cfg.ClientID = fmt.Sprintf("skmutex-site-%d", opts.SiteID)
		t, err := kafka.New(opts.KafkaBrokers, cfg, opts.SiteID, opts.Sites, kafka.Options{Prefix: opts.Prefix})
		if err != nil {
			return nil, nil, err
		}
		return t, func() { _ = t.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", opts.Transport)
	}
}
