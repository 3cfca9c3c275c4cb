// Package service wires the queues to their stores and transports and runs
// them.
package service

import (
	"context"
	"net"
	gohttp "net/http"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-kit/kit/log"
	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/rwool/leasequeue/pkg/config"
	"github.com/rwool/leasequeue/pkg/endpoint"
	"github.com/rwool/leasequeue/pkg/http"
	"github.com/rwool/leasequeue/pkg/logsubscribe"
	"github.com/rwool/leasequeue/pkg/metrics"
	"github.com/rwool/leasequeue/pkg/service"
	"github.com/rwool/leasequeue/pkg/service/keys"
	"github.com/rwool/leasequeue/pkg/service/lease"
	"github.com/rwool/leasequeue/pkg/service/record"
	"github.com/rwool/leasequeue/pkg/service/stream"
)

func getRedisClient(conf config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         conf.Address,
		Password:     conf.Password,
		DB:           conf.DB,
		MaxRetries:   conf.MaxRetries,
		DialTimeout:  conf.DialTimeout,
		ReadTimeout:  conf.ReadTimeout,
		WriteTimeout: conf.WriteTimeout,
	})
	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "unable to reach Redis at %s", conf.Address)
	}
	return client, nil
}

func openRecords(conf config.RecordsConfig) (*badger.DB, error) {
	opts := badger.DefaultOptions(conf.Dir).WithLogger(nil)
	if conf.Dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	return db, errors.Wrap(err, "unable to open record store")
}

// NewLogger returns the JSON logger of the process. Debug records are
// dropped unless debug is set.
func NewLogger(w log.Logger, debug bool) log.Logger {
	if debug {
		return w
	}
	return log.LoggerFunc(func(keyvals ...interface{}) error {
		for i := 0; i+1 < len(keyvals); i += 2 {
			if keyvals[i] == "LEVEL" && keyvals[i+1] == "DEBUG" {
				return nil
			}
		}
		return w.Log(keyvals...)
	})
}

// Run runs the HTTP API and, when Kafka is enabled, the log subscription
// until ctx is done or one of them fails.
func Run(ctx context.Context, conf config.Config, l log.Logger) error {
	rc, err := getRedisClient(conf.Redis)
	if err != nil {
		return err
	}
	defer rc.Close()

	db, err := openRecords(conf.Records)
	if err != nil {
		return err
	}
	defer db.Close()

	ring, err := conf.Keys.Ring()
	if err != nil {
		return err
	}
	kp := keys.NewBreaker(ring, keys.BreakerConfig{
		FailureThreshold: conf.Keys.FailureThreshold,
		ResetTimeout:     conf.Keys.ResetTimeout,
	}, log.With(l, "component", "keys"))

	m := metrics.New()
	setConf := endpoint.SetConfig{Metrics: m, Log: log.With(l, "component", "endpoint")}
	var (
		completer  service.Completer = service.NopCompleter{}
		subscriber func(context.Context)
	)

	if conf.Kafka.Enabled {
		producer, err := stream.NewKafkaProducer(kafkaConfig(conf.Kafka))
		if err != nil {
			return err
		}
		defer producer.Close()
		emitter := service.NewEmitter(service.EmitterConfig{
			Producer:     producer,
			Topic:        conf.Kafka.Topic,
			MaxBatchSize: conf.Emitter.MaxBatchSize,
			FlushDelay:   conf.Emitter.FlushDelay,
			Log:          log.With(l, "component", "emitter"),
		})
		defer emitter.Close()
		completer = service.EmitterCompleter{Emitter: emitter}

		consumer, err := stream.NewKafkaConsumer(kafkaConfig(conf.Kafka))
		if err != nil {
			return err
		}
		claims := service.NewClaimQueue(log.With(l, "component", "claims"))
		subscriber = logsubscribe.MakeSubscriber(logsubscribe.Config{
			Consumer: consumer,
			Queue:    claims,
			Log:      log.With(l, "component", "subscriber", "topic", conf.Kafka.Topic),
			Metrics:  m,
		})
		setConf.Emit = emitter
		setConf.Claims = claims
	}

	setConf.Index = service.NewIndexQueue(service.IndexQueueConfig{
		Registry:  lease.NewRedisAdapter(rc),
		Store:     record.NewBadgerAdapter(db, kp),
		Completer: completer,
		Log:       log.With(l, "component", "index"),
	})

	mux := gohttp.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", http.NewHTTPHandler(endpoint.NewSet(setConf), nil))

	server, err := serveHTTP(conf.HTTP.Address, mux)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server(ctx, l)
	})
	if subscriber != nil {
		g.Go(func() error {
			subscriber(ctx)
			return nil
		})
	}
	_ = l.Log("LEVEL", "INFO", "MESSAGE", "Serving", "address", conf.HTTP.Address, "kafka", conf.Kafka.Enabled)
	return g.Wait()
}

func kafkaConfig(conf config.KafkaConfig) stream.KafkaConfig {
	group := conf.GroupID
	if group == "" {
		group = conf.ClientID + "-" + uuid.New().String()
	}
	return stream.KafkaConfig{
		Brokers:        conf.Brokers,
		ClientID:       conf.ClientID,
		Topic:          conf.Topic,
		GroupID:        group,
		FromBeginning:  conf.FromBeginning,
		MaxPollRecords: conf.MaxPollRecords,
	}
}

func serveHTTP(address string, h gohttp.Handler) (func(context.Context, log.Logger) error, error) {
	// Separate listening and serving to capture listen errors.
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create TCP listener")
	}
	srv := &gohttp.Server{Handler: h}

	return func(ctx context.Context, logger log.Logger) error {
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				_ = logger.Log("LEVEL", "WARN", "MESSAGE", err)
			}
		}()
		err := srv.Serve(l)
		if err == gohttp.ErrServerClosed {
			return nil
		}
		_ = logger.Log("LEVEL", "ERROR", "MESSAGE", err)
		return errors.WithStack(err)
	}, nil
}
