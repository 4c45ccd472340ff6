package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/cloudio/core/access"
	"github.com/relabs-tech/cloudio/core/csql"
	"github.com/relabs-tech/cloudio/core/logger"
	"github.com/relabs-tech/cloudio/core/registry"
	"github.com/relabs-tech/cloudio/core/router"
	"github.com/relabs-tech/cloudio/iot/auth"
	"github.com/relabs-tech/cloudio/iot/lifecycle"
	"github.com/relabs-tech/cloudio/iot/mqtt"
	"github.com/relabs-tech/cloudio/iot/timeseries"
	"github.com/relabs-tech/cloudio/iot/twin"
	"github.com/relabs-tech/cloudio/iot/update"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type Service struct {
	LogLevel               string        `env:"LOG_LEVEL,default=info" description:"the log level: debug, info, warn or error"`
	Transport              string        `env:"TRANSPORT,default=memory" description:"the message transport: memory or kafka"`
	KafkaBrokers           []string      `env:"KAFKA_BROKERS" description:"semicolon separated kafka bootstrap brokers"`
	Postgres               string        `env:"POSTGRES" description:"the connection string for the Postgres DB, memory stores without"`
	PostgresPassword       string        `env:"POSTGRES_PASSWORD" description:"password for the Postgres DB"`
	PostgresSchema         string        `env:"POSTGRES_SCHEMA,default=cloudio" description:"the database schema"`
	ConcurrentConsumers    int           `env:"CONCURRENT_CONSUMERS" description:"permanent consumers per queue, defaults to the number of CPUs"`
	MaxConcurrentConsumers int           `env:"MAX_CONCURRENT_CONSUMERS" description:"maximum consumers per queue, defaults to four times the number of CPUs"`
	FailurePolicy          string        `env:"FAILURE_POLICY,default=drop" description:"what synchronizers do with failed messages: drop or propagate; the memory and kafka transports redeliver neither"`
	InfluxURL              string        `env:"INFLUX_URL" description:"the influx server receiving attribute updates"`
	InfluxToken            string        `env:"INFLUX_TOKEN" description:"the influx token"`
	InfluxOrganization     string        `env:"INFLUX_ORGANIZATION,default=cloudio" description:"the influx organization"`
	InfluxBucket           string        `env:"INFLUX_BUCKET,default=cloudio" description:"the influx bucket"`
	TimeseriesKafkaTopic   string        `env:"TIMESERIES_KAFKA_TOPIC" description:"kafka topic receiving attribute updates in line protocol"`
	HTTPAddress            string        `env:"HTTP_ADDRESS,default=:3000" description:"listen address of the REST API"`
	JWTSecret              string        `env:"JWT_SECRET,required" description:"secret for signing bearer tokens"`
	JWTLifetime            time.Duration `env:"JWT_LIFETIME,default=24h" description:"lifetime of bearer tokens"`
	MQTTAddress            string        `env:"MQTT_ADDRESS" description:"listen address of the MQTT broker, defaults to :1883 or :8883 with TLS"`
	MQTTCert               string        `env:"MQTT_TLS_CERT" description:"certificate file of the MQTT broker"`
	MQTTKey                string        `env:"MQTT_TLS_KEY" description:"key file of the MQTT broker"`
	MQTTCA                 string        `env:"MQTT_TLS_CA" description:"certificate authority of endpoint certificates"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		panic(err)
	}
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(service.LogLevel)
	rlog := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport := service.transport()
	defer transport.Close()

	endpoints, users := service.stores(ctx)
	backend, err := auth.NewStoreBackend(ctx, &auth.StoreBackendBuilder{Users: users, Endpoints: endpoints})
	if err != nil {
		panic(err)
	}

	policy := router.DropOnError
	if strings.EqualFold(service.FailurePolicy, router.PropagateOnError.String()) {
		policy = router.PropagateOnError
	}

	r := router.New(&router.Builder{
		Transport:    transport,
		MinConsumers: service.ConcurrentConsumers,
		MaxConsumers: service.MaxConcurrentConsumers,
	})
	r.Register(
		auth.NewService(auth.NewEngine(&auth.Builder{Backend: backend})).Registration(),
		lifecycle.NewService(&lifecycle.Builder{
			Backend:       lifecycle.NewStoreBackend(endpoints),
			FailurePolicy: policy,
		}).Registration(),
		update.NewService(&update.Builder{
			Backend:       update.NewStoreBackend(endpoints),
			FailurePolicy: policy,
		}).Registration(),
	)
	if sink := service.sink(); sink != nil {
		r.Register(update.NewService(&update.Builder{
			Name:          timeseries.QueueName,
			Backend:       timeseries.NewForwarder(sink),
			FailurePolicy: policy,
		}).Registration())
	}

	authClient := auth.NewClient(transport, 0)
	defer authClient.Close()
	broker, err := mqtt.NewBroker(&mqtt.Builder{
		Decider:    authClient,
		Publisher:  transport,
		Address:    service.MQTTAddress,
		CertFile:   service.MQTTCert,
		KeyFile:    service.MQTTKey,
		CACertFile: service.MQTTCA,
	})
	if err != nil {
		panic(err)
	}
	r.Register(broker.Registration())

	muxRouter := mux.NewRouter()
	logger.AddRequestID(muxRouter)
	jmb := &access.JwtMiddlewareBuilder{Secret: []byte(service.JWTSecret)}
	muxRouter.Use(access.NewJwtMiddelware(jmb))
	access.HandleTokenRoute(muxRouter, jmb, backend, service.JWTLifetime)
	access.HandleAuthorizationRoute(muxRouter)
	twin.NewAPI(&twin.Builder{
		Store:      endpoints,
		Authorizer: backend,
		Router:     muxRouter,
		Publisher:  transport,
	})
	server := &http.Server{Addr: service.HTTPAddress, Handler: muxRouter}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Run(ctx)
	})
	g.Go(func() error {
		return broker.Run(ctx)
	})
	g.Go(func() error {
		rlog.Infoln("listen on", service.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		rlog.WithError(err).Errorln("stopped")
		os.Exit(1)
	}
	rlog.Infoln("stopped")
}

func (s *Service) transport() router.Transport {
	switch s.Transport {
	case "memory":
		return router.NewMemoryTransport()
	case "kafka":
		return router.NewKafkaTransport(&router.KafkaBuilder{Brokers: s.KafkaBrokers})
	}
	panic("unknown transport " + s.Transport)
}

func (s *Service) stores(ctx context.Context) (twin.Store, auth.UserStore) {
	if len(s.Postgres) == 0 {
		logger.Default().Warnln("no POSTGRES, endpoints and users are kept in memory")
		return twin.NewMemoryStore(), auth.NewMemoryUserStore()
	}
	db, err := csql.Open(ctx, s.Postgres, s.PostgresPassword, s.PostgresSchema)
	if err != nil {
		panic(err)
	}
	reg := registry.New(db)
	return twin.NewRegistryStore(reg), auth.NewRegistryUserStore(reg)
}

func (s *Service) sink() timeseries.Sink {
	switch {
	case len(s.InfluxURL) > 0:
		return timeseries.NewInfluxSink(&timeseries.InfluxBuilder{
			URL:          s.InfluxURL,
			Token:        s.InfluxToken,
			Organization: s.InfluxOrganization,
			Bucket:       s.InfluxBucket,
		})
	case len(s.TimeseriesKafkaTopic) > 0:
		return timeseries.NewKafkaSink(&timeseries.KafkaBuilder{
			Brokers: s.KafkaBrokers,
			Topic:   s.TimeseriesKafkaTopic,
		})
	}
	return nil
}
