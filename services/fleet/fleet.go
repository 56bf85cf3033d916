package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/fleetware-tech/fleetware/core/blob"
	"github.com/fleetware-tech/fleetware/core/csql"
	"github.com/fleetware-tech/fleetware/core/logger"
	"github.com/fleetware-tech/fleetware/iot/admission"
	"github.com/fleetware-tech/fleetware/iot/api"
	"github.com/fleetware-tech/fleetware/iot/directory"
	"github.com/fleetware-tech/fleetware/iot/firmware"
	"github.com/fleetware-tech/fleetware/iot/handler"
	"github.com/fleetware-tech/fleetware/iot/mqtt"
	"github.com/fleetware-tech/fleetware/iot/pipeline"
	"github.com/fleetware-tech/fleetware/iot/store"
	"github.com/fleetware-tech/fleetware/iot/telemetry"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,default=" description:"password to the Postgres DB"`
	Schema           string `env:"POSTGRES_SCHEMA,default=fleet" description:"the database schema"`

	MQTTPort int    `env:"MQTT_PORT,default=1883" description:"the broker's listen port"`
	CertFile string `env:"MQTT_CERT_FILE,default=" description:"X.509 certificate, enables TLS together with MQTT_KEY_FILE"`
	KeyFile  string `env:"MQTT_KEY_FILE,default=" description:"X.509 private key"`

	APIKeys    string `env:"API_KEYS,required" description:"comma separated api keys accepted from devices"`
	HTTPAPIKey string `env:"HTTP_API_KEY,required" description:"api key for the management REST surface"`
	HTTPAddr   string `env:"HTTP_ADDR,default=:3000" description:"listen address of the management REST surface"`

	BindingTTL    time.Duration `env:"BINDING_TTL,default=0s" description:"expiry of chip-to-session bindings, 0 means none"`
	QueueCapacity int           `env:"QUEUE_CAPACITY,default=100" description:"capacity of the ingestion queue"`

	FirmwareDir  string `env:"FIRMWARE_DIR,default=firmware-artifacts" description:"local folder for firmware binaries"`
	S3Bucket     string `env:"S3_BUCKET,default=" description:"store firmware binaries in this S3 bucket instead of FIRMWARE_DIR"`
	S3Region     string `env:"S3_REGION,default=" description:"region of the S3 bucket"`
	S3KeyPrefix  string `env:"S3_KEY_PREFIX,default=" description:"key prefix inside the S3 bucket"`
	S3AccessID   string `env:"S3_ACCESS_ID,default=" description:"S3 access key id"`
	S3AccessKey  string `env:"S3_ACCESS_KEY,default=" description:"S3 secret access key"`
	KafkaBrokers string `env:"KAFKA_BROKERS,default=" description:"comma separated Kafka brokers for telemetry forwarding"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=device-telemetry" description:"Kafka topic for telemetry forwarding"`

	ChunkSize    int           `env:"CHUNK_SIZE,default=0" description:"firmware chunk size in bytes, 0 selects the default"`
	MaxRetries   int           `env:"MAX_RETRIES,default=0" description:"chunk delivery attempts, 0 selects the default"`
	RetryBackoff time.Duration `env:"RETRY_BACKOFF,default=0s" description:"delay between delivery attempts, 0 selects the default"`
	ChunkPacing  time.Duration `env:"CHUNK_PACING,default=0s" description:"delay between chunks, 0 selects the default"`

	LogLevel string `env:"LOG_LEVEL,default=info" description:"log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logLevel, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(logLevel)
	rlog := logger.Default()

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.Schema)
	defer db.Close()

	fleetStore := store.NewPostgres(db)
	dir := directory.NewPostgres(db)

	var artifacts blob.Driver
	if service.S3Bucket != "" {
		artifacts, err = blob.NewS3(blob.S3Configuration{
			AWSRegion:     service.S3Region,
			AWSBucketName: service.S3Bucket,
			AccessID:      service.S3AccessID,
			AccessKey:     service.S3AccessKey,
			KeyPrefix:     service.S3KeyPrefix,
		})
		if err != nil {
			panic(err)
		}
	} else {
		artifacts, err = blob.NewLocal(service.FirmwareDir)
		if err != nil {
			panic(err)
		}
	}

	var forwarder handler.Forwarder
	if service.KafkaBrokers != "" {
		kafkaForwarder := telemetry.NewKafkaForwarder(
			strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafkaForwarder.Close()
		forwarder = kafkaForwarder
	}

	registry, err := handler.NewRegistry(
		handler.NewStatusHandler(fleetStore),
		handler.NewFirmwareErrorHandler(fleetStore),
		handler.NewTelemetryHandler(forwarder),
	)
	if err != nil {
		panic(err)
	}

	queue := pipeline.New(registry, service.QueueCapacity)
	control := admission.New(strings.Split(service.APIKeys, ","), dir, service.BindingTTL)

	broker := mqtt.NewBroker(&mqtt.Builder{
		Port:      service.MQTTPort,
		CertFile:  service.CertFile,
		KeyFile:   service.KeyFile,
		Admission: control,
		Pipeline:  queue,
		Directory: dir,
	})

	distributor := firmware.New(fleetStore, artifacts, broker, firmware.Config{
		ChunkSize:    service.ChunkSize,
		MaxRetries:   service.MaxRetries,
		RetryBackoff: service.RetryBackoff,
		ChunkPacing:  service.ChunkPacing,
	})

	managementAPI := api.New(&api.Builder{
		Store:       fleetStore,
		Artifacts:   artifacts,
		Distributor: distributor,
		APIKey:      service.HTTPAPIKey,
	})

	rlog.Infof("management api listening on %s", service.HTTPAddr)
	go http.ListenAndServe(service.HTTPAddr, managementAPI.Handler())

	broker.Run()
}
