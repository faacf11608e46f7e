package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gartstein/reimburse/internal/expense/auth"
	"github.com/gartstein/reimburse/internal/expense/controller"
	"github.com/gartstein/reimburse/internal/expense/currency"
	gorm "github.com/gartstein/reimburse/internal/expense/db"
	"github.com/gartstein/reimburse/internal/expense/events"
	"github.com/gartstein/reimburse/internal/expense/handlers"
	"github.com/gartstein/reimburse/internal/expense/hierarchy"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"
)

// Config struct for YAML configuration
type Config struct {
	GRPCPort          int      `yaml:"GRPC_PORT"`
	HTTPPort          int      `yaml:"HTTP_PORT"`
	DBDriver          string   `yaml:"DB_DRIVER"`
	DBHost            string   `yaml:"DB_HOST"`
	DBPort            int      `yaml:"DB_PORT"`
	DBUser            string   `yaml:"DB_USER"`
	DBPassword        string   `yaml:"DB_PASSWORD"`
	DBName            string   `yaml:"DB_NAME"`
	DBSSLMode         string   `yaml:"DB_SSLMODE"`
	DBPath            string   `yaml:"DB_PATH"`
	KafkaBrokers      []string `yaml:"KAFKA_BROKERS"`
	JWTSecret         string   `yaml:"JWT_SECRET"`
	EventsTopic       string   `yaml:"EVENTS_TOPIC"`
	RatesTopic        string   `yaml:"RATES_TOPIC"`
	RatesGroupID      string   `yaml:"RATES_GROUP_ID"`
	MaxChainDepth     int      `yaml:"MAX_CHAIN_DEPTH"`
	RateLookupTimeout string   `yaml:"RATE_LOOKUP_TIMEOUT"`
}

func main() {
	logger := initLogger()
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	rateTimeout, err := cfg.rateTimeout()
	if err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	repo, err := gorm.NewRepository(initDatabase(cfg))
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("failed to close database", zap.Error(err))
		}
	}()

	producer, err := events.NewProducer(cfg.KafkaBrokers, logger, cfg.EventsTopic)
	if err != nil {
		logger.Fatal("failed to initialize Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	normalizer := currency.NewNormalizer(repo, rateTimeout, logger)
	resolver := hierarchy.NewResolver(repo, cfg.MaxChainDepth, logger)
	claimSvc := controller.NewClaimService(repo, normalizer, resolver, producer, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := events.NewConsumer(cfg.KafkaBrokers, cfg.RatesGroupID, cfg.RatesTopic, logger)
	consumer.RegisterHandler(events.RateIngestor(repo, normalizer, logger))
	consumer.Start(ctx)
	defer func() {
		// Stop the fetch loop before closing its reader.
		cancel()
		consumer.Close()
	}()

	expenseHandler := handlers.NewExpenseHandler(claimSvc, repo, logger)

	authInterceptor := auth.NewAuthInterceptor(cfg.JWTSecret)
	server := handlers.NewServer(cfg.GRPCPort, cfg.HTTPPort, logger, grpc.UnaryInterceptor(authInterceptor.Unary()))
	server.RegisterGRPCHandler(expenseHandler)

	if err := server.RegisterHTTPGateway(
		ctx,
		[]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
		cfg.JWTSecret); err != nil {
		logger.Fatal("Failed to register HTTP gateway", zap.Error(err))
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("Failed to start servers", zap.Error(err))
		}
	}()

	waitForShutdown(server, logger)
}

// initLogger initializes a Zap production logger.
func initLogger() *zap.Logger {
	logger, _ := zap.NewProduction()
	return logger
}

// loadConfig reads the YAML config from CONFIG_PATH, falling back to the
// in-repo default.
func loadConfig() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = filepath.Join("internal", "expense", "config", "config.yaml")
	}
	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(file, &cfg); err != nil {
		return nil, err
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}
	return &cfg, nil
}

func (c *Config) rateTimeout() (time.Duration, error) {
	if c.RateLookupTimeout == "" {
		return currency.DefaultTimeout, nil
	}
	d, err := time.ParseDuration(c.RateLookupTimeout)
	if err != nil {
		return 0, fmt.Errorf("RATE_LOOKUP_TIMEOUT: %w", err)
	}
	return d, nil
}

// initDatabase initializes the database connection.
func initDatabase(cfg *Config) *gorm.Config {
	return &gorm.Config{
		Driver:   cfg.DBDriver,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		Path:     cfg.DBPath,
	}
}

// waitForShutdown blocks until an interrupt or SIGTERM is received, then shuts down servers.
func waitForShutdown(server *handlers.Server, logger *zap.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	server.Stop()
	logger.Info("Servers stopped properly")
}
