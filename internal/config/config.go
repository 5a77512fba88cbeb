package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"kasirledger/backend/internal/store"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	SQLitePath            string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	RedisStream           string
	KafkaBroker           string
	KafkaTopic            string
	KafkaGroupID          string
	OTelEndpoint          string
	OTelAuthHeader        string
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	TxMaxWaitSeconds      int
	TxTimeoutSeconds      int
	IdempotencyDBPath     string
	LogLevel              string
	SeedDemoCatalog       bool
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		SQLitePath:            strings.TrimSpace(os.Getenv("SQLITE_PATH")),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		RedisStream:           getEnv("REDIS_STREAM", "kasirledger:customer-activity"),
		KafkaBroker:           strings.TrimSpace(os.Getenv("KAFKA_BROKER")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", "customer-activity"),
		KafkaGroupID:          getEnv("KAFKA_GROUP_ID", "kasirledger-customer-updater"),
		OTelEndpoint:          strings.TrimSpace(os.Getenv("OTEL_ENDPOINT")),
		OTelAuthHeader:        os.Getenv("OTEL_AUTH_HEADER"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: positiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		TxMaxWaitSeconds:      positiveInt("TX_MAX_WAIT_SECONDS", 30),
		TxTimeoutSeconds:      positiveInt("TX_TIMEOUT_SECONDS", 30),
		IdempotencyDBPath:     strings.TrimSpace(os.Getenv("IDEMPOTENCY_DB_PATH")),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		SeedDemoCatalog:       strings.EqualFold(getEnv("SEED_DEMO_CATALOG", "false"), "true"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// TxOptions bounds how long a ledger transaction may wait for the write
// slot and how long it may run once it holds it.
func (c Config) TxOptions() store.TxOptions {
	return store.TxOptions{
		MaxWait: time.Duration(c.TxMaxWaitSeconds) * time.Second,
		Timeout: time.Duration(c.TxTimeoutSeconds) * time.Second,
	}
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func positiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
