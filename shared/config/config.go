package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	ProxyKey    string
	ProxyID     string
	WorkspaceID string

	HeartbeatIntervalSec   int
	HeartbeatMissesAllowed int

	BackendAPIURL       string
	BackendAPITimeoutMS int
	DownloadRetryMax    int
	DownloadRetryDelay  int

	DispatchMaxConcurrent  int
	NodeMaxConcurrentSends int

	AnonymizationEnabled bool
	PHIHashSecret        string
	PHIEncryptionKey     string
	PHIServiceToken      string

	StorageRoot          string
	StorageRetentionHour int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	AsynqEnabled     bool
	SweepIntervalSec int

	KafkaBrokers    []string
	KafkaClientID   string
	KafkaGroupID    string
	KafkaAuditTopic string
	KafkaRetryMax   int
	KafkaWriteMS    int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                    envRaw,
		ServiceName:            serviceNameDefault,
		HTTPPort:               httpPortDefault,
		LogLevel:               "info",
		ConfigPath:             strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:       30000,
		ProxyKey:               strings.TrimSpace(os.Getenv("PROXY_KEY")),
		ProxyID:                strings.TrimSpace(os.Getenv("PROXY_ID")),
		WorkspaceID:            strings.TrimSpace(os.Getenv("WORKSPACE_ID")),
		HeartbeatIntervalSec:   30,
		HeartbeatMissesAllowed: 3,
		BackendAPIURL:          strings.TrimSpace(os.Getenv("BACKEND_API_URL")),
		BackendAPITimeoutMS:    120000,
		DownloadRetryMax:       3,
		DownloadRetryDelay:     5,
		DispatchMaxConcurrent:  8,
		NodeMaxConcurrentSends: 2,
		AnonymizationEnabled:   true,
		PHIHashSecret:          strings.TrimSpace(os.Getenv("PHI_HASH_SECRET")),
		PHIEncryptionKey:       strings.TrimSpace(os.Getenv("PHI_ENCRYPTION_KEY")),
		PHIServiceToken:        strings.TrimSpace(os.Getenv("PHI_SERVICE_TOKEN")),
		StorageRoot:            "/var/lib/imaging-proxy",
		StorageRetentionHour:   24,
		DatabaseURL:            strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:             10,
		DBMinConns:             1,
		DBConnMaxIdleSec:       300,
		DBConnMaxLifeSec:       1800,
		RedisAddr:              strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                0,
		AsynqRedisAddr:         strings.TrimSpace(os.Getenv("ASYNQ_REDIS_ADDR")),
		AsynqRedisPass:         os.Getenv("ASYNQ_REDIS_PASSWORD"),
		AsynqRedisDB:           0,
		AsynqQueue:             "default",
		AsynqConcurrency:       4,
		AsynqEnabled:           false,
		SweepIntervalSec:       3600,
		KafkaBrokers:           nil,
		KafkaClientID:          "",
		KafkaGroupID:           "",
		KafkaAuditTopic:        "dispatch.audit",
		KafkaRetryMax:          5,
		KafkaWriteMS:           5000,
		InfluxURL:              strings.TrimSpace(os.Getenv("INFLUX_URL")),
		InfluxToken:            os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:              strings.TrimSpace(os.Getenv("INFLUX_ORG")),
		InfluxBucket:           strings.TrimSpace(os.Getenv("INFLUX_BUCKET")),
		InfluxTimeoutMS:        5000,
		OIDCIssuer:             strings.TrimSpace(os.Getenv("OIDC_ISSUER")),
		OIDCAudience:           strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
		OIDCJWKSURL:            strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")),
		JWKSTTLSeconds:         300,
		JWTClockSkewSec:        60,
		OtelEnabled:            false,
		OtelEndpoint:           "",
		OtelInsecure:           true,
		OtelSampleRatio:        1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.HeartbeatIntervalSec <= 0 {
		problems = append(problems, Problem{Field: "HEARTBEAT_INTERVAL_SECONDS", Message: "HEARTBEAT_INTERVAL_SECONDS must be > 0"})
		cfg.HeartbeatIntervalSec = 30
	}
	if cfg.HeartbeatMissesAllowed <= 0 {
		problems = append(problems, Problem{Field: "HEARTBEAT_MISSES_ALLOWED", Message: "HEARTBEAT_MISSES_ALLOWED must be > 0"})
		cfg.HeartbeatMissesAllowed = 3
	}
	if cfg.BackendAPITimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "BACKEND_API_TIMEOUT_MS", Message: "BACKEND_API_TIMEOUT_MS must be > 0"})
		cfg.BackendAPITimeoutMS = 120000
	}
	if cfg.DownloadRetryMax < 0 {
		problems = append(problems, Problem{Field: "DOWNLOAD_RETRY_MAX", Message: "DOWNLOAD_RETRY_MAX must be >= 0"})
		cfg.DownloadRetryMax = 3
	}
	if cfg.DownloadRetryDelay <= 0 {
		problems = append(problems, Problem{Field: "DOWNLOAD_RETRY_DELAY_SECONDS", Message: "DOWNLOAD_RETRY_DELAY_SECONDS must be > 0"})
		cfg.DownloadRetryDelay = 5
	}
	if cfg.DispatchMaxConcurrent <= 0 {
		problems = append(problems, Problem{Field: "DISPATCH_MAX_CONCURRENT", Message: "DISPATCH_MAX_CONCURRENT must be > 0"})
		cfg.DispatchMaxConcurrent = 8
	}
	if cfg.NodeMaxConcurrentSends <= 0 {
		problems = append(problems, Problem{Field: "NODE_MAX_CONCURRENT_SENDS", Message: "NODE_MAX_CONCURRENT_SENDS must be > 0"})
		cfg.NodeMaxConcurrentSends = 2
	}
	if cfg.StorageRetentionHour <= 0 {
		problems = append(problems, Problem{Field: "STORAGE_RETENTION_HOURS", Message: "STORAGE_RETENTION_HOURS must be > 0"})
		cfg.StorageRetentionHour = 24
	}
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_IDLE_SECONDS", Message: "DB_CONN_MAX_IDLE_SECONDS must be > 0"})
		cfg.DBConnMaxIdleSec = 300
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_LIFETIME_SECONDS", Message: "DB_CONN_MAX_LIFETIME_SECONDS must be > 0"})
		cfg.DBConnMaxLifeSec = 1800
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.AsynqRedisDB < 0 {
		problems = append(problems, Problem{Field: "ASYNQ_REDIS_DB", Message: "ASYNQ_REDIS_DB must be >= 0"})
		cfg.AsynqRedisDB = 0
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 4
	}
	if cfg.SweepIntervalSec <= 0 {
		problems = append(problems, Problem{Field: "SWEEP_INTERVAL_SECONDS", Message: "SWEEP_INTERVAL_SECONDS must be > 0"})
		cfg.SweepIntervalSec = 3600
	}
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.InfluxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.JWKSTTLSeconds <= 0 {
		problems = append(problems, Problem{Field: "JWKS_CACHE_TTL_SECONDS", Message: "JWKS_CACHE_TTL_SECONDS must be > 0"})
		cfg.JWKSTTLSeconds = 300
	}
	if cfg.JWTClockSkewSec < 0 {
		problems = append(problems, Problem{Field: "JWT_CLOCK_SKEW_SECONDS", Message: "JWT_CLOCK_SKEW_SECONDS must be >= 0"})
		cfg.JWTClockSkewSec = 60
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
			} else {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if b, ok := asBool(v); ok {
				*dst = b
			} else {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
			}
		}
	}

	setString("SERVICE_NAME", &cfg.ServiceName)
	portRaw := strings.TrimSpace(os.Getenv("HTTP_PORT"))
	if portRaw == "" {
		portRaw = strings.TrimSpace(os.Getenv("PORT"))
	}
	if portRaw != "" {
		if p, err := strconv.Atoi(portRaw); err != nil || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	}
	setString("LOG_LEVEL", &cfg.LogLevel)
	setInt("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS)
	setString("PROXY_KEY", &cfg.ProxyKey)
	setString("PROXY_ID", &cfg.ProxyID)
	setString("WORKSPACE_ID", &cfg.WorkspaceID)
	setInt("HEARTBEAT_INTERVAL_SECONDS", &cfg.HeartbeatIntervalSec)
	setInt("HEARTBEAT_MISSES_ALLOWED", &cfg.HeartbeatMissesAllowed)
	setString("BACKEND_API_URL", &cfg.BackendAPIURL)
	setInt("BACKEND_API_TIMEOUT_MS", &cfg.BackendAPITimeoutMS)
	setInt("DOWNLOAD_RETRY_MAX", &cfg.DownloadRetryMax)
	setInt("DOWNLOAD_RETRY_DELAY_SECONDS", &cfg.DownloadRetryDelay)
	setInt("DISPATCH_MAX_CONCURRENT", &cfg.DispatchMaxConcurrent)
	setInt("NODE_MAX_CONCURRENT_SENDS", &cfg.NodeMaxConcurrentSends)
	setBool("ANONYMIZATION_ENABLED", &cfg.AnonymizationEnabled)
	setString("PHI_HASH_SECRET", &cfg.PHIHashSecret)
	setString("PHI_ENCRYPTION_KEY", &cfg.PHIEncryptionKey)
	setString("PHI_SERVICE_TOKEN", &cfg.PHIServiceToken)
	setString("STORAGE_ROOT", &cfg.StorageRoot)
	setInt("STORAGE_RETENTION_HOURS", &cfg.StorageRetentionHour)
	setString("DATABASE_URL", &cfg.DatabaseURL)
	setInt("DB_MAX_CONNS", &cfg.DBMaxConns)
	setInt("DB_MIN_CONNS", &cfg.DBMinConns)
	setInt("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec)
	setInt("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec)
	setString("REDIS_ADDR", &cfg.RedisAddr)
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setInt("REDIS_DB", &cfg.RedisDB)
	setString("ASYNQ_REDIS_ADDR", &cfg.AsynqRedisAddr)
	if v := os.Getenv("ASYNQ_REDIS_PASSWORD"); v != "" {
		cfg.AsynqRedisPass = v
	}
	setInt("ASYNQ_REDIS_DB", &cfg.AsynqRedisDB)
	setString("ASYNQ_QUEUE", &cfg.AsynqQueue)
	setInt("ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency)
	setBool("ASYNQ_ENABLED", &cfg.AsynqEnabled)
	setInt("SWEEP_INTERVAL_SECONDS", &cfg.SweepIntervalSec)
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = parseCSV(v)
	}
	setString("KAFKA_CLIENT_ID", &cfg.KafkaClientID)
	setString("KAFKA_CONSUMER_GROUP", &cfg.KafkaGroupID)
	setString("KAFKA_AUDIT_TOPIC", &cfg.KafkaAuditTopic)
	setInt("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax)
	setInt("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS)
	setString("INFLUX_URL", &cfg.InfluxURL)
	if v := os.Getenv("INFLUX_TOKEN"); v != "" {
		cfg.InfluxToken = v
	}
	setString("INFLUX_ORG", &cfg.InfluxOrg)
	setString("INFLUX_BUCKET", &cfg.InfluxBucket)
	setInt("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS)
	setString("OIDC_ISSUER", &cfg.OIDCIssuer)
	setString("OIDC_AUDIENCE", &cfg.OIDCAudience)
	setString("OIDC_JWKS_URL", &cfg.OIDCJWKSURL)
	setInt("JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds)
	setInt("JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec)
	setBool("OTEL_ENABLED", &cfg.OtelEnabled)
	setString("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OtelEndpoint)
	setBool("OTEL_EXPORTER_OTLP_INSECURE", &cfg.OtelInsecure)
	if v := strings.TrimSpace(os.Getenv("OTEL_SAMPLE_RATIO")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err != nil {
			*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be a number"})
		} else {
			cfg.OtelSampleRatio = f
		}
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch key {
		case "ENV":
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
		case "SERVICE_NAME":
			applyString(v, &cfg.ServiceName)
		case "HTTP_PORT":
			p, ok := asInt(v)
			if !ok || p <= 0 || p > 65535 {
				*problems = append(*problems, Problem{Field: key, Message: "HTTP_PORT must be 1-65535"})
			} else {
				cfg.HTTPPort = p
			}
		case "LOG_LEVEL":
			applyString(v, &cfg.LogLevel)
		case "REQUEST_TIMEOUT_MS":
			applyInt(v, &cfg.RequestTimeoutMS, key, problems)
		case "PROXY_KEY":
			applyString(v, &cfg.ProxyKey)
		case "PROXY_ID":
			applyString(v, &cfg.ProxyID)
		case "WORKSPACE_ID":
			applyString(v, &cfg.WorkspaceID)
		case "HEARTBEAT_INTERVAL_SECONDS":
			applyInt(v, &cfg.HeartbeatIntervalSec, key, problems)
		case "HEARTBEAT_MISSES_ALLOWED":
			applyInt(v, &cfg.HeartbeatMissesAllowed, key, problems)
		case "BACKEND_API_URL":
			applyString(v, &cfg.BackendAPIURL)
		case "BACKEND_API_TIMEOUT_MS":
			applyInt(v, &cfg.BackendAPITimeoutMS, key, problems)
		case "DOWNLOAD_RETRY_MAX":
			applyInt(v, &cfg.DownloadRetryMax, key, problems)
		case "DOWNLOAD_RETRY_DELAY_SECONDS":
			applyInt(v, &cfg.DownloadRetryDelay, key, problems)
		case "DISPATCH_MAX_CONCURRENT":
			applyInt(v, &cfg.DispatchMaxConcurrent, key, problems)
		case "NODE_MAX_CONCURRENT_SENDS":
			applyInt(v, &cfg.NodeMaxConcurrentSends, key, problems)
		case "ANONYMIZATION_ENABLED":
			applyBool(v, &cfg.AnonymizationEnabled, key, problems)
		case "PHI_HASH_SECRET":
			applyString(v, &cfg.PHIHashSecret)
		case "PHI_ENCRYPTION_KEY":
			applyString(v, &cfg.PHIEncryptionKey)
		case "PHI_SERVICE_TOKEN":
			applyString(v, &cfg.PHIServiceToken)
		case "STORAGE_ROOT":
			applyString(v, &cfg.StorageRoot)
		case "STORAGE_RETENTION_HOURS":
			applyInt(v, &cfg.StorageRetentionHour, key, problems)
		case "DATABASE_URL":
			applyString(v, &cfg.DatabaseURL)
		case "DB_MAX_CONNS":
			applyInt(v, &cfg.DBMaxConns, key, problems)
		case "DB_MIN_CONNS":
			applyInt(v, &cfg.DBMinConns, key, problems)
		case "DB_CONN_MAX_IDLE_SECONDS":
			applyInt(v, &cfg.DBConnMaxIdleSec, key, problems)
		case "DB_CONN_MAX_LIFETIME_SECONDS":
			applyInt(v, &cfg.DBConnMaxLifeSec, key, problems)
		case "REDIS_ADDR":
			applyString(v, &cfg.RedisAddr)
		case "REDIS_PASSWORD":
			if s, ok := v.(string); ok {
				cfg.RedisPassword = s
			}
		case "REDIS_DB":
			applyInt(v, &cfg.RedisDB, key, problems)
		case "ASYNQ_REDIS_ADDR":
			applyString(v, &cfg.AsynqRedisAddr)
		case "ASYNQ_REDIS_PASSWORD":
			if s, ok := v.(string); ok {
				cfg.AsynqRedisPass = s
			}
		case "ASYNQ_REDIS_DB":
			applyInt(v, &cfg.AsynqRedisDB, key, problems)
		case "ASYNQ_QUEUE":
			applyString(v, &cfg.AsynqQueue)
		case "ASYNQ_CONCURRENCY":
			applyInt(v, &cfg.AsynqConcurrency, key, problems)
		case "ASYNQ_ENABLED":
			applyBool(v, &cfg.AsynqEnabled, key, problems)
		case "SWEEP_INTERVAL_SECONDS":
			applyInt(v, &cfg.SweepIntervalSec, key, problems)
		case "KAFKA_BROKERS":
			if s, ok := v.(string); ok {
				cfg.KafkaBrokers = parseCSV(s)
			} else if arr, ok := v.([]any); ok {
				cfg.KafkaBrokers = parseAnyCSV(arr)
			}
		case "KAFKA_CLIENT_ID":
			applyString(v, &cfg.KafkaClientID)
		case "KAFKA_CONSUMER_GROUP":
			applyString(v, &cfg.KafkaGroupID)
		case "KAFKA_AUDIT_TOPIC":
			applyString(v, &cfg.KafkaAuditTopic)
		case "KAFKA_RETRY_MAX":
			applyInt(v, &cfg.KafkaRetryMax, key, problems)
		case "KAFKA_WRITE_TIMEOUT_MS":
			applyInt(v, &cfg.KafkaWriteMS, key, problems)
		case "INFLUX_URL":
			applyString(v, &cfg.InfluxURL)
		case "INFLUX_TOKEN":
			if s, ok := v.(string); ok {
				cfg.InfluxToken = s
			}
		case "INFLUX_ORG":
			applyString(v, &cfg.InfluxOrg)
		case "INFLUX_BUCKET":
			applyString(v, &cfg.InfluxBucket)
		case "INFLUX_TIMEOUT_MS":
			applyInt(v, &cfg.InfluxTimeoutMS, key, problems)
		case "OIDC_ISSUER":
			applyString(v, &cfg.OIDCIssuer)
		case "OIDC_AUDIENCE":
			applyString(v, &cfg.OIDCAudience)
		case "OIDC_JWKS_URL":
			applyString(v, &cfg.OIDCJWKSURL)
		case "JWKS_CACHE_TTL_SECONDS":
			applyInt(v, &cfg.JWKSTTLSeconds, key, problems)
		case "JWT_CLOCK_SKEW_SECONDS":
			applyInt(v, &cfg.JWTClockSkewSec, key, problems)
		case "OTEL_ENABLED":
			applyBool(v, &cfg.OtelEnabled, key, problems)
		case "OTEL_EXPORTER_OTLP_ENDPOINT":
			applyString(v, &cfg.OtelEndpoint)
		case "OTEL_EXPORTER_OTLP_INSECURE":
			applyBool(v, &cfg.OtelInsecure, key, problems)
		case "OTEL_SAMPLE_RATIO":
			if f, ok := asFloat(v); ok {
				cfg.OtelSampleRatio = f
			} else {
				*problems = append(*problems, Problem{Field: key, Message: "OTEL_SAMPLE_RATIO must be a number"})
			}
		}
	}
}

func applyString(v any, dst *string) {
	if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
		*dst = strings.TrimSpace(s)
	}
}

func applyInt(v any, dst *int, field string, problems *[]Problem) {
	n, ok := asInt(v)
	if !ok {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be an integer"})
		return
	}
	*dst = n
}

func applyBool(v any, dst *bool, field string, problems *[]Problem) {
	if s, ok := v.(string); ok {
		if b, ok := asBool(s); ok {
			*dst = b
			return
		}
		*problems = append(*problems, Problem{Field: field, Message: field + " must be a boolean"})
		return
	}
	if b, ok := v.(bool); ok {
		*dst = b
		return
	}
	*problems = append(*problems, Problem{Field: field, Message: field + " must be a boolean"})
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
