package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ssuji15/codemod-run/model"
)

type NatsConfig struct {
	URL string
}

type NatsCacheConfig struct {
	TTL               int
	BUCKET_NAME       string
	BUCKET_SIZE_BYTES int
}

type NatsQueueConfig struct {
	MAX_MESSAGES_JOB_QUEUE int
}

type RedisConfig struct {
	TTL            int
	ClientPassword string
	URL            string
}

type FreeCacheConfig struct {
	SIZE_BYTES int
	TTL        int
}

type RabbitMQConfig struct {
	URL string
}

type MinioConfig struct {
	URL         string
	JOBS_BUCKET string
	ACCESS_KEY  string
	SECRET_KEY  string
	USE_SSL     bool
}

type PostgresConfig struct {
	URL string
}

type MongoConfig struct {
	URI      string
	DATABASE string
}

type ServerConfig struct {
	PORT                  string
	AUTH_SERVICE_URL      string
	CORS_ALLOWED_ORIGINS  []string
	RATE_LIMIT_PER_MINUTE int
	MAX_INFLIGHT_REQUESTS int
	REQUEST_QUEUE_SIZE    int
	VERSION               string
}

type RunnerConfig struct {
	WORKER_TYPE    string
	MAX_WORKER     int
	WORK_DIR       string
	SANDBOX_BINARY string
	GIT_BINARY     string
	JOB_TIMEOUT    time.Duration
	FILE_TIMEOUT   time.Duration
	MAX_FILES      int
}

type DockerWorkerConfig struct {
	IMAGE        string
	CMD          []string
	USER         string
	RUNTIME      string
	CPU_QUOTA    int64
	MEMORY_LIMIT int64
}

type ReaperConfig struct {
	SCHEDULE    string
	STALE_AFTER time.Duration
}

type EngineConfig struct {
	COMMANDS      map[model.Engine][]string
	FORMATTER_CMD []string
	FILE_TIMEOUT  time.Duration
}

type Config struct {
	SERVICE_NAME string
	TRACE_URL    string
	CACHE_TYPE   string
	QUEUE_TYPE   string
	STORAGE_TYPE string
	ARCHIVE_TYPE string
}

func env(key string) string {
	v := os.Getenv(key)
	return v
}

func envOrDefault(key, def string) string {
	if v := env(key); v != "" {
		return v
	}
	return def
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

func positiveIntOrDefault(key string, def int) (int, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	i, err := convertStringToInt(v, key)
	if err != nil {
		return -1, err
	}
	if i <= 0 {
		return -1, fmt.Errorf("KEY: %s must be greater than 0", key)
	}
	return i, nil
}

func secondsOrDefault(key string, def int) (time.Duration, error) {
	s, err := positiveIntOrDefault(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(s) * time.Second, nil
}

func GetNatsConfig() (*NatsConfig, error) {
	url := env("JETSTREAM_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: JETSTREAM_URL is empty")
	}
	return &NatsConfig{
		URL: url,
	}, nil
}

func GetNatsCacheConfig() (*NatsCacheConfig, error) {
	ttl, err := convertStringToInt(env("JETSTREAM_TTL"), "JETSTREAM_TTL")
	if err != nil {
		return nil, err
	}
	bn := env("JETSTREAM_BUCKET_NAME")
	if bn == "" {
		return nil, fmt.Errorf("KEY: JETSTREAM_BUCKET_NAME is empty")
	}
	bs, err := convertStringToInt(env("JETSTREAM_BUCKET_SIZE"), "JETSTREAM_BUCKET_SIZE")
	if err != nil {
		return nil, err
	}
	return &NatsCacheConfig{
		TTL:               ttl,
		BUCKET_NAME:       bn,
		BUCKET_SIZE_BYTES: bs,
	}, nil
}

func GetNatsQueueConfig() (*NatsQueueConfig, error) {
	mm, err := convertStringToInt(env("MAX_MESSAGES_JOB_QUEUE"), "MAX_MESSAGES_JOB_QUEUE")
	if err != nil {
		return nil, err
	}
	return &NatsQueueConfig{
		MAX_MESSAGES_JOB_QUEUE: mm,
	}, nil
}

func GetRedisConfig() (*RedisConfig, error) {
	ttl, err := convertStringToInt(env("REDIS_TTL"), "REDIS_TTL")
	if err != nil {
		return nil, err
	}

	url := env("REDIS_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: REDIS_ENDPOINT is empty")
	}

	return &RedisConfig{
		TTL:            ttl,
		ClientPassword: env("REDIS_CLIENT_PASSWORD"),
		URL:            url,
	}, nil
}

func GetFreeCacheConfig() (*FreeCacheConfig, error) {
	ttl, err := convertStringToInt(env("FREECACHE_TTL"), "FREECACHE_TTL")
	if err != nil {
		return nil, err
	}
	fs, err := convertStringToInt(env("FREECACHE_SIZE"), "FREECACHE_SIZE")
	if err != nil {
		return nil, err
	}
	return &FreeCacheConfig{
		TTL:        ttl,
		SIZE_BYTES: fs,
	}, nil
}

func GetRabbitMQConfig() (*RabbitMQConfig, error) {
	url := env("RABBITMQ_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: RABBITMQ_URL is empty")
	}
	return &RabbitMQConfig{URL: url}, nil
}

func GetPostgresConfig() (*PostgresConfig, error) {
	url := env("POSTGRES_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: POSTGRES_URL is empty")
	}
	return &PostgresConfig{
		URL: url,
	}, nil
}

func GetMongoConfig() (*MongoConfig, error) {
	uri := env("MONGO_URI")
	if uri == "" {
		return nil, fmt.Errorf("KEY: MONGO_URI is empty")
	}
	return &MongoConfig{
		URI:      uri,
		DATABASE: envOrDefault("MONGO_DATABASE", "codemod_run"),
	}, nil
}

func GetConfig() (*Config, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		return nil, fmt.Errorf("KEY: SERVICE_NAME is empty")
	}
	turl := env("TRACE_URL")
	ct := env("CACHE_TYPE")
	if ct == "" {
		return nil, fmt.Errorf("KEY: CACHE_TYPE is empty")
	}
	qt := env("QUEUE_TYPE")
	if qt == "" {
		return nil, fmt.Errorf("KEY: QUEUE_TYPE is empty")
	}
	return &Config{
		SERVICE_NAME: sn,
		TRACE_URL:    turl,
		CACHE_TYPE:   ct,
		QUEUE_TYPE:   qt,
		STORAGE_TYPE: envOrDefault("STORAGE_TYPE", "none"),
		ARCHIVE_TYPE: envOrDefault("ARCHIVE_TYPE", "none"),
	}, nil
}

func GetMinioConfig() (*MinioConfig, error) {
	url := env("MINIO_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: MINIO_ENDPOINT is empty")
	}

	jb := env("MINIO_JOBS_BUCKET")
	if jb == "" {
		return nil, fmt.Errorf("KEY: MINIO_JOBS_BUCKET is empty")
	}

	ssl := env("MINIO_USE_SSL")
	if ssl != "true" && ssl != "false" {
		return nil, fmt.Errorf("KEY: MINIO_USE_SSL is invalid")
	}

	ak := env("MINIO_ACCESS_KEY")
	if ak == "" {
		return nil, fmt.Errorf("KEY: MINIO_ACCESS_KEY is empty")
	}

	sk := env("MINIO_SECRET_KEY")
	if sk == "" {
		return nil, fmt.Errorf("KEY: MINIO_SECRET_KEY is empty")
	}

	return &MinioConfig{
		URL:         url,
		JOBS_BUCKET: jb,
		USE_SSL:     ssl == "true",
		ACCESS_KEY:  ak,
		SECRET_KEY:  sk,
	}, nil
}

func GetServerConfig() (*ServerConfig, error) {
	au := env("AUTH_SERVICE_URL")
	if au == "" {
		return nil, fmt.Errorf("KEY: AUTH_SERVICE_URL is empty")
	}
	rl, err := positiveIntOrDefault("RATE_LIMIT_PER_MINUTE", 1000)
	if err != nil {
		return nil, err
	}
	mi, err := positiveIntOrDefault("MAX_INFLIGHT_REQUESTS", 100)
	if err != nil {
		return nil, err
	}
	qs, err := positiveIntOrDefault("REQUEST_QUEUE_SIZE", 500)
	if err != nil {
		return nil, err
	}
	return &ServerConfig{
		PORT:                  envOrDefault("HTTP_PORT", "8080"),
		AUTH_SERVICE_URL:      au,
		CORS_ALLOWED_ORIGINS:  splitList(env("CORS_ALLOWED_ORIGINS")),
		RATE_LIMIT_PER_MINUTE: rl,
		MAX_INFLIGHT_REQUESTS: mi,
		REQUEST_QUEUE_SIZE:    qs,
		VERSION:               envOrDefault("APP_VERSION", "dev"),
	}, nil
}

func GetRunnerConfig() (*RunnerConfig, error) {
	mw, err := convertStringToInt(env("MAX_WORKER"), "MAX_WORKER")
	if err != nil {
		return nil, err
	}
	if mw <= 0 {
		return nil, fmt.Errorf("KEY: MAX_WORKER must be greater than 0")
	}

	wd := env("WORK_DIR")
	if wd == "" {
		return nil, fmt.Errorf("KEY: WORK_DIR is empty")
	}

	wt := envOrDefault("WORKER_TYPE", "process")
	if wt != "process" && wt != "docker" {
		return nil, fmt.Errorf("KEY: WORKER_TYPE must be process or docker")
	}

	sb := env("SANDBOX_BINARY")
	if sb == "" && wt == "process" {
		return nil, fmt.Errorf("KEY: SANDBOX_BINARY is empty")
	}

	jt, err := secondsOrDefault("JOB_TIMEOUT_SEC", 600)
	if err != nil {
		return nil, err
	}
	ft, err := secondsOrDefault("FILE_TIMEOUT_SEC", 30)
	if err != nil {
		return nil, err
	}
	mf, err := positiveIntOrDefault("MAX_FILES", 10000)
	if err != nil {
		return nil, err
	}

	return &RunnerConfig{
		WORKER_TYPE:    wt,
		MAX_WORKER:     mw,
		WORK_DIR:       wd,
		SANDBOX_BINARY: sb,
		GIT_BINARY:     envOrDefault("GIT_BINARY", "git"),
		JOB_TIMEOUT:    jt,
		FILE_TIMEOUT:   ft,
		MAX_FILES:      mf,
	}, nil
}

func GetDockerWorkerConfig() (*DockerWorkerConfig, error) {
	img := env("SANDBOX_IMAGE")
	if img == "" {
		return nil, fmt.Errorf("KEY: SANDBOX_IMAGE is empty")
	}
	cpu, err := positiveIntOrDefault("SANDBOX_CPU_QUOTA", 100000)
	if err != nil {
		return nil, err
	}
	mem, err := positiveIntOrDefault("SANDBOX_MEMORY_BYTES", 512<<20)
	if err != nil {
		return nil, err
	}
	return &DockerWorkerConfig{
		IMAGE:        img,
		CMD:          strings.Fields(envOrDefault("SANDBOX_CMD", "codemod_sandbox")),
		USER:         env("SANDBOX_USER"),
		RUNTIME:      env("SANDBOX_RUNTIME"),
		CPU_QUOTA:    int64(cpu),
		MEMORY_LIMIT: int64(mem),
	}, nil
}

func GetReaperConfig() (*ReaperConfig, error) {
	sa, err := secondsOrDefault("STALE_AFTER_SEC", 3600)
	if err != nil {
		return nil, err
	}
	return &ReaperConfig{
		SCHEDULE:    envOrDefault("REAPER_SCHEDULE", "@every 1m"),
		STALE_AFTER: sa,
	}, nil
}

// GetSandboxServiceName names the sandbox in logs. It is read before any other config so
// config errors can be logged.
func GetSandboxServiceName() string {
	return envOrDefault("SERVICE_NAME", "codemod_sandbox")
}

func GetEngineConfig() (*EngineConfig, error) {
	cmds := map[model.Engine][]string{}
	keys := map[model.Engine]string{
		model.EngineJSCodeshift: "ENGINE_JSCODESHIFT_CMD",
		model.EngineTSMorph:     "ENGINE_TSMORPH_CMD",
		model.EngineAstGrep:     "ENGINE_ASTGREP_CMD",
	}
	for e, key := range keys {
		if c := strings.Fields(env(key)); len(c) > 0 {
			cmds[e] = c
		}
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("KEY: no ENGINE_*_CMD configured")
	}
	ft, err := secondsOrDefault("FILE_TIMEOUT_SEC", 30)
	if err != nil {
		return nil, err
	}
	return &EngineConfig{
		COMMANDS:      cmds,
		FORMATTER_CMD: strings.Fields(env("FORMATTER_CMD")),
		FILE_TIMEOUT:  ft,
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
