package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	Auth       AuthConfig       `json:"auth"`
	Chunking   ChunkingConfig   `json:"chunking"`
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Context    ContextConfig    `json:"context"`
	Cache      CacheConfig      `json:"cache"`
	Quota      QuotaConfig      `json:"quota"`
	Rate       RateConfig       `json:"rate"`
	IndexCache IndexCacheConfig `json:"index_cache"`
	Confidence ConfidenceConfig `json:"confidence"`
	Reranker   RerankerConfig   `json:"reranker"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	LLM        LLMConfig        `json:"llm"`
	Upload     UploadConfig     `json:"upload"`
	Greeting   GreetingConfig   `json:"greeting"`
}

type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"read_timeout"`
	WriteTimeout int    `json:"write_timeout"`
	IdleTimeout  int    `json:"idle_timeout"`
}

type DatabaseConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Password     string `json:"password"`
	Name         string `json:"name"`
	SSLMode      string `json:"ssl_mode"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
	MaxLifetime  int    `json:"max_lifetime"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type AuthConfig struct {
	JWTSecret      string   `json:"jwt_secret"`
	JWTExpiration  int      `json:"jwt_expiration"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// ChunkingConfig controls deterministic document segmentation.
// Changing any value changes chunk identity, so it participates in the
// pipeline version used for response-cache fingerprints.
type ChunkingConfig struct {
	TargetTokens  int    `json:"target_tokens"`
	OverlapTokens int    `json:"overlap_tokens"`
	MinTokens     int    `json:"min_tokens"`
	TokenizerID   string `json:"tokenizer_id"`
}

type RetrievalConfig struct {
	KRetrieval int `json:"k_retrieval"`
	KFused     int `json:"k_fused"`
	KRRF       int `json:"k_rrf"`
}

type ContextConfig struct {
	BudgetTokens int `json:"budget_tokens"`
}

type CacheConfig struct {
	TTLSeconds    int  `json:"ttl_seconds"`
	EnablePersist bool `json:"enable_persist"`
}

// QuotaConfig holds the default tenant limits. Tenants created without an
// explicit tier inherit these values.
type QuotaConfig struct {
	MaxDocuments    int   `json:"max_documents"`
	MaxStorageBytes int64 `json:"max_storage_bytes"`
	DailyQueries    int   `json:"daily_queries"`
	DailyTokens     int64 `json:"daily_tokens"`
}

type RateConfig struct {
	RPM int `json:"rpm"`
	TPM int `json:"tpm"`
}

type IndexCacheConfig struct {
	Size          int    `json:"size"`
	FlushInterval int    `json:"flush_interval"`
	DataDir       string `json:"data_dir"`
}

type ConfidenceConfig struct {
	HighThreshold   float64 `json:"high_threshold"`
	MediumThreshold float64 `json:"medium_threshold"`
	LowThreshold    float64 `json:"low_threshold"`
}

type RerankerConfig struct {
	Enabled bool   `json:"enabled"`
	ModelID string `json:"model_id"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Timeout int    `json:"timeout"`
}

type EmbeddingConfig struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	MaxBatch   int    `json:"max_batch"`
	MaxTokens  int    `json:"max_tokens"`
	Timeout    int    `json:"timeout"`
	MaxRetries int    `json:"max_retries"`
}

type LLMConfig struct {
	BaseURL     string  `json:"base_url"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Timeout     int     `json:"timeout"`
	MaxRetries  int     `json:"max_retries"`
}

type UploadConfig struct {
	MaxFileSizeBytes int64 `json:"max_file_size_bytes"`
}

// GreetingConfig drives the short-circuit for casual greetings: they
// get a canned reply without touching retrieval or the model.
type GreetingConfig struct {
	Phrases  []string `json:"phrases"`
	Response string   `json:"response"`
}

func LoadConfig() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 30),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 30),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "raguser"),
			Password:     getEnv("DB_PASSWORD", "ragpassword"),
			Name:         getEnv("DB_NAME", "ragserve"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			JWTExpiration:  getEnvAsInt("JWT_EXPIRATION", 3600),
			AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Chunking: ChunkingConfig{
			TargetTokens:  getEnvAsInt("CHUNK_TARGET_TOKENS", 450),
			OverlapTokens: getEnvAsInt("CHUNK_OVERLAP_TOKENS", 80),
			MinTokens:     getEnvAsInt("CHUNK_MIN_TOKENS", 100),
			TokenizerID:   getEnv("CHUNK_TOKENIZER_ID", "simple"),
		},
		Retrieval: RetrievalConfig{
			KRetrieval: getEnvAsInt("RETRIEVAL_K", 20),
			KFused:     getEnvAsInt("RETRIEVAL_K_FUSED", 10),
			KRRF:       getEnvAsInt("RETRIEVAL_K_RRF", 60),
		},
		Context: ContextConfig{
			BudgetTokens: getEnvAsInt("CONTEXT_BUDGET_TOKENS", 2000),
		},
		Cache: CacheConfig{
			TTLSeconds:    getEnvAsInt("CACHE_TTL_SECONDS", 3600),
			EnablePersist: getEnvAsBool("CACHE_ENABLE_PERSIST", false),
		},
		Quota: QuotaConfig{
			MaxDocuments:    getEnvAsInt("QUOTA_MAX_DOCUMENTS", 100),
			MaxStorageBytes: getEnvAsInt64("QUOTA_MAX_STORAGE_BYTES", 500*1024*1024),
			DailyQueries:    getEnvAsInt("QUOTA_DAILY_QUERIES", 500),
			DailyTokens:     getEnvAsInt64("QUOTA_DAILY_TOKENS", 500000),
		},
		Rate: RateConfig{
			RPM: getEnvAsInt("RATE_RPM", 30),
			TPM: getEnvAsInt("RATE_TPM", 6000),
		},
		IndexCache: IndexCacheConfig{
			Size:          getEnvAsInt("INDEX_CACHE_SIZE", 10),
			FlushInterval: getEnvAsInt("INDEX_CACHE_FLUSH_INTERVAL", 30),
			DataDir:       getEnv("INDEX_DATA_DIR", "./data/indexes"),
		},
		Confidence: ConfidenceConfig{
			HighThreshold:   getEnvAsFloat("CONFIDENCE_HIGH", 0.75),
			MediumThreshold: getEnvAsFloat("CONFIDENCE_MEDIUM", 0.5),
			LowThreshold:    getEnvAsFloat("CONFIDENCE_LOW", 0.25),
		},
		Reranker: RerankerConfig{
			Enabled: getEnvAsBool("RERANKER_ENABLED", true),
			ModelID: getEnv("RERANKER_MODEL_ID", "lexical-overlap"),
			BaseURL: getEnv("RERANKER_BASE_URL", ""),
			APIKey:  getEnv("RERANKER_API_KEY", ""),
			Timeout: getEnvAsInt("RERANKER_TIMEOUT", 15),
		},
		Embedding: EmbeddingConfig{
			BaseURL:    getEnv("EMBEDDING_BASE_URL", "http://localhost:8000"),
			APIKey:     getEnv("EMBEDDING_API_KEY", ""),
			Model:      getEnv("EMBEDDING_MODEL", "all-MiniLM-L6-v2"),
			Dimensions: getEnvAsInt("EMBEDDING_DIMENSIONS", 384),
			MaxBatch:   getEnvAsInt("EMBEDDING_MAX_BATCH", 100),
			MaxTokens:  getEnvAsInt("EMBEDDING_MAX_TOKENS", 8000),
			Timeout:    getEnvAsInt("EMBEDDING_TIMEOUT", 30),
			MaxRetries: getEnvAsInt("EMBEDDING_MAX_RETRIES", 3),
		},
		LLM: LLMConfig{
			BaseURL:     getEnv("LLM_BASE_URL", "https://api.groq.com/openai"),
			APIKey:      getEnv("LLM_API_KEY", ""),
			Model:       getEnv("LLM_MODEL", "llama-3.3-70b-versatile"),
			MaxTokens:   getEnvAsInt("LLM_MAX_TOKENS", 1000),
			Temperature: getEnvAsFloat("LLM_TEMPERATURE", 0.1),
			Timeout:     getEnvAsInt("LLM_TIMEOUT", 60),
			MaxRetries:  getEnvAsInt("LLM_MAX_RETRIES", 3),
		},
		Upload: UploadConfig{
			MaxFileSizeBytes: getEnvAsInt64("UPLOAD_MAX_FILE_SIZE_BYTES", 10*1024*1024),
		},
		Greeting: GreetingConfig{
			Phrases: getEnvAsSlice("GREETING_PHRASES", []string{
				"hi", "hello", "hey", "good morning", "good afternoon",
				"good evening", "thanks", "thank you",
			}),
			Response: getEnv("GREETING_RESPONSE",
				"Hello! Ask me anything about your documents and I'll answer from their contents."),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) GetRedisAddress() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c *Config) GetFlushInterval() time.Duration {
	return time.Duration(c.IndexCache.FlushInterval) * time.Second
}

func (c *Config) GetCacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// PipelineVersion fingerprints every setting that changes answer
// content. Cached responses are keyed on it, so a settings change
// invalidates old entries instead of serving answers built under
// different rules.
func (c *Config) PipelineVersion() string {
	fp := fmt.Sprintf("chunk:%d/%d/%d/%s|k:%d/%d/%d|budget:%d|rerank:%t/%s|embed:%s/%d|llm:%s",
		c.Chunking.TargetTokens, c.Chunking.OverlapTokens, c.Chunking.MinTokens, c.Chunking.TokenizerID,
		c.Retrieval.KRetrieval, c.Retrieval.KFused, c.Retrieval.KRRF,
		c.Context.BudgetTokens,
		c.Reranker.Enabled, c.Reranker.ModelID,
		c.Embedding.Model, c.Embedding.Dimensions,
		c.LLM.Model,
	)
	sum := sha256.Sum256([]byte(fp))
	return hex.EncodeToString(sum[:8])
}

func validateConfig(config *Config) error {
	if config.Database.Password == "" {
		return fmt.Errorf("database password is required (DB_PASSWORD)")
	}

	if config.Auth.JWTSecret == "your-secret-key-change-in-production" {
		return fmt.Errorf("JWT secret must be changed from default value (JWT_SECRET)")
	}

	if config.Chunking.OverlapTokens >= config.Chunking.TargetTokens {
		return fmt.Errorf("chunk overlap (%d) must be smaller than target tokens (%d)", config.Chunking.OverlapTokens, config.Chunking.TargetTokens)
	}

	if config.Chunking.MinTokens > config.Chunking.TargetTokens {
		return fmt.Errorf("chunk min tokens (%d) must not exceed target tokens (%d)", config.Chunking.MinTokens, config.Chunking.TargetTokens)
	}

	if config.Chunking.TokenizerID != "simple" {
		return fmt.Errorf("unknown tokenizer %q (CHUNK_TOKENIZER_ID)", config.Chunking.TokenizerID)
	}

	if config.Retrieval.KFused > config.Retrieval.KRetrieval {
		return fmt.Errorf("k_fused (%d) must not exceed k_retrieval (%d)", config.Retrieval.KFused, config.Retrieval.KRetrieval)
	}

	if config.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive (EMBEDDING_DIMENSIONS)")
	}

	if config.IndexCache.Size <= 0 {
		return fmt.Errorf("index cache size must be positive (INDEX_CACHE_SIZE)")
	}

	if config.Rate.RPM <= 0 || config.Rate.TPM <= 0 {
		return fmt.Errorf("rate limits must be positive (RATE_RPM, RATE_TPM)")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
