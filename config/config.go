package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	kiloByte = 1024
	megaByte = 1024 * kiloByte
)

type Config struct {
	Data    dataConfig    `yaml:"data"`
	Storage storageConfig `yaml:"storage"`
	Batch   batchConfig   `yaml:"batch"`
	Query   queryConfig   `yaml:"query"`
	Metrics metricsConfig `yaml:"metrics"`
	Logging loggingConfig `yaml:"logging"`
	// never read from yaml, see LoadSecrets
	Secrets Secrets `yaml:"-"`
}
type dataConfig struct {
	Source     string   `yaml:"source"` // file path, object key, or sqlite dsn
	Format     string   `yaml:"format"` // csv, parquet, arrow, sqlite; empty means guess from the extension
	Table      string   `yaml:"table"`
	NullTokens []string `yaml:"null_tokens"` // cells equal to one of these are missing values
	MirrorDSN  string   `yaml:"mirror_dsn"`  // when set the loaded records are copied into this sqlite db
}
type storageConfig struct {
	Backend           string `yaml:"backend"` // local, minio or s3
	UseSSL            bool   `yaml:"use_ssl"`
	MaxDownloadSizeMB int    `yaml:"max_download_size_mb"` // refuse objects larger than this
}
type batchConfig struct {
	Size               int  `yaml:"size"` // rows per arrow chunk while reading
	EnableParallelRead bool `yaml:"enable_parallel_read"`
}
type queryConfig struct {
	TopK        int    `yaml:"top_k"`
	SampleSize  int    `yaml:"sample_size"`
	PreviewRows int    `yaml:"preview_rows"`
	Seed        uint64 `yaml:"seed"` // 0 means a random seed per query
	// blocks after this many concurrent queries until one finishes
	MaxConcurrentQueries int `yaml:"max_concurrent_queries"`
}
type metricsConfig struct {
	EnableMetrics bool   `yaml:"enable_metrics"`
	Namespace     string `yaml:"namespace"`
}
type loggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // logfmt or json
}

// Secrets are the object storage credentials. They only ever come from the environment.
type Secrets struct {
	AccessKey   string
	SecretKey   string
	EndpointURL string
	BucketName  string
	Region      string
}

func defaultConfig() *Config {
	return &Config{
		Data: dataConfig{
			Source:     "medical.csv",
			Table:      "medical_data",
			NullTokens: []string{"", "None", "nan", "NaN", "NULL", "null", "NA", "N/A"},
		},
		Storage: storageConfig{
			Backend:           "local",
			UseSSL:            true,
			MaxDownloadSizeMB: 512,
		},
		Batch: batchConfig{
			Size:               1024 * 8, // rows per batch
			EnableParallelRead: true,
		},
		Query: queryConfig{
			TopK:                 5,
			SampleSize:           1000,
			PreviewRows:          100,
			MaxConcurrentQueries: 2,
		},
		Metrics: metricsConfig{
			EnableMetrics: false,
			Namespace:     "medquery",
		},
		Logging: loggingConfig{
			Level:  "info",
			Format: "logfmt",
		},
	}
}

var configInstance *Config = defaultConfig()

func GetConfig() *Config {
	return configInstance
}

// MaxDownloadBytes converts the download limit to bytes.
func (c *Config) MaxDownloadBytes() int64 {
	return int64(c.Storage.MaxDownloadSizeMB) * int64(megaByte)
}

// overwrite global instance with loaded config
func Decode(filePath string) error {
	suffix := strings.TrimPrefix(filepath.Ext(filePath), ".")
	if suffix != "yaml" && suffix != "yml" {
		return errors.New("file must be a .yaml or .yml file")
	}
	r, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer r.Close()
	config := make(map[string]interface{})
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(config); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	mergeConfig(configInstance, config)
	return nil
}

// LoadSecrets loads the given .env files (".env" when none are named) into the process
// environment and copies the storage credentials into the config. Missing files are not
// an error; variables already set in the environment win over the files.
func LoadSecrets(envFiles ...string) error {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	configInstance.Secrets = Secrets{
		AccessKey:   os.Getenv("ACCESS_KEY"),
		SecretKey:   os.Getenv("SECRET_KEY"),
		EndpointURL: os.Getenv("ENDPOINT_URL"),
		BucketName:  os.Getenv("BUCKET_NAME"),
		Region:      os.Getenv("AWS_REGION"),
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Data.Format {
	case "", "csv", "parquet", "arrow", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("data.format %q is not one of csv, parquet, arrow, sqlite", c.Data.Format))
	}
	if c.Data.Table == "" {
		errs = append(errs, errors.New("data.table must not be empty"))
	}
	switch c.Storage.Backend {
	case "local":
	case "minio", "s3":
		if c.Secrets.BucketName == "" {
			errs = append(errs, fmt.Errorf("storage.backend %s needs BUCKET_NAME", c.Storage.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of local, minio, s3", c.Storage.Backend))
	}
	if c.Batch.Size <= 0 {
		errs = append(errs, errors.New("batch.size must be positive"))
	}
	if c.Query.TopK < 0 {
		errs = append(errs, errors.New("query.top_k must not be negative"))
	}
	if c.Query.SampleSize < 0 {
		errs = append(errs, errors.New("query.sample_size must not be negative"))
	}
	if c.Query.PreviewRows < 0 {
		errs = append(errs, errors.New("query.preview_rows must not be negative"))
	}
	if c.Query.MaxConcurrentQueries < 1 {
		errs = append(errs, errors.New("query.max_concurrent_queries must be at least 1"))
	}
	switch c.Logging.Format {
	case "logfmt", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of logfmt, json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func mergeConfig(dst *Config, src map[string]interface{}) {
	// =============================
	// DATA
	// =============================
	if data, ok := src["data"].(map[string]interface{}); ok {
		if v, ok := data["source"].(string); ok {
			dst.Data.Source = v
		}
		if v, ok := data["format"].(string); ok {
			dst.Data.Format = strings.ToLower(v)
		}
		if v, ok := data["table"].(string); ok {
			dst.Data.Table = v
		}
		if v, ok := data["null_tokens"].([]interface{}); ok {
			tokens := make([]string, 0, len(v))
			for _, t := range v {
				if s, ok := t.(string); ok {
					tokens = append(tokens, s)
				}
			}
			dst.Data.NullTokens = tokens
		}
		if v, ok := data["mirror_dsn"].(string); ok {
			dst.Data.MirrorDSN = v
		}
	}

	// =============================
	// STORAGE
	// =============================
	if storage, ok := src["storage"].(map[string]interface{}); ok {
		if v, ok := storage["backend"].(string); ok {
			dst.Storage.Backend = strings.ToLower(v)
		}
		if v, ok := storage["use_ssl"].(bool); ok {
			dst.Storage.UseSSL = v
		}
		if v, ok := storage["max_download_size_mb"].(int); ok {
			dst.Storage.MaxDownloadSizeMB = v
		}
	}

	// =============================
	// BATCH
	// =============================
	if batch, ok := src["batch"].(map[string]interface{}); ok {
		if v, ok := batch["size"].(int); ok {
			dst.Batch.Size = v
		}
		if v, ok := batch["enable_parallel_read"].(bool); ok {
			dst.Batch.EnableParallelRead = v
		}
	}

	// =============================
	// QUERY
	// =============================
	if query, ok := src["query"].(map[string]interface{}); ok {
		if v, ok := query["top_k"].(int); ok {
			dst.Query.TopK = v
		}
		if v, ok := query["sample_size"].(int); ok {
			dst.Query.SampleSize = v
		}
		if v, ok := query["preview_rows"].(int); ok {
			dst.Query.PreviewRows = v
		}
		if v, ok := query["seed"].(int); ok && v >= 0 {
			dst.Query.Seed = uint64(v)
		}
		if v, ok := query["max_concurrent_queries"].(int); ok {
			dst.Query.MaxConcurrentQueries = v
		}
	}

	// =============================
	// METRICS
	// =============================
	if metrics, ok := src["metrics"].(map[string]interface{}); ok {
		if v, ok := metrics["enable_metrics"].(bool); ok {
			dst.Metrics.EnableMetrics = v
		}
		if v, ok := metrics["namespace"].(string); ok {
			dst.Metrics.Namespace = v
		}
	}

	// =============================
	// LOGGING
	// =============================
	if logging, ok := src["logging"].(map[string]interface{}); ok {
		if v, ok := logging["level"].(string); ok {
			dst.Logging.Level = strings.ToLower(v)
		}
		if v, ok := logging["format"].(string); ok {
			dst.Logging.Format = strings.ToLower(v)
		}
	}
}
