// Package config loads the immutable-after-startup process configuration
// from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is loaded once at startup and never mutated afterward.
type Config struct {
	S3                S3Config
	Branch            BranchConfig
	LFS               LFSConfig
	Fallback          FallbackConfig
	PublicBaseURL     string
	HTTPAddr          string
	MetricsAddr       string
	PresignTTL        time.Duration
	MultipartUploadTTL time.Duration
}

// S3Config holds the blob store adapter's connection details.
type S3Config struct {
	Endpoint       string // internal endpoint, used for uploads
	PublicEndpoint string // loaded but not read by S3Store, which presigns every URL against Endpoint
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	ForcePathStyle bool
}

// BranchConfig holds the branch/commit backend's connection details.
type BranchConfig struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	DefaultRef  string
}

// LFSConfig holds LFS subsystem defaults.
type LFSConfig struct {
	ThresholdBytes     int64
	KeepVersions       int
	AutoGC             bool
	MultipartThreshold int64 // 5 GiB default
	PackInclusionBytes int64 // separate threshold for git bridge pack inclusion
}

// FallbackConfig holds the fallback proxy's tunables.
type FallbackConfig struct {
	Enabled       bool
	CacheTTL      time.Duration
	Timeout       time.Duration
	MaxConcurrent int
	CacheCapacity int
}

const (
	gib = 1 << 30
	mib = 1 << 20
)

// Load reads the environment surface into a Config, applying documented
// defaults for anything unset.
func Load() Config {
	return Config{
		S3: S3Config{
			Endpoint:       getenv("S3_ENDPOINT", "http://localhost:9000"),
			PublicEndpoint: getenv("S3_PUBLIC_ENDPOINT", getenv("S3_ENDPOINT", "http://localhost:9000")),
			Region:         getenv("S3_REGION", "us-east-1"),
			AccessKey:      getenv("S3_ACCESS_KEY", ""),
			SecretKey:      getenv("S3_SECRET_KEY", ""),
			Bucket:         getenv("S3_BUCKET", "kohakuhub"),
			ForcePathStyle: getbool("S3_FORCE_PATH_STYLE", true),
		},
		Branch: BranchConfig{
			Endpoint:   getenv("BRANCH_BACKEND_ENDPOINT", "http://localhost:8000"),
			AccessKey:  getenv("BRANCH_BACKEND_ACCESS_KEY", ""),
			SecretKey:  getenv("BRANCH_BACKEND_SECRET_KEY", ""),
			DefaultRef: getenv("BRANCH_BACKEND_DEFAULT_BRANCH", "main"),
		},
		LFS: LFSConfig{
			ThresholdBytes:     getint64("LFS_THRESHOLD_BYTES", 5_000_000),
			KeepVersions:       getint("LFS_KEEP_VERSIONS", 5),
			AutoGC:             getbool("LFS_AUTO_GC", false),
			MultipartThreshold: getint64("LFS_MULTIPART_THRESHOLD_BYTES", 5*gib),
			PackInclusionBytes: getint64("GIT_PACK_LFS_THRESHOLD_BYTES", 1*mib),
		},
		Fallback: FallbackConfig{
			Enabled:       getbool("FALLBACK_ENABLED", false),
			CacheTTL:      time.Duration(getint("FALLBACK_CACHE_TTL", 300)) * time.Second,
			Timeout:       time.Duration(getint("FALLBACK_TIMEOUT", 10)) * time.Second,
			MaxConcurrent: getint("FALLBACK_MAX_CONCURRENT", 5),
			CacheCapacity: getint("FALLBACK_CACHE_CAPACITY", 10_000),
		},
		PublicBaseURL:      getenv("PUBLIC_BASE_URL", "http://localhost:28080"),
		HTTPAddr:           getenv("HTTP_ADDR", ":28080"),
		MetricsAddr:        getenv("METRICS_ADDR", ":9090"),
		PresignTTL:         time.Duration(getint("PRESIGN_TTL_SECONDS", 3600)) * time.Second,
		MultipartUploadTTL: time.Duration(getint("MULTIPART_UPLOAD_TTL_SECONDS", 7*24*3600)) * time.Second,
	}
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getint(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getint64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return n
		}
	}
	return def
}
