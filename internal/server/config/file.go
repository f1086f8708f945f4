package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/proveniq/inspectvault/internal/flagx"
	"github.com/proveniq/inspectvault/internal/timex"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk shape of the configuration. Durations accept
// "5m"-style strings or integer nanoseconds. Pointer fields distinguish
// "absent" from an explicit zero or false.
type FileConfig struct {
	EndpointAddrHTTP string `json:"endpoint_addr_http" yaml:"endpoint_addr_http"`
	EndpointAddrGRPC string `json:"endpoint_addr_grpc" yaml:"endpoint_addr_grpc"`
	DatabaseDSN      string `json:"database_dsn" yaml:"database_dsn"`
	SecretKey        string `json:"secret_key" yaml:"secret_key"`

	S3RootUser     string         `json:"s3_root_user" yaml:"s3_root_user"`
	S3RootPassword string         `json:"s3_root_password" yaml:"s3_root_password"`
	S3Bucket       string         `json:"s3_bucket" yaml:"s3_bucket"`
	S3Region       string         `json:"s3_region" yaml:"s3_region"`
	S3BaseEndpoint string         `json:"s3_base_endpoint" yaml:"s3_base_endpoint"`
	StorageTimeout timex.Duration `json:"storage_timeout" yaml:"storage_timeout"`

	PresignTTL            timex.Duration `json:"presign_ttl" yaml:"presign_ttl"`
	MaxUploadBytes        int64          `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	AllowedMimeTypes      []string       `json:"allowed_mime_types" yaml:"allowed_mime_types"`
	VerifyDigestOnConfirm *bool          `json:"verify_digest_on_confirm" yaml:"verify_digest_on_confirm"`

	DamageThreshold  *int           `json:"damage_threshold" yaml:"damage_threshold"`
	MasonEndpoint    string         `json:"mason_endpoint" yaml:"mason_endpoint"`
	MasonTimeout     timex.Duration `json:"mason_timeout" yaml:"mason_timeout"`
	MasonConcurrency int            `json:"mason_concurrency" yaml:"mason_concurrency"`
	MasonCacheSize   int            `json:"mason_cache_size" yaml:"mason_cache_size"`
	MasonCacheTTL    timex.Duration `json:"mason_cache_ttl" yaml:"mason_cache_ttl"`

	StrictEvidence  *bool               `json:"strict_evidence" yaml:"strict_evidence"`
	SignaturePolicy map[string][]string `json:"signature_policy" yaml:"signature_policy"`

	LogLevel        string         `json:"log_level" yaml:"log_level"`
	ShutdownTimeout timex.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// decodeFile picks the decoder by extension: .yaml/.yml use YAML, anything
// else is treated as JSON.
func decodeFile(path string, data []byte) (*FileConfig, error) {
	fc := &FileConfig{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, fc); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, fc); err != nil {
			return nil, err
		}
	}
	return fc, nil
}

// parseFile loads the file named by -c/-config, if any, and overlays every
// field it sets onto config. Unreadable or malformed files panic, matching
// flag handling: the process cannot start with a half-applied config.
func parseFile(config *Config) {
	path := flagx.ConfigFileFlag()
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	fc, err := decodeFile(path, data)
	if err != nil {
		panic(err)
	}

	fc.apply(config)
}

func (fc *FileConfig) apply(c *Config) {
	setString(&c.EndpointAddrHTTP, fc.EndpointAddrHTTP)
	setString(&c.EndpointAddrGRPC, fc.EndpointAddrGRPC)
	setString(&c.DatabaseDSN, fc.DatabaseDSN)
	setString(&c.SecretKey, fc.SecretKey)

	setString(&c.S3RootUser, fc.S3RootUser)
	setString(&c.S3RootPassword, fc.S3RootPassword)
	setString(&c.S3Bucket, fc.S3Bucket)
	setString(&c.S3Region, fc.S3Region)
	setString(&c.S3BaseEndpoint, fc.S3BaseEndpoint)
	setDuration(&c.StorageTimeout, fc.StorageTimeout)

	setDuration(&c.PresignTTL, fc.PresignTTL)
	if fc.MaxUploadBytes > 0 {
		c.MaxUploadBytes = fc.MaxUploadBytes
	}
	if len(fc.AllowedMimeTypes) > 0 {
		c.AllowedMimeTypes = fc.AllowedMimeTypes
	}
	if fc.VerifyDigestOnConfirm != nil {
		c.VerifyDigestOnConfirm = *fc.VerifyDigestOnConfirm
	}

	if fc.DamageThreshold != nil {
		c.DamageThreshold = *fc.DamageThreshold
	}
	setString(&c.MasonEndpoint, fc.MasonEndpoint)
	setDuration(&c.MasonTimeout, fc.MasonTimeout)
	if fc.MasonConcurrency > 0 {
		c.MasonConcurrency = fc.MasonConcurrency
	}
	if fc.MasonCacheSize > 0 {
		c.MasonCacheSize = fc.MasonCacheSize
	}
	setDuration(&c.MasonCacheTTL, fc.MasonCacheTTL)

	if fc.StrictEvidence != nil {
		c.StrictEvidence = *fc.StrictEvidence
	}
	if len(fc.SignaturePolicy) > 0 {
		c.SignaturePolicy = fc.SignaturePolicy
	}

	setString(&c.LogLevel, fc.LogLevel)
	setDuration(&c.ShutdownTimeout, fc.ShutdownTimeout)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration > 0 {
		*dst = v.Duration
	}
}
