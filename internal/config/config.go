// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type StorageType string

const (
	StorageMemory   StorageType = "memory"
	StorageFile     StorageType = "file"
	StorageValKey   StorageType = "valkey"
	StoragePostgres StorageType = "postgres"
)

type ClientAuthType string

const (
	ClientAuthNone ClientAuthType = "none"
	ClientAuthMTLS ClientAuthType = "mtls"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	Backend  Backend  `yaml:"backend"`
	Session  Session  `yaml:"session"`
	Storage  Storage  `yaml:"storage"`
	Database Database `yaml:"database"`
	ValKey   ValKey   `yaml:"valkey"`
	Keeper   Keeper   `yaml:"keeper"`
}

// Backend is the PocketBase instance the client talks to.
type Backend struct {
	BaseURL        string        `yaml:"baseURL" default:"http://127.0.0.1:8090"`
	RequestTimeout time.Duration `yaml:"requestTimeout" default:"30s"`
	ClientAuth     ClientAuth    `yaml:"clientAuth"`
}

type ClientAuth struct {
	Type ClientAuthType  `yaml:"type" default:"none"`
	MTLS *commoncfg.MTLS `yaml:"mtls"`
}

type Session struct {
	// RefreshThreshold is how long before expiry a token is refreshed proactively.
	RefreshThreshold time.Duration `yaml:"refreshThreshold" default:"5m"`
	// DefaultTokenLifetime applies to tokens without an exp claim.
	DefaultTokenLifetime time.Duration `yaml:"defaultTokenLifetime" default:"168h"`
}

type Storage struct {
	Type StorageType `yaml:"type" default:"file"`
	// File is the token file of the file storage. Empty means
	// $HOME/.session-client/tokens.json.
	File string `yaml:"file"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
}

type ValKey struct {
	Host      commoncfg.SourceRef `yaml:"host"`
	User      commoncfg.SourceRef `yaml:"user"`
	Password  commoncfg.SourceRef `yaml:"password"`
	Prefix    string              `yaml:"prefix" default:"session-client"`
	SecretRef commoncfg.SecretRef `yaml:"secretRef"`
}

// Keeper configures the token-keeper job.
type Keeper struct {
	RefreshInterval time.Duration `yaml:"refreshInterval" default:"1m"`
}
