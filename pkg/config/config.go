// Package config loads node configuration via viper: environment variables
// under the ANVIL_ prefix, an optional YAML file, and the defaults listed
// below. It mirrors the teacher's own viper-based loader but exposes a
// typed Config struct instead of leaving callers to call viper.Get* ad hoc,
// since this core is consumed as a library by cmd/anvil-node rather than a
// CLI with many independent subcommands reading global viper state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved node configuration.
type Config struct {
	NodeRegion string

	GlobalDSN   DatabaseDSN
	RegionalDSN DatabaseDSN

	AtRestKeyHex     string // 32 bytes hex-encoded
	ClusterSecretHex string // HMAC secret shared by all peers
	TokenSecretHex   string // bearer-token signing secret for peer transport

	TransportListenAddr string
	PublicAddrs         []string

	BootstrapPeers      []string
	LocalDiscoveryEnable bool

	StripeSize        int
	DataShards        int
	ParityShards      int
	HeartbeatInterval time.Duration
	LivenessWindow    time.Duration
	EvictionWindow    time.Duration
	MetadataCacheTTL  time.Duration
	AEADAlgorithm     string // "aes-gcm" or "chacha20poly1305"

	RedisURL   string
	ShardRoot  string
	StagingTTL time.Duration

	RemoteTierBucket    string // non-empty enables reading shards through pkg/shardstore/s3backend
	RemoteTierEndpoint  string
	RemoteTierRegion    string
	RemoteTierAccessKey string
	RemoteTierSecretKey string
}

// DatabaseDSN holds the individual fields viper loads for a Postgres
// connection, mirroring metastore.Config field-for-field.
type DatabaseDSN struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Load initializes viper, applies defaults, optionally reads a config file,
// and unmarshals into a Config. cfgFile may be empty to rely on the default
// search path and environment variables alone.
func Load(cfgFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/anvil")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".anvil"))
		}
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("ANVIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	cfg := Config{
		NodeRegion: v.GetString("node.region"),
		GlobalDSN: DatabaseDSN{
			Host:     v.GetString("global_db.host"),
			Port:     v.GetInt("global_db.port"),
			User:     v.GetString("global_db.user"),
			Password: v.GetString("global_db.password"),
			DBName:   v.GetString("global_db.dbname"),
			SSLMode:  v.GetString("global_db.sslmode"),
		},
		RegionalDSN: DatabaseDSN{
			Host:     v.GetString("regional_db.host"),
			Port:     v.GetInt("regional_db.port"),
			User:     v.GetString("regional_db.user"),
			Password: v.GetString("regional_db.password"),
			DBName:   v.GetString("regional_db.dbname"),
			SSLMode:  v.GetString("regional_db.sslmode"),
		},
		AtRestKeyHex:         v.GetString("identity.at_rest_key"),
		ClusterSecretHex:     v.GetString("identity.cluster_secret"),
		TokenSecretHex:       v.GetString("identity.token_secret"),
		TransportListenAddr:  v.GetString("transport.listen_addr"),
		PublicAddrs:          v.GetStringSlice("transport.public_addrs"),
		BootstrapPeers:       v.GetStringSlice("bootstrap.peers"),
		LocalDiscoveryEnable: v.GetBool("bootstrap.local_discovery"),
		StripeSize:           v.GetInt("tunables.stripe_size"),
		DataShards:           v.GetInt("tunables.data_shards"),
		ParityShards:         v.GetInt("tunables.parity_shards"),
		HeartbeatInterval:    v.GetDuration("tunables.heartbeat_interval"),
		LivenessWindow:       v.GetDuration("tunables.liveness_window"),
		EvictionWindow:       v.GetDuration("tunables.eviction_window"),
		MetadataCacheTTL:     v.GetDuration("tunables.metadata_cache_ttl"),
		AEADAlgorithm:        v.GetString("tunables.aead_algorithm"),
		RedisURL:             v.GetString("cache.redis_url"),
		ShardRoot:            v.GetString("storage.shard_root"),
		StagingTTL:           v.GetDuration("storage.staging_ttl"),

		RemoteTierBucket:    v.GetString("remote_tier.bucket"),
		RemoteTierEndpoint:  v.GetString("remote_tier.endpoint"),
		RemoteTierRegion:    v.GetString("remote_tier.region"),
		RemoteTierAccessKey: v.GetString("remote_tier.access_key"),
		RemoteTierSecretKey: v.GetString("remote_tier.secret_key"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global_db.sslmode", "disable")
	v.SetDefault("regional_db.sslmode", "disable")

	v.SetDefault("transport.listen_addr", ":7700")
	v.SetDefault("bootstrap.local_discovery", false)

	v.SetDefault("tunables.stripe_size", 256*1024)
	v.SetDefault("tunables.data_shards", 4)
	v.SetDefault("tunables.parity_shards", 2)
	v.SetDefault("tunables.heartbeat_interval", 2*time.Second)
	v.SetDefault("tunables.liveness_window", 10*time.Second)
	v.SetDefault("tunables.eviction_window", 60*time.Second)
	v.SetDefault("tunables.metadata_cache_ttl", 300*time.Second)
	v.SetDefault("tunables.aead_algorithm", "aes-gcm")

	v.SetDefault("storage.staging_ttl", time.Hour)
}

func (c Config) validate() error {
	if c.NodeRegion == "" {
		return fmt.Errorf("config: node.region is required")
	}
	if len(c.AtRestKeyHex) != 64 {
		return fmt.Errorf("config: identity.at_rest_key must be 32 bytes hex-encoded")
	}
	if c.ClusterSecretHex == "" {
		return fmt.Errorf("config: identity.cluster_secret is required")
	}
	if c.ShardRoot == "" {
		return fmt.Errorf("config: storage.shard_root is required")
	}
	return nil
}
