package config

import (
	"errors"
	"fmt"
	"strings"

	"git.solsynth.dev/hypernet/courier/pkg/internal/ledger"
	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"git.solsynth.dev/hypernet/courier/pkg/internal/services"
	"git.solsynth.dev/hypernet/courier/pkg/internal/transport"
	"github.com/spf13/viper"
)

const (
	EngineGorm   = "gorm"
	EngineMongo  = "mongo"
	EngineMemory = "memory"
)

func SetDefaults(v *viper.Viper) {
	v.SetDefault("bind", "0.0.0.0:8447")
	v.SetDefault("grpc_bind", "0.0.0.0:7447")
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.database", false)
	v.SetDefault("debug.print_routes", false)

	v.SetDefault("store.engine", EngineGorm)
	v.SetDefault("database.dsn", "host=localhost user=postgres dbname=courier port=5432 sslmode=disable")
	v.SetDefault("database.prefix", "courier_")
	v.SetDefault("database.retention", "720h")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "courier")
	v.SetDefault("mongo.retry_attempts", 3)
	v.SetDefault("mongo.retry_interval", "5s")
	v.SetDefault("mongo.connect_timeout", "10s")

	v.SetDefault("transport.queue_size", 64)
	v.SetDefault("transport.replay_capacity", 256)
	v.SetDefault("transport.replay_ttl", "2m")
	v.SetDefault("transport.poll_idle_timeout", "90s")
	v.SetDefault("transport.sweep_interval", "30s")

	v.SetDefault("ledger.scan_page_size", 100)
	v.SetDefault("ledger.reconcile_workers", 4)
	v.SetDefault("ledger.flush_interval", "10s")
	v.SetDefault("ledger.reconcile_interval", "15m")

	v.SetDefault("messages.max_length", 4096)
	v.SetDefault("messages.max_emoji_length", 32)

	v.SetDefault("security.reply_token_ttl", "168h")
	v.SetDefault("security.issue_reply_tokens", true)

	v.SetDefault("cache.membership_ttl", "1m")
}

// Load reads settings.toml from the working directory or its parent into
// the global viper instance.
func Load() error {
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.SetConfigName("settings")
	viper.SetConfigType("toml")
	viper.SetEnvPrefix("courier")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return Validate(viper.GetViper())
}

func Validate(v *viper.Viper) error {
	switch engine := v.GetString("store.engine"); engine {
	case EngineGorm, EngineMongo, EngineMemory:
	default:
		return fmt.Errorf("unknown store engine %q", engine)
	}
	if v.GetBool("security.issue_reply_tokens") && len(v.GetString("security.reply_token_secret")) == 0 {
		return fmt.Errorf("security.reply_token_secret is required to issue reply tokens")
	}
	if len(v.GetString("security.access_token_secret")) == 0 {
		return fmt.Errorf("security.access_token_secret is required")
	}
	return nil
}

func Transport(v *viper.Viper) transport.Config {
	return transport.Config{
		QueueSize:       v.GetInt("transport.queue_size"),
		ReplayCapacity:  v.GetInt("transport.replay_capacity"),
		ReplayTTL:       v.GetDuration("transport.replay_ttl"),
		PollIdleTimeout: v.GetDuration("transport.poll_idle_timeout"),
	}
}

func Ledger(v *viper.Viper) ledger.Config {
	return ledger.Config{
		ScanPageSize:     v.GetInt("ledger.scan_page_size"),
		ReconcileWorkers: v.GetInt("ledger.reconcile_workers"),
	}
}

func Delivery(v *viper.Viper) services.Config {
	return services.Config{
		MaxBodyLength:    v.GetInt("messages.max_length"),
		MaxEmojiLength:   v.GetInt("messages.max_emoji_length"),
		IssueReplyTokens: v.GetBool("security.issue_reply_tokens"),
	}
}

// Members reads the static membership table used by the memory engine,
// keyed by room, e.g. "channel:1" = [1, 2].
func Members(v *viper.Viper) (map[models.Scope][]uint, error) {
	out := make(map[models.Scope][]uint)
	for room, raw := range v.GetStringMap("membership.scopes") {
		scope, err := models.ParseRoom(room)
		if err != nil {
			return nil, err
		} else if !scope.IsMessageScope() {
			return nil, fmt.Errorf("membership scope %q cannot hold messages", room)
		}
		ids, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("membership scope %q must list account ids", room)
		}
		for _, id := range ids {
			num, ok := toUint(id)
			if !ok {
				return nil, fmt.Errorf("membership scope %q has invalid account id %v", room, id)
			}
			out[scope] = append(out[scope], num)
		}
	}
	return out, nil
}

func toUint(in any) (uint, bool) {
	switch v := in.(type) {
	case int:
		return uint(v), v > 0
	case int64:
		return uint(v), v > 0
	case float64:
		return uint(v), v > 0 && v == float64(uint(v))
	default:
		return 0, false
	}
}
