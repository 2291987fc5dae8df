package database

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var ErrFailedToConnectToMongo = errors.New("failed to connect to mongo")

// NewMongo connects to the configured server, retrying a few times
// before giving up.
func NewMongo(ctx context.Context) (*mongo.Database, error) {
	attempts := max(viper.GetInt("mongo.retry_attempts"), 1)
	for i := 0; i < attempts; i++ {
		client, err := mongo.Connect(
			options.Client().
				ApplyURI(viper.GetString("mongo.uri")).
				SetConnectTimeout(viper.GetDuration("mongo.connect_timeout")).
				SetRetryWrites(true).
				SetRetryReads(true),
		)
		if err == nil {
			if err = client.Ping(ctx, nil); err == nil {
				return client.Database(viper.GetString("mongo.database")), nil
			}
			_ = client.Disconnect(ctx)
		}

		log.Warn().Err(err).Int("attempt", i+1).Msg("Unable to connect to mongo, retrying...")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(viper.GetDuration("mongo.retry_interval")):
		}
	}

	return nil, ErrFailedToConnectToMongo
}
