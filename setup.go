package main

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/parsec-cloud/go-parsec-server/global"
	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/repository/postgres"
	"github.com/parsec-cloud/go-parsec-server/types"
)

// ConfigStore selects and prepares the repository implementation. Postgres
// runs its pending migrations before the pool is handed out.
func ConfigStore(ctx context.Context) repository.Store {
	switch global.Conf.Database.Type {
	case "postgres":
		if err := postgres.Migrate(ctx, global.Conf.Database.URL); err != nil {
			global.Logger.Log("msg", "database migration failed", "err", err.Error())
			panic(err)
		}
		db, err := postgres.New(ctx, global.Conf.Database.URL)
		if err != nil {
			global.Logger.Log("msg", "failed to connect to postgres", "err", err.Error())
			panic(err)
		}
		return postgres.NewStore(db)
	default:
		return repository.NewMemoryStore()
	}
}

// initRedisRateLimiter connects the shared redis client and installs the
// global limiter. Returns nil when redis is disabled; the rate limit
// middleware then passes everything through.
func initRedisRateLimiter(conf global.Config) *redis.Client {
	if !conf.Redis.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Host + ":" + strconv.Itoa(conf.Redis.Port),
		Username: conf.Redis.Username,
		Password: conf.Redis.Password,
		DB:       1,
	})
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		global.Logger.Log("msg", "failed to flush rate limit db", "err", err.Error())
		panic(err)
	}
	global.RateLimiter = redis_rate.NewLimiter(client)
	return client
}

// ConfigS3Storage wires block storage onto S3 when configured; otherwise
// blocks stay in the repository.
func ConfigS3Storage(conf *global.Config, env *types.Environment) {
	if conf.Storage.Type != "s3" {
		return
	}
	creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(conf.Storage.Key, conf.Storage.Secret, ""))
	awsConf, err := awsconfig.LoadDefaultConfig(context.TODO(), awsconfig.WithCredentialsProvider(creds), awsconfig.WithRegion(conf.Storage.Region))
	if err != nil {
		panic(err)
	}
	s3Client := s3.NewFromConfig(awsConf)
	env.S3Uploader = manager.NewUploader(s3Client)
	env.S3Downloader = manager.NewDownloader(s3Client)
}

// ConfigMaintenanceJobs schedules the background sweeps.
func ConfigMaintenanceJobs(store repository.Store, env *types.Environment) {
	env.Cron.AddFunc("@every 1h", func() {
		cutoff := types.TimestampFromTime(time.Now().Add(-24 * time.Hour))
		removed, err := store.Invitations().DeleteCancelledAttempts(context.Background(), cutoff)
		if err != nil {
			global.Logger.Log("msg", "failed to sweep cancelled greeting attempts", "err", err.Error())
			return
		}
		if removed > 0 {
			global.Logger.Log("msg", "swept cancelled greeting attempts", "removed", removed)
		}
	})
	env.Cron.Start()
}
