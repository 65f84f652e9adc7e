package types

import (
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// Environment carries the process-wide collaborators threaded from main into
// services; no ambient singletons besides config and logger.
type Environment struct {
	RedisClient *redis.Client
	Cron        *cron.Cron
	TaskClient  *asynq.Client

	// S3 block storage, nil unless configured
	S3Uploader   *manager.Uploader
	S3Downloader *manager.Downloader

	PkiValidator PkiCertificateValidator
}

func NewEnvironment(redisClient *redis.Client) *Environment {
	return &Environment{
		RedisClient:  redisClient,
		Cron:         cron.New(),
		PkiValidator: AcceptAllValidator{},
	}
}
