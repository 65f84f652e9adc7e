package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"

	"github.com/parsec-cloud/go-parsec-server/apiroutes"
	"github.com/parsec-cloud/go-parsec-server/global"
	"github.com/parsec-cloud/go-parsec-server/queue"
	"github.com/parsec-cloud/go-parsec-server/types"
)

func usage() {
	fmt.Printf("Usage: parsec-server [options]\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
}

// calculates the retry delay using exponential backoff
// Here, baseDelay is the initial delay, and maxDelay caps the delay duration
func asyncRetryDelayFunc(attempt int, err error, t *asynq.Task) time.Duration {
	baseDelay := 1 * time.Minute // Starting from 1 minute
	maxDelay := 60 * time.Minute // Max delay capped at 60 minutes

	delay := baseDelay * time.Duration(1<<attempt) // Double the delay with each retry
	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}

// initalizes the async queue
func initAsyncQueue(env *types.Environment) (*asynq.Server, *asynq.Client) {
	if !global.Conf.Redis.Enabled {
		return nil, nil
	}
	queueRedisClient := asynq.RedisClientOpt{
		Addr:     global.Conf.Redis.Host + ":" + strconv.Itoa(global.Conf.Redis.Port),
		Username: global.Conf.Redis.Username,
		Password: global.Conf.Redis.Password,
		DB:       2,
	}

	logLevel := asynq.InfoLevel
	if global.Conf.Mode != "debug" {
		logLevel = asynq.WarnLevel
	}
	concurrency := 50
	if global.Conf.Queue.Concurrency > 0 {
		concurrency = global.Conf.Queue.Concurrency
	}

	taskClient := asynq.NewClient(queueRedisClient)
	// start a task queue server
	taskServer := asynq.NewServer(
		queueRedisClient,
		asynq.Config{
			Concurrency:    concurrency,
			LogLevel:       logLevel,
			RetryDelayFunc: asyncRetryDelayFunc, // overriding the default retry delay function
		},
	)

	emailQueue := queue.NewEmailQueue(nil)
	// start a task processing server
	mux := asynq.NewServeMux()
	mux.HandleFunc(types.TaskTypeInvitationEmail, emailQueue.ProcessInvitationEmailTask)

	if err := taskServer.Start(mux); err != nil {
		log.Fatalf("could not start server: %v", err)
	}
	return taskServer, taskClient
}

func main() {
	var (
		configFile string
	)
	// configuration file optional path. Default: current dir with filename conf.yaml
	flag.StringVar(&configFile, "c", "conf.yaml", "Configuration file path.")
	flag.StringVar(&configFile, "config", "conf.yaml", "Configuration file path.")
	flag.Usage = usage
	flag.Parse()

	// loading configuration file
	if err := global.LoadConfig(configFile, &global.Conf); err != nil {
		global.Logger.Log("msg", "configuration failed to load", "err", err.Error())
		os.Exit(1)
	}

	rrClient := initRedisRateLimiter(global.Conf)
	if rrClient != nil {
		defer rrClient.Close()
	}

	env := types.NewEnvironment(rrClient)
	defer env.Cron.Stop()

	// configure S3 storage
	ConfigS3Storage(&global.Conf, env)

	// initialize the async queue
	taskServer, taskClient := initAsyncQueue(env)
	if taskClient != nil {
		defer taskClient.Close()
	}
	env.TaskClient = taskClient

	store := ConfigStore(context.Background())
	defer store.Close()

	ConfigMaintenanceJobs(store, env)

	if global.Conf.Mode != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router = apiroutes.ConfigRoutes(router, store, env)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", global.Conf.Host, global.Conf.Port),
		Handler: router,
	}

	go func() {
		global.Logger.Log("msg", "server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			global.Logger.Log("msg", "server stopped", "err", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	global.Logger.Log("msg", "shutting down")

	if taskServer != nil {
		taskServer.Stop()
		taskServer.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		global.Logger.Log("msg", "forced shutdown", "err", err.Error())
	}
}
