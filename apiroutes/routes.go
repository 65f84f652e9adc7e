package apiroutes

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parsec-cloud/go-parsec-server/api"
	"github.com/parsec-cloud/go-parsec-server/api/interceptors"
	"github.com/parsec-cloud/go-parsec-server/global"
	"github.com/parsec-cloud/go-parsec-server/metrics"
	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/services"
	"github.com/parsec-cloud/go-parsec-server/types"
)

// REST API routes
func ConfigRoutes(router *gin.Engine, store repository.Store, env *types.Environment) *gin.Engine {
	// init metrics
	if global.Conf.Prometheus.Enabled {

		metrics.InitMetrics()

		authorized := router.Group("/metrics", gin.BasicAuth(gin.Accounts{
			global.Conf.Prometheus.Username: global.Conf.Prometheus.Password,
		}))

		authorized.GET("", gin.WrapH(promhttp.Handler()))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "Api-Version"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// SERVICE definitions
	eventService := services.NewEventService()
	organizationService := services.NewOrganizationService(store, eventService)
	userService := services.NewUserService(store, eventService)
	sequesterService := services.NewSequesterService(store, eventService)
	realmService := services.NewRealmService(store, eventService, sequesterService)
	vlobService := services.NewVlobService(store, eventService, env)
	inviteService := services.NewInviteService(store, eventService, env)
	shamirService := services.NewShamirService(store, eventService)
	pkiService := services.NewPkiService(store, eventService, env.PkiValidator)

	// API definitions
	healthApi := api.NewHealthCheckApi()
	authenticatedApi := api.NewAuthenticatedApi(userService, realmService, vlobService, inviteService, shamirService, pkiService, eventService)
	invitedApi := api.NewInvitedApi(inviteService)
	anonymousApi := api.NewAnonymousApi(organizationService, pkiService)
	eventsApi := api.NewEventsApi(eventService)
	administrationApi := api.NewAdministrationApi(store, organizationService, userService, sequesterService)

	router.GET("/healthcheck", healthApi.HealthCheck)

	rpcApi := router.Group("/parsec/v1/:organization_id", metrics.MetricsMiddleware(), interceptors.RateLimitMiddleware())
	{
		authenticated := rpcApi.Group("/authenticated", interceptors.AuthMiddleware(store))
		{
			authenticated.POST("", authenticatedApi.Rpc)
			authenticated.GET("/events", eventsApi.Stream)
		}

		invited := rpcApi.Group("/invited", interceptors.InvitedMiddleware(store))
		{
			invited.POST("", invitedApi.Rpc)
		}

		rpcApi.POST("/anonymous", anonymousApi.Rpc)
	}

	administration := router.Group("/administration", metrics.MetricsMiddleware(), interceptors.AdminMiddleware())
	{
		administration.POST("/organizations", administrationApi.CreateOrganization)
		administration.GET("/organizations/:organization_id", administrationApi.GetOrganization)
		administration.PATCH("/organizations/:organization_id", administrationApi.UpdateOrganization)
		administration.GET("/organizations/:organization_id/stats", administrationApi.OrganizationStats)
		administration.GET("/stats", administrationApi.GlobalStats)
		administration.GET("/organizations/:organization_id/users", administrationApi.ListUsers)
		administration.POST("/organizations/:organization_id/users/freeze", administrationApi.FreezeUser)
		administration.POST("/organizations/:organization_id/users/:user_id/reset_totp", administrationApi.ResetUserTotp)
		administration.GET("/organizations/:organization_id/sequester/services", administrationApi.ListSequesterServices)
		administration.POST("/organizations/:organization_id/sequester/services", administrationApi.CreateSequesterService)
		administration.POST("/organizations/:organization_id/sequester/services/revoke", administrationApi.RevokeSequesterService)
	}

	return router
}
