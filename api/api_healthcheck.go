package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parsec-cloud/go-parsec-server/global"
)

type HealthCheckApi struct {
}

func NewHealthCheckApi() *HealthCheckApi {
	return &HealthCheckApi{}
}

func (ha *HealthCheckApi) HealthCheck(c *gin.Context) {
	mode := global.Conf.Mode
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": mode, "api_version": apiVersionMajor})
}
