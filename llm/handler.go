package llm

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes 暴露当前可用的模型列表，只包含已配置凭证的供应商。
func RegisterRoutes(router gin.IRouter, gateway *Gateway, catalog []ModelOption) {
	router.GET("/models", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"models": Available(catalog, gateway.Families())})
	})
}
