package router

import (
	"net/http"

	"github.com/cuongbtq/invoice-assist/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = 8 << 20

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	invoiceHandler := handler.NewInvoiceHandler(deps)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "invoice-assist-backend",
		})
	})

	api := r.Group("/api")
	{
		invoices := api.Group("/invoice")
		{
			invoices.GET("", invoiceHandler.Info)
			invoices.POST("/process-to-excel", invoiceHandler.ProcessToExcel)
			invoices.POST("/ocr-only", invoiceHandler.OCROnly)
			invoices.GET("/status/:jobId", invoiceHandler.Status)
			invoices.GET("/results/:jobId", invoiceHandler.Results)
			invoices.GET("/download/:jobId", invoiceHandler.Download)
			invoices.GET("/history", invoiceHandler.History)
			invoices.GET("/health", invoiceHandler.Health)
		}
	}

	return r
}
