// internal/router/router.go
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/artledger/provenance-backend/internal/config"
	"github.com/artledger/provenance-backend/internal/handlers"
	"github.com/artledger/provenance-backend/internal/ledger"
	"github.com/artledger/provenance-backend/internal/middleware"
	"github.com/artledger/provenance-backend/internal/services"
)

func Initialize(db *gorm.DB, cfg *config.Config, ledgerClient *ledger.Client) (*gin.Engine, *services.IndexerService) {
	// Initialize services
	contentService := services.NewContentService(cfg)
	mediaService, _ := services.NewMediaService(cfg)

	var indexerService *services.IndexerService
	if cfg.Indexer.Enabled && db != nil {
		indexerService = services.NewIndexerService(db, cfg, ledgerClient)
	}

	registrationService := services.NewRegistrationService(db, cfg, ledgerClient, contentService)
	ownershipService := services.NewOwnershipService(cfg, ledgerClient, indexerService)

	// Initialize handlers
	assetHandler := handlers.NewAssetHandler(registrationService, ownershipService, mediaService)

	// Initialize Gin router
	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS(cfg))
	r.Use(middleware.GeneralRateLimit())

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"network": cfg.Ledger.Network,
		})
	})

	// API v1 routes
	v1 := r.Group("/v1")
	{
		assets := v1.Group("/assets")
		{
			assets.POST("/register", middleware.RegisterRateLimit(), assetHandler.Register)
			assets.GET("/:id", assetHandler.GetAsset)
		}

		owners := v1.Group("/owners")
		{
			owners.GET("/:address/assets", assetHandler.OwnedAssets)
		}

		media := v1.Group("/media")
		{
			media.POST("/upload", middleware.UploadRateLimit(), assetHandler.UploadMedia)
		}
	}

	return r, indexerService
}
