// internal/handlers/asset.go
package handlers

import (
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/artledger/provenance-backend/internal/models"
	"github.com/artledger/provenance-backend/internal/services"
	"github.com/artledger/provenance-backend/internal/utils"
)

type AssetHandler struct {
	registrationService *services.RegistrationService
	ownershipService    *services.OwnershipService
	mediaService        *services.MediaService
}

func NewAssetHandler(registrationService *services.RegistrationService, ownershipService *services.OwnershipService, mediaService *services.MediaService) *AssetHandler {
	return &AssetHandler{
		registrationService: registrationService,
		ownershipService:    ownershipService,
		mediaService:        mediaService,
	}
}

// POST /v1/assets/register
func (h *AssetHandler) Register(c *gin.Context) {
	var req models.RegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		utils.ValidationErrorResponse(c, utils.GetValidationErrors(err))
		return
	}

	result, err := h.registrationService.Register(c.Request.Context(), &req)
	if err != nil {
		utils.PipelineErrorResponse(c, err)
		return
	}

	utils.CreatedResponse(c, gin.H{
		"asset_id":       result.AssetID.Hex(),
		"token_id":       result.TokenID.String(),
		"tx_hash":        result.TxHash.Hex(),
		"block_number":   result.BlockNumber,
		"asset_metadata": result.AssetMetadata,
		"token_metadata": result.TokenMetadata,
	})
}

// GET /v1/owners/:address/assets
func (h *AssetHandler) OwnedAssets(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		utils.BadRequestResponse(c, "Invalid owner address", nil)
		return
	}

	records, err := h.ownershipService.OwnedAssets(c.Request.Context(), common.HexToAddress(address))
	if err != nil {
		utils.PipelineErrorResponse(c, err)
		return
	}

	out := make([]gin.H, 0, len(records))
	for _, record := range records {
		entry := gin.H{
			"asset_id": record.AssetID.Hex(),
			"token_id": record.TokenID.String(),
			"owner":    record.Owner.Hex(),
		}
		if record.MetadataURI != "" {
			entry["metadata_uri"] = record.MetadataURI
		}
		if !record.RegisteredAt.IsZero() {
			entry["registered_at"] = record.RegisteredAt
		}
		out = append(out, entry)
	}

	utils.SuccessResponse(c, gin.H{
		"owner":  common.HexToAddress(address).Hex(),
		"assets": out,
		"count":  len(out),
	})
}

// GET /v1/assets/:id
func (h *AssetHandler) GetAsset(c *gin.Context) {
	assetID := c.Param("id")
	if !common.IsHexAddress(assetID) {
		utils.BadRequestResponse(c, "Invalid asset identifier", nil)
		return
	}

	record, err := h.registrationService.GetRegistration(assetID)
	if err != nil {
		utils.NotFoundResponse(c, err.Error())
		return
	}

	utils.SuccessResponse(c, record)
}

// POST /v1/media/upload
func (h *AssetHandler) UploadMedia(c *gin.Context) {
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		utils.BadRequestResponse(c, "Missing file field", err.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		utils.BadRequestResponse(c, "Failed to read file", err.Error())
		return
	}

	result, err := h.mediaService.Upload(data)
	if err != nil {
		utils.ErrorResponse(c, http.StatusUnprocessableEntity, "UPLOAD_FAILED", err.Error(), false, nil)
		return
	}

	utils.CreatedResponse(c, result)
}
