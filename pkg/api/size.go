// pkg/api/size.go
package api

import (
	"context"
	"encoding/json"

	"github.com/ociproxy/imgfetch/config"
	"github.com/ociproxy/imgfetch/pkg/models"
	"github.com/ociproxy/imgfetch/pkg/registryclient"
	"github.com/ociproxy/imgfetch/pkg/utils"

	"github.com/gofiber/fiber/v2"
)

// SizeHandler answers GET /api/images/size - a cheap manifest-only probe
// that resolves total transfer size without creating a task, adapted from
// the teacher's manifest-list size summation (§4.1 GetTotalSize).
type SizeHandler struct {
	client     *registryclient.Client
	registries []config.RegistryConfig
	log        *utils.Logger
}

func NewSizeHandler(client *registryclient.Client, registries []config.RegistryConfig, log *utils.Logger) *SizeHandler {
	return &SizeHandler{client: client, registries: registries, log: log}
}

// Get handles GET /api/images/size?source=...&repository=...&reference=...
func (h *SizeHandler) Get(c *fiber.Ctx) error {
	source := c.Query("source")
	repository := c.Query("repository")
	reference := c.Query("reference")
	if source == "" || repository == "" || reference == "" {
		return HTTPError(c, fiber.StatusBadRequest, "source, repository and reference query params are required")
	}
	if err := utils.ValidateRepoName(repository); err != nil {
		return HTTPError(c, fiber.StatusBadRequest, err.Error())
	}
	if err := utils.ValidateReference(reference); err != nil {
		return HTTPError(c, fiber.StatusBadRequest, err.Error())
	}

	var reg config.RegistryConfig
	found := false
	for _, r := range h.registries {
		if r.Name == source {
			reg = r
			found = true
			break
		}
	}
	if !found {
		return HTTPError(c, fiber.StatusBadRequest, "unknown registry source")
	}

	platform := models.DefaultPlatform
	if osq := c.Query("os"); osq != "" {
		platform.OS = osq
	}
	if archq := c.Query("architecture"); archq != "" {
		platform.Architecture = archq
	}

	ctx := context.Background()
	manifest, err := h.client.GetManifest(ctx, reg, repository, reference)
	if err != nil {
		return RespondErr(c, err)
	}

	var ociManifest models.OCIManifest
	if models.IsManifestList(manifest.ContentType) {
		var index models.OCIIndex
		if err := json.Unmarshal(manifest.Bytes, &index); err != nil {
			return HTTPError(c, fiber.StatusBadGateway, "invalid manifest list from upstream")
		}
		chosen, err := registryclient.SelectPlatform(&index, platform)
		if err != nil {
			return RespondErr(c, err)
		}
		inner, err := h.client.GetManifest(ctx, reg, repository, chosen.Digest)
		if err != nil {
			return RespondErr(c, err)
		}
		if err := json.Unmarshal(inner.Bytes, &ociManifest); err != nil {
			return HTTPError(c, fiber.StatusBadGateway, "invalid manifest from upstream")
		}
	} else if err := json.Unmarshal(manifest.Bytes, &ociManifest); err != nil {
		return HTTPError(c, fiber.StatusBadGateway, "invalid manifest from upstream")
	}

	return c.JSON(fiber.Map{
		"code": fiber.StatusOK,
		"data": fiber.Map{
			"sizeBytes":  ociManifest.GetTotalSize(),
			"layerCount": len(ociManifest.Layers),
		},
	})
}
