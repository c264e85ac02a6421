package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"ledgerly_back/failure"
	"ledgerly_back/storage"
)

// AgentChecker 判断智能体是否存在。
type AgentChecker interface {
	Exists(ctx context.Context, id uint64) (bool, error)
}

type Handler struct {
	service *Service
	agents  AgentChecker
}

// RegisterRoutes 注册知识库上传、查询与删除接口。
func RegisterRoutes(router gin.IRouter, service *Service, agents AgentChecker) *Handler {
	h := &Handler{service: service, agents: agents}
	group := router.Group("/agents/:id/knowledge")
	group.POST("", h.handleUpload)
	group.GET("", h.handleList)
	group.GET("/:kbID", h.handleGet)
	group.DELETE("/:kbID", h.handleDelete)
	return h
}

func (h *Handler) handleUpload(c *gin.Context) {
	agentID, ok := h.resolveAgent(c)
	if !ok {
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form expected", "details": err.Error()})
		return
	}

	headers := form.File["files"]
	uploads := make([]FileUpload, 0, len(headers))
	for _, header := range headers {
		upload, err := readUpload(header)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload", "details": err.Error()})
			return
		}
		uploads = append(uploads, upload)
	}

	kb, err := h.service.Ingest(c.Request.Context(), agentID, uploads)
	if err != nil {
		c.JSON(failure.HTTPStatus(err), gin.H{"error": "failed to ingest files", "details": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"knowledge_base": kb})
}

func readUpload(header *multipart.FileHeader) (FileUpload, error) {
	if header.Size > storage.MaxDocumentBytes {
		return FileUpload{}, fmt.Errorf("%s exceeds %d bytes", header.Filename, storage.MaxDocumentBytes)
	}
	src, err := header.Open()
	if err != nil {
		return FileUpload{}, err
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, storage.MaxDocumentBytes+1))
	if err != nil {
		return FileUpload{}, err
	}
	mimeType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return FileUpload{Name: header.Filename, MimeType: mimeType, Data: data}, nil
}

func (h *Handler) handleList(c *gin.Context) {
	agentID, ok := h.resolveAgent(c)
	if !ok {
		return
	}
	kbs, err := h.service.ListKnowledgeBases(c.Request.Context(), agentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list knowledge bases", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"knowledge_bases": kbs})
}

func (h *Handler) handleGet(c *gin.Context) {
	agentID, ok := h.resolveAgent(c)
	if !ok {
		return
	}
	kbID, err := strconv.ParseUint(c.Param("kbID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid knowledge base id"})
		return
	}
	kb, err := h.service.GetKnowledgeBase(c.Request.Context(), agentID, kbID)
	if errors.Is(err, ErrKnowledgeBaseNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "knowledge base not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load knowledge base", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"knowledge_base": kb})
}

func (h *Handler) handleDelete(c *gin.Context) {
	agentID, ok := h.resolveAgent(c)
	if !ok {
		return
	}
	kbID, err := strconv.ParseUint(c.Param("kbID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid knowledge base id"})
		return
	}
	err = h.service.DeleteKnowledgeBase(c.Request.Context(), agentID, kbID)
	if errors.Is(err, ErrKnowledgeBaseNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "knowledge base not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete knowledge base", "details": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) resolveAgent(c *gin.Context) (uint64, bool) {
	agentID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || agentID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
		return 0, false
	}
	if h.agents == nil {
		return agentID, true
	}
	exists, err := h.agents.Exists(c.Request.Context(), agentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify agent", "details": err.Error()})
		return 0, false
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return 0, false
	}
	return agentID, true
}
