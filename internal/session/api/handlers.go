package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/codeplane/codeplane/internal/common/errors"
	"github.com/codeplane/codeplane/internal/session"
	"github.com/codeplane/codeplane/pkg/codex"
)

type createThreadRequest struct {
	ProjectPath    string `json:"projectPath"`
	ApprovalPolicy string `json:"approvalPolicy"`
	Sandbox        string `json:"sandbox"`
	Model          string `json:"model"`
	ThreadName     string `json:"threadName"`
}

type startTurnRequest struct {
	Text  string            `json:"text"`
	Input []codex.UserInput `json:"input"`
}

type approveRequest struct {
	ApprovalID          string   `json:"approvalId"`
	Decision            string   `json:"decision"`
	ExecPolicyAmendment []string `json:"execPolicyAmendment"`
}

func (s *Server) handleCreateThread(c *gin.Context) {
	var req createThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, errors.InvalidArgument("invalid request body: "+err.Error()))
		return
	}

	thread, err := s.orchestrator.CreateThread(c.Request.Context(), session.CreateThreadRequest{
		ProjectPath:    req.ProjectPath,
		ApprovalPolicy: req.ApprovalPolicy,
		Sandbox:        req.Sandbox,
		Model:          req.Model,
		ThreadName:     req.ThreadName,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, thread)
}

func (s *Server) handleListThreads(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"threads": s.orchestrator.ListThreads(c.Request.Context()),
	})
}

func (s *Server) handleGetThread(c *gin.Context) {
	thread, err := s.orchestrator.GetThread(c.Request.Context(), c.Param("tid"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

func (s *Server) handleActivateThread(c *gin.Context) {
	thread, err := s.orchestrator.ActivateThread(c.Request.Context(), c.Param("tid"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

func (s *Server) handleArchiveThread(c *gin.Context) {
	thread, err := s.orchestrator.ArchiveThread(c.Request.Context(), c.Param("tid"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

func (s *Server) handleStartTurn(c *gin.Context) {
	var req startTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, errors.InvalidArgument("invalid request body: "+err.Error()))
		return
	}

	jobID, err := s.orchestrator.StartTurn(c.Request.Context(), c.Param("tid"), session.StartTurnRequest{
		Text:  req.Text,
		Input: req.Input,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
}

func (s *Server) handleThreadHistory(c *gin.Context) {
	cursor, limit, err := cursorParams(c)
	if err != nil {
		s.renderError(c, err)
		return
	}

	page, err := s.orchestrator.ReadThreadHistory(c.Request.Context(), c.Param("tid"), cursor, limit)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.orchestrator.GetJob(c.Request.Context(), c.Param("jid"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleApprove(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, errors.InvalidArgument("invalid request body: "+err.Error()))
		return
	}
	if req.ApprovalID == "" {
		s.renderError(c, errors.InvalidArgument("approvalId is required"))
		return
	}
	if req.Decision == "" {
		s.renderError(c, errors.InvalidArgument("decision is required"))
		return
	}

	if err := s.orchestrator.ResolveApproval(c.Request.Context(), c.Param("jid"),
		req.ApprovalID, req.Decision, req.ExecPolicyAmendment); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

func (s *Server) handleCancelJob(c *gin.Context) {
	if err := s.orchestrator.CancelJob(c.Request.Context(), c.Param("jid")); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// cursorParams parses the shared cursor/limit query parameters. The
// cursor defaults to -1, meaning from the beginning of retention.
func cursorParams(c *gin.Context) (int64, int, error) {
	cursor := int64(-1)
	if raw := c.Query("cursor"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, 0, errors.InvalidArgument("cursor must be an integer")
		}
		cursor = parsed
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, errors.InvalidArgument("limit must be a non-negative integer")
		}
		limit = parsed
	}
	return cursor, limit, nil
}
