package api

import (
	"fmt"
	"net/http"
	"strconv"

	"segmentation-gateway/internal/dto"
	"segmentation-gateway/internal/models"
	"segmentation-gateway/internal/service"
)

func (handler *Handler) videoService() (*service.VideoService, error) {
	if handler.deps.Videos == nil {
		return nil, models.ErrEngineUnavailable
	}
	return handler.deps.Videos, nil
}

// StartVideoSession loads a video into a new tracking session
func (handler *Handler) StartVideoSession(w http.ResponseWriter, r *http.Request) {
	videos, err := handler.videoService()
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	var req dto.StartSessionRequest
	if err := handler.decodeJSON(w, r, &req, false); err != nil {
		handler.respondErr(w, r, err)
		return
	}

	session, err := videos.StartSession(r.Context(), service.VideoSource{
		Path:   req.VideoPath,
		URL:    req.VideoURL,
		Base64: req.VideoBase64,
	}, req.SessionID)
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	handler.respondJSON(w, http.StatusOK, dto.StartSessionResponse{
		SessionID: session.ID,
		VideoInfo: dto.NewVideoInfo(session.VideoInfo),
		Status:    string(session.Status),
	})
}

// AddPrompt adds prompts on one frame of a session
func (handler *Handler) AddPrompt(w http.ResponseWriter, r *http.Request) {
	videos, err := handler.videoService()
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	var req dto.AddPromptRequest
	if err := handler.decodeJSON(w, r, &req, false); err != nil {
		handler.respondErr(w, r, err)
		return
	}

	result, err := videos.AddPrompt(r.Context(), r.PathValue("id"), models.AddPromptRequest{
		FrameIndex: req.FrameIndex,
		Prompts:    req.Prompts,
		ObjectID:   req.ObjectID,
	})
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	objectIDs := result.ObjectIDs
	if objectIDs == nil {
		objectIDs = []int{}
	}
	handler.respondJSON(w, http.StatusOK, dto.AddPromptResponse{
		FrameIndex: result.FrameIndex,
		ObjectIDs:  objectIDs,
		Masks:      nonNilStrings(result.Masks),
		Boxes:      nonNilBoxes(result.Boxes),
		Scores:     nonNilFloats(result.Scores),
		Status:     "prompt_added",
	})
}

// Propagate runs tracking to completion and returns every frame
func (handler *Handler) Propagate(w http.ResponseWriter, r *http.Request) {
	videos, err := handler.videoService()
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	var req dto.PropagateRequest
	if err := handler.decodeJSON(w, r, &req, true); err != nil {
		handler.respondErr(w, r, err)
		return
	}

	id := r.PathValue("id")
	result, err := videos.Propagate(r.Context(), id, req.Model())
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	frames := make(map[int]models.FrameResult, len(result.Frames))
	for _, f := range result.Frames {
		if f.Objects == nil {
			f.Objects = []models.VideoObject{}
		}
		frames[f.FrameIndex] = f
	}
	handler.respondJSON(w, http.StatusOK, dto.PropagateResponse{
		SessionID:        id,
		Results:          frames,
		TotalFrames:      result.TotalFrames,
		ProcessingTimeMS: durationMS(result.Duration),
	})
}

// SessionStatus reports a session and its engine memory
func (handler *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	videos, err := handler.videoService()
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	status, err := videos.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	s := status.Session
	resp := dto.SessionStatusResponse{
		SessionID:       s.ID,
		Status:          string(s.Status),
		CurrentObjects:  s.ObjectsCount,
		FramesProcessed: s.FramesProcessed,
		GPUMemoryUsedMB: status.GPUMemoryMB,
		LastError:       s.LastError,
	}
	if s.VideoInfo != nil {
		resp.TotalFrames = s.VideoInfo.TotalFrames
	}
	handler.respondJSON(w, http.StatusOK, resp)
}

// RemoveObject drops one tracked object
func (handler *Handler) RemoveObject(w http.ResponseWriter, r *http.Request) {
	videos, err := handler.videoService()
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	id := r.PathValue("id")
	objectID, err := strconv.Atoi(r.PathValue("obj_id"))
	if err != nil {
		handler.respondErr(w, r, fmt.Errorf("%w: obj_id must be an integer", models.ErrInvalidRequest))
		return
	}
	if err := videos.RemoveObject(r.Context(), id, objectID); err != nil {
		handler.respondErr(w, r, err)
		return
	}
	handler.respondJSON(w, http.StatusOK, dto.RemoveObjectResponse{SessionID: id, ObjectID: objectID, Status: "removed"})
}

// ResetSession clears every prompt and object of a session
func (handler *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	videos, err := handler.videoService()
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	id := r.PathValue("id")
	cleared, err := videos.Reset(r.Context(), id)
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}
	handler.respondJSON(w, http.StatusOK, dto.ResetSessionResponse{SessionID: id, Status: "reset", ObjectsCleared: cleared})
}

// CloseSession releases a session and its engine state
func (handler *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	videos, err := handler.videoService()
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}

	id := r.PathValue("id")
	freed, err := videos.Close(r.Context(), id)
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}
	handler.respondJSON(w, http.StatusOK, dto.CloseSessionResponse{SessionID: id, Status: "closed", MemoryFreedMB: freed})
}

// ListSessions lists every live session, video and image batch alike
func (handler *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := handler.deps.Registry.List()
	resp := dto.SessionListResponse{Sessions: make([]dto.SessionListItem, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, dto.NewSessionListItem(s))
	}
	resp.TotalSessions = len(resp.Sessions)
	handler.respondJSON(w, http.StatusOK, resp)
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// ListAuditSessions returns persisted session history, newest first
func (handler *Handler) ListAuditSessions(w http.ResponseWriter, r *http.Request) {
	if handler.deps.Audit == nil {
		handler.respondError(w, http.StatusNotFound, "session audit storage is disabled")
		return
	}

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			handler.respondErr(w, r, fmt.Errorf("%w: limit must be a positive integer", models.ErrInvalidRequest))
			return
		}
		limit = min(n, maxAuditLimit)
	}

	records, err := handler.deps.Audit.ListRecent(r.Context(), limit)
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}
	if records == nil {
		records = []*models.SessionRecord{}
	}
	handler.respondJSON(w, http.StatusOK, dto.AuditListResponse{Sessions: records, Count: len(records)})
}
