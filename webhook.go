package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/iterator"

	"cloud.google.com/go/storage"
)

// writeJSON is a small helper to send JSON responses with status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON error: %v", err)
	}
}

// outcomeStatusCode maps a routing outcome onto an HTTP status. Failures
// answer non-2xx so a queueing transport in front of the webhook keeps
// its own redelivery semantics; the pipeline itself never retries.
func outcomeStatusCode(outcome RoutingOutcome) int {
	switch outcome.Status {
	case OutcomeDelivered, OutcomeSkipped:
		return http.StatusOK
	default:
		if outcome.ErrorKind == ErrInvalidEvent {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}

// StableStudyEventHandler implements POST /internal/events/stable-study:
// the direct-webhook form of the trigger boundary. The host server (or a
// bridge script next to it) posts the typed event here.
func (h *Handlers) StableStudyEventHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var event StableStudyEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		log.Printf("StableStudyEvent: invalid body: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	log.Printf("StableStudyEvent: processing study=%s series=%d", event.StudyID, len(event.SeriesIDs))
	outcome := h.Pipeline.OnStableStudy(r.Context(), event)
	writeJSON(w, outcomeStatusCode(outcome), outcome)
}

// pubsubPushEnvelope matches the structure Pub/Sub sends to push
// endpoints; only the base64 data field matters to us.
type pubsubPushEnvelope struct {
	Message struct {
		Data       string            `json:"data"`
		Attributes map[string]string `json:"attributes"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PubSubStableStudyHandler implements POST /internal/pubsub/stable-study
// for deployments that queue stability events through Pub/Sub. The inner
// message data is the same StableStudyEvent JSON, base64-wrapped.
func (h *Handlers) PubSubStableStudyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var env pubsubPushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		log.Printf("PubSubStableStudy: invalid envelope: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if env.Message.Data == "" {
		log.Printf("PubSubStableStudy: empty message data")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		log.Printf("PubSubStableStudy: base64 decode error: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var event StableStudyEvent
	if err := json.Unmarshal(decoded, &event); err != nil {
		log.Printf("PubSubStableStudy: invalid event json: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	log.Printf("PubSubStableStudy: processing study=%s (message %s)", event.StudyID, env.Message.MessageID)
	outcome := h.Pipeline.OnStableStudy(r.Context(), event)
	writeJSON(w, outcomeStatusCode(outcome), outcome)
}

// RunsHandler implements GET /api/runs?study_id=... listing the pipeline
// run records for one study.
func (h *Handlers) RunsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.DB == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run records not configured"})
		return
	}

	studyID := strings.TrimSpace(r.URL.Query().Get("study_id"))
	if studyID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "study_id is required"})
		return
	}

	runs, err := h.DB.ListRunsByStudy(r.Context(), studyID)
	if err != nil {
		log.Printf("RunsHandler: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// RunByIDHandler implements GET /api/runs/{runID}. When the artifact
// archive is configured, the response also lists the archived object
// names for the run.
func (h *Handlers) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.DB == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run records not configured"})
		return
	}

	runID := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	runID = strings.Trim(runID, "/")
	if runID == "" || strings.Contains(runID, "/") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid run id"})
		return
	}

	run, err := h.DB.GetRun(r.Context(), runID)
	if err != nil {
		log.Printf("RunByIDHandler: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}

	resp := map[string]interface{}{"run": run}
	if archived := h.listArchivedArtifacts(r, runID); archived != nil {
		resp["archived_artifacts"] = archived
	}
	writeJSON(w, http.StatusOK, resp)
}

// listArchivedArtifacts returns the archive object names under
// runs/<runID>/, or nil when the archive is disabled or unreadable.
func (h *Handlers) listArchivedArtifacts(r *http.Request, runID string) []string {
	if h.Storage == nil || h.Cfg.ArchiveBucket == "" {
		return nil
	}

	var names []string
	it := h.Storage.Bucket(h.Cfg.ArchiveBucket).Objects(r.Context(), &storage.Query{Prefix: "runs/" + runID + "/"})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			log.Printf("listArchivedArtifacts: iterate gs://%s: %v", h.Cfg.ArchiveBucket, err)
			return nil
		}
		names = append(names, attrs.Name)
	}
	return names
}

// FeedbackHandler implements POST (submit) and GET (list) /api/feedback.
func (h *Handlers) FeedbackHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.submitFeedback(w, r)
	case http.MethodGet:
		h.listFeedback(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) submitFeedback(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "feedback store not configured"})
		return
	}

	userID, err := h.GetUserIDFromRequest(r.Context(), r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}

	var f Feedback
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	f.UserID = userID
	if f.Kind == "" {
		f.Kind = "initial"
	}
	if err := f.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	f.FeedbackID, err = randomTokenID("FB", 10)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to allocate id"})
		return
	}
	f.CreatedAt = time.Now().UTC()

	if err := h.DB.CreateFeedback(r.Context(), &f); err != nil {
		if errors.Is(err, ErrFeedbackConflict) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		log.Printf("submitFeedback: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store feedback"})
		return
	}

	writeJSON(w, http.StatusCreated, f)
}

func (h *Handlers) listFeedback(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "feedback store not configured"})
		return
	}

	studyUID := strings.TrimSpace(r.URL.Query().Get("study_uid"))
	if studyUID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "study_uid is required"})
		return
	}

	items, err := h.DB.ListFeedbackByStudy(r.Context(), studyUID)
	if err != nil {
		log.Printf("listFeedback: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list feedback"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"feedback": items})
}
