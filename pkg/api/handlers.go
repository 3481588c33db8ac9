package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nat64check/zaphod/pkg/store"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// idParam parses the {id} URL parameter.
func idParam(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		return 0, err
	}

	return uint(id), nil
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListTrillians returns the registered Trillian nodes. Tokens
// never leave the server.
func (s *server) handleListTrillians(w http.ResponseWriter, r *http.Request) {
	trillians, err := s.st.ListTrillians(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list trillians")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing trillians"})

		return
	}

	writeJSON(w, http.StatusOK, trillians)
}

type createTestRunRequest struct {
	URL       string   `json:"url"`
	Trillians []string `json:"trillians"`
	IsPublic  bool     `json:"is_public"`
}

type testRunDetail struct {
	*store.TestRun

	Averages     []store.TestRunAverage `json:"averages"`
	Messages     []store.TestRunMessage `json:"messages"`
	InstanceRuns []store.InstanceRun    `json:"instanceruns"`
}

// handleCreateTestRun creates a test run and one instance run per
// requested Trillian. An empty trillians list means every node that is
// currently alive.
func (s *server) handleCreateTestRun(w http.ResponseWriter, r *http.Request) {
	var req createTestRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid json body"})

		return
	}

	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"url is required"})

		return
	}

	ctx := r.Context()

	var trillians []store.Trillian

	if len(req.Trillians) == 0 {
		all, err := s.st.ListTrillians(ctx)
		if err != nil {
			s.log.WithError(err).Error("Failed to list trillians")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"listing trillians"})

			return
		}

		for _, trillian := range all {
			if trillian.IsAlive {
				trillians = append(trillians, trillian)
			}
		}
	} else {
		for _, name := range req.Trillians {
			trillian, err := s.st.GetTrillianByName(ctx, name)
			if errors.Is(err, store.ErrNotFound) {
				writeJSON(w, http.StatusBadRequest,
					errorResponse{"unknown trillian: " + name})

				return
			}

			if err != nil {
				s.log.WithError(err).Error("Failed to get trillian")
				writeJSON(w, http.StatusInternalServerError,
					errorResponse{"getting trillian"})

				return
			}

			trillians = append(trillians, *trillian)
		}
	}

	if len(trillians) == 0 {
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"no trillians available"})

		return
	}

	detail := testRunDetail{}

	err := s.st.Transaction(ctx, func(tx store.Store) error {
		run := &store.TestRun{
			URL:       req.URL,
			Requested: time.Now().UTC(),
			IsPublic:  req.IsPublic,
		}
		if err := tx.CreateTestRun(ctx, run); err != nil {
			return err
		}

		for _, trillian := range trillians {
			child := &store.InstanceRun{
				TestRunID:  run.ID,
				TrillianID: trillian.ID,
			}
			if err := tx.CreateInstanceRun(ctx, child); err != nil {
				return err
			}

			detail.InstanceRuns = append(detail.InstanceRuns, *child)
		}

		detail.TestRun = run

		return nil
	})
	if err != nil {
		s.log.WithError(err).Error("Failed to create test run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"creating test run"})

		return
	}

	writeJSON(w, http.StatusCreated, detail)
}

// handleGetTestRun returns a test run with its averages, messages and
// instance runs.
func (s *server) handleGetTestRun(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	ctx := r.Context()

	run, err := s.st.GetTestRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"test run not found"})

		return
	}

	if err != nil {
		s.log.WithError(err).Error("Failed to get test run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"getting test run"})

		return
	}

	averages, err := s.st.ListTestRunAverages(ctx, id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list test run averages")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing averages"})

		return
	}

	messages, err := s.st.ListTestRunMessages(ctx, id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list test run messages")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing messages"})

		return
	}

	children, err := s.st.ListInstanceRuns(ctx, id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list instance runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing instance runs"})

		return
	}

	writeJSON(w, http.StatusOK, testRunDetail{
		TestRun:      run,
		Averages:     averages,
		Messages:     messages,
		InstanceRuns: children,
	})
}

type instanceRunDetail struct {
	*store.InstanceRun

	DNSResults []string                   `json:"dns_results"`
	Messages   []store.InstanceRunMessage `json:"messages"`
	Results    []store.InstanceRunResult  `json:"results"`
}

// handleGetInstanceRun returns an instance run with its messages and
// results.
func (s *server) handleGetInstanceRun(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	ctx := r.Context()

	run, err := s.st.GetInstanceRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"instance run not found"})

		return
	}

	if err != nil {
		s.log.WithError(err).Error("Failed to get instance run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"getting instance run"})

		return
	}

	addresses, err := run.GetDNSResults()
	if err != nil {
		s.log.WithError(err).Error("Failed to decode dns results")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"decoding dns results"})

		return
	}

	messages, err := s.st.ListInstanceRunMessages(ctx, id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list instance run messages")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing messages"})

		return
	}

	results, err := s.st.ListResults(ctx, id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list results")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing results"})

		return
	}

	writeJSON(w, http.StatusOK, instanceRunDetail{
		InstanceRun: run,
		DNSResults:  addresses,
		Messages:    messages,
		Results:     results,
	})
}

// --- Trillian callback ---

type callbackMarvin struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	BrowserName  string `json:"browser_name"`
	InstanceType string `json:"instance_type"`
}

type callbackResult struct {
	Marvin       callbackMarvin  `json:"marvin"`
	When         time.Time       `json:"when"`
	PingResponse json.RawMessage `json:"ping_response"`
	WebResponse  json.RawMessage `json:"web_response"`
}

type callbackMessage struct {
	Severity int    `json:"severity"`
	Message  string `json:"message"`
}

type callbackRequest struct {
	Started    *time.Time        `json:"started"`
	Finished   *time.Time        `json:"finished"`
	DNSResults []string          `json:"dns_results"`
	Messages   []callbackMessage `json:"messages"`
	Results    []callbackResult  `json:"results"`
}

// handleInstanceRunCallback receives progress and results from the
// Trillian that owns the instance run. Deliveries are idempotent, so a
// Trillian may safely repeat a callback it is unsure about.
func (s *server) handleInstanceRunCallback(
	w http.ResponseWriter, r *http.Request,
) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	ctx := r.Context()

	run, err := s.st.GetInstanceRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"instance run not found"})

		return
	}

	if err != nil {
		s.log.WithError(err).Error("Failed to get instance run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"getting instance run"})

		return
	}

	trillian, err := s.st.GetTrillian(ctx, run.TrillianID)
	if err != nil {
		s.log.WithError(err).Error("Failed to get trillian")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"getting trillian"})

		return
	}

	if !authorizedFor(r, trillian) {
		writeJSON(w, http.StatusUnauthorized,
			errorResponse{"invalid token"})

		return
	}

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid json body"})

		return
	}

	for _, result := range req.Results {
		if result.Marvin.Name == "" {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"result without marvin name"})

			return
		}

		if !validInstanceType(result.Marvin.InstanceType) {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{
					"unknown instance type: " + result.Marvin.InstanceType,
				})

			return
		}
	}

	var updated *store.InstanceRun

	err = s.st.Transaction(ctx, func(tx store.Store) error {
		run, err := tx.GetInstanceRunForUpdate(ctx, id)
		if err != nil {
			return err
		}

		if req.Started != nil {
			run.Started = req.Started
		}

		if req.Finished != nil {
			run.Finished = req.Finished
		}

		if req.DNSResults != nil {
			if err := run.SetDNSResults(req.DNSResults); err != nil {
				return err
			}
		}

		for _, msg := range req.Messages {
			if err := tx.AddInstanceRunMessage(ctx, &store.InstanceRunMessage{
				InstanceRunID: run.ID,
				Source:        store.SourceTrillian,
				Severity:      msg.Severity,
				Message:       msg.Message,
			}); err != nil {
				return err
			}
		}

		for _, result := range req.Results {
			marvin := &store.Marvin{
				TrillianID:   trillian.ID,
				Name:         result.Marvin.Name,
				Type:         result.Marvin.Type,
				BrowserName:  result.Marvin.BrowserName,
				InstanceType: result.Marvin.InstanceType,
			}
			if err := tx.UpsertMarvin(ctx, marvin); err != nil {
				return err
			}

			if err := tx.UpsertResult(ctx, &store.InstanceRunResult{
				InstanceRunID: run.ID,
				MarvinID:      marvin.ID,
				When:          result.When,
				PingResponse:  string(result.PingResponse),
				WebResponse:   string(result.WebResponse),
			}); err != nil {
				return err
			}
		}

		if err := tx.SaveInstanceRun(ctx, run); err != nil {
			return err
		}

		updated = run

		return nil
	})
	if err != nil {
		s.log.WithError(err).Error("Failed to apply callback")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"applying callback"})

		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// authorizedFor checks the Token authorization header against the
// owning Trillian's token.
func authorizedFor(r *http.Request, trillian *store.Trillian) bool {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Token ") {
		return false
	}

	token := header[len("Token "):]
	if trillian.Token == "" {
		return false
	}

	return subtle.ConstantTimeCompare(
		[]byte(token), []byte(trillian.Token),
	) == 1
}

func validInstanceType(instanceType string) bool {
	for _, known := range store.InstanceTypes {
		if instanceType == known {
			return true
		}
	}

	return false
}
