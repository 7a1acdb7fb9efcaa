package dbentry

import (
	"bytes"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"

	"github.com/aditya0562/lsm-kv-store/internal/application/service"
	"github.com/aditya0562/lsm-kv-store/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type DbEntryHandler struct {
	saveService   *service.SaveEntryService
	deleteService *service.DeleteEntryService
	getService    *service.GetEntryService
	batchService  *service.BatchSaveEntriesService
	rangeService  *service.ReadKeyRangeService
}

func NewDbEntryHandler(
	saveService *service.SaveEntryService,
	deleteService *service.DeleteEntryService,
	getService *service.GetEntryService,
	batchService *service.BatchSaveEntriesService,
	rangeService *service.ReadKeyRangeService) *DbEntryHandler {
	return &DbEntryHandler{
		saveService:   saveService,
		deleteService: deleteService,
		getService:    getService,
		batchService:  batchService,
		rangeService:  rangeService,
	}
}

type SaveEntryRequest struct {
	Key   string               `json:"key"`
	Value jsoniter.RawMessage  `json:"value"`
}

type BatchSaveRequest struct {
	Entries []SaveEntryRequest    `json:"entries"`
	Keys    []string              `json:"keys"`
	Values  []jsoniter.RawMessage `json:"values"`
}

type EntryResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count,omitempty"`
}

type RangeResponse struct {
	Count   int             `json:"count"`
	Results []EntryResponse `json:"results"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// valueToString normalizes a JSON value: strings are stored verbatim,
// anything else as its compact JSON encoding. Absent and null values are
// rejected.
func valueToString(raw jsoniter.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("%w: missing value", domain.ErrValidation)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var compact bytes.Buffer
	if err := stdjson.Compact(&compact, raw); err != nil {
		return "", fmt.Errorf("%w: invalid value", domain.ErrValidation)
	}
	return compact.String(), nil
}

func (h *DbEntryHandler) SaveEntry(w http.ResponseWriter, r *http.Request) {
	var request SaveEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	value, err := valueToString(request.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.saveService.Execute(service.SaveEntryCommand{Key: request.Key, Value: value}); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (h *DbEntryHandler) BatchSaveEntries(w http.ResponseWriter, r *http.Request) {
	var request BatchSaveRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	var entries []domain.KeyValue
	switch {
	case len(request.Entries) > 0:
		for _, e := range request.Entries {
			value, err := valueToString(e.Value)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			entries = append(entries, domain.KeyValue{Key: e.Key, Value: value})
		}
	case len(request.Keys) > 0:
		if len(request.Keys) != len(request.Values) {
			writeError(w, http.StatusBadRequest, "keys and values length mismatch")
			return
		}
		for i, k := range request.Keys {
			value, err := valueToString(request.Values[i])
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			entries = append(entries, domain.KeyValue{Key: k, Value: value})
		}
	default:
		writeError(w, http.StatusBadRequest, "empty batch")
		return
	}

	count, err := h.batchService.Execute(service.BatchSaveEntriesCommand{Entries: entries})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Count: count})
}

func (h *DbEntryHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	result, err := h.getService.Execute(service.GetEntryQuery{Key: key})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EntryResponse{Key: result.Entry.Key, Value: result.Entry.Value})
}

func (h *DbEntryHandler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.deleteService.Execute(service.DeleteEntryCommand{Key: key}); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (h *DbEntryHandler) ReadKeyRange(w http.ResponseWriter, r *http.Request) {
	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")
	if start == "" || end == "" {
		writeError(w, http.StatusBadRequest, "start and end are required")
		return
	}
	limit := 0
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		n, err := strconv.Atoi(rawLimit)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	results, err := h.rangeService.Execute(service.ReadKeyRangeQuery{Start: start, End: end, Limit: limit})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response := RangeResponse{Count: len(results), Results: make([]EntryResponse, 0, len(results))}
	for _, kv := range results {
		response.Results = append(response.Results, EntryResponse{Key: kv.Key, Value: kv.Value})
	}
	writeJSON(w, http.StatusOK, response)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrReplicationTimeout), errors.Is(err, domain.ErrReplicationDisconnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
