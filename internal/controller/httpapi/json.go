package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error        string              `json:"error"`
	AccessRecord *model.AccessRecord `json:"access_record,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", model.ErrBadRequest, err)
	}
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", model.ErrBadRequest)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: decode body: %v", model.ErrBadRequest, err)
	}
	return nil
}

func chiParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// uuidParam parses a chi URL parameter as a UUID
func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chiParam(r, name))
	if err != nil {
		return uuid.Nil, model.ErrInvalidIdentifier
	}
	return id, nil
}
