package stagesvc

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
)

// StatusFor maps a failure kind onto the HTTP status of the stage contract.
func StatusFor(err error) int {
	switch services.KindOf(err) {
	case services.KindClientInput:
		if errors.Is(err, services.ErrNotFound) {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case services.KindTransient:
		return http.StatusServiceUnavailable
	case services.KindResourceExhausted:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusServiceUnavailable && s.retryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(s.retryAfter))
	}
	s.writeJSON(w, status, stage.ErrorBody{
		Status:    stage.StatusError,
		Error:     err.Error(),
		ErrorKind: string(services.KindOf(err)),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}
