package audit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/promptvault/promptvault/internal/models"
)

// entryResponse is the wire shape for one audit entry.
type entryResponse struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	UserID    string            `json:"userId,omitempty"`
	Email     string            `json:"email,omitempty"`
	OrgID     string            `json:"orgId,omitempty"`
	Provider  string            `json:"provider,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	IPAddress string            `json:"ipAddress"`
	UserAgent string            `json:"userAgent"`
	Timestamp int64             `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func toResponse(entries []*models.AuditEntry) []entryResponse {
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID:        e.ID,
			Action:    string(e.Action),
			UserID:    e.UserID,
			Email:     e.Email,
			OrgID:     e.OrgID,
			Provider:  e.Provider,
			Reason:    e.Reason,
			IPAddress: e.IPAddress,
			UserAgent: e.UserAgent,
			Timestamp: e.Timestamp.Unix(),
			Metadata:  e.Metadata,
		})
	}
	return out
}

// RecentHandler serves the recent-activity read API. Filters: ?email= or
// ?userId= narrow to one identity, ?limit= caps the result set.
func (r *Recorder) RecentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()

		limit := 0
		if raw := req.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		var (
			entries []*models.AuditEntry
			err     error
		)
		switch {
		case req.URL.Query().Get("email") != "":
			entries, err = r.ByEmail(ctx, req.URL.Query().Get("email"), limit)
		case req.URL.Query().Get("userId") != "":
			entries, err = r.ByUser(ctx, req.URL.Query().Get("userId"), limit)
		default:
			entries, err = r.Recent(ctx, limit)
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to read audit entries")
			http.Error(w, "failed to read audit entries", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"entries": toResponse(entries)})
	}
}
