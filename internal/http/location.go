package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-tracking/internal/location"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/validation"
)

type statusRequest struct {
	Status        models.LocationStatus `json:"status" validate:"required,oneof=online offline on_ride break"`
	CurrentRideID string                `json:"currentRideId,omitempty"`
}

func (s *Server) handleUpsertLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := validation.DecodeJSON(r, &u); err != nil {
		s.writeError(w, r, err)
		return
	}
	loc, err := s.locations.UpsertLocation(r.Context(), mux.Vars(r)["driverId"], location.SourceHTTP, u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.locationGW != nil {
		s.locationGW.EmitLocationUpdate(loc)
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := s.locations.GetLocation(r.Context(), mux.Vars(r)["driverId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleRemoveLocation(w http.ResponseWriter, r *http.Request) {
	if err := s.locations.Remove(r.Context(), mux.Vars(r)["driverId"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := validation.DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	loc, err := s.locations.SetStatus(r.Context(), mux.Vars(r)["driverId"], req.Status, req.CurrentRideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.locationGW != nil {
		s.locationGW.EmitDriverStatusChange(loc)
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	var q location.NearbyQuery
	if err := validation.DecodeJSON(r, &q); err != nil {
		s.writeError(w, r, err)
		return
	}
	drivers, err := s.locations.FindNearby(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) handleListOnline(w http.ResponseWriter, r *http.Request) {
	drivers, err := s.locations.ListOnline(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) handleListOnRide(w http.ResponseWriter, r *http.Request) {
	drivers, err := s.locations.ListOnRide(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) handleDistance(w http.ResponseWriter, r *http.Request) {
	var coords [4]float64
	for i, name := range []string{"lat1", "lon1", "lat2", "lon2"} {
		v, err := queryFloat(r, name)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		coords[i] = v
	}
	km, err := s.locations.Distance(coords[0], coords[1], coords[2], coords[3])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, km)
}

func (s *Server) handleCleanupStale(w http.ResponseWriter, r *http.Request) {
	n, err := s.locations.CleanupStale(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}
