package alertapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/warden/internal/intel"
)

var validIOCTypes = map[intel.IOCType]bool{
	intel.IOCIP:     true,
	intel.IOCDomain: true,
	intel.IOCHash:   true,
	intel.IOCURL:    true,
	intel.IOCEmail:  true,
}

func (a *API) handleLookupIOC(w http.ResponseWriter, r *http.Request) {
	if a.resolver == nil {
		a.writeError(w, http.StatusNotImplemented, "intel lookup disabled")
		return
	}

	iocType := intel.IOCType(chi.URLParam(r, "type"))
	value := chi.URLParam(r, "value")
	if !validIOCTypes[iocType] {
		a.writeError(w, http.StatusBadRequest, "unknown indicator type")
		return
	}
	if value == "" {
		a.writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	v, err := a.resolver.Resolve(r.Context(), iocType, value)
	if err != nil {
		a.logger.Error(r.Context(), err, "indicator lookup failed", "type", iocType, "value", value)
		a.writeError(w, http.StatusBadGateway, "lookup failed")
		return
	}
	a.writeJSON(w, http.StatusOK, v)
}
