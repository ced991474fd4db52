package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/contract-drafting/internal/model"
	"github.com/iliyamo/contract-drafting/internal/repository"
)

// ArchiveHandler serves the MySQL contract archive: the durable record of
// built and completed contracts after the hot session expires.
type ArchiveHandler struct {
	Archive *repository.ContractArchive
}

func NewArchiveHandler(a *repository.ContractArchive) *ArchiveHandler {
	return &ArchiveHandler{Archive: a}
}

// ListContracts returns the caller's archived contracts, newest first.
func (h *ArchiveHandler) ListContracts(c echo.Context) error {
	out, err := h.Archive.ListByOwner(c.Request().Context(), userIDFrom(c))
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "archive unavailable"})
	}
	if out == nil {
		out = []model.SessionSummary{}
	}
	return c.JSON(http.StatusOK, out)
}

// GetContract returns one archived session snapshot. Only the owner may
// read it.
func (h *ArchiveHandler) GetContract(c echo.Context) error {
	s, err := h.Archive.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "contract not found"})
		}
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "archive unavailable"})
	}
	if s.OwnerUserID != userIDFrom(c) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "contract not found"})
	}
	return c.JSON(http.StatusOK, s)
}
