package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/pivengine/internal/domain"
	"github.com/alanyoungcy/pivengine/internal/platform/lending"
)

// MigrationHandler serves position migrations.
type MigrationHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewMigrationHandler creates a MigrationHandler.
func NewMigrationHandler(positions PositionService, logger *slog.Logger) *MigrationHandler {
	return &MigrationHandler{positions: positions, logger: logger}
}

type migrationRequest struct {
	UserAddress      string                      `json:"userAddress"`
	SourcePosition   lending.APIPosition         `json:"sourcePosition"`
	Destination      domain.MigrationDestination `json:"destination"`
	TargetToken      string                      `json:"targetToken,omitempty"`
	InterestRateMode domain.InterestRateMode     `json:"interestRateMode,omitempty"`
}

type migrationResponse struct {
	Success       bool              `json:"success"`
	Order         *domain.Order     `json:"order,omitempty"`
	VaultPosition *vaultView        `json:"vaultPosition,omitempty"`
	Error         *domain.ErrorInfo `json:"error,omitempty"`
}

func (req migrationRequest) toDomain() (domain.MigrationRequest, error) {
	pos, err := req.SourcePosition.ToDomain(req.UserAddress)
	if err != nil {
		return domain.MigrationRequest{}, domain.WrapError(domain.KindValidation, "invalid source position", err)
	}
	return domain.MigrationRequest{
		UserAddress:      req.UserAddress,
		SourcePosition:   pos,
		Destination:      req.Destination,
		TargetToken:      req.TargetToken,
		InterestRateMode: req.InterestRateMode,
	}, nil
}

// Migrate moves a lending position into the vault or a resting order.
// POST /api/migrations
func (h *MigrationHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	var body migrationRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	req, err := body.toDomain()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.positions.Migrate(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := migrationResponse{Success: res.Success, Order: res.Order}
	if res.VaultPosition != nil {
		vv := toVaultView(*res.VaultPosition)
		out.VaultPosition = &vv
	}
	writeJSON(w, http.StatusCreated, out)
}

type checkRequest struct {
	UserAddress string `json:"userAddress"`
	PositionID  string `json:"positionId"`
}

// Check reports whether a position can be migrated.
// POST /api/migrations/check
func (h *MigrationHandler) Check(w http.ResponseWriter, r *http.Request) {
	var body checkRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if body.UserAddress == "" || body.PositionID == "" {
		writeError(w, r, h.logger, badRequest("userAddress and positionId are required"))
		return
	}
	writeJSON(w, http.StatusOK, h.positions.CheckMigration(body.UserAddress, body.PositionID))
}
