package handler

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/marketledger/internal/forwarder"
)

// ReportService submits signed reports to the relay.
type ReportService interface {
	SubmitReport(ctx context.Context, env forwarder.Envelope) (forwarder.TransmissionID, error)
}

// ReportHandler accepts signed workflow reports.
type ReportHandler struct {
	reports ReportService
	logger  *slog.Logger
}

// NewReportHandler creates a ReportHandler.
func NewReportHandler(reports ReportService, logger *slog.Logger) *ReportHandler {
	return &ReportHandler{reports: reports, logger: logHandler(logger, "reports")}
}

// submitReportRequest carries hex-encoded bytes, with or without 0x.
type submitReportRequest struct {
	Metadata   string   `json:"metadata"`
	Report     string   `json:"report"`
	Signatures []string `json:"signatures"`
}

func decodeHex(field, s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return b, nil
}

func (req submitReportRequest) envelope() (forwarder.Envelope, error) {
	var env forwarder.Envelope
	var err error
	if env.Metadata, err = decodeHex("metadata", req.Metadata); err != nil {
		return env, err
	}
	if env.Report, err = decodeHex("report", req.Report); err != nil {
		return env, err
	}
	for i, s := range req.Signatures {
		sig, err := decodeHex(fmt.Sprintf("signatures[%d]", i), s)
		if err != nil {
			return env, err
		}
		env.Signatures = append(env.Signatures, sig)
	}
	return env, nil
}

// SubmitReport verifies and delivers a signed report.
// POST /api/reports
func (h *ReportHandler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	var req submitReportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	env, err := req.envelope()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.reports.SubmitReport(r.Context(), env)
	if err != nil {
		writeServiceError(w, r, h.logger, "submit report", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"transmission_id": id.String()})
}
