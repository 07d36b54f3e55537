package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/trialmatch/trialmatch/internal/core/config"
	"github.com/trialmatch/trialmatch/internal/types"
)

// InitStatus is the phenotype service's initialization report.
type InitStatus struct {
	Initialized    bool   `json:"initialized"`
	Ready          bool   `json:"ready"`
	Status         string `json:"status"`
	PatientsLoaded int    `json:"patients_loaded"`
}

// PhenotypeClient reads patient listings and phenotypes from the phenotype service.
type PhenotypeClient struct {
	http       *resty.Client
	healthPath string
	statusPath string
	logger     *zap.Logger
}

// NewPhenotypeClient creates a client for the phenotype service described by cfg.
func NewPhenotypeClient(cfg config.PhenotypeConfig, logger *zap.Logger) *PhenotypeClient {
	return &PhenotypeClient{
		http:       newHTTPClient(cfg.BaseURL, cfg.Timeout),
		healthPath: cfg.HealthPath,
		statusPath: cfg.StatusPath,
		logger:     logger,
	}
}

// patientRef is one entry of the paginated listing.
type patientRef struct {
	PatientID string `json:"patient_id"`
	ID        string `json:"id"`
}

// ListPatientIDs returns one page of patient IDs.
// A 404 is reported as an empty page, which ends pagination.
func (c *PhenotypeClient) ListPatientIDs(ctx context.Context, limit, offset int) ([]string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetQueryParam("offset", strconv.Itoa(offset)).
		Get("/patients")
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if err := classify("list patients", resp, err, nil); err != nil {
		return nil, err
	}

	var refs []patientRef
	if err := json.Unmarshal(resp.Body(), &refs); err != nil {
		return nil, fmt.Errorf("decode patient listing: %w: %v", types.ErrUpstreamUnavailable, err)
	}

	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		id := r.PatientID
		if id == "" {
			id = r.ID
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// GetPhenotype retrieves one patient's record.
// Returns ErrPatientNotFound on 404.
func (c *PhenotypeClient) GetPhenotype(ctx context.Context, patientID string) (*types.PatientRecord, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("patientID", patientID).
		Get("/patients/{patientID}/phenotype")
	if err := classify("fetch phenotype "+patientID, resp, err, types.ErrPatientNotFound); err != nil {
		return nil, err
	}

	rec, err := types.DecodePatientRecord(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("decode phenotype %s: %w: %v", patientID, types.ErrUpstreamUnavailable, err)
	}
	if rec.PatientID == "" {
		rec.PatientID = patientID
	}
	return rec, nil
}

// InitStatus reports whether the phenotype service has finished building records.
func (c *PhenotypeClient) InitStatus(ctx context.Context) (InitStatus, error) {
	var status InitStatus
	resp, err := c.http.R().SetContext(ctx).Get(c.statusPath)
	if err := classify("initialization status", resp, err, nil); err != nil {
		return status, err
	}
	if err := json.Unmarshal(resp.Body(), &status); err != nil {
		return status, fmt.Errorf("decode initialization status: %w: %v", types.ErrUpstreamUnavailable, err)
	}
	return status, nil
}

// Ready reports initialized && ready. Satisfies cache.ReadinessReporter.
func (c *PhenotypeClient) Ready(ctx context.Context) (bool, error) {
	status, err := c.InitStatus(ctx)
	if err != nil {
		return false, err
	}
	c.logger.Debug("phenotype initialization status",
		zap.Bool("initialized", status.Initialized),
		zap.Bool("ready", status.Ready),
		zap.String("status", status.Status),
		zap.Int("patients_loaded", status.PatientsLoaded),
	)
	return status.Initialized && status.Ready, nil
}

// Ping checks the phenotype service health endpoint.
func (c *PhenotypeClient) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get(c.healthPath)
	return classify("phenotype health", resp, err, nil)
}
