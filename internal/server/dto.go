package server

import (
	"verdant/internal/domain"
)

// Request payloads

type CreatePlantRequest struct {
	// ImageBase64 is the raw image, base64 encoded (standard encoding).
	ImageBase64 string `json:"image_base64"`
	Ext         string `json:"ext,omitempty" example:"jpg"`
	// UseFallback overrides the configured fallback policy for this upload.
	UseFallback *bool `json:"use_fallback,omitempty"`
}

type UpdateTreatmentRequest struct {
	Completed bool `json:"completed"`
}

type DevLoginRequest struct {
	OwnerID string `json:"owner_id"`
}

// Response payloads

type PlantResponse struct {
	ID         string                  `json:"id"`
	OwnerID    string                  `json:"owner_id"`
	ImageURL   string                  `json:"image_url"`
	Name       *string                 `json:"name,omitempty"`
	Diagnosis  *domain.DiagnosisResult `json:"diagnosis,omitempty"`
	CreatedAt  string                  `json:"created_at" format:"date-time"`
	Treatments []TreatmentResponse     `json:"treatments,omitempty"`
}

type TreatmentResponse struct {
	ID          string `json:"id"`
	PlantID     string `json:"plant_id"`
	Step        int    `json:"step"`
	Description string `json:"description"`
	Date        string `json:"date" format:"date"`
	Completed   bool   `json:"completed"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func plantResponse(p domain.Plant) PlantResponse {
	return PlantResponse{
		ID:         p.ID,
		OwnerID:    p.OwnerID,
		ImageURL:   p.ImageURL,
		Name:       p.Name,
		Diagnosis:  p.Diagnosis,
		CreatedAt:  p.CreatedAt,
		Treatments: mapTreatments(p.Treatments),
	}
}

func mapPlants(items []domain.Plant) []PlantResponse {
	res := make([]PlantResponse, 0, len(items))
	for _, p := range items {
		res = append(res, plantResponse(p))
	}
	return res
}

func treatmentResponse(t domain.Treatment) TreatmentResponse {
	return TreatmentResponse(t)
}

func mapTreatments(items []domain.Treatment) []TreatmentResponse {
	if len(items) == 0 {
		return nil
	}
	res := make([]TreatmentResponse, 0, len(items))
	for _, t := range items {
		res = append(res, treatmentResponse(t))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			Payload:    e.Payload,
		})
	}
	return res
}
