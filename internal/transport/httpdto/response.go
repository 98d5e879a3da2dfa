// Package httpdto holds the wire shapes of the sync HTTP API.
package httpdto

import "github.com/Guizzs26/go-offline-sync/internal/models"

type Response[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func NewSuccessResponse[T any](data T) Response[T] {
	return Response[T]{
		Success: true,
		Data:    data,
	}
}

func NewErrorResponse(err string, code string) Response[any] {
	return Response[any]{
		Success: false,
		Error:   err,
		Code:    code,
	}
}

type PushRequest struct {
	Events []models.OutboxEvent `json:"events" binding:"required"`
}

type PushResponse struct {
	Results []models.PushResult `json:"results"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
