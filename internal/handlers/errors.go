package handlers

import (
	"errors"

	"agent-scheduler/internal/errs"

	"github.com/gofiber/fiber/v2"
)

// StatusFor maps a service error onto an HTTP status.
func StatusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errs.IsValidation(err):
		return fiber.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, errs.ErrScheduleRunning), errors.Is(err, errs.ErrConcurrentModification):
		return fiber.StatusConflict
	case errors.As(err, &fe):
		return fe.Code
	}
	return fiber.StatusInternalServerError
}

// ErrorHandler is the fiber.Config ErrorHandler for the API.
func ErrorHandler(c *fiber.Ctx, err error) error {
	return c.Status(StatusFor(err)).JSON(fiber.Map{
		"error": err.Error(),
	})
}
