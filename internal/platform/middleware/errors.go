package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(status int, code, message string) *echo.HTTPError {
	return echo.NewHTTPError(status, ErrorBody{Code: code, Message: message})
}

// ErrorHandler renders errors as ErrorBody. Handlers that already built an
// ErrorBody-shaped message keep it; plain echo errors get a code derived
// from their status.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		he := &echo.HTTPError{Code: http.StatusInternalServerError, Message: http.StatusText(http.StatusInternalServerError)}
		if !errors.As(err, &he) {
			logger.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
		}

		body := toBody(he)
		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(he.Code)
		} else {
			werr = c.JSON(he.Code, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}

func toBody(he *echo.HTTPError) any {
	switch m := he.Message.(type) {
	case string:
		return ErrorBody{Code: statusCode(he.Code), Message: m}
	case ErrorBody:
		return m
	case nil:
		return ErrorBody{Code: statusCode(he.Code), Message: http.StatusText(he.Code)}
	default:
		// Domain error bodies are already in shape.
		return m
	}
}

// statusCode turns 404 into "NOT_FOUND", 429 into "TOO_MANY_REQUESTS".
func statusCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "ERROR"
	}
	return strings.ToUpper(strings.ReplaceAll(text, " ", "_"))
}
