package routes

import (
	"net/http"

	"github.com/go-chi/render"
)

// errResponse is the JSON error body.
type errResponse struct {
	HTTPStatus int    `json:"-"`
	Message    string `json:"error"`
}

// Render implements render.Renderer.
func (e *errResponse) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatus)
	return nil
}

func errBadRequest(msg string) render.Renderer {
	return &errResponse{HTTPStatus: http.StatusBadRequest, Message: msg}
}

func errNotFound(msg string) render.Renderer {
	return &errResponse{HTTPStatus: http.StatusNotFound, Message: msg}
}

func errInternal() render.Renderer {
	return &errResponse{HTTPStatus: http.StatusInternalServerError, Message: "internal error"}
}
