package widgetd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/widgetd/kit"
	"github.com/hazyhaar/widgetd/shield"
	"github.com/hazyhaar/widgetd/widget"
	"github.com/hazyhaar/widgetd/widgetd/internal/dispatch"
)

// maxRequestBody bounds Control API request bodies. Inline markup is the
// largest thing a client sends.
const maxRequestBody = 4 << 20

// Router returns the Control API routes behind the shield middleware stack.
func (s *Service) Router() chi.Router {
	r := chi.NewRouter()
	for _, mw := range shield.APIStack(s.logger, maxRequestBody) {
		r.Use(mw)
	}
	s.Mount(r)
	return r
}

// Mount registers the Control API routes on r.
func (s *Service) Mount(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Health())
	})

	r.Route("/api/widgets", func(r chi.Router) {
		r.Get("/", s.serve(s.endpoints.listWidgets, http.StatusOK, func(*http.Request) (any, error) {
			return &ListRequest{}, nil
		}))
		r.Post("/", s.serve(s.endpoints.createWidget, http.StatusCreated, func(r *http.Request) (any, error) {
			var req CreateWidgetRequest
			return &req, decodeBody(r, &req)
		}))

		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", s.serve(s.endpoints.deleteWidget, http.StatusOK, func(r *http.Request) (any, error) {
				keep, err := queryBool(r, "keep_history")
				return &DeleteWidgetRequest{WidgetID: chi.URLParam(r, "id"), KeepHistory: keep}, err
			}))
			r.Patch("/visibility", s.serve(s.endpoints.setVisibility, http.StatusOK, func(r *http.Request) (any, error) {
				var body struct {
					Visible *bool `json:"visible"`
				}
				if err := decodeBody(r, &body); err != nil {
					return nil, err
				}
				if body.Visible == nil {
					return nil, &widget.ValidationError{Field: "visible", Reason: "required"}
				}
				return &VisibilityRequest{WidgetID: chi.URLParam(r, "id"), Visible: *body.Visible}, nil
			}))
			r.Patch("/bounds", s.serve(s.endpoints.setBounds, http.StatusOK, func(r *http.Request) (any, error) {
				var b widget.Bounds
				if err := decodeBody(r, &b); err != nil {
					return nil, err
				}
				return &BoundsRequest{WidgetID: chi.URLParam(r, "id"), Bounds: b}, nil
			}))
			r.Patch("/settings", s.serve(s.endpoints.updateSettings, http.StatusOK, func(r *http.Request) (any, error) {
				var set widget.Settings
				if err := decodeBody(r, &set); err != nil {
					return nil, err
				}
				return &SettingsRequest{WidgetID: chi.URLParam(r, "id"), Settings: set}, nil
			}))

			r.Get("/modifiers", s.serve(s.endpoints.listModifiers, http.StatusOK, func(r *http.Request) (any, error) {
				return &WidgetRef{WidgetID: chi.URLParam(r, "id")}, nil
			}))
			r.Post("/modifiers", s.serve(s.endpoints.addModifier, http.StatusCreated, func(r *http.Request) (any, error) {
				var req AddModifierRequest
				if err := decodeBody(r, &req); err != nil {
					return nil, err
				}
				req.WidgetID = chi.URLParam(r, "id")
				return &req, nil
			}))
			r.Delete("/modifiers/{modifierID}", s.serve(s.endpoints.deleteModifier, http.StatusOK, func(r *http.Request) (any, error) {
				return &ModifierRef{WidgetID: chi.URLParam(r, "id"), ModifierID: chi.URLParam(r, "modifierID")}, nil
			}))
		})
	})

	r.Route("/api/extractions", func(r chi.Router) {
		r.Get("/", s.serve(s.endpoints.extractionHistory, http.StatusOK, func(r *http.Request) (any, error) {
			limit, err := queryInt(r, "limit")
			return &HistoryRequest{WidgetID: r.URL.Query().Get("widget_id"), Limit: limit}, err
		}))
		r.Get("/latest", s.serve(s.endpoints.latestExtractions, http.StatusOK, func(*http.Request) (any, error) {
			return &ListRequest{}, nil
		}))
	})
}

// serve adapts an endpoint to HTTP. decode failures are 400s.
func (s *Service) serve(ep kit.Endpoint, okStatus int, decode func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decode(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := ep(r.Context(), req)
		if err != nil {
			if code := statusOf(err); code >= 500 {
				shield.GetLogger(r.Context()).Error("widgetd: request failed", "error", err)
			}
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, okStatus, resp)
	}
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case widget.IsValidation(err):
		return http.StatusBadRequest
	case widget.IsLimitExceeded(err):
		return http.StatusForbidden
	case widget.IsDuplicate(err):
		return http.StatusConflict
	case widget.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &widget.ValidationError{Field: key, Reason: "must be a boolean"}
	}
	return b, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &widget.ValidationError{Field: key, Reason: "must be an integer"}
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
