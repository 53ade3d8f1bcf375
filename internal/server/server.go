package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/realtime"
	"orderline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Hub      *realtime.Hub
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"claim_conflict"`
	Message string         `json:"message" example:"order was already claimed by someone else"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Orderline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Orderline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerMe(group, cfg.Engine)
	registerOrders(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	if cfg.Hub != nil {
		registerWebsocket(router, basePath, cfg.Hub, cfg.Auth)
	}

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the engine taxonomy onto the HTTP envelope. Conditional
// no-ops get their own code so callers can tell "someone already did this"
// from a malformed request.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		authn      engine.AuthenticationError
		authz      engine.AuthorizationError
		validation engine.ValidationError
		transition engine.InvalidTransitionError
		conflict   engine.ClaimConflictError
		noop       engine.AlreadyInStatusError
	)
	switch {
	case errors.As(err, &authn):
		return newAPIError(http.StatusUnauthorized, "authentication_error", err.Error(), nil)
	case errors.As(err, &authz):
		return newAPIError(http.StatusForbidden, "authorization_error", err.Error(), nil)
	case errors.As(err, &validation):
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), map[string]any{"field": validation.Field})
	case errors.As(err, &transition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": transition.From, "to": transition.To})
	case errors.As(err, &conflict):
		return newAPIError(http.StatusConflict, "claim_conflict", err.Error(), nil)
	case errors.As(err, &noop):
		return newAPIError(http.StatusConflict, "already_in_status", err.Error(), map[string]any{"status": noop.Status})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	default:
		return "internal_error"
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Create an account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body AuthResponse `json:"body"`
	}, error) {
		u, err := e.RegisterUser(ctx, engine.UserRegisterOptions{
			Name:           input.Body.Name,
			Phone:          input.Body.Phone,
			Password:       input.Body.Password,
			AvatarURL:      input.Body.AvatarURL,
			DormitoryArea:  input.Body.DormitoryArea,
			BuildingNumber: input.Body.BuildingNumber,
		})
		if err != nil {
			return nil, handleError(err)
		}
		token, err := SignToken(authCfg.JWTSecret, u.ID, authCfg.TokenTTL)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuthResponse `json:"body"`
		}{Body: AuthResponse{Token: token, User: u}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange phone and password for a token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body AuthResponse `json:"body"`
	}, error) {
		u, err := e.Login(ctx, input.Body.Phone, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := SignToken(authCfg.JWTSecret, u.ID, authCfg.TokenTTL)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuthResponse `json:"body"`
		}{Body: AuthResponse{Token: token, User: u}}, nil
	})

	if authCfg.DevTokens {
		huma.Register(api, huma.Operation{
			OperationID: "dev-token",
			Method:      http.MethodPost,
			Path:        "/auth/dev/token",
			Summary:     "DEV ONLY: mint a token for an existing user",
			Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
		}, func(ctx context.Context, input *struct {
			Body DevTokenRequest `json:"body"`
		}) (*struct {
			Body DevTokenResponse `json:"body"`
		}, error) {
			if input.Body.UserID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
			}
			if _, err := e.Repo.GetUser(ctx, input.Body.UserID); err != nil {
				return nil, handleError(err)
			}
			token, err := SignToken(authCfg.JWTSecret, input.Body.UserID, authCfg.TokenTTL)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body DevTokenResponse `json:"body"`
			}{Body: DevTokenResponse{Token: token}}, nil
		})
	}
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.Repo.GetUser(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

func registerOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Post an order",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateOrderRequest `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.CreateOrder(ctx, engine.OrderCreateOptions{
			CreatorID:           userID,
			PickupPlatform:      input.Body.PickupPlatform,
			PickupLocation:      input.Body.PickupLocation,
			DeliveryLocation:    input.Body.DeliveryLocation,
			BaseFee:             input.Body.BaseFee,
			UrgentFee:           input.Body.UrgentFee,
			IsUrgent:            input.Body.IsUrgent,
			SpecialRequirements: input.Body.SpecialRequirements,
			PickupTime:          input.Body.PickupTime,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(ctx, e.Repo, o, userID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List orders",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"pending,claimed,in_progress,delivering,completed,cancelled,"`
		Platform  string `query:"platform"`
		Urgent    string `query:"urgent" enum:"true,false,"`
		CreatorID string `query:"creator_id"`
		CourierID string `query:"courier_id"`
		Limit     int    `query:"limit" default:"20"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedOrders `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.OrderFilters{
			Status:          input.Status,
			Platform:        input.Platform,
			CreatorID:       input.CreatorID,
			CourierID:       input.CourierID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		if input.Urgent != "" {
			urgent := input.Urgent == "true"
			filter.Urgent = &urgent
		}
		orders, err := e.Repo.ListOrders(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedOrders{Items: []OrderResponse{}}
		if len(orders) > limit {
			orders = orders[:limit]
			last := orders[len(orders)-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = mapOrders(ctx, e.Repo, orders, userID)
		return &struct {
			Body paginatedOrders `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{id}",
		Summary:     "Get order",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.Repo.GetOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(ctx, e.Repo, o, userID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-order",
		Method:      http.MethodPost,
		Path:        "/orders/{id}/claim",
		Summary:     "Claim a pending order",
		Description: "Exactly one concurrent claimer succeeds; everyone else gets claim_conflict.",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.ClaimOrder(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(ctx, e.Repo, o, userID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-order-status",
		Method:      http.MethodPost,
		Path:        "/orders/{id}/status",
		Summary:     "Advance order status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateStatusRequest `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.UpdateStatus(ctx, input.ID, input.Body.Status, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(ctx, e.Repo, o, userID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-order",
		Method:      http.MethodPost,
		Path:        "/orders/{id}/cancel",
		Summary:     "Cancel an order",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.CancelOrder(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(ctx, e.Repo, o, userID)}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/orders/{id}/messages",
		Summary:     "Fetch message history",
		Description: "Totally ordered by (created_at, id); this fetch is authoritative over the live channel.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"100"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body struct {
			Items      []domain.Message `json:"items"`
			NextCursor string           `json:"next_cursor,omitempty"`
		} `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		afterCreated, afterID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		msgs, err := e.ListMessages(ctx, input.ID, userID, limit+1, afterCreated, afterID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items      []domain.Message `json:"items"`
				NextCursor string           `json:"next_cursor,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Items = []domain.Message{}
		if len(msgs) > limit {
			msgs = msgs[:limit]
			last := msgs[len(msgs)-1]
			out.Body.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		out.Body.Items = msgs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "send-message",
		Method:        http.MethodPost,
		Path:          "/orders/{id}/messages",
		Summary:       "Send a message",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body SendMessageRequest `json:"body"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SendMessage(ctx, input.ID, userID, input.Body.Type, input.Body.Content, input.Body.ImageURL)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-messages-read",
		Method:      http.MethodPost,
		Path:        "/orders/{id}/messages/read",
		Summary:     "Mark the counterparty's messages read",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MarkReadResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.MarkRead(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MarkReadResponse `json:"body"`
		}{Body: MarkReadResponse{Marked: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-conversations",
		Method:      http.MethodGet,
		Path:        "/conversations",
		Summary:     "List the caller's conversations with unread counts",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []ConversationSummary `json:"items"`
		} `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		summaries, err := listConversations(ctx, e, userID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []ConversationSummary `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = summaries
		return out, nil
	})
}

// listConversations gathers every claimed order the caller participates in.
func listConversations(ctx context.Context, e engine.Engine, userID string) ([]ConversationSummary, error) {
	created, err := e.Repo.ListOrders(ctx, repo.OrderFilters{CreatorID: userID})
	if err != nil {
		return nil, err
	}
	claimed, err := e.Repo.ListOrders(ctx, repo.OrderFilters{CourierID: userID})
	if err != nil {
		return nil, err
	}
	summaries := []ConversationSummary{}
	for _, o := range append(created, claimed...) {
		if o.CourierID == nil {
			continue
		}
		s := ConversationSummary{Order: orderResponse(ctx, e.Repo, o, userID)}
		if last, err := e.Repo.LastMessage(ctx, o.ID); err == nil {
			s.LastMessage = &last
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		unread, err := e.Repo.UnreadCount(ctx, o.ID, userID)
		if err != nil {
			return nil, err
		}
		s.UnreadCount = unread
		summaries = append(summaries, s)
	}
	return summaries, nil
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event journal",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		OrderID string `query:"order_id"`
		AfterID int64  `query:"after_id"`
		Limit   int    `query:"limit" default:"100"`
	}) (*struct {
		Body struct {
			Items []domain.Event `json:"items"`
		} `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.EventsAfter(ctx, normalizeLimit(input.Limit), input.AfterID, input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Event `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = items
		return out, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
