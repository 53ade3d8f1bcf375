package server

import (
	"context"
	"regexp"

	"orderline/internal/domain"
	"orderline/internal/repo"
)

type RegisterRequest struct {
	Name           string `json:"name"`
	Phone          string `json:"phone"`
	Password       string `json:"password"`
	AvatarURL      string `json:"avatar_url,omitempty"`
	DormitoryArea  string `json:"dormitory_area,omitempty"`
	BuildingNumber string `json:"building_number,omitempty"`
}

type LoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type DevTokenRequest struct {
	UserID string `json:"user_id"`
}

type DevTokenResponse struct {
	Token string `json:"token"`
}

type CreateOrderRequest struct {
	PickupPlatform      string `json:"pickup_platform"`
	PickupLocation      string `json:"pickup_location"`
	DeliveryLocation    string `json:"delivery_location"`
	BaseFee             int64  `json:"base_fee"`
	UrgentFee           int64  `json:"urgent_fee,omitempty"`
	IsUrgent            bool   `json:"is_urgent,omitempty"`
	SpecialRequirements string `json:"special_requirements,omitempty"`
	PickupTime          string `json:"pickup_time,omitempty" format:"date-time"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" enum:"pending,claimed,in_progress,delivering,completed,cancelled"`
}

type SendMessageRequest struct {
	Type     string `json:"type,omitempty" enum:"text,image"`
	Content  string `json:"content"`
	ImageURL string `json:"image_url,omitempty"`
}

// UserSummary is the public slice of a user embedded in order responses.
type UserSummary struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Phone           string  `json:"phone,omitempty"`
	AvatarURL       string  `json:"avatar_url,omitempty"`
	DormitoryArea   string  `json:"dormitory_area,omitempty"`
	BuildingNumber  string  `json:"building_number,omitempty"`
	Rating          float64 `json:"rating"`
	CompletedOrders int     `json:"completed_orders"`
}

type OrderResponse struct {
	domain.Order
	Creator *UserSummary `json:"creator,omitempty"`
	Courier *UserSummary `json:"courier,omitempty"`
}

type paginatedOrders struct {
	Items      []OrderResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type MarkReadResponse struct {
	Marked int64 `json:"marked"`
}

// ConversationSummary lists one order the caller participates in, with its
// newest message and unread count.
type ConversationSummary struct {
	Order       OrderResponse   `json:"order"`
	LastMessage *domain.Message `json:"last_message,omitempty"`
	UnreadCount int             `json:"unread_count"`
}

var phoneDigits = regexp.MustCompile(`^(\d{3})\d{4}(\d{4})$`)

// maskPhone hides the middle digits for non-participants.
func maskPhone(phone string) string {
	return phoneDigits.ReplaceAllString(phone, "$1****$2")
}

func userSummary(u domain.User, includePhone bool) *UserSummary {
	s := &UserSummary{
		ID:              u.ID,
		Name:            u.Name,
		AvatarURL:       u.AvatarURL,
		DormitoryArea:   u.DormitoryArea,
		BuildingNumber:  u.BuildingNumber,
		Rating:          u.Rating,
		CompletedOrders: u.CompletedOrders,
	}
	if u.Phone != "" {
		if includePhone {
			s.Phone = u.Phone
		} else {
			s.Phone = maskPhone(u.Phone)
		}
	}
	return s
}

// orderResponse embeds the creator and courier summaries. Phone numbers
// are visible to participants only.
func orderResponse(ctx context.Context, r repo.Repo, o domain.Order, viewerID string) OrderResponse {
	resp := OrderResponse{Order: o}
	includePhone := o.IsParticipant(viewerID)
	if creator, err := r.GetUser(ctx, o.CreatorID); err == nil {
		resp.Creator = userSummary(creator, includePhone)
	}
	if o.CourierID != nil {
		if courier, err := r.GetUser(ctx, *o.CourierID); err == nil {
			resp.Courier = userSummary(courier, includePhone)
		}
	}
	return resp
}

func mapOrders(ctx context.Context, r repo.Repo, orders []domain.Order, viewerID string) []OrderResponse {
	res := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		res = append(res, orderResponse(ctx, r, o, viewerID))
	}
	return res
}
