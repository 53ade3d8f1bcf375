package domain

// Order statuses. An order only ever moves forward along the transition
// table in the engine; terminal statuses never change.
const (
	StatusPending    = "pending"
	StatusClaimed    = "claimed"
	StatusInProgress = "in_progress"
	StatusDelivering = "delivering"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Message types.
const (
	MessageText   = "text"
	MessageImage  = "image"
	MessageSystem = "system"
)

// ValidStatus reports whether s is a known order status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusClaimed, StatusInProgress, StatusDelivering, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// TerminalStatus reports whether s admits no further transitions.
func TerminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusCancelled
}

type User struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Phone           string  `json:"phone,omitempty"`
	PasswordHash    string  `json:"-"`
	AvatarURL       string  `json:"avatar_url,omitempty"`
	DormitoryArea   string  `json:"dormitory_area,omitempty"`
	BuildingNumber  string  `json:"building_number,omitempty"`
	Rating          float64 `json:"rating"`
	CompletedOrders int     `json:"completed_orders"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type Order struct {
	ID                  string  `json:"id"`
	CreatorID           string  `json:"creator_id"`
	CourierID           *string `json:"courier_id,omitempty"`
	Status              string  `json:"status" enum:"pending,claimed,in_progress,delivering,completed,cancelled"`
	PickupPlatform      string  `json:"pickup_platform"`
	PickupLocation      string  `json:"pickup_location"`
	DeliveryLocation    string  `json:"delivery_location"`
	BaseFee             int64   `json:"base_fee"`
	UrgentFee           int64   `json:"urgent_fee"`
	IsUrgent            bool    `json:"is_urgent"`
	SpecialRequirements string  `json:"special_requirements,omitempty"`
	PickupTime          *string `json:"pickup_time,omitempty" format:"date-time"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
	ClaimedAt           *string `json:"claimed_at,omitempty" format:"date-time"`
	CompletedAt         *string `json:"completed_at,omitempty" format:"date-time"`
	CancelledAt         *string `json:"cancelled_at,omitempty" format:"date-time"`
}

// TotalFee is the amount the courier earns on completion.
func (o Order) TotalFee() int64 { return o.BaseFee + o.UrgentFee }

// IsParticipant reports whether userID is the creator or the assigned courier.
func (o Order) IsParticipant(userID string) bool {
	if o.CreatorID == userID {
		return true
	}
	return o.CourierID != nil && *o.CourierID == userID
}

type Message struct {
	ID        string  `json:"id"`
	OrderID   string  `json:"order_id"`
	SenderID  string  `json:"sender_id"`
	Type      string  `json:"type" enum:"text,image,system"`
	Content   string  `json:"content"`
	ImageURL  string  `json:"image_url,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	ReadAt    *string `json:"read_at,omitempty" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	OrderID string `json:"order_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}
