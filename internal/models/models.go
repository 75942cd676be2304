package models

import (
	"time"
)

// Status is the lifecycle state shared by events and timeslots.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusOpen       Status = "open"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusClosed     Status = "closed"
)

// ApplicationStatus is the review state of a performer's application.
type ApplicationStatus string

const (
	ApplicationRequested ApplicationStatus = "requested"
	ApplicationAccepted  ApplicationStatus = "accepted"
	ApplicationRejected  ApplicationStatus = "rejected"
)

// UserType distinguishes venues (event owners) from musicians (applicants).
type UserType string

const (
	UserTypeVenue    UserType = "venue"
	UserTypeMusician UserType = "musician"
)

// User is a venue or musician account. Only contact fields are read here.
type User struct {
	ID              string   `gorm:"type:varchar(191);primaryKey"`
	Name            string   `gorm:"type:varchar(255)"`
	Email           string   `gorm:"type:varchar(255);uniqueIndex;not null"`
	Type            UserType `gorm:"type:varchar(10)"`
	StripeAccountID string   `gorm:"column:stripe_account_id;type:varchar(100)"`
}

// TableName returns the table name for GORM.
func (User) TableName() string {
	return "users"
}

// Event is a one-day engagement owned by a venue. Date is the calendar day
// (YYYY-MM-DD) in the operating timezone on which every timeslot occurs.
type Event struct {
	ID        string  `gorm:"type:varchar(191);primaryKey"`
	Name      string  `gorm:"type:varchar(100);not null"`
	Status    Status  `gorm:"type:varchar(15);not null;default:'draft';index:idx_events_status_date"`
	Amount    float64 `gorm:"not null"`
	Date      string  `gorm:"type:varchar(10);not null;index:idx_events_status_date"`
	VenueID   string  `gorm:"type:varchar(191);index;not null"`
	CreatedAt time.Time

	// Relationships
	Venue     *User      `gorm:"foreignKey:VenueID"`
	Timeslots []Timeslot `gorm:"foreignKey:EventID"`
}

// TableName returns the table name for GORM.
func (Event) TableName() string {
	return "events"
}

// Timeslot is a bookable window within an event. StartTime and EndTime are
// wall-clock labels from the timeslot catalog ("9:00PM").
type Timeslot struct {
	ID        string `gorm:"type:varchar(191);primaryKey"`
	StartTime string `gorm:"type:varchar(10);not null"`
	EndTime   string `gorm:"type:varchar(10);not null"`
	Status    Status `gorm:"type:varchar(15);not null;default:'open';index"`
	EventID   string `gorm:"type:varchar(191);index;not null"`

	Event *Event `gorm:"foreignKey:EventID"`
}

// TableName returns the table name for GORM.
func (Timeslot) TableName() string {
	return "timeslots"
}

// Application links a musician to a timeslot they applied for.
type Application struct {
	TimeslotID string            `gorm:"type:varchar(191);primaryKey"`
	EventID    string            `gorm:"type:varchar(191);primaryKey"`
	UserID     string            `gorm:"type:varchar(191);primaryKey"`
	Status     ApplicationStatus `gorm:"type:varchar(15);not null"`
	AppliedAt  time.Time         `gorm:"autoCreateTime"`

	User  *User  `gorm:"foreignKey:UserID"`
	Event *Event `gorm:"foreignKey:EventID"`
}

// TableName returns the table name for GORM.
func (Application) TableName() string {
	return "applications"
}
