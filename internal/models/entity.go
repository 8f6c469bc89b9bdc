package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies one of the synchronized domain record types.
// The set is closed; the sync protocol rejects anything else.
type EntityType string

const (
	EntityClient      EntityType = "client"
	EntityStaff       EntityType = "staff"
	EntityService     EntityType = "service"
	EntityAppointment EntityType = "appointment"
	EntityTicket      EntityType = "ticket"
	EntityTransaction EntityType = "transaction"
)

// AllEntityTypes lists every synchronized entity type in pull order.
// Reference data first so dependent records resolve on a fresh device.
var AllEntityTypes = []EntityType{
	EntityClient,
	EntityStaff,
	EntityService,
	EntityAppointment,
	EntityTicket,
	EntityTransaction,
}

// Valid reports whether t is a member of the closed entity set.
func (t EntityType) Valid() bool {
	switch t {
	case EntityClient, EntityStaff, EntityService, EntityAppointment,
		EntityTicket, EntityTransaction:
		return true
	}
	return false
}

// Financial reports whether records of this type carry monetary fields.
// Conflicts on financial entities always require a human decision.
func (t EntityType) Financial() bool {
	return t == EntityTicket || t == EntityTransaction
}

// Table returns the local store table backing this entity type.
func (t EntityType) Table() string {
	if t == EntityStaff {
		return "staff"
	}
	return string(t) + "s"
}

// ClientRecord is a salon customer.
type ClientRecord struct {
	ID        string     `json:"id,omitempty"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	Phone     string     `json:"phone,omitempty"`
	Email     string     `json:"email,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	LastVisit *time.Time `json:"last_visit,omitempty"`
}

// StaffRecord is an employee who can be assigned to tickets.
type StaffRecord struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Role     string `json:"role,omitempty"`
	Active   bool   `json:"active"`
	PayRate  int64  `json:"pay_rate_cents,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

// ServiceRecord is a bookable service with a price.
type ServiceRecord struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Category    string `json:"category,omitempty"`
	PriceCents  int64  `json:"price_cents"`
	DurationMin int    `json:"duration_min,omitempty"`
	Active      bool   `json:"active"`
}

// AppointmentRecord is a scheduled booking.
type AppointmentRecord struct {
	ID        string    `json:"id,omitempty"`
	ClientID  string    `json:"client_id"`
	StaffID   string    `json:"staff_id,omitempty"`
	ServiceID string    `json:"service_id"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at,omitempty"`
	Status    string    `json:"status,omitempty"`
	Notes     string    `json:"notes,omitempty"`
}

// TicketRecord is an open or closed service ticket at the counter.
type TicketRecord struct {
	ID         string   `json:"id,omitempty"`
	Number     int      `json:"number"`
	ClientID   string   `json:"client_id,omitempty"`
	ClientName string   `json:"client_name,omitempty"`
	StaffIDs   []string `json:"staff_ids,omitempty"`
	ServiceIDs []string `json:"service_ids,omitempty"`
	Status     string   `json:"status"`
	TotalCents int64    `json:"total_cents"`
	TipCents   int64    `json:"tip_cents,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

// TransactionRecord is a completed payment against a ticket.
type TransactionRecord struct {
	ID          string    `json:"id,omitempty"`
	TicketID    string    `json:"ticket_id"`
	Method      string    `json:"method"`
	AmountCents int64     `json:"amount_cents"`
	TipCents    int64     `json:"tip_cents,omitempty"`
	PaidAt      time.Time `json:"paid_at"`
	Reference   string    `json:"reference,omitempty"`
}

// DecodePayload unmarshals a raw operation payload into the typed record
// for its entity type. The switch is exhaustive over the closed set, so a
// new entity type cannot be added without a decode path.
func DecodePayload(entity EntityType, data json.RawMessage) (interface{}, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload for entity %s", entity)
	}

	var (
		out interface{}
		err error
	)

	switch entity {
	case EntityClient:
		rec := &ClientRecord{}
		err = json.Unmarshal(data, rec)
		out = rec
	case EntityStaff:
		rec := &StaffRecord{}
		err = json.Unmarshal(data, rec)
		out = rec
	case EntityService:
		rec := &ServiceRecord{}
		err = json.Unmarshal(data, rec)
		out = rec
	case EntityAppointment:
		rec := &AppointmentRecord{}
		err = json.Unmarshal(data, rec)
		out = rec
	case EntityTicket:
		rec := &TicketRecord{}
		err = json.Unmarshal(data, rec)
		out = rec
	case EntityTransaction:
		rec := &TransactionRecord{}
		err = json.Unmarshal(data, rec)
		out = rec
	default:
		return nil, fmt.Errorf("unknown entity type: %s", entity)
	}

	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", entity, err)
	}
	return out, nil
}
