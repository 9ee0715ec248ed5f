// Package api is a thin client for the marketplace REST endpoints the push
// consumers refetch from. Types mirror the server's JSON without importing
// server packages.
package api

import (
	"time"

	"github.com/petshop/pulse/internal/session"
)

type Product struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	CategoryID string  `json:"categoryId"`
	Price      float64 `json:"price"`
	Stock      int     `json:"stock"`
}

type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

type Event struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Location string    `json:"location,omitempty"`
	StartsAt time.Time `json:"startsAt"`
}

type Fundraiser struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Goal   float64 `json:"goal"`
	Raised float64 `json:"raised"`
}

type Donation struct {
	ID           string    `json:"id"`
	FundraiserID string    `json:"fundraiserId,omitempty"`
	DonorID      string    `json:"donorId"`
	Amount       float64   `json:"amount"`
	CreatedAt    time.Time `json:"createdAt"`
}

type AdoptionStatus string

const (
	AdoptionPending  AdoptionStatus = "pending"
	AdoptionApproved AdoptionStatus = "approved"
	AdoptionRejected AdoptionStatus = "rejected"
)

type AdoptionRequest struct {
	ID        string         `json:"id"`
	PetName   string         `json:"petName"`
	AdopterID string         `json:"adopterId"`
	ShelterID string         `json:"shelterId"`
	Status    AdoptionStatus `json:"status"`
}

// AdoptionFilter narrows ListAdoptionRequests. Empty fields match all.
type AdoptionFilter struct {
	AdopterID string
	ShelterID string
}

type User struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Email  string         `json:"email"`
	Role   session.Role   `json:"role"`
	Status session.Status `json:"status"`
}

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignInResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}
