package models

import (
	"strings"
	"time"
)

// SignatoryRole is the capacity in which a party signs an inspection.
type SignatoryRole string

const (
	RoleTenant    SignatoryRole = "tenant"
	RoleLandlord  SignatoryRole = "landlord"
	RoleInspector SignatoryRole = "inspector"
	RoleHost      SignatoryRole = "host"
)

func ParseSignatoryRole(s string) (SignatoryRole, bool) {
	r := SignatoryRole(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleTenant, RoleLandlord, RoleInspector, RoleHost:
		return r, true
	}
	return "", false
}

type Signature struct {
	InspectionID string        `json:"inspection_id"`
	Role         SignatoryRole `json:"role"`
	SignedBy     string        `json:"signed_by"`
	SignedAt     time.Time     `json:"signed_at"`
}
