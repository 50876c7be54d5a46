package approval

import (
	"errors"
	"strings"
	"time"

	"govcore/pkg/models"
)

var (
	ErrInvalidTransition   = errors.New("invalid approval transition")
	ErrNotRequiredApprover = errors.New("approver is not in the required set")
	ErrNotFound            = errors.New("approval not found")
)

// CanTransition restricts the lifecycle to pending -> {approved, rejected,
// expired}. Terminal states accept no further transitions.
func CanTransition(from, to models.ApprovalStatus) bool {
	if from != models.ApprovalPending {
		return false
	}
	switch to {
	case models.ApprovalApproved, models.ApprovalRejected, models.ApprovalExpired:
		return true
	default:
		return false
	}
}

func IsTerminal(status models.ApprovalStatus) bool {
	switch status {
	case models.ApprovalApproved, models.ApprovalRejected, models.ApprovalExpired:
		return true
	default:
		return false
	}
}

// QuorumReached requires every named approver to have individually signed:
// set containment, not a count.
func QuorumReached(required, approved []string) bool {
	if len(required) == 0 {
		return false
	}
	signed := make(map[string]struct{}, len(approved))
	for _, a := range approved {
		signed[normalizeApprover(a)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := signed[normalizeApprover(r)]; !ok {
			return false
		}
	}
	return true
}

// IsRequiredApprover reports membership in the required set.
func IsRequiredApprover(required []string, approver string) bool {
	needle := normalizeApprover(approver)
	if needle == "" {
		return false
	}
	for _, r := range required {
		if normalizeApprover(r) == needle {
			return true
		}
	}
	return false
}

// HasApproved reports whether the approver already signed.
func HasApproved(approved []string, approver string) bool {
	needle := normalizeApprover(approver)
	for _, a := range approved {
		if normalizeApprover(a) == needle {
			return true
		}
	}
	return false
}

func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.UTC().After(expiresAt.UTC())
}

func normalizeApprover(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
