// Package scope handles the two snapshot granularities (a single portfolio or
// the aggregate of all portfolios) and the canonical row-key format that
// snapshot rows and rebuild state are stored under.
package scope

import (
	"errors"
	"fmt"
	"regexp"
)

// Scope is the granularity a snapshot or rebuild state is tracked at.
type Scope string

const (
	// All aggregates every portfolio owned by a user.
	All Scope = "ALL"

	// Portfolio tracks a single portfolio.
	Portfolio Scope = "PORTFOLIO"
)

var (
	ErrInvalidScope     = errors.New("scope: must be ALL or PORTFOLIO")
	ErrMissingPortfolio = errors.New("scope: portfolioId is required for PORTFOLIO scope")
	ErrInvalidRowKey    = errors.New("scope: invalid row key format")
)

// rowKeyRegex matches: u/{userID}/all or u/{userID}/p/{portfolioID}
var rowKeyRegex = regexp.MustCompile(`^u/([^/]+)/(all|p/([^/]+))$`)

// Key identifies one (user, scope, portfolio) tracking unit. PortfolioID is
// empty exactly when Scope is All.
type Key struct {
	UserID      string `json:"user_id"`
	Scope       Scope  `json:"scope"`
	PortfolioID string `json:"portfolio_id,omitempty"`
}

// NewKey validates and builds a Key.
func NewKey(userID string, s Scope, portfolioID string) (Key, error) {
	switch s {
	case All:
		return Key{UserID: userID, Scope: All}, nil
	case Portfolio:
		if portfolioID == "" {
			return Key{}, ErrMissingPortfolio
		}
		return Key{UserID: userID, Scope: Portfolio, PortfolioID: portfolioID}, nil
	default:
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
}

// RowKey renders the canonical storage key: u/{userID}/all for the aggregate,
// u/{userID}/p/{portfolioID} for a single portfolio.
func (k Key) RowKey() string {
	if k.Scope == Portfolio {
		return fmt.Sprintf("u/%s/p/%s", k.UserID, k.PortfolioID)
	}
	return fmt.Sprintf("u/%s/all", k.UserID)
}

// ParseRowKey parses a canonical row key back into a Key.
func ParseRowKey(rowKey string) (Key, error) {
	matches := rowKeyRegex.FindStringSubmatch(rowKey)
	if matches == nil {
		return Key{}, fmt.Errorf("%w: %q (expected u/{user}/all or u/{user}/p/{portfolio})",
			ErrInvalidRowKey, rowKey)
	}
	if matches[2] == "all" {
		return Key{UserID: matches[1], Scope: All}, nil
	}
	return Key{UserID: matches[1], Scope: Portfolio, PortfolioID: matches[3]}, nil
}
