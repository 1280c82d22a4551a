// Package orders provides client order token generation and venue order
// state tracking.
package orders

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Role identifies what an order does in the position lifecycle.
type Role string

const (
	RoleEntry      Role = "E"
	RoleTakeProfit Role = "T"
	RoleStopLoss   Role = "S"
	RoleClose      Role = "C"
)

// MaxTokenLength is the venue's client order id limit.
const MaxTokenLength = 36

const tokenPrefix = "oc"

// ErrInvalidToken is returned when a token does not match the engine format.
var ErrInvalidToken = errors.New("invalid client order token")

// NewToken builds a client order token: oc-<role>-<botID>-<12 hex chars>.
// The uuid fragment makes retried submissions distinguishable from new ones
// while keeping the token under the venue limit.
func NewToken(role Role, botID int64) string {
	frag := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return fmt.Sprintf("%s-%s-%d-%s", tokenPrefix, role, botID, frag)
}

// ParsedToken is the decoded form of an engine-generated token.
type ParsedToken struct {
	Role  Role
	BotID int64
}

// ParseToken decodes a client order token. Foreign tokens (orders placed
// outside the engine) return ErrInvalidToken.
func ParseToken(token string) (*ParsedToken, error) {
	parts := strings.Split(token, "-")
	if len(parts) != 4 || parts[0] != tokenPrefix {
		return nil, ErrInvalidToken
	}
	role := Role(parts[1])
	switch role {
	case RoleEntry, RoleTakeProfit, RoleStopLoss, RoleClose:
	default:
		return nil, ErrInvalidToken
	}
	botID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &ParsedToken{Role: role, BotID: botID}, nil
}

// IsEngineToken reports whether the token was generated by this engine.
func IsEngineToken(token string) bool {
	_, err := ParseToken(token)
	return err == nil
}
