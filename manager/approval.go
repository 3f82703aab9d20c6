package manager

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ymera-io/ymera/core"
)

// Approval is one pending two-party approval record. The token itself
// is never stored, only its hash.
type Approval struct {
	ApprovalID  string    `json:"approval_id"`
	Action      string    `json:"action"`
	TargetID    string    `json:"target_id"`
	Reason      string    `json:"reason"`
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`

	tokenHash string
}

// ApprovalTicket is returned once to the requesting admin. The token is
// handed out of band to the approving admin and never persisted.
type ApprovalTicket struct {
	ApprovalID string    `json:"approval_id"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

const actionDeleteAgent = "delete_agent"

func newToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("approval token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RequestDelete opens a two-party approval for deleting an agent. The
// returned ticket carries the one-time token a second admin must
// present to Approve.
func (m *AgentManager) RequestDelete(ctx context.Context, agentID, reason, requestedBy string) (*ApprovalTicket, error) {
	if agentID == "" || reason == "" || requestedBy == "" {
		return nil, fmt.Errorf("manager.RequestDelete: agent_id, reason, and requested_by are required: %w", core.ErrInvalidRequest)
	}
	agent, err := m.registry.Get(agentID)
	if err != nil {
		return nil, err
	}
	if agent.State == core.StateDeleted {
		return nil, fmt.Errorf("manager.RequestDelete [%s]: already deleted: %w", agentID, core.ErrInvalidTransition)
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	approval := &Approval{
		ApprovalID:  uuid.New().String(),
		Action:      actionDeleteAgent,
		TargetID:    agentID,
		Reason:      reason,
		RequestedBy: requestedBy,
		RequestedAt: now,
		ExpiresAt:   now.Add(m.config.ApprovalTTL),
		tokenHash:   hashToken(token),
	}

	m.mu.Lock()
	m.approvals[approval.ApprovalID] = approval
	m.mu.Unlock()

	m.logger.Info("Delete approval requested", map[string]interface{}{
		"operation":    "approval_request",
		"approval_id":  approval.ApprovalID,
		"agent_id":     agentID,
		"requested_by": requestedBy,
	})
	m.audit(ctx, "approval.requested", requestedBy, agentID, map[string]interface{}{
		"approval_id": approval.ApprovalID,
		"action":      actionDeleteAgent,
		"reason":      reason,
	})

	return &ApprovalTicket{
		ApprovalID: approval.ApprovalID,
		Token:      token,
		ExpiresAt:  approval.ExpiresAt,
	}, nil
}

// Approve executes a pending approval. The approver must differ from
// the requester, present the correct token, and act before expiry.
// A wrong token leaves the record pending; expiry removes it.
func (m *AgentManager) Approve(ctx context.Context, approvalID, approvedBy, token string) error {
	if approvedBy == "" || token == "" {
		return fmt.Errorf("manager.Approve: approved_by and token are required: %w", core.ErrInvalidRequest)
	}

	m.mu.Lock()
	approval, ok := m.approvals[approvalID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("approval %s: %w", approvalID, core.ErrNotFound)
	}
	if m.clock.Now().After(approval.ExpiresAt) {
		delete(m.approvals, approvalID)
		m.mu.Unlock()
		return fmt.Errorf("approval %s expired: %w", approvalID, core.ErrApprovalRequired)
	}
	if approvedBy == approval.RequestedBy {
		m.mu.Unlock()
		return fmt.Errorf("approval %s: approver must differ from requester: %w", approvalID, core.ErrInvalidRequest)
	}
	if subtle.ConstantTimeCompare([]byte(hashToken(token)), []byte(approval.tokenHash)) != 1 {
		m.mu.Unlock()
		m.logger.Warn("Approval token mismatch", map[string]interface{}{
			"operation":   "approval_approve",
			"approval_id": approvalID,
			"approved_by": approvedBy,
		})
		return fmt.Errorf("approval %s: token mismatch: %w", approvalID, core.ErrInvalidRequest)
	}
	delete(m.approvals, approvalID)
	m.mu.Unlock()

	if err := m.executeApproved(ctx, approval, approvedBy); err != nil {
		return err
	}

	m.audit(ctx, "approval.executed", approvedBy, approval.TargetID, map[string]interface{}{
		"approval_id":  approvalID,
		"action":       approval.Action,
		"requested_by": approval.RequestedBy,
	})
	return nil
}

// executeApproved carries out the approved action.
func (m *AgentManager) executeApproved(ctx context.Context, approval *Approval, approvedBy string) error {
	switch approval.Action {
	case actionDeleteAgent:
		agent, err := m.registry.Get(approval.TargetID)
		if err != nil {
			return err
		}
		if agent.State != core.StateDeactivated {
			if _, err := m.registry.Transition(ctx, approval.TargetID, core.StateDeactivated, approval.Reason, approvedBy); err != nil {
				return err
			}
		}
		return m.registry.Delete(ctx, approval.TargetID, approval.Reason, approvedBy)
	default:
		return fmt.Errorf("approval action %s: %w", approval.Action, core.ErrInternal)
	}
}

// PendingApprovals returns snapshots of all unexpired pending records,
// pruning the ones past expiry.
func (m *AgentManager) PendingApprovals() []*Approval {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Approval
	for id, approval := range m.approvals {
		if now.After(approval.ExpiresAt) {
			delete(m.approvals, id)
			continue
		}
		copied := *approval
		copied.tokenHash = ""
		out = append(out, &copied)
	}
	return out
}
