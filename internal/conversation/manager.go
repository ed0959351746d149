// Package conversation maintains bounded per-session context windows so
// follow-up questions can inherit slots from earlier turns.
package conversation

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"emr-query-engine/internal/apperrors"
	"emr-query-engine/internal/config"
	"emr-query-engine/internal/logging"
	"emr-query-engine/pkg/types"
)

// followUpPatterns mark a query as continuing the previous turn
var followUpPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*what about\b`),
	regexp.MustCompile(`(?i)^\s*and\s`),
	regexp.MustCompile(`(?i)^\s*when did\b`),
	regexp.MustCompile(`(?i)^\s*how about\b`),
	regexp.MustCompile(`(?i)^\s*also\b`),
	regexp.MustCompile(`(?i)^\s*additionally\b`),
	regexp.MustCompile(`(?i)^\s*tell me more\b`),
	regexp.MustCompile(`(?i)^\s*what else\b`),
	regexp.MustCompile(`(?i)^\s*(it|that|those|they|them)\b`),
}

// Manager holds session state with a five-turn window and 30-minute expiry.
// Sessions are immutable snapshots: updates install a fresh copy so
// concurrent readers never observe a half-written context.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*types.ConversationContext

	windowTurns int
	expiry      time.Duration
	logger      logging.Logger
	now         func() time.Time
}

// NewManager creates a session manager from the session configuration
func NewManager(cfg *config.SessionConfig, logger logging.Logger) *Manager {
	return &Manager{
		sessions:    make(map[string]*types.ConversationContext),
		windowTurns: cfg.WindowTurns,
		expiry:      cfg.Expiry(),
		logger:      logger.WithComponent("conversation_manager"),
		now:         time.Now,
	}
}

// CreateSession opens a fresh session for the patient
func (m *Manager) CreateSession(patientID string) *types.ConversationContext {
	now := m.now()
	session := &types.ConversationContext{
		SessionID: "sess_" + uuid.New().String(),
		PatientID: patientID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.expiry),
	}

	m.mu.Lock()
	m.sessions[session.SessionID] = session
	m.mu.Unlock()

	m.logger.Debug("Created session", "session_id", session.SessionID, "patient_id", patientID)
	return session
}

// GetSession returns a session snapshot, or SESSION_EXPIRED when the
// session is unknown or past its expiry.
func (m *Manager) GetSession(sessionID string) (*types.ConversationContext, error) {
	m.mu.RLock()
	session, ok := m.sessions[sessionID]
	m.mu.RUnlock()

	if !ok || session.Expired(m.now()) {
		return nil, apperrors.New(apperrors.CodeSessionExpired,
			fmt.Sprintf("session %s not found or expired", sessionID),
			"Your conversation session has expired. Please start a new session.")
	}
	return session, nil
}

// UpdateContext appends a turn, truncates to the most recent window, and
// refreshes the last-seen slots. The expiry window slides forward with
// activity.
func (m *Manager) UpdateContext(sessionID string, sq *types.StructuredQuery, response *types.UIResponse) (*types.ConversationContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok || session.Expired(m.now()) {
		return nil, apperrors.New(apperrors.CodeSessionExpired,
			fmt.Sprintf("session %s not found or expired", sessionID),
			"Your conversation session has expired. Please start a new session.")
	}

	now := m.now()
	turn := types.ConversationTurn{
		Query:           sq.OriginalQuery,
		StructuredQuery: sq,
		Response:        response,
		Timestamp:       now,
	}

	turns := make([]types.ConversationTurn, 0, m.windowTurns)
	turns = append(turns, session.Turns...)
	turns = append(turns, turn)
	if len(turns) > m.windowTurns {
		turns = turns[len(turns)-m.windowTurns:]
	}

	updated := &types.ConversationContext{
		SessionID:          session.SessionID,
		PatientID:          session.PatientID,
		Turns:              turns,
		LastEntities:       sq.Entities,
		LastTemporalFilter: sq.TemporalFilter,
		LastIntent:         sq.Intent,
		CreatedAt:          session.CreatedAt,
		ExpiresAt:          now.Add(m.expiry),
	}
	m.sessions[sessionID] = updated
	return updated, nil
}

// IsFollowUp reports whether the query text continues the previous turn
func IsFollowUp(queryText string) bool {
	for _, p := range followUpPatterns {
		if p.MatchString(queryText) {
			return true
		}
	}
	return false
}

// ResolveFollowUp fills missing slots of a follow-up query from the last
// turn: entities when none were extracted, the temporal filter when none
// parsed, and the intent when classification came up empty. Non-follow-up
// queries pass through untouched.
func (m *Manager) ResolveFollowUp(sq *types.StructuredQuery, session *types.ConversationContext) *types.StructuredQuery {
	if session == nil || len(session.Turns) == 0 || !IsFollowUp(sq.OriginalQuery) {
		return sq
	}

	resolved := *sq
	inherited := []string{}

	if len(resolved.Entities) == 0 && len(session.LastEntities) > 0 {
		resolved.Entities = session.LastEntities
		inherited = append(inherited, "entities")
	}
	if resolved.TemporalFilter == nil && session.LastTemporalFilter != nil {
		resolved.TemporalFilter = session.LastTemporalFilter
		if resolved.Filters.DateRange == nil {
			resolved.Filters.DateRange = &types.DateRange{
				From: session.LastTemporalFilter.DateFrom,
				To:   session.LastTemporalFilter.DateTo,
			}
		}
		inherited = append(inherited, "temporal_filter")
	}
	if (resolved.Intent == "" || resolved.Intent == types.IntentUnknown) && session.LastIntent != "" {
		resolved.Intent = session.LastIntent
		inherited = append(inherited, "intent")
	}

	if len(inherited) > 0 {
		m.logger.Debug("Resolved follow-up query",
			"session_id", session.SessionID,
			"inherited", strings.Join(inherited, ","),
		)
	}
	return &resolved
}

// CleanupExpiredSessions drops expired sessions and returns how many were
// removed. Safe to call periodically and concurrently with reads.
func (m *Manager) CleanupExpiredSessions() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, session := range m.sessions {
		if session.Expired(now) {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("Cleaned up expired sessions", "removed", removed)
	}
	return removed
}

// Len returns the live session count
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
