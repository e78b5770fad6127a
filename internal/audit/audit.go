// Package audit emits structured security events. Login success and failure
// go to the OTLP audit sink; everything else is a structured event on the
// context logger. The core never depends on the sink's durability: a failed
// send is logged and dropped.
package audit

import (
	"context"

	"github.com/google/uuid"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	slogctx "github.com/veqryn/slog-context"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const serviceName = "authkit"

// Event carries the fields every emitted security event shares.
type Event struct {
	Action    string
	Result    string
	Severity  Severity
	SubjectID string
	IPAddress string
	UserAgent string
	Resource  string
	Reason    string
}

type Logger struct {
	otlp *otlpaudit.AuditLogger
}

func NewLogger(otlp *otlpaudit.AuditLogger) *Logger {
	return &Logger{otlp: otlp}
}

func (l *Logger) LoginSuccess(ctx context.Context, subjectID, ip, userAgent string) {
	l.emit(ctx, Event{
		Action:    "login",
		Result:    "success",
		Severity:  SeverityInfo,
		SubjectID: subjectID,
		IPAddress: ip,
		UserAgent: userAgent,
	})

	if l.otlp == nil {
		return
	}

	metadata, err := otlpaudit.NewEventMetadata(serviceName, subjectID, uuid.NewString())
	if err != nil {
		slogctx.Error(ctx, "creating audit metadata", "error", err)
		return
	}

	event, err := otlpaudit.NewUserLoginSuccessEvent(metadata, subjectID, otlpaudit.LOGINMETHOD_OPENIDCONNECT, otlpaudit.MFATYPE_NONE, otlpaudit.USERTYPE_BUSINESS, subjectID)
	if err != nil {
		slogctx.Error(ctx, "creating audit log", "error", err)
		return
	}

	if err := l.otlp.SendEvent(ctx, event); err != nil {
		slogctx.Error(ctx, "Failed to send audit log for user login success", "error", err)
	}
}

func (l *Logger) LoginFailure(ctx context.Context, subjectID, ip, userAgent, reason string) {
	l.emit(ctx, Event{
		Action:    "login",
		Result:    "failure",
		Severity:  SeverityWarning,
		SubjectID: subjectID,
		IPAddress: ip,
		UserAgent: userAgent,
		Reason:    reason,
	})

	if l.otlp == nil {
		return
	}

	metadata, err := otlpaudit.NewEventMetadata(serviceName, subjectID, uuid.NewString())
	if err != nil {
		slogctx.Error(ctx, "creating audit metadata", "error", err)
		return
	}

	event, err := otlpaudit.NewUserLoginFailureEvent(metadata, subjectID, otlpaudit.LOGINMETHOD_OPENIDCONNECT, otlpaudit.FailReason(reason), subjectID)
	if err != nil {
		slogctx.Error(ctx, "creating audit log", "error", err)
		return
	}

	if err := l.otlp.SendEvent(ctx, event); err != nil {
		slogctx.Error(ctx, "Failed to send audit log for user login failure", "error", err)
	}
}

func (l *Logger) Logout(ctx context.Context, subjectID, ip string) {
	l.emit(ctx, Event{
		Action:    "logout",
		Result:    "success",
		Severity:  SeverityInfo,
		SubjectID: subjectID,
		IPAddress: ip,
	})
}

func (l *Logger) TokenRefresh(ctx context.Context, subjectID, ip string) {
	l.emit(ctx, Event{
		Action:    "token_refresh",
		Result:    "success",
		Severity:  SeverityInfo,
		SubjectID: subjectID,
		IPAddress: ip,
	})
}

func (l *Logger) AccessDenied(ctx context.Context, subjectID, resource, ip string) {
	l.emit(ctx, Event{
		Action:    "access_denied",
		Result:    "failure",
		Severity:  SeverityWarning,
		SubjectID: subjectID,
		IPAddress: ip,
		Resource:  resource,
	})
}

// SuspiciousActivity covers IP mismatches, revoked-token reuse and reused
// CSRF tokens.
func (l *Logger) SuspiciousActivity(ctx context.Context, subjectID, reason, ip, userAgent string) {
	l.emit(ctx, Event{
		Action:    "suspicious_activity",
		Result:    "detected",
		Severity:  SeverityCritical,
		SubjectID: subjectID,
		IPAddress: ip,
		UserAgent: userAgent,
		Reason:    reason,
	})
}

func (l *Logger) emit(ctx context.Context, event Event) {
	slogctx.Info(ctx, "security event",
		"action", event.Action,
		"result", event.Result,
		"severity", string(event.Severity),
		"subject_id", event.SubjectID,
		"ip", event.IPAddress,
		"user_agent", event.UserAgent,
		"resource", event.Resource,
		"reason", event.Reason,
	)
}
