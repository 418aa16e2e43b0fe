package utils

import (
	"context"
	"encoding/json"
	"net"

	"trustbond-server/models"

	"github.com/kataras/iris/v12"
	"go.uber.org/zap"
)

type AuditRecorder interface {
	Record(ctx context.Context, entry *models.AuditLog) error
}

// Audit writes an audit row for a request. Failures are logged, not returned:
// the audited action has already happened.
func Audit(ctx iris.Context, recorder AuditRecorder, log *zap.Logger, action, resourceType, resourceID string, before interface{}, after interface{}) {
	var beforeJSON, afterJSON []byte
	if before != nil {
		if b, err := json.Marshal(before); err == nil {
			beforeJSON = b
		}
	}
	if after != nil {
		if a, err := json.Marshal(after); err == nil {
			afterJSON = a
		}
	}

	entry := models.AuditLog{
		ActorID:      VerifierID(ctx),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		BeforeJSON:   beforeJSON,
		AfterJSON:    afterJSON,
		IPAddress:    clientIP(ctx),
	}
	if err := recorder.Record(ctx.Request().Context(), &entry); err != nil && log != nil {
		log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}

func clientIP(ctx iris.Context) string {
	if ip := ctx.GetHeader("X-Forwarded-For"); ip != "" {
		return ip
	}
	ip, _, _ := net.SplitHostPort(ctx.RemoteAddr())
	return ip
}
