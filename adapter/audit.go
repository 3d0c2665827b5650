// Package adapter provides adapters for shmif integration with external systems.
package adapter

import (
	"sort"

	"go.uber.org/zap"
)

// ZapAudit writes audit events as structured zap entries.
type ZapAudit struct {
	log *zap.Logger
}

// NewZapAudit logs to log, or nowhere when log is nil.
func NewZapAudit(log *zap.Logger) *ZapAudit {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapAudit{log: log.Named("audit")}
}

// LogEvent records event with details as fields in key order.
func (a *ZapAudit) LogEvent(event string, details map[string]interface{}) error {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, details[k]))
	}
	a.log.Info(event, fields...)
	return nil
}
