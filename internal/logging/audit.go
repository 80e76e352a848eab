package logging

// AuditEvent records a settled write operation against a contract
type AuditEvent struct {
	Operation string // e.g. "stake", "withdraw", "create_pool"
	Actor     string // Connected account that signed
	Target    string // Contract address
	ChainID   uint64
	TxHash    string
	Result    string // "success" or "failure"
	Details   string
}

// Audit logs a write operation with structured fields.
// Audit events are logged at Info level with a special "audit" attribute
// to distinguish them from regular application logs.
func Audit(event AuditEvent) {
	Logger().Info("audit",
		"audit", true,
		"operation", event.Operation,
		"actor", event.Actor,
		"target", event.Target,
		"chain_id", event.ChainID,
		"tx_hash", event.TxHash,
		"result", event.Result,
		"details", event.Details,
	)
}
