package logger

import "log/slog"

// DefaultAuditPath is where the daemon writes its audit trail when audit
// logging is enabled without an explicit path.
const DefaultAuditPath = "logs/olend-audit.log"

// MessageFields builds the audit attributes identifying a chat message.
// Every audit entry emitted by the message pipeline starts with these.
func MessageFields(messageID, userID string) []any {
	return []any{
		slog.String("message_id", messageID),
		slog.String("user_id", userID),
	}
}

// OperationFields builds the audit attributes describing an executed
// lending operation.
func OperationFields(actionID, txHash string) []any {
	return []any{
		slog.String("action_id", actionID),
		slog.String("tx_hash", txHash),
	}
}
