package billing

const (
	operationFreeze       = "freeze"
	operationExpandFreeze = "expand_freeze"
	operationConfirm      = "confirm"
	operationRollback     = "rollback"
	operationAddBalance   = "add_balance"
	operationShadowUsage  = "shadow_usage"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultFreezeSource = "sync"

	freezeIDPrefix = "freeze_"
)
