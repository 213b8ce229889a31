package taskname

const (
	// Permit tasks
	PermitExecute = "permit:execute"
	PermitSweep   = "permit:sweep"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
