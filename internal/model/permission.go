package model

// Permission represents a string code for a specific system action.
type Permission string

const (
	// PermissionExamsMonitor allows watching live attempt events of an exam.
	PermissionExamsMonitor Permission = "exams:monitor"

	// PermissionSystemRead allows reading queue backlog and health details.
	PermissionSystemRead Permission = "system:read"
)
