// Package storage persists jobs, the scheduling zone, reminders and the
// audit trail behind one Store interface with memory, file and sqlite drivers.
package storage
