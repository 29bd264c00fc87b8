package event

// Type is the enumerated event type. Values serialize as their dotted string.
type Type string

const (
	RecordCreated  Type = "record.created"
	RecordUpdated  Type = "record.updated"
	RecordDeleted  Type = "record.deleted"
	RecordArchived Type = "record.archived"

	ProcessingStarted   Type = "processing.started"
	ProcessingCompleted Type = "processing.completed"
	ProcessingFailed    Type = "processing.failed"

	SyncStarted   Type = "sync.started"
	SyncCompleted Type = "sync.completed"
	SyncFailed    Type = "sync.failed"

	SignalError     Type = "signal.error"
	SignalDuplicate Type = "signal.duplicate"
	SignalWarning   Type = "signal.warning"

	ServiceStarted     Type = "service.started"
	ServiceStopped     Type = "service.stopped"
	ServiceHealthCheck Type = "service.health_check"

	Custom Type = "custom"
)

var knownTypes = map[Type]struct{}{
	RecordCreated: {}, RecordUpdated: {}, RecordDeleted: {}, RecordArchived: {},
	ProcessingStarted: {}, ProcessingCompleted: {}, ProcessingFailed: {},
	SyncStarted: {}, SyncCompleted: {}, SyncFailed: {},
	SignalError: {}, SignalDuplicate: {}, SignalWarning: {},
	ServiceStarted: {}, ServiceStopped: {}, ServiceHealthCheck: {},
	Custom: {},
}

// Valid reports whether t is one of the enumerated types.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

func (t Type) String() string { return string(t) }

// Types returns every enumerated type.
func Types() []Type {
	return []Type{
		RecordCreated, RecordUpdated, RecordDeleted, RecordArchived,
		ProcessingStarted, ProcessingCompleted, ProcessingFailed,
		SyncStarted, SyncCompleted, SyncFailed,
		SignalError, SignalDuplicate, SignalWarning,
		ServiceStarted, ServiceStopped, ServiceHealthCheck,
		Custom,
	}
}
