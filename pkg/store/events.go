package store

// Event is a typed change notification emitted after an entity has
// been persisted. Old is nil on creation. The trigger layer consumes
// these to decide which background tasks to enqueue; nothing in the
// write path waits on them.
type Event interface {
	isEvent()
}

// TestRunSaved is emitted after a TestRun is created or updated.
type TestRunSaved struct {
	Old *TestRun
	New *TestRun
}

// InstanceRunSaved is emitted after an InstanceRun is created or updated.
type InstanceRunSaved struct {
	Old *InstanceRun
	New *InstanceRun
}

// ResultSaved is emitted after an InstanceRunResult is created or updated.
type ResultSaved struct {
	Old *InstanceRunResult
	New *InstanceRunResult
}

func (TestRunSaved) isEvent()     {}
func (InstanceRunSaved) isEvent() {}
func (ResultSaved) isEvent()      {}
