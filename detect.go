package collab

// ChangeDetector watches the entity count of a graph and fires a single
// first-content signal the moment the count first exceeds the scaffold
// baseline (the root/master structure every fresh project starts with).
// The latch resets only when a new project is loaded, so later mutations
// never re-fire.
//
// The detector is called only from the graph's apply goroutine. No locking.
type ChangeDetector struct {
	scaffoldCount int
	fired         bool
}

func NewChangeDetector(scaffoldCount int) *ChangeDetector {
	return &ChangeDetector{
		scaffoldCount: scaffoldCount,
	}
}

// Observe reports whether this entity count is the first-content transition.
// Returns true exactly once per loaded project.
func (self *ChangeDetector) Observe(entityCount int) bool {
	if self.fired {
		return false
	}
	if entityCount <= self.scaffoldCount {
		return false
	}
	self.fired = true
	return true
}

// Reset re-arms the detector for a newly loaded project. A loaded project
// that already has content beyond the scaffold counts as fired, so a
// snapshot is not re-persisted on the first edit after a restore.
func (self *ChangeDetector) Reset(entityCount int) {
	self.fired = entityCount > self.scaffoldCount
}
