package cophylike

type modelVersions struct {
	substitution uint64
	siteRates    uint64
	branchRates  uint64
}

//Checkpoint is the engine state outside the buffer slots that must come back on a restore
type Checkpoint struct {
	LogL     float64
	Known    bool
	Scaling  bool
	versions modelVersions
}

// CheckpointManager keeps at most one pending revision of the buffer
// table. Restore swaps the live and shadow slot arrays rather than copying.
type CheckpointManager struct {
	table   *BufferIndexTable
	shadow  *slotBits
	saved   Checkpoint
	pending bool
}

func newCheckpointManager(table *BufferIndexTable) *CheckpointManager {
	return &CheckpointManager{table: table, shadow: newSlotBits(table.nodeCount)}
}

//Store will copy the live slot bits and cp into the shadow. A second Store replaces the pending checkpoint.
func (m *CheckpointManager) Store(cp Checkpoint) {
	m.table.snapshotInto(m.shadow)
	m.table.BeginRevision()
	m.saved = cp
	m.pending = true
}

//Restore will reinstate the stored slot bits and hand back the stored checkpoint
func (m *CheckpointManager) Restore() (Checkpoint, error) {
	if !m.pending {
		return Checkpoint{}, ErrNoCheckpoint
	}
	m.shadow = m.table.swap(m.shadow)
	m.table.EndRevision()
	m.pending = false
	return m.saved, nil
}

//Accept will drop the pending checkpoint
func (m *CheckpointManager) Accept() {
	m.table.EndRevision()
	m.pending = false
}

//Pending reports whether a checkpoint is waiting for Accept or Restore
func (m *CheckpointManager) Pending() bool {
	return m.pending
}
