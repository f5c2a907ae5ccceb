package consensus

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"github.com/witnz/proofchain/internal/hash"
	"github.com/witnz/proofchain/internal/ledger"
	"github.com/witnz/proofchain/internal/storage"
	"go.uber.org/zap/zaptest"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "proofs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h, err := hash.New(hash.AlgorithmBlake2b256)
	require.NoError(t, err)
	return ledger.New(store, h, ledger.WithLogger(zaptest.NewLogger(t)))
}

func submitLog(t *testing.T, index uint64, data string, ts ledger.Moment) *raft.Log {
	t.Helper()
	payload, err := json.Marshal(&LogEntry{
		Type:      LogEntrySubmit,
		Data:      []byte(data),
		Submitter: "alice",
		Timestamp: ts,
	})
	require.NoError(t, err)
	return &raft.Log{Index: index, Data: payload}
}

func TestFSMApplySubmit(t *testing.T) {
	l := newTestLedger(t)
	fsm := NewFSM(l, zaptest.NewLogger(t))

	result, ok := fsm.Apply(submitLog(t, 7, "alpha", 1000)).(*ApplyResult)
	require.True(t, ok)
	require.NoError(t, result.Err)

	record, err := l.Proof(t.Context(), result.ProofHash)
	require.NoError(t, err)
	require.Equal(t, ledger.Sequence(7), record.Sequence)
	require.Equal(t, ledger.Moment(1000), record.Timestamp)
	require.Equal(t, ledger.Identity("alice"), record.Submitter)
	require.True(t, record.IsGenesis())

	dup := fsm.Apply(submitLog(t, 8, "alpha", 2000)).(*ApplyResult)
	require.ErrorIs(t, dup.Err, ledger.ErrDuplicateData)
}

func TestFSMApplyIsDeterministic(t *testing.T) {
	a := NewFSM(newTestLedger(t), nil)
	b := NewFSM(newTestLedger(t), nil)

	for i, data := range []string{"alpha", "beta", "gamma"} {
		index := uint64(i + 3)
		ra := a.Apply(submitLog(t, index, data, ledger.Moment(index*10))).(*ApplyResult)
		rb := b.Apply(submitLog(t, index, data, ledger.Moment(index*10))).(*ApplyResult)
		require.NoError(t, ra.Err)
		require.Equal(t, ra.ProofHash, rb.ProofHash)
	}
}

func TestFSMApplyRejectsBadEntries(t *testing.T) {
	fsm := NewFSM(newTestLedger(t), nil)

	result := fsm.Apply(&raft.Log{Index: 1, Data: []byte("{not json")}).(*ApplyResult)
	require.Error(t, result.Err)

	payload, _ := json.Marshal(&LogEntry{Type: "merkle_root"})
	result = fsm.Apply(&raft.Log{Index: 2, Data: payload}).(*ApplyResult)
	require.ErrorContains(t, result.Err, "unknown log entry type")
}

func TestFSMSnapshotPersistAndRestore(t *testing.T) {
	source := newTestLedger(t)
	fsm := NewFSM(source, zaptest.NewLogger(t))
	for i, data := range []string{"alpha", "beta", "gamma"} {
		result := fsm.Apply(submitLog(t, uint64(i+1), data, 5000)).(*ApplyResult)
		require.NoError(t, result.Err)
	}

	snapshot, err := fsm.Snapshot()
	require.NoError(t, err)

	var sink mockSnapshotSink
	require.NoError(t, snapshot.Persist(&sink))
	require.False(t, sink.canceled)
	require.NotZero(t, sink.Len())

	var state snapshotState
	require.NoError(t, json.Unmarshal(sink.Bytes(), &state))
	require.Len(t, state.Records, 3)
	require.Equal(t, hash.AlgorithmBlake2b256, state.Algorithm)

	expectedRoot, err := source.Commitment(t.Context())
	require.NoError(t, err)
	require.Equal(t, expectedRoot, state.Root)

	// A replica that already holds the first record.
	target := newTestLedger(t)
	require.NoError(t, target.Store().Commit(t.Context(), state.Records[0]))

	fsm2 := NewFSM(target, zaptest.NewLogger(t))
	require.NoError(t, fsm2.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	report, err := target.VerifyChain(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 3, report.Length)

	sourceReport, err := source.VerifyChain(t.Context())
	require.NoError(t, err)
	require.Equal(t, sourceReport.Tip, report.Tip)
}

func TestFSMRestoreRejectsTamperedSnapshot(t *testing.T) {
	source := newTestLedger(t)
	fsm := NewFSM(source, nil)
	fsm.Apply(submitLog(t, 1, "alpha", 1))
	fsm.Apply(submitLog(t, 2, "beta", 2))

	snapshot, err := fsm.Snapshot()
	require.NoError(t, err)
	var sink mockSnapshotSink
	require.NoError(t, snapshot.Persist(&sink))

	tests := []struct {
		name   string
		mutate func(*snapshotState)
		want   string
	}{
		{
			name:   "root",
			mutate: func(s *snapshotState) { s.Root[0] ^= 0xff },
			want:   "merkle root mismatch",
		},
		{
			name: "record field",
			mutate: func(s *snapshotState) {
				s.Records[1].Timestamp++
				s.Root = ledger.RecordsRoot(source.Hasher(), s.Records)
			},
			want: "tampered",
		},
		{
			name: "reordered",
			mutate: func(s *snapshotState) {
				s.Records[0], s.Records[1] = s.Records[1], s.Records[0]
				s.Root = ledger.RecordsRoot(source.Hasher(), s.Records)
			},
			want: "does not link",
		},
		{
			name:   "algorithm",
			mutate: func(s *snapshotState) { s.Algorithm = hash.AlgorithmSHA256 },
			want:   "hash algorithm",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var state snapshotState
			require.NoError(t, json.Unmarshal(sink.Bytes(), &state))
			tt.mutate(&state)
			data, err := json.Marshal(&state)
			require.NoError(t, err)

			target := newTestLedger(t)
			err = NewFSM(target, nil).Restore(io.NopCloser(bytes.NewReader(data)))
			require.ErrorContains(t, err, tt.want)

			count, err := target.Store().Count(t.Context())
			require.NoError(t, err)
			require.Zero(t, count)
		})
	}
}

func TestFSMRestoreRejectsDivergentReplica(t *testing.T) {
	source := newTestLedger(t)
	fsm := NewFSM(source, nil)
	fsm.Apply(submitLog(t, 1, "alpha", 1))

	snapshot, err := fsm.Snapshot()
	require.NoError(t, err)
	var sink mockSnapshotSink
	require.NoError(t, snapshot.Persist(&sink))

	// Same data, different sequence: a different genesis proof.
	target := newTestLedger(t)
	other := NewFSM(target, nil)
	require.NoError(t, other.Apply(submitLog(t, 9, "alpha", 1)).(*ApplyResult).Err)

	err = other.Restore(io.NopCloser(bytes.NewReader(sink.Bytes())))
	require.Error(t, err)
}

type mockSnapshotSink struct {
	buf      []byte
	canceled bool
}

func (m *mockSnapshotSink) Write(p []byte) (n int, err error) {
	m.buf = append(m.buf, p...)
	return len(p), nil
}

func (m *mockSnapshotSink) Close() error {
	return nil
}

func (m *mockSnapshotSink) ID() string {
	return "mock-snapshot"
}

func (m *mockSnapshotSink) Cancel() error {
	m.canceled = true
	return nil
}

func (m *mockSnapshotSink) Bytes() []byte {
	return m.buf
}

func (m *mockSnapshotSink) Len() int {
	return len(m.buf)
}
