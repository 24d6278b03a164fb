package workload_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/internal/sut"
	"github.com/st3v3nmw/bootfuzz/internal/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock(t *testing.T) {
	var c workload.Clock
	assert.Equal(t, workload.LTS(0), c.Peek())
	assert.Equal(t, workload.LTS(0), c.Next())
	assert.Equal(t, workload.LTS(1), c.Next())
	assert.Equal(t, workload.LTS(2), c.Peek())
	assert.Equal(t, workload.LTS(2), c.Peek())
}

func TestPDSelector(t *testing.T) {
	tests := []struct {
		name   string
		window int64
		slide  int64
		want   []int64
	}{
		{name: "Every Step New Partition", window: 1, slide: 1, want: []int64{0, 1, 2, 3, 4, 5}},
		{name: "Window Of Two", window: 2, slide: 1, want: []int64{0, 1, 1, 2, 2, 3}},
		{name: "Repeat Before Slide", window: 2, slide: 2, want: []int64{0, 1, 0, 1, 1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := workload.PDSelector{Seed: 1, Window: tt.window, Slide: tt.slide}
			var got []int64
			for lts := range workload.LTS(len(tt.want)) {
				got = append(got, s.Position(lts))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCDSelectorDistinct(t *testing.T) {
	s := workload.CDSelector{Seed: 3, MaxPartitionSize: 4}

	cds := s.CDs(10, 99, 8)
	require.Len(t, cds, 4)

	seen := map[uint64]bool{}
	for _, cd := range cds {
		assert.Less(t, cd, uint64(4))
		assert.False(t, seen[cd])
		seen[cd] = true
	}
}

func TestGenerateDeterministic(t *testing.T) {
	opts := workload.Options{Seed: 42, Columns: 4, Window: 1, Slide: 1, MaxPartitionSize: 100, OpsPerStep: 3}
	a := workload.NewRun(opts)
	b := workload.NewRun(opts)

	for lts := range workload.LTS(50) {
		require.Equal(t, a.PD(lts), b.PD(lts))
		require.Equal(t, a.Generate(lts, a.PD(lts)), b.Generate(lts, b.PD(lts)))
	}

	kinds := map[sut.OpKind]int{}
	for lts := range workload.LTS(500) {
		for _, op := range a.Generate(lts, a.PD(lts)) {
			kinds[op.Kind]++
			assert.Equal(t, int64(lts), op.Timestamp)
			assert.Len(t, op.Values, len(op.Columns))
		}
	}
	assert.NotZero(t, kinds[sut.Insert])
	assert.NotZero(t, kinds[sut.Update])
	assert.NotZero(t, kinds[sut.DeleteRow])
}

func TestPartitions(t *testing.T) {
	run := workload.NewRun(workload.Options{Seed: 1, Window: 2, Slide: 2, MaxPartitionSize: 10})
	pds := run.Partitions(6)
	assert.Equal(t, []uint64{run.PD(0), run.PD(1), run.PD(5)}, pds)
}

type flakyExecutor struct {
	calls int
	fail  bool
}

func (f *flakyExecutor) Execute(context.Context, sut.Statement, sut.ConsistencyLevel) ([]sut.Row, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("operation timed out")
	}

	return nil, nil
}

func TestVisitorPolicies(t *testing.T) {
	tests := []struct {
		name      string
		opts      []workload.VisitorOption
		fail      bool
		wantErr   bool
		wantCalls int
		want      workload.Outcome
	}{
		{name: "Applied", fail: false, wantCalls: 1, want: workload.Applied},
		{name: "Propagate", fail: true, wantErr: true, wantCalls: 1, want: workload.Unknown},
		{name: "Propagate With Retries", opts: []workload.VisitorOption{workload.WithRetries(2)}, fail: true, wantErr: true, wantCalls: 3, want: workload.Unknown},
		{name: "Suppress", opts: []workload.VisitorOption{workload.WithPolicy(workload.Suppress), workload.WithRetries(2)}, fail: true, wantCalls: 1, want: workload.Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := workload.NewRun(workload.Options{Seed: 7, Window: 1, Slide: 1, MaxPartitionSize: 10})
			exec := &flakyExecutor{fail: tt.fail}
			v := workload.NewVisitor(run, exec, tt.opts...)

			err := v.Visit(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, workload.ErrTransientWrite))
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.wantCalls, exec.calls)
			assert.Equal(t, workload.LTS(1), run.Clock.Peek())

			records := run.History.Partition(run.PD(0), run.Clock.Peek())
			require.Len(t, records, 1)
			assert.Equal(t, tt.want, records[0].Outcome)

			unknown := 0
			if tt.want == workload.Unknown {
				unknown = 1
			}
			assert.Equal(t, unknown, run.History.Unknown())
		})
	}
}
