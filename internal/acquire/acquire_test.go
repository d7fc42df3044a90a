package acquire

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kalambet/sensorgate/internal/registry"
	"github.com/kalambet/sensorgate/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRecorder(t *testing.T, autoRegister bool) (*Recorder, *registry.Registry, *storage.Store) {
	t.Helper()
	s := openTestStore(t)
	reg := registry.New(s, registry.Options{})
	return NewRecorder(reg, s, autoRegister, nil), reg, s
}

// fakeRecorder captures samples and returns a scripted error.
type fakeRecorder struct {
	mu      sync.Mutex
	samples []Sample
	errs    []error
	failed  []string
}

func (f *fakeRecorder) Record(ctx context.Context, s Sample) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	f.samples = append(f.samples, s)
	return int64(len(f.samples)), nil
}

func (f *fakeRecorder) Fail(ctx context.Context, externalID string, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if externalID != "" {
		f.failed = append(f.failed, externalID)
	}
}

func (f *fakeRecorder) failures() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.failed...)
}

func (f *fakeRecorder) recorded() []Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sample(nil), f.samples...)
}
