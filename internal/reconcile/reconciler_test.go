package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/usr-wwelsh/miniPaaS/internal/docker"
	"github.com/usr-wwelsh/miniPaaS/internal/domain"
	"github.com/usr-wwelsh/miniPaaS/internal/repository"
)

type fakeInspector struct {
	states map[string]docker.ContainerState
	errs   map[string]error
}

func (f *fakeInspector) InspectState(_ context.Context, containerID string) (docker.ContainerState, error) {
	if err, ok := f.errs[containerID]; ok {
		return docker.ContainerState{}, err
	}
	state, ok := f.states[containerID]
	if !ok {
		return docker.ContainerState{}, docker.ErrNotFound
	}
	return state, nil
}

type fakeRepo struct {
	mu          sync.Mutex
	deployments []domain.Deployment
	updates     []domain.StatusUpdate
	listErr     error
}

func (f *fakeRepo) CreateDeployment(context.Context, *domain.Deployment) error { return nil }

func (f *fakeRepo) GetDeploymentByID(context.Context, string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeRepo) UpdateDeploymentStatus(_ context.Context, update domain.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeRepo) UpdateHealthStatus(context.Context, string, string, time.Time) error { return nil }

func (f *fakeRepo) CountDeploymentsInStatuses(context.Context, ...string) (int, error) {
	return 0, nil
}

func (f *fakeRepo) NextQueuedDeployment(context.Context) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeRepo) CancelIfPending(context.Context, string) (bool, error) { return false, nil }

func (f *fakeRepo) GetRunningDeployment(context.Context, string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeRepo) ListDeploymentsWithContainers(context.Context, ...string) ([]domain.Deployment, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.deployments, nil
}

func (f *fakeRepo) ListRunningDeployments(context.Context) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeRepo) ListFailedSince(context.Context, time.Time) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeRepo) ListImageIDsBeyondRetention(context.Context, string, int) ([]string, error) {
	return nil, nil
}

func (f *fakeRepo) recordedUpdates() []domain.StatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.StatusUpdate(nil), f.updates...)
}

func newTestReconciler(repo *fakeRepo, inspector *fakeInspector) *Reconciler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(repo, inspector, time.Second, logger)
}

func TestReconcileAbsentContainerForcesStopped(t *testing.T) {
	repo := &fakeRepo{deployments: []domain.Deployment{
		{ID: "d1", Status: domain.StatusRunning, ContainerID: "gone"},
	}}
	r := newTestReconciler(repo, &fakeInspector{})

	r.reconcileOnce(context.Background())

	updates := repo.recordedUpdates()
	if len(updates) != 1 {
		t.Fatalf("expected one correction, got %d", len(updates))
	}
	if updates[0].DeploymentID != "d1" || updates[0].Status != domain.StatusStopped {
		t.Fatalf("unexpected correction %+v", updates[0])
	}
}

func TestReconcileWritesOnlyOnChange(t *testing.T) {
	repo := &fakeRepo{deployments: []domain.Deployment{
		{ID: "d1", Status: domain.StatusRunning, ContainerID: "c1"},
	}}
	inspector := &fakeInspector{states: map[string]docker.ContainerState{
		"c1": {Running: true, Status: "running"},
	}}
	r := newTestReconciler(repo, inspector)

	r.reconcileOnce(context.Background())

	if updates := repo.recordedUpdates(); len(updates) != 0 {
		t.Fatalf("expected no writes for matching state, got %v", updates)
	}
}

func TestReconcileStateMapping(t *testing.T) {
	cases := []struct {
		name  string
		state docker.ContainerState
		want  string
	}{
		{"exited", docker.ContainerState{Status: "exited"}, domain.StatusStopped},
		{"dead", docker.ContainerState{Status: "dead"}, domain.StatusFailed},
		{"restarting", docker.ContainerState{Restarting: true, Status: "restarting"}, domain.StatusRestarting},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &fakeRepo{deployments: []domain.Deployment{
				{ID: "d1", Status: domain.StatusRunning, ContainerID: "c1"},
			}}
			inspector := &fakeInspector{states: map[string]docker.ContainerState{"c1": tc.state}}
			r := newTestReconciler(repo, inspector)

			r.reconcileOnce(context.Background())

			updates := repo.recordedUpdates()
			if len(updates) != 1 || updates[0].Status != tc.want {
				t.Fatalf("expected correction to %q, got %v", tc.want, updates)
			}
		})
	}
}

func TestReconcileBuildingContainerObservedRunning(t *testing.T) {
	repo := &fakeRepo{deployments: []domain.Deployment{
		{ID: "d1", Status: domain.StatusBuilding, ContainerID: "c1"},
	}}
	inspector := &fakeInspector{states: map[string]docker.ContainerState{
		"c1": {Running: true, Status: "running"},
	}}
	r := newTestReconciler(repo, inspector)

	r.reconcileOnce(context.Background())

	updates := repo.recordedUpdates()
	if len(updates) != 1 || updates[0].Status != domain.StatusRunning {
		t.Fatalf("expected correction to running, got %v", updates)
	}
}

func TestReconcileSkipsIterationOnStoreError(t *testing.T) {
	repo := &fakeRepo{listErr: errors.New("connection refused")}
	r := newTestReconciler(repo, &fakeInspector{})

	r.reconcileOnce(context.Background())

	if updates := repo.recordedUpdates(); len(updates) != 0 {
		t.Fatalf("expected no writes when listing fails, got %v", updates)
	}
}

func TestReconcileInspectErrorLeavesRecordAlone(t *testing.T) {
	repo := &fakeRepo{deployments: []domain.Deployment{
		{ID: "d1", Status: domain.StatusRunning, ContainerID: "c1"},
	}}
	inspector := &fakeInspector{errs: map[string]error{"c1": errors.New("daemon unavailable")}}
	r := newTestReconciler(repo, inspector)

	r.reconcileOnce(context.Background())

	if updates := repo.recordedUpdates(); len(updates) != 0 {
		t.Fatalf("inconclusive observations must not write, got %v", updates)
	}
}
