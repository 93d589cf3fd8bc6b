package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/usr-wwelsh/miniPaaS/internal/domain"
	"github.com/usr-wwelsh/miniPaaS/internal/repository"
)

type fakeProber struct {
	code int
	err  error
}

func (f *fakeProber) Probe(context.Context, string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.code, nil
}

type fakeProjects struct {
	project domain.Project
}

func (f *fakeProjects) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	if id != f.project.ID {
		return nil, repository.ErrNotFound
	}
	copied := f.project
	return &copied, nil
}

func (f *fakeProjects) UpdateProjectPort(context.Context, string, int) error { return nil }

func (f *fakeProjects) ListVolumesByProject(context.Context, string) ([]domain.Volume, error) {
	return nil, nil
}

type fakeDeployments struct {
	mu            sync.Mutex
	running       []domain.Deployment
	failed        []domain.Deployment
	healthWrites  map[string]string
	statusUpdates []domain.StatusUpdate
	byID          map[string]*domain.Deployment
}

func newFakeDeployments() *fakeDeployments {
	return &fakeDeployments{
		healthWrites: make(map[string]string),
		byID:         make(map[string]*domain.Deployment),
	}
}

func (f *fakeDeployments) CreateDeployment(context.Context, *domain.Deployment) error { return nil }

func (f *fakeDeployments) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (f *fakeDeployments) UpdateDeploymentStatus(_ context.Context, update domain.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates = append(f.statusUpdates, update)
	return nil
}

func (f *fakeDeployments) UpdateHealthStatus(_ context.Context, id, status string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthWrites[id] = status
	return nil
}

func (f *fakeDeployments) CountDeploymentsInStatuses(context.Context, ...string) (int, error) {
	return 0, nil
}

func (f *fakeDeployments) NextQueuedDeployment(context.Context) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeDeployments) CancelIfPending(context.Context, string) (bool, error) { return false, nil }

func (f *fakeDeployments) GetRunningDeployment(context.Context, string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeDeployments) ListDeploymentsWithContainers(context.Context, ...string) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeDeployments) ListRunningDeployments(context.Context) ([]domain.Deployment, error) {
	return f.running, nil
}

func (f *fakeDeployments) ListFailedSince(context.Context, time.Time) ([]domain.Deployment, error) {
	return f.failed, nil
}

func (f *fakeDeployments) ListImageIDsBeyondRetention(context.Context, string, int) ([]string, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProbe(deployments *fakeDeployments, prober Prober) *Probe {
	projects := &fakeProjects{project: domain.Project{ID: "proj-1", Subdomain: "myapp"}}
	return NewProbe(deployments, projects, prober, time.Minute, time.Second, prometheus.NewRegistry(), testLogger())
}

func TestClassifyStatusCodeTable(t *testing.T) {
	cases := []struct {
		code int
		want string
	}{
		{200, domain.HealthHealthy},
		{301, domain.HealthHealthy},
		{403, domain.HealthHealthy},
		{404, domain.HealthNotFound},
		{500, domain.HealthError},
		{502, domain.HealthBadGateway},
		{503, domain.HealthBadGateway},
	}
	for _, tc := range cases {
		if got := ClassifyStatusCode(tc.code); got != tc.want {
			t.Fatalf("classify(%d) = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestProbeRecordsHealthWithoutTouchingStatus(t *testing.T) {
	deployments := newFakeDeployments()
	deployments.running = []domain.Deployment{{ID: "d1", ProjectID: "proj-1", Status: domain.StatusRunning}}
	p := newTestProbe(deployments, &fakeProber{code: http.StatusOK})

	p.probeOnce(context.Background())

	if got := deployments.healthWrites["d1"]; got != domain.HealthHealthy {
		t.Fatalf("expected healthy, got %q", got)
	}
	if len(deployments.statusUpdates) != 0 {
		t.Fatalf("health probe must never mutate status, got %v", deployments.statusUpdates)
	}
}

func TestProbeClassifiesTransportErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", context.DeadlineExceeded, domain.HealthTimeout},
		{"refused", syscall.ECONNREFUSED, domain.HealthConnectionRefused},
		{"refused wrapped", errors.New("dial tcp 10.0.0.2:80: connect: connection refused"), domain.HealthConnectionRefused},
		{"other", errors.New("tls: bad record"), domain.HealthUnreachable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deployments := newFakeDeployments()
			deployments.running = []domain.Deployment{{ID: "d1", ProjectID: "proj-1", Status: domain.StatusRunning}}
			p := newTestProbe(deployments, &fakeProber{err: tc.err})

			p.probeOnce(context.Background())

			if got := deployments.healthWrites["d1"]; got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestProbeBadGatewayRecorded(t *testing.T) {
	deployments := newFakeDeployments()
	deployments.running = []domain.Deployment{{ID: "d1", ProjectID: "proj-1", Status: domain.StatusRunning}}
	p := newTestProbe(deployments, &fakeProber{code: http.StatusBadGateway})

	p.probeOnce(context.Background())

	if got := deployments.healthWrites["d1"]; got != domain.HealthBadGateway {
		t.Fatalf("expected bad_gateway, got %q", got)
	}
}
