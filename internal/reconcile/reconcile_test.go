package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/convoyhq/convoy/internal/broker"
	"github.com/convoyhq/convoy/pkg/models"
)

type fakeConnStore struct {
	stale   []*models.AppConnection
	updated map[string]models.ConnectionStatus
	listErr error
}

func (s *fakeConnStore) CreateConnection(ctx context.Context, conn *models.AppConnection) error {
	return nil
}
func (s *fakeConnStore) GetConnection(ctx context.Context, id string) (*models.AppConnection, error) {
	return nil, nil
}
func (s *fakeConnStore) GetConnectionByApp(ctx context.Context, userID, appName string) (*models.AppConnection, error) {
	return nil, nil
}
func (s *fakeConnStore) UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus) error {
	if s.updated == nil {
		s.updated = map[string]models.ConnectionStatus{}
	}
	s.updated[id] = status
	return nil
}
func (s *fakeConnStore) ListUserConnections(ctx context.Context, userID string) ([]*models.AppConnection, error) {
	return nil, nil
}
func (s *fakeConnStore) ListActiveOlderThanSeconds(ctx context.Context, maxAgeSeconds int64) ([]*models.AppConnection, error) {
	return s.stale, s.listErr
}

type fakeBroker struct {
	statuses map[string]string
	err      map[string]error
}

func (b *fakeBroker) Get(ctx context.Context, connectedAccountID string) (*broker.Connection, error) {
	if err, ok := b.err[connectedAccountID]; ok {
		return nil, err
	}
	status, ok := b.statuses[connectedAccountID]
	if !ok {
		return nil, fmt.Errorf("unknown account %s", connectedAccountID)
	}
	return &broker.Connection{ConnectedAccountID: connectedAccountID, Status: status}, nil
}

func TestRunOnceExpiresConnectionsNoLongerActive(t *testing.T) {
	connStore := &fakeConnStore{
		stale: []*models.AppConnection{
			{ID: "c1", UserID: "u1", AppName: "gmail", ConnectedAccountID: "acc-1", Status: models.ConnectionActive},
			{ID: "c2", UserID: "u2", AppName: "slack", ConnectedAccountID: "acc-2", Status: models.ConnectionActive},
		},
	}
	brokerClient := &fakeBroker{statuses: map[string]string{
		"acc-1": "ACTIVE",
		"acc-2": "EXPIRED",
	}}

	job, err := New(Config{Store: connStore, Broker: brokerClient})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result := job.RunOnce(context.Background())
	if result.Checked != 2 {
		t.Errorf("Checked = %d, want 2", result.Checked)
	}
	if result.Expired != 1 {
		t.Errorf("Expired = %d, want 1", result.Expired)
	}
	if result.Errors != 0 {
		t.Errorf("Errors = %d, want 0", result.Errors)
	}
	if connStore.updated["c2"] != models.ConnectionExpired {
		t.Errorf("c2 status = %v, want EXPIRED", connStore.updated["c2"])
	}
	if _, touched := connStore.updated["c1"]; touched {
		t.Errorf("c1 should not have been updated, still ACTIVE per broker")
	}

	last := job.LastRun()
	if last == nil || last.Expired != 1 {
		t.Errorf("LastRun() = %+v, want Expired=1", last)
	}
}

func TestRunOnceCountsBrokerErrors(t *testing.T) {
	connStore := &fakeConnStore{
		stale: []*models.AppConnection{
			{ID: "c1", UserID: "u1", AppName: "gmail", ConnectedAccountID: "acc-1", Status: models.ConnectionActive},
		},
	}
	brokerClient := &fakeBroker{err: map[string]error{"acc-1": fmt.Errorf("broker unreachable")}}

	job, err := New(Config{Store: connStore, Broker: brokerClient})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result := job.RunOnce(context.Background())
	if result.Errors != 1 {
		t.Errorf("Errors = %d, want 1", result.Errors)
	}
	if result.Expired != 0 {
		t.Errorf("Expired = %d, want 0", result.Expired)
	}
}

func TestRunOnceListFailureIsNonFatal(t *testing.T) {
	connStore := &fakeConnStore{listErr: fmt.Errorf("store unavailable")}
	brokerClient := &fakeBroker{}

	job, err := New(Config{Store: connStore, Broker: brokerClient})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result := job.RunOnce(context.Background())
	if result.Errors != 1 {
		t.Errorf("Errors = %d, want 1", result.Errors)
	}
	if result.Checked != 0 {
		t.Errorf("Checked = %d, want 0", result.Checked)
	}
}

func TestNewRejectsMissingSchedule(t *testing.T) {
	_, err := New(Config{Store: &fakeConnStore{}, Broker: &fakeBroker{}, Schedule: "not a schedule"})
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	job, err := New(Config{Store: &fakeConnStore{}, Broker: &fakeBroker{}, Schedule: "@every 1h"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	job.Start()
	job.Start()
	time.Sleep(time.Millisecond)
	job.Stop()
	job.Stop()
}
