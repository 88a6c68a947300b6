package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalStatuses(t *testing.T) {
	terminal := map[RequestStatus]bool{
		StatusAccepted:  true,
		StatusRefused:   true,
		StatusRejected:  true,
		StatusCancelled: true,
	}
	for _, s := range RequestStatuses() {
		assert.Equal(t, terminal[s], s.IsTerminal(), "status %s", s)
		assert.True(t, s.Valid())
	}
	assert.False(t, RequestStatus("DONE").Valid())
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("load: %w", NotExist(KindWorkOrder))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.Equal(t, "load: Work order does not exist", err.Error())
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}

func TestParseEntityRef(t *testing.T) {
	ref, err := ParseEntityRef(WorkOrderRef(42).String())
	require.NoError(t, err)
	assert.Equal(t, WorkOrderRef(42), ref)

	_, err = ParseEntityRef("property/1")
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = ParseEntityRef("repair_request")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestSnapshotValidate(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	good := Snapshot{Request: &RepairRequest{ID: 1, Status: StatusPending, DescriptionHash: "h", CreatedAt: now, UpdatedAt: now}}
	require.NoError(t, good.Validate())
	assert.Equal(t, RequestRef(1), good.Ref())

	backwards := Snapshot{Request: &RepairRequest{ID: 1, Status: StatusPending, DescriptionHash: "h", CreatedAt: now, UpdatedAt: now.Add(-time.Second)}}
	assert.Error(t, backwards.Validate())
	assert.Error(t, Snapshot{}.Validate())
	assert.Error(t, Snapshot{Request: &RepairRequest{ID: 1, Status: "NOPE", DescriptionHash: "h"}}.Validate())
}

func TestDisplayStatusPrefersProvisional(t *testing.T) {
	p := ProjectedRequest{RepairRequest: RepairRequest{Status: StatusPending}}
	assert.Equal(t, StatusPending, p.DisplayStatus())
	p.Provisional = &Provisional{Status: StatusCancelled, Action: "withdraw"}
	assert.Equal(t, StatusCancelled, p.DisplayStatus())
}
