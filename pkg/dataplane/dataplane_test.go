package dataplane

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/connector/pkg/manager"
	"github.com/openfroyo/connector/pkg/transfer"
)

type mockInitiator struct {
	mock.Mock
}

func (m *mockInitiator) InitiateProviderRequest(ctx context.Context, req transfer.TransferRequest) (*transfer.TransferProcess, error) {
	args := m.Called(ctx, req)
	p, _ := args.Get(0).(*transfer.TransferProcess)
	return p, args.Error(1)
}

func process(role transfer.Role, typ transfer.TransferType) *transfer.TransferProcess {
	return transfer.NewTransferProcess(role, transfer.TransferRequest{
		ID:          "req-1",
		AssetID:     "asset-1",
		ContractID:  "contract-1",
		Type:        typ,
		Destination: transfer.DataAddress{Type: transfer.AddressTypeHTTPProxy},
	}, time.Now())
}

func TestLoopbackDeliversConsumerRequests(t *testing.T) {
	target := &mockInitiator{}
	consumer := process(transfer.RoleConsumer, transfer.TransferTypePull)
	target.On("InitiateProviderRequest", mock.Anything, consumer.Request).
		Return(process(transfer.RoleProvider, transfer.TransferTypePull), nil).Twice()

	d := NewLoopbackDispatcher(target, zerolog.Nop())
	require.NoError(t, d.Dispatch(context.Background(), consumer))
	require.NoError(t, d.Dispatch(context.Background(), consumer))

	require.NoError(t, d.Dispatch(context.Background(), process(transfer.RoleProvider, transfer.TransferTypePull)))
	target.AssertExpectations(t)
}

func TestLoopbackPropagatesErrors(t *testing.T) {
	target := &mockInitiator{}
	rejected := transfer.NewPermanentError(transfer.CodeValidation, "bad request", nil)
	target.On("InitiateProviderRequest", mock.Anything, mock.Anything).Return(nil, rejected)

	d := NewLoopbackDispatcher(target, zerolog.Nop())
	err := d.Dispatch(context.Background(), process(transfer.RoleConsumer, transfer.TransferTypePush))
	require.Error(t, err)
	assert.True(t, errors.Is(err, rejected))
	assert.True(t, transfer.IsPermanent(err))

	detached := NewLoopbackDispatcher(nil, zerolog.Nop())
	err = detached.Dispatch(context.Background(), process(transfer.RoleConsumer, transfer.TransferTypePush))
	assert.True(t, transfer.IsTransient(err))
}

func TestLocalController(t *testing.T) {
	c := NewLocalController(zerolog.Nop())

	pull := process(transfer.RoleConsumer, transfer.TransferTypePull)
	status, err := c.Start(context.Background(), pull)
	require.NoError(t, err)
	assert.Equal(t, manager.DataFlowCompleted, status)

	push := process(transfer.RoleProvider, transfer.TransferTypePush)
	status, err = c.Start(context.Background(), push)
	require.NoError(t, err)
	assert.Equal(t, manager.DataFlowStarted, status)

	_, err = c.Start(context.Background(), push)
	require.NoError(t, err)
	assert.Len(t, c.Flows(), 2)

	assert.True(t, c.Stop(push.ID))
	assert.False(t, c.Stop(push.ID))
	assert.Len(t, c.Flows(), 1)

	odd := process(transfer.RoleConsumer, "stream")
	_, err = c.Start(context.Background(), odd)
	assert.Equal(t, transfer.CodeDataFlowFailed, transfer.CodeOf(err))
}
