package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

func TestBackgroundRepairDefersWhileProxyBusy(t *testing.T) {
	statuses := []types.SupervisorStatus{
		{IsStarting: true},
		{IsRunning: true},
		{},
	}
	next := 0
	status := func() types.SupervisorStatus {
		st := statuses[next]
		if next < len(statuses)-1 {
			next++
		}
		return st
	}

	repairs := 0
	backgroundRepair(context.Background(), time.Millisecond, status, func() { repairs++ })

	assert.Equal(t, 3, next)
	assert.Equal(t, 1, repairs)
}

func TestBackgroundRepairStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repairs := 0
	backgroundRepair(ctx, time.Hour, func() types.SupervisorStatus { return types.SupervisorStatus{} }, func() { repairs++ })
	assert.Zero(t, repairs)
}
