package leasemock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rwool/leasequeue/pkg/internal/leasemock"
	"github.com/rwool/leasequeue/pkg/service/lease"
	"github.com/rwool/leasequeue/pkg/service/lease/leasetest"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	leasetest.Run(t, func(*testing.T) lease.Registry { return leasemock.New() })
}

func TestRegistryError(t *testing.T) {
	t.Parallel()
	r := leasemock.New()
	r.Err = errors.New("connection refused")
	_, err := r.Allocate(context.Background(), "o", "s")
	assert.Error(t, err, "Injected errors should surface.")
}
