package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMonotonicNow_Advances(t *testing.T) {
	t1 := MonotonicNow()
	t2 := MonotonicNow()
	assert.False(t, t2.Before(t1))
}

func TestTLS_SetGet(t *testing.T) {
	tls := NewTLS()
	assert.Nil(t, tls.Get())
	tls.Set(42)
	assert.Equal(t, 42, tls.Get())
}

func TestDeviceIoctl_Unsupported(t *testing.T) {
	err := DeviceIoctl(0, 0, 0)
	assert.Error(t, err)
}
