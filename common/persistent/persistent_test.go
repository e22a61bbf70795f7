package persistent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPersistent(t *testing.T) {
	dir := t.TempDir()

	common, err := NewCommonStore(dir)
	assert.NoError(t, err, "NewCommonStore")
	defer common.Close()

	svc, err := common.GetServiceStore("persistent_test")
	assert.NoError(t, err, "GetServiceStore")

	key := []byte("foo")
	val := "bar"

	err = svc.PutCBOR(key, &val)
	assert.NoError(t, err, "PutCBOR")

	var valOut string
	err = svc.GetCBOR(key, &valOut)
	assert.NoError(t, err, "GetCBOR")
	assert.Equal(t, val, valOut, "GetCBOR value")

	nonexistentKey := []byte("baz")
	err = svc.GetCBOR(nonexistentKey, &valOut)
	assert.Equal(t, ErrNotFound, err, "GetCBOR(nonexistent)")

	err = svc.Delete(key)
	assert.NoError(t, err, "Delete")
	err = svc.GetCBOR(key, &valOut)
	assert.Equal(t, ErrNotFound, err, "GetCBOR(deleted)")

	// Service stores must not observe each other's keys.
	other, err := common.GetServiceStore("persistent_test2")
	assert.NoError(t, err, "GetServiceStore(other)")
	err = other.PutCBOR(key, &val)
	assert.NoError(t, err, "PutCBOR(other)")
	err = svc.GetCBOR(key, &valOut)
	assert.Equal(t, ErrNotFound, err, "service store isolation")
}
