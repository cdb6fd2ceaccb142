package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceValidate(t *testing.T) {
	valid := Device{DUID: "abc123", LocalKey: "abcdef0123456789", Version: VersionV1}
	assert.NoError(t, valid.Validate())

	missingDUID := valid
	missingDUID.DUID = ""
	assert.ErrorIs(t, missingDUID.Validate(), ErrMissingDUID)

	missingKey := valid
	missingKey.LocalKey = ""
	assert.ErrorIs(t, missingKey.Validate(), ErrMissingLocalKey)

	badVersion := valid
	badVersion.Version = "2.0"
	assert.ErrorIs(t, badVersion.Validate(), ErrUnknownVersion)
}

func TestProtocolVersionValid(t *testing.T) {
	assert.True(t, VersionV1.Valid())
	assert.True(t, VersionL01.Valid())
	assert.True(t, VersionB01.Valid())
	assert.False(t, ProtocolVersion("").Valid())
	assert.False(t, ProtocolVersion("v1").Valid())
}

func TestAccountValidate(t *testing.T) {
	valid := Account{UserID: "u1", MQTTKey: "k", Namespace: "ns"}
	assert.NoError(t, valid.Validate())

	assert.Error(t, (&Account{MQTTKey: "k", Namespace: "ns"}).Validate())
	assert.Error(t, (&Account{UserID: "u1", Namespace: "ns"}).Validate())
	assert.Error(t, (&Account{UserID: "u1", MQTTKey: "k"}).Validate())
}
