package pdfsvc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsEncryptedErr(t *testing.T) {
	assert.True(t, isEncryptedErr(errString("pdf: file is encrypted")))
	assert.True(t, isEncryptedErr(errString("a password is required")))
	assert.False(t, isEncryptedErr(errString("unexpected eof")))
	assert.False(t, isEncryptedErr(nil))
}

func TestItoa(t *testing.T) {
	cases := map[int]string{0: "0", 1: "1", 42: "42", -7: "-7", 100: "100"}
	for n, want := range cases {
		assert.Equal(t, want, itoa(n))
	}
}

type errString string

func (e errString) Error() string { return string(e) }
