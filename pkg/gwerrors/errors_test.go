package gwerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"connection", Connection("open tcp:localhost:1", errors.New("refused")), KindConnection},
		{"timeout", Timeout("timeout waiting for %s", "STATUS"), KindTimeout},
		{"protocol", Protocol("LOAD_ERR code=BAD_CRC"), KindProtocol},
		{"validation", Validation("unknown device: %s", "x"), KindValidation},
		{"build", Build("compile_wasm", "C->WASM compilation failed", "", "boom", nil), KindBuild},
		{"wrapped", fmt.Errorf("outer: %w", Timeout("t")), KindTimeout},
		{"plain", errors.New("plain"), KindUnknown},
		{"nil", nil, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "LOAD_ERR code=NO_MEM", Protocol("LOAD_ERR code=NO_MEM").Error())
	assert.Equal(t, "unknown command: fly", Validation("unknown command: %s", "fly").Error())
	assert.Equal(t, "open COM9: no such device", Connection("open COM9", errors.New("no such device")).Error())

	cause := errors.New("exit status 1")
	be := Build("compile_aot", "WASM->AOT compilation failed", "out", "err", cause)
	assert.Equal(t, "WASM->AOT compilation failed", be.Error())
	assert.ErrorIs(t, be, cause)
	assert.Equal(t, "compile_aot", be.Step)
	assert.True(t, IsBuild(be))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
