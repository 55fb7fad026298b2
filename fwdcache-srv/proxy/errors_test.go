package proxy

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("connection refused")
	err := newError(ErrCodeOriginConnectFailed, cause)

	assert.Equal(t, "[E2001] Failed to connect to origin server: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "[E7001] Host rejected by access filter", newError(ErrCodeFilterRejected, nil).Error())
}

func TestErrorCategories(t *testing.T) {
	tests := []struct {
		code          string
		origin        bool
		client        bool
		accessControl bool
	}{
		{ErrCodeOriginConnectFailed, true, false, false},
		{ErrCodeReadTimeout, true, false, false},
		{ErrCodeMalformedRequest, false, true, false},
		{ErrCodeClientReadTimeout, false, true, false},
		{ErrCodeFilterRejected, false, false, true},
		{ErrCodePanicRecovered, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", newError(tt.code, nil))
			assert.Equal(t, tt.origin, IsOriginError(err))
			assert.Equal(t, tt.client, IsClientError(err))
			assert.Equal(t, tt.accessControl, IsAccessControlError(err))
			assert.True(t, HasCode(err, tt.code))
		})
	}

	assert.False(t, IsOriginError(errors.New("plain")))
	assert.False(t, HasCode(nil, ErrCodeReadTimeout))
}

func TestHasCodeNested(t *testing.T) {
	inner := newError(ErrCodeConnectTimeout, errors.New("i/o timeout"))
	outer := newError(ErrCodeStoreInitFailed, fmt.Errorf("redis: %w", inner))

	assert.True(t, HasCode(outer, ErrCodeStoreInitFailed))
	assert.True(t, HasCode(outer, ErrCodeConnectTimeout))
	assert.False(t, HasCode(outer, ErrCodeReadTimeout))
}

func TestEveryCodeHasDescription(t *testing.T) {
	for _, code := range []string{
		ErrCodeListenerCreateFailed, ErrCodeStoreInitFailed, ErrCodeUpstreamConfigFailed,
		ErrCodeOriginConnectFailed, ErrCodeConnectTimeout, ErrCodeOriginIOFailed, ErrCodeReadTimeout,
		ErrCodeClientReadFailed, ErrCodeClientReadTimeout, ErrCodeClientWriteFailed,
		ErrCodeMalformedRequest, ErrCodeMissingHostHeader, ErrCodeResponseParseFailed,
		ErrCodeFilterRejected, ErrCodeFilterStoreFailed,
		ErrCodeCacheStoreFailed, ErrCodeLogStoreFailed, ErrCodePanicRecovered,
	} {
		assert.NotEqual(t, "Unknown error", GetErrorDescription(code), code)
	}
	assert.Equal(t, "Unknown error", GetErrorDescription("E0000"))
}
