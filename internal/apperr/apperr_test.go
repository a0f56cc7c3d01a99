package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{BadRequest, http.StatusBadRequest},
		{Download, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{Timeout, http.StatusRequestTimeout},
		{Internal, http.StatusInternalServerError},
		{Storage, http.StatusInternalServerError},
		{Processing, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.kind.HTTPStatus(), tc.kind.String())
	}
}

func TestErrorMessageFormat(t *testing.T) {
	err := New(Download, "connection reset by peer")
	assert.Equal(t, "Download error: connection reset by peer", err.Error())

	err = New(Timeout, "Download timed out after %d seconds", 900)
	assert.Equal(t, "Timeout error: Download timed out after 900 seconds", err.Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, NotFound, KindOf(New(NotFound, "Job not found: x")))
	assert.Equal(t, Internal, KindOf(errors.New("plain error")))

	wrapped := fmt.Errorf("outer: %w", New(Processing, "ffmpeg exploded"))
	assert.Equal(t, Processing, KindOf(wrapped))
	assert.Equal(t, "ffmpeg exploded", MessageOf(wrapped))
}

func TestToEnvelope(t *testing.T) {
	env := ToEnvelope(New(BadRequest, "Job ID contains invalid characters"))
	assert.Equal(t, "request_failed", env.Error)
	assert.Equal(t, "bad_request", env.ErrorType)
	assert.Equal(t, "Job ID contains invalid characters", env.Message)
}
