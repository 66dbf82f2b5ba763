package drive

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestParseTime(t *testing.T) {
	ts, err := parseTime("2020-09-13T12:26:40.000Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1600000000), ts.Unix())

	_, err = parseTime("")
	assert.Error(t, err)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&googleapi.Error{Code: http.StatusNotFound}))
	assert.False(t, isNotFound(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, isNotFound(errors.New("network error")))
}
