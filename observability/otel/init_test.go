package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWithoutSignalsIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "jurywatchd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders("authorization=Bearer abc, x-team = disputes ,broken,=skip")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"x-team":        "disputes",
	}, headers)
}
